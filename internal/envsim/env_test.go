package envsim

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rl-trading-bot/internal/indicators"
	"rl-trading-bot/internal/market"
)

func syntheticFrame(t *testing.T, n int, seed int64) *market.Frame {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	bars := make([]market.Kline, n)
	price := 100.0
	start := time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		drift := 0.0002 + 0.01*math.Sin(float64(i)/20)
		price *= 1 + drift + rng.NormFloat64()*0.01
		bars[i] = market.Kline{
			OpenTime: start.Add(time.Duration(i) * 24 * time.Hour),
			Open:     price * 0.999,
			High:     price * 1.01,
			Low:      price * 0.99,
			Close:    price,
			Volume:   1e6 + rng.Float64()*1e5,
		}
	}
	return &market.Frame{Symbol: "SYN", Bars: bars}
}

func newTestEnv(t *testing.T, cfg EnvConfig) *Env {
	t.Helper()
	frame := syntheticFrame(t, 400, 7)
	features, err := indicators.Compute(frame)
	require.NoError(t, err)
	env, err := NewEnv(frame, features, cfg)
	require.NoError(t, err)
	return env
}

func TestRejectsShortFrames(t *testing.T) {
	frame := syntheticFrame(t, 50, 1)
	_, err := indicators.Compute(frame)
	assert.ErrorIs(t, err, market.ErrInsufficientBars)

	long := syntheticFrame(t, 400, 1)
	features, err := indicators.Compute(long)
	require.NoError(t, err)
	_, err = NewEnv(long.Slice(0, 80), features, DefaultEnvConfig())
	assert.Error(t, err)
}

func TestObservationShapeAndRange(t *testing.T) {
	cfg := DefaultEnvConfig()
	cfg.Window = 30
	env := newTestEnv(t, cfg)

	obs := env.Reset()
	require.Len(t, obs, env.ObservationDim())
	assert.Equal(t, 30*len(indicators.FeatureNames)+PortfolioFeatureCount, len(obs))

	// window features are min-max normalised, portfolio block is finite
	for i, v := range obs {
		require.Falsef(t, math.IsNaN(v) || math.IsInf(v, 0), "obs[%d] = %v", i, v)
	}
	for i := 0; i < 30*len(indicators.FeatureNames); i++ {
		assert.GreaterOrEqual(t, obs[i], 0.0)
		assert.LessOrEqual(t, obs[i], 1.0)
	}
}

func TestPortfolioValueStaysNonNegative(t *testing.T) {
	cfg := DefaultEnvConfig()
	cfg.Window = 30
	cfg.AllowShort = true
	cfg.Seed = 3
	env := newTestEnv(t, cfg)

	rng := rand.New(rand.NewSource(11))
	for episode := 0; episode < 3; episode++ {
		env.Reset()
		for !env.Done() {
			a := Action(rng.Intn(env.NumActions()))
			_, reward, _ := env.Step(a)
			require.False(t, math.IsNaN(reward))
			require.GreaterOrEqual(t, env.PortfolioValue(), 0.0)
		}
	}
}

func TestBuyThenSellRoundTripPaysFees(t *testing.T) {
	cfg := DefaultEnvConfig()
	cfg.Window = 30
	env := newTestEnv(t, cfg)
	env.Reset()

	env.Step(ActionBuyMedium)
	require.Greater(t, env.TotalFees(), 0.0)
	env.Step(ActionSellAll)

	trades, wins, losses := env.TradeStats()
	assert.GreaterOrEqual(t, trades, 2)
	assert.GreaterOrEqual(t, wins+losses, 1)
	assert.Equal(t, 0.0, env.sharesHeld)
}

func TestShortDisabledActionsAreNoOps(t *testing.T) {
	cfg := DefaultEnvConfig()
	cfg.Window = 30
	cfg.AllowShort = false
	env := newTestEnv(t, cfg)
	env.Reset()

	assert.Equal(t, NumActionsLong, env.NumActions())

	before := env.PortfolioValue()
	env.Step(ActionShortMedium)
	assert.Equal(t, 0.0, env.sharesShorted)
	// nothing traded, only the market moved the value
	assert.InDelta(t, before, env.PortfolioValue(), before*0.05)
}

func TestHoldUntilDoneLiquidates(t *testing.T) {
	cfg := DefaultEnvConfig()
	cfg.Window = 30
	env := newTestEnv(t, cfg)
	env.Reset()

	env.Step(ActionBuyLarge)
	for !env.Done() {
		env.Step(ActionHold)
	}
	assert.Equal(t, 0.0, env.sharesHeld)
	assert.Equal(t, 0.0, env.sharesShorted)
}

func TestInferenceModeStartsAtLastBar(t *testing.T) {
	cfg := DefaultEnvConfig()
	cfg.Window = 30
	cfg.InferenceMode = true
	env := newTestEnv(t, cfg)

	obs := env.Reset()
	require.Len(t, obs, env.ObservationDim())
	assert.Equal(t, env.frame.Len()-1, env.step)
}

func TestDeterministicUnderSeed(t *testing.T) {
	cfg := DefaultEnvConfig()
	cfg.Window = 30
	cfg.Seed = 42

	a := newTestEnv(t, cfg)
	b := newTestEnv(t, cfg)
	obsA := a.Reset()
	obsB := b.Reset()
	assert.Equal(t, obsA, obsB)

	for i := 0; i < 20; i++ {
		act := Action(i % NumActionsLong)
		_, rA, _ := a.Step(act)
		_, rB, _ := b.Step(act)
		assert.Equal(t, rA, rB)
	}
}
