package policy

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"rl-trading-bot/internal/market"
	"rl-trading-bot/internal/nn"
)

func syntheticFrame(t *testing.T, symbol string, n int, seed int64) *market.Frame {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	bars := make([]market.Kline, n)
	price := 100.0
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		drift := 0.4 * math.Sin(float64(i)/25)
		price += drift + rng.NormFloat64()*0.8
		if price < 5 {
			price = 5
		}
		bars[i] = market.Kline{
			OpenTime: start.AddDate(0, 0, i),
			Open:     price * (1 + rng.NormFloat64()*0.002),
			High:     price * 1.01,
			Low:      price * 0.99,
			Close:    price,
			Volume:   1e6 * (1 + rng.Float64()),
		}
	}
	frame, err := market.NewFrame(symbol, bars, 100)
	require.NoError(t, err)
	return frame
}

func testAgentConfig(name string) AgentConfig {
	cfg := DefaultAgentConfig(name)
	cfg.LookbackWindow = 20
	cfg.BrokerProfile = "zero_cost"
	return cfg
}

func tinyParams() TrainParams {
	p := DefaultTrainParams()
	p.NSteps = 8
	p.BatchSize = 4
	return p
}

func TestCosineLRSchedule(t *testing.T) {
	lr0 := 3e-4
	assert.InDelta(t, lr0, CosineLR(lr0, 1), 1e-12)
	assert.InDelta(t, 0.1*lr0, CosineLR(lr0, 0), 1e-12)

	prev := math.Inf(1)
	for i := 20; i >= 0; i-- {
		lr := CosineLR(lr0, float64(i)/20)
		assert.LessOrEqual(t, lr, prev+1e-15)
		prev = lr
	}
}

func TestMergeForContinuePreservesArchitecture(t *testing.T) {
	persisted := testAgentConfig("alpha")
	persisted.UseTransformerPolicy = true
	persisted.DModel = 128
	persisted.NumLayers = 2
	persisted.AllowShort = true

	incoming := testAgentConfig("alpha")
	incoming.UseTransformerPolicy = false
	incoming.DModel = 64
	incoming.NumLayers = 4
	incoming.AllowShort = false
	incoming.InitialBalance = 200000
	incoming.StopLossPct = 0.03

	merged := MergeForContinue(persisted, incoming)

	assert.True(t, merged.UseTransformerPolicy)
	assert.Equal(t, 128, merged.DModel)
	assert.Equal(t, 2, merged.NumLayers)
	assert.True(t, merged.AllowShort)
	assert.Equal(t, 20, merged.LookbackWindow)

	assert.Equal(t, 200000.0, merged.InitialBalance)
	assert.Equal(t, 0.03, merged.StopLossPct)
}

func TestPredictProbabilitiesSumToOne(t *testing.T) {
	cfg := testAgentConfig("probs")
	arch := Arch{ObsDim: 20*35 + 7, NumActions: cfg.NumActions(), Window: 20, NumFeatures: 35}
	net := NewNetwork(cfg, arch, 7)

	obs := make([]float64, arch.ObsDim)
	rng := rand.New(rand.NewSource(9))
	for i := range obs {
		obs[i] = rng.Float64()
	}

	action, probs := net.Predict(obs)
	sum := 0.0
	maxP := 0.0
	for _, p := range probs {
		require.False(t, math.IsNaN(p))
		sum += p
		if p > maxP {
			maxP = p
		}
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	assert.Equal(t, maxP, probs[action])
}

func TestVecNormalizeFrozenStatsRoundTrip(t *testing.T) {
	v := NewVecNormalize(4, 1, 0.99)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		obs := []float64{rng.NormFloat64() * 5, rng.NormFloat64(), 10 + rng.NormFloat64(), 0}
		v.NormalizeObs(obs)
	}

	path := filepath.Join(t.TempDir(), "vec_normalize.msgpack")
	require.NoError(t, v.Save(path))

	loaded, err := LoadVecNormalize(path, 1)
	require.NoError(t, err)
	assert.False(t, loaded.Training)

	probe := []float64{1.5, -0.3, 9.7, 0}
	v.Training = false
	assert.Equal(t, v.NormalizeObs(probe), loaded.NormalizeObs(probe))

	// Frozen mode must not drift.
	first := loaded.NormalizeObs(probe)
	for i := 0; i < 50; i++ {
		loaded.NormalizeObs([]float64{100, 100, 100, 100})
	}
	assert.Equal(t, first, loaded.NormalizeObs(probe))
}

func TestModelArtifactRoundTrip(t *testing.T) {
	cfg := testAgentConfig("roundtrip")
	arch := Arch{ObsDim: 20*35 + 7, NumActions: cfg.NumActions(), Window: 20, NumFeatures: 35}
	net := NewNetwork(cfg, arch, 11)

	path := filepath.Join(t.TempDir(), ModelFileName)
	require.NoError(t, SaveModel(path, net, 12345, 42, 3.14))

	loaded, steps, eps, best, err := LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), steps)
	assert.Equal(t, int64(42), eps)
	assert.Equal(t, 3.14, best)
	assert.Equal(t, cfg.Name, loaded.Cfg.Name)

	obs := make([]float64, arch.ObsDim)
	for i := range obs {
		obs[i] = 0.5
	}
	assert.Equal(t, net.ActionProbs(obs), loaded.ActionProbs(obs))
}

func TestTrainThenContinuePreservesCountersAndArchitecture(t *testing.T) {
	dir := t.TempDir()
	trainer := NewTrainer(filepath.Join(dir, "models"), filepath.Join(dir, "ckpt"), tinyParams(), zerolog.Nop())

	frames := []*market.Frame{syntheticFrame(t, "SYN", 600, 1)}

	first := testAgentConfig("agent-x")
	res1, err := trainer.Train(context.Background(), TrainRequest{
		Agent:          first,
		Frames:         frames,
		TotalTimesteps: 16,
		Seed:           1,
	})
	require.NoError(t, err)
	require.False(t, res1.Metadata.ContinuedFromPrevious)
	assert.Equal(t, 1, res1.Metadata.TrainingSessions)
	assert.NotNil(t, res1.Metadata.PerformanceMetrics)

	// The incoming config tries to flip the architecture; it must not win.
	second := testAgentConfig("agent-x")
	second.UseTransformerPolicy = true
	second.InitialBalance = 200000
	res2, err := trainer.Train(context.Background(), TrainRequest{
		Agent:            second,
		Frames:           frames,
		TotalTimesteps:   16,
		ContinueTraining: true,
		Seed:             2,
	})
	require.NoError(t, err)

	assert.True(t, res2.Metadata.ContinuedFromPrevious)
	assert.False(t, res2.Metadata.Config.UseTransformerPolicy)
	assert.Equal(t, 200000.0, res2.Metadata.Config.InitialBalance)
	assert.Equal(t, 2, res2.Metadata.TrainingSessions)
	assert.GreaterOrEqual(t, res2.Metadata.CumulativeTimesteps,
		res1.Metadata.CumulativeTimesteps+res2.Metadata.TotalTimesteps)
}

func TestWalkForwardSplitRules(t *testing.T) {
	trainer := NewTrainer(t.TempDir(), t.TempDir(), tinyParams(), zerolog.Nop())

	short := syntheticFrame(t, "SHORT", 120, 2)   // 96 train rows -> dropped
	allTrain := syntheticFrame(t, "MID", 400, 3)  // 80 test rows -> all to train
	full := syntheticFrame(t, "FULL", 1000, 4)    // proper 80/20

	splits := trainer.splitWalkForward([]*market.Frame{short, allTrain, full})
	require.Len(t, splits, 2)

	assert.Equal(t, "MID", splits[0].symbol)
	assert.Nil(t, splits[0].test)
	assert.Equal(t, 400, splits[0].train.Len())

	assert.Equal(t, "FULL", splits[1].symbol)
	require.NotNil(t, splits[1].test)
	assert.Equal(t, 800, splits[1].train.Len())
	assert.Equal(t, 200, splits[1].test.Len())
}

func TestGetTradingSignalContract(t *testing.T) {
	frame := syntheticFrame(t, "SIG", 300, 5)
	cfg := testAgentConfig("sig-agent")
	arch := Arch{ObsDim: 20*35 + 7, NumActions: cfg.NumActions(), Window: 20, NumFeatures: 35}
	net := NewNetwork(cfg, arch, 21)
	norm := NewVecNormalize(arch.ObsDim, 1, 0.99)
	norm.Training = false

	sig, err := GetTradingSignal(net, norm, frame, true)
	require.NoError(t, err)

	sum := 0.0
	for _, p := range sig.Probabilities {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	assert.Contains(t, []string{"buy", "sell", "hold"}, sig.Signal)
	assert.Contains(t, []string{"weak", "moderate", "strong", "neutral"}, sig.Strength)
	assert.InDelta(t, sig.Probabilities[maxKey(sig.Probabilities)], sig.Confidence, 1e-12)
	assert.LessOrEqual(t, len(sig.Importance), 10)
	assert.NotEmpty(t, sig.Importance)
}

func maxKey(m map[string]float64) string {
	best, bestV := "", math.Inf(-1)
	for k, v := range m {
		if v > bestV {
			best, bestV = k, v
		}
	}
	return best
}

func TestGAETerminalStepDoesNotBootstrap(t *testing.T) {
	buf := newRolloutBuffer(1, 3)
	buf.rewards = []float64{1, 1, 1}
	buf.values = []float64{0, 100, 0}
	// The first transition ends its episode; step 1 starts a fresh one with
	// an inflated critic estimate that must not leak backwards.
	buf.dones = []bool{true, false, false}

	gamma, lambda := 0.99, 0.95
	buf.computeGAE([]float64{50}, gamma, lambda)

	// Terminal step: advantage = r - V(s), nothing bootstrapped.
	assert.Equal(t, 1.0, buf.advantages[0])
	assert.Equal(t, 1.0, buf.returns[0])

	adv2 := 1 + gamma*50 - 0.0
	assert.InDelta(t, adv2, buf.advantages[2], 1e-9)
	adv1 := (1 + gamma*0 - 100.0) + gamma*lambda*adv2
	assert.InDelta(t, adv1, buf.advantages[1], 1e-9)
	assert.InDelta(t, adv1+100, buf.returns[1], 1e-9)
}

func TestGAEMasksBootstrapOnFinalStep(t *testing.T) {
	buf := newRolloutBuffer(1, 2)
	buf.rewards = []float64{0.5, 2}
	buf.values = []float64{1, 3}
	buf.dones = []bool{false, true}

	gamma, lambda := 0.99, 0.95
	buf.computeGAE([]float64{1000}, gamma, lambda)

	// Episode ends on the last step: the post-rollout value is ignored and
	// the accumulator restarts there.
	adv1 := 2 - 3.0
	assert.Equal(t, adv1, buf.advantages[1])
	adv0 := (0.5 + gamma*3 - 1) + gamma*lambda*adv1
	assert.InDelta(t, adv0, buf.advantages[0], 1e-9)
}

func TestAdamStepUpdatesNetwork(t *testing.T) {
	cfg := testAgentConfig("optim")
	arch := Arch{ObsDim: 20*35 + 7, NumActions: cfg.NumActions(), Window: 20, NumFeatures: 35}
	net := NewNetwork(cfg, arch, 13)
	opt := nn.NewAdam(net, 1e-2)

	obs := make([]float64, arch.ObsDim)
	rng := rand.New(rand.NewSource(17))
	for i := range obs {
		obs[i] = rng.Float64()
	}
	before := net.ActionProbs(obs)

	x := mat.NewDense(1, arch.ObsDim, obs)
	logits, values := net.Forward(x, true)
	dLogits := mat.NewDense(1, arch.NumActions, nil)
	for j := 0; j < arch.NumActions; j++ {
		dLogits.Set(0, j, logits.At(0, j)*0.1+0.01)
	}
	dValues := mat.NewDense(1, 1, []float64{values.At(0, 0) - 1})
	net.Backward(dLogits, dValues)
	opt.Step()

	assert.NotEqual(t, before, net.ActionProbs(obs))
}

func TestFiniteOrNil(t *testing.T) {
	assert.Nil(t, finiteOrNil(math.NaN()))
	assert.Nil(t, finiteOrNil(math.Inf(1)))
	require.NotNil(t, finiteOrNil(1.5))
	assert.Equal(t, 1.5, *finiteOrNil(1.5))
}
