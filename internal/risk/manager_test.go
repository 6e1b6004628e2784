package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rl-trading-bot/internal/backend"
)

type stubVIX struct {
	vix float64
	err error
}

func (s *stubVIX) FetchVIX(_ context.Context) (float64, error) { return s.vix, s.err }

func healthyPortfolio() *backend.PortfolioSnapshot {
	return &backend.PortfolioSnapshot{
		Cash:           60000,
		TotalValue:     101000,
		TotalInvested:  41000,
		PositionsCount: 2,
		Positions: map[string]backend.Position{
			"AAPL": {Quantity: 100, Side: "long", MarketValue: 20000},
		},
		DailyPnLPct: 0.4,
		MaxValue:    101000,
	}
}

func newTestManager(vix VIXFetcher) *Manager {
	return NewManager(DefaultLimits(100000), Schedule{}, vix, zerolog.Nop())
}

func TestAllChecksPassMeansNoBlockers(t *testing.T) {
	m := newTestManager(&stubVIX{vix: 15})
	res := m.Evaluate(context.Background(), TradeContext{
		Symbol:    "MSFT",
		Action:    "buy",
		Value:     10000,
		Portfolio: healthyPortfolio(),
		Now:       time.Now(),
	})

	assert.True(t, res.AllPassed)
	assert.Empty(t, res.Blockers)
	assert.Equal(t, res.Total, res.PassedCount)
	assert.Equal(t, 11, res.Total)
	assert.Equal(t, 1.0, res.PositionScaleFactor)
}

func TestPositionSizeBlocks(t *testing.T) {
	m := newTestManager(nil)
	res := m.Evaluate(context.Background(), TradeContext{
		Symbol:    "MSFT",
		Action:    "buy",
		Value:     30000, // cap is 25000
		Portfolio: healthyPortfolio(),
	})

	assert.False(t, res.AllPassed)
	require.NotEmpty(t, res.Blockers)
	assert.False(t, res.Checks[0].Passed)
	assert.Equal(t, "position_size", res.Checks[0].Name)
}

func TestMaxPositionsOnlyBindsWhenOpening(t *testing.T) {
	m := newTestManager(nil)
	pf := healthyPortfolio()
	pf.PositionsCount = 5

	opening := m.Evaluate(context.Background(), TradeContext{
		Symbol: "MSFT", Action: "buy", Value: 5000, Portfolio: pf,
	})
	assert.False(t, opening.AllPassed)

	closing := m.Evaluate(context.Background(), TradeContext{
		Symbol: "AAPL", Action: "close", Portfolio: pf,
	})
	assert.True(t, closing.AllPassed)
}

func TestDailyLossBlocker(t *testing.T) {
	m := newTestManager(nil)
	pf := healthyPortfolio()
	pf.DailyPnLPct = -3.5 // limit is -3.0

	res := m.Evaluate(context.Background(), TradeContext{
		Symbol: "MSFT", Action: "buy", Value: 5000, Portfolio: pf,
	})
	assert.False(t, res.AllPassed)
	assert.Contains(t, res.Blockers[0], "daily pnl")
}

// Deep drawdown below the hard limit still trades, at the smallest scale
// factor and with a warning rather than a blocker.
func TestGraduatedDrawdownScaling(t *testing.T) {
	m := newTestManager(nil)
	pf := healthyPortfolio()
	pf.MaxValue = 100000
	pf.TotalValue = 87000 // 13% drawdown, 86.7% of the 15% limit

	res := m.Evaluate(context.Background(), TradeContext{
		Symbol: "MSFT", Action: "buy", Value: 5000, Portfolio: pf,
	})

	assert.True(t, res.AllPassed)
	assert.Equal(t, 0.30, res.PositionScaleFactor)
	assert.NotEmpty(t, res.Warnings)

	scaling := res.Checks[len(res.Checks)-1]
	assert.Equal(t, "drawdown_scaling", scaling.Name)
	assert.True(t, scaling.Passed)
	assert.Equal(t, SeverityWarning, scaling.Severity)
}

func TestDrawdownScaleTable(t *testing.T) {
	m := newTestManager(nil)
	cases := []struct {
		totalValue float64
		want       float64
	}{
		{99000, 1.00},  // 1% dd, 6.7% of limit
		{95000, 0.75},  // 5% dd, 33% of limit
		{91000, 0.50},  // 9% dd, 60% of limit
		{88000, 0.30},  // 12% dd, 80% of limit
		{100500, 1.00}, // above the peak, no drawdown
	}
	for _, tc := range cases {
		pf := healthyPortfolio()
		pf.MaxValue = 100000
		pf.TotalValue = tc.totalValue
		res := m.Evaluate(context.Background(), TradeContext{
			Symbol: "MSFT", Action: "buy", Value: 1000, Portfolio: pf,
		})
		assert.Equal(t, tc.want, res.PositionScaleFactor, "total value %.0f", tc.totalValue)
	}
}

func TestMaxDrawdownBlocks(t *testing.T) {
	m := newTestManager(nil)
	pf := healthyPortfolio()
	pf.MaxValue = 100000
	pf.TotalValue = 84000 // 16% drawdown, over the 15% limit

	res := m.Evaluate(context.Background(), TradeContext{
		Symbol: "MSFT", Action: "buy", Value: 1000, Portfolio: pf,
	})
	assert.False(t, res.AllPassed)
}

func TestVIXWarningIsNotABlocker(t *testing.T) {
	m := newTestManager(&stubVIX{vix: 42})
	res := m.Evaluate(context.Background(), TradeContext{
		Symbol: "MSFT", Action: "buy", Value: 5000, Portfolio: healthyPortfolio(),
	})

	assert.True(t, res.AllPassed)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "VIX")
}

func TestVIXFetchFailureDegradesToPass(t *testing.T) {
	m := newTestManager(&stubVIX{err: errors.New("upstream down")})
	res := m.Evaluate(context.Background(), TradeContext{
		Symbol: "MSFT", Action: "buy", Value: 5000, Portfolio: healthyPortfolio(),
	})

	assert.True(t, res.AllPassed)
	for _, c := range res.Checks {
		if c.Name == "vix_gate" {
			assert.True(t, c.Passed)
			assert.Equal(t, SeverityInfo, c.Severity)
		}
	}
}

func TestLossCooldownBlocks(t *testing.T) {
	m := newTestManager(nil)
	res := m.Evaluate(context.Background(), TradeContext{
		Symbol:            "MSFT",
		Action:            "buy",
		Value:             5000,
		Portfolio:         healthyPortfolio(),
		ConsecutiveLosses: 4,
	})
	assert.False(t, res.AllPassed)
	assert.Contains(t, res.Blockers[0], "consecutive losses")
}

func TestTradingHoursWindow(t *testing.T) {
	sched := Schedule{
		Enabled:            true,
		Timezone:           "America/New_York",
		Days:               []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Start:              "09:30",
		End:                "16:00",
		OpenBufferMinutes:  15,
		CloseBufferMinutes: 15,
	}
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Wednesday 2026-01-07
	assert.True(t, sched.Within(time.Date(2026, 1, 7, 11, 0, 0, 0, loc)))
	// inside the open buffer
	assert.False(t, sched.Within(time.Date(2026, 1, 7, 9, 35, 0, 0, loc)))
	// inside the close buffer
	assert.False(t, sched.Within(time.Date(2026, 1, 7, 15, 50, 0, 0, loc)))
	// Saturday
	assert.False(t, sched.Within(time.Date(2026, 1, 10, 11, 0, 0, 0, loc)))
}

func TestScheduleDisabledAlwaysPasses(t *testing.T) {
	m := newTestManager(nil)
	res := m.Evaluate(context.Background(), TradeContext{
		Symbol:    "MSFT",
		Action:    "buy",
		Value:     5000,
		Portfolio: healthyPortfolio(),
		Now:       time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC), // Saturday night
	})
	assert.True(t, res.AllPassed)
}
