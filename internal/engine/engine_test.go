package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rl-trading-bot/internal/backend"
	"rl-trading-bot/internal/market"
	"rl-trading-bot/internal/risk"
	"rl-trading-bot/internal/signals"
)

type stubCollector struct {
	agg signals.Aggregate
}

func (s *stubCollector) Collect(_ context.Context, _ string, _ *market.Frame) *signals.Aggregate {
	out := s.agg
	return &out
}

type stubRisk struct {
	result risk.Result
	last   risk.TradeContext
}

func (s *stubRisk) Evaluate(_ context.Context, tc risk.TradeContext) *risk.Result {
	s.last = tc
	out := s.result
	return &out
}

func passingRisk() *stubRisk {
	return &stubRisk{result: risk.Result{AllPassed: true, PositionScaleFactor: 1.0}}
}

func flatFrame(price float64, n int) *market.Frame {
	bars := make([]market.Kline, n)
	t := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = market.Kline{
			OpenTime: t.Add(time.Duration(i) * 24 * time.Hour),
			Open:     price, High: price * 1.01, Low: price * 0.99, Close: price, Volume: 1e6,
		}
	}
	return &market.Frame{Symbol: "TEST", Bars: bars}
}

func flatPortfolio(cash float64) *backend.PortfolioSnapshot {
	return &backend.PortfolioSnapshot{
		Cash:       cash,
		TotalValue: cash,
		MaxValue:   cash,
		Positions:  map[string]backend.Position{},
	}
}

func newTestEngine(cfg TraderConfig, agg signals.Aggregate, rm riskEvaluator) *Engine {
	return New(cfg, &stubCollector{agg: agg}, rm, zerolog.Nop())
}

func TestStrongBullishAgreementBuys(t *testing.T) {
	cfg := DefaultTraderConfig("t1", "alpha")
	rm := passingRisk()
	e := newTestEngine(cfg, signals.Aggregate{
		WeightedScore: 0.30, Confidence: 0.78, Agreement: "strong",
	}, rm)

	d := e.Decide(context.Background(), "MSFT", flatFrame(50, 120), flatPortfolio(100000), Streak{}, time.Now())

	require.Equal(t, "buy", d.Type)
	assert.InDelta(t, 0.65, d.Threshold, 1e-12)
	// fixed sizing: 100000 * 0.10 / 50
	assert.Equal(t, 200.0, d.Quantity)
	assert.Less(t, d.StopLoss, d.Price)
	assert.Greater(t, d.TakeProfit, d.Price)
	assert.NotEmpty(t, d.TraceID)
}

func TestScoreAtBuyStrongBoundaryDoesNotBuy(t *testing.T) {
	cfg := DefaultTraderConfig("t1", "alpha")
	cfg.AdaptiveThreshold = false // threshold stays at 0.65

	at := newTestEngine(cfg, signals.Aggregate{
		WeightedScore: 0.25, Confidence: 0.70, Agreement: "moderate",
	}, passingRisk())
	d := at.Decide(context.Background(), "MSFT", flatFrame(50, 120), flatPortfolio(100000), Streak{}, time.Now())
	assert.Equal(t, "hold", d.Type)

	above := newTestEngine(cfg, signals.Aggregate{
		WeightedScore: 0.26, Confidence: 0.70, Agreement: "moderate",
	}, passingRisk())
	d = above.Decide(context.Background(), "MSFT", flatFrame(50, 120), flatPortfolio(100000), Streak{}, time.Now())
	assert.Equal(t, "buy", d.Type)
}

func TestWeakBuyNeedsExtraConfidence(t *testing.T) {
	cfg := DefaultTraderConfig("t1", "alpha")
	cfg.AdaptiveThreshold = false

	// score under buy_strong, confidence above threshold+0.10
	e := newTestEngine(cfg, signals.Aggregate{
		WeightedScore: 0.10, Confidence: 0.80, Agreement: "moderate",
	}, passingRisk())
	d := e.Decide(context.Background(), "MSFT", flatFrame(50, 120), flatPortfolio(100000), Streak{}, time.Now())
	assert.Equal(t, "buy", d.Type)
}

func TestHorizonAwareShort(t *testing.T) {
	cfg := DefaultTraderConfig("t1", "alpha")
	cfg.AllowShort = true
	rm := passingRisk()
	e := newTestEngine(cfg, signals.Aggregate{
		WeightedScore: -0.22, Confidence: 0.80, Agreement: "strong",
	}, rm)

	d := e.Decide(context.Background(), "TSLA", flatFrame(100, 120), flatPortfolio(100000), Streak{}, time.Now())

	require.Equal(t, "short", d.Type)
	assert.Negative(t, d.Quantity)
	assert.InDelta(t, 105.0, d.StopLoss, 1e-9)
	assert.InDelta(t, 90.0, d.TakeProfit, 1e-9)
	assert.Equal(t, "short", rm.last.Action)
}

func TestShortDisabledHolds(t *testing.T) {
	cfg := DefaultTraderConfig("t1", "alpha")
	cfg.AllowShort = false
	e := newTestEngine(cfg, signals.Aggregate{
		WeightedScore: -0.22, Confidence: 0.80, Agreement: "strong",
	}, passingRisk())

	d := e.Decide(context.Background(), "TSLA", flatFrame(100, 120), flatPortfolio(100000), Streak{}, time.Now())
	assert.Equal(t, "hold", d.Type)
}

func TestShortQuotaIsSideAuthoritative(t *testing.T) {
	cfg := DefaultTraderConfig("t1", "alpha")
	cfg.AllowShort = true
	cfg.MaxShortPositions = 1
	e := newTestEngine(cfg, signals.Aggregate{
		WeightedScore: -0.30, Confidence: 0.85, Agreement: "strong",
	}, passingRisk())

	pf := flatPortfolio(100000)
	// quantity is positive, side says short
	pf.Positions["NVDA"] = backend.Position{Quantity: 50, Side: "short", MarketValue: 5000}

	d := e.Decide(context.Background(), "TSLA", flatFrame(100, 120), pf, Streak{}, time.Now())
	assert.Equal(t, "hold", d.Type)
}

func TestStopTakeProfitSides(t *testing.T) {
	sl, tp := StopTakeProfit(100, 0.05, 0.10, false)
	assert.Equal(t, 95.0, sl)
	assert.InDelta(t, 110.0, tp, 1e-9)

	sl, tp = StopTakeProfit(100, 0.05, 0.10, true)
	assert.InDelta(t, 105.0, sl, 1e-9)
	assert.Equal(t, 90.0, tp)
}

func TestKellySizingWithShortMultiplier(t *testing.T) {
	cfg := DefaultTraderConfig("t1", "alpha")
	cfg.AllowShort = true
	cfg.Sizing = SizingKelly
	cfg.KellyFraction = 0.2
	e := newTestEngine(cfg, signals.Aggregate{
		WeightedScore: -0.30, Confidence: 0.80, Agreement: "strong",
	}, passingRisk())

	d := e.Decide(context.Background(), "TSLA", flatFrame(100, 120), flatPortfolio(100000), Streak{}, time.Now())

	// p=0.9, b=2 -> kelly 0.85; x0.2 -> 17000; x0.7 short -> 11900
	require.Equal(t, "short", d.Type)
	assert.Equal(t, -119.0, d.Quantity)
}

func TestRiskScaleFactorAppliedBeforeRounding(t *testing.T) {
	cfg := DefaultTraderConfig("t1", "alpha")
	rm := &stubRisk{result: risk.Result{AllPassed: true, PositionScaleFactor: 0.30}}
	e := newTestEngine(cfg, signals.Aggregate{
		WeightedScore: 0.40, Confidence: 0.85, Agreement: "strong",
	}, rm)

	d := e.Decide(context.Background(), "MSFT", flatFrame(100, 120), flatPortfolio(100000), Streak{}, time.Now())

	require.Equal(t, "buy", d.Type)
	// 10000 sized, scaled to 3000, 100/share
	assert.Equal(t, 30.0, d.Quantity)
}

func TestRiskBlockerSkips(t *testing.T) {
	cfg := DefaultTraderConfig("t1", "alpha")
	rm := &stubRisk{result: risk.Result{AllPassed: false, Blockers: []string{"daily loss"}, PositionScaleFactor: 1.0}}
	e := newTestEngine(cfg, signals.Aggregate{
		WeightedScore: 0.40, Confidence: 0.85, Agreement: "strong",
	}, rm)

	d := e.Decide(context.Background(), "MSFT", flatFrame(100, 120), flatPortfolio(100000), Streak{}, time.Now())
	assert.Equal(t, "skip", d.Type)
	assert.False(t, d.Actionable())
}

func TestAdaptiveThreshold(t *testing.T) {
	cfg := DefaultTraderConfig("t1", "alpha")
	e := newTestEngine(cfg, signals.Aggregate{}, passingRisk())

	assert.InDelta(t, 0.65, e.threshold("strong", flatPortfolio(100000), Streak{}), 1e-12)
	assert.InDelta(t, 0.70, e.threshold("weak", flatPortfolio(100000), Streak{}), 1e-12)
	assert.InDelta(t, 0.75, e.threshold("mixed", flatPortfolio(100000), Streak{}), 1e-12)

	down := flatPortfolio(100000)
	down.DailyPnLPct = -2.5
	assert.InDelta(t, 0.75, e.threshold("strong", down, Streak{}), 1e-12)

	assert.InDelta(t, 0.75, e.threshold("strong", flatPortfolio(100000), Streak{ConsecutiveLosses: 4}), 1e-12)
	assert.InDelta(t, 0.67, e.threshold("strong", flatPortfolio(100000), Streak{ConsecutiveWins: 6}), 1e-12)

	// everything stacked still caps at 0.90
	capped := e.threshold("mixed", down, Streak{ConsecutiveLosses: 6})
	assert.InDelta(t, 0.90, capped, 1e-12)
}

func TestLowConfidenceSkips(t *testing.T) {
	cfg := DefaultTraderConfig("t1", "alpha")
	e := newTestEngine(cfg, signals.Aggregate{
		WeightedScore: 0.50, Confidence: 0.40, Agreement: "strong",
	}, passingRisk())

	d := e.Decide(context.Background(), "MSFT", flatFrame(100, 120), flatPortfolio(100000), Streak{}, time.Now())
	assert.Equal(t, "skip", d.Type)
}

func TestConfirmationGate(t *testing.T) {
	cfg := DefaultTraderConfig("t1", "alpha")
	cfg.RequireMultipleConfirmation = true
	cfg.MinAgreement = "moderate"
	e := newTestEngine(cfg, signals.Aggregate{
		WeightedScore: 0.50, Confidence: 0.85, Agreement: "weak",
	}, passingRisk())

	d := e.Decide(context.Background(), "MSFT", flatFrame(100, 120), flatPortfolio(100000), Streak{}, time.Now())
	assert.Equal(t, "skip", d.Type)
}

func TestMinHoldingDefersEngineExit(t *testing.T) {
	cfg := DefaultTraderConfig("t1", "alpha") // day horizon, 30 min floor
	now := time.Date(2026, 1, 7, 15, 0, 0, 0, time.UTC)

	pf := flatPortfolio(100000)
	pf.Positions["MSFT"] = backend.Position{
		Quantity: 100, Side: "long",
		OpenedAt: now.Add(-10 * time.Minute).Format("2006-01-02T15:04:05"),
	}

	e := newTestEngine(cfg, signals.Aggregate{
		WeightedScore: -0.25, Confidence: 0.85, Agreement: "strong",
	}, passingRisk())

	d := e.Decide(context.Background(), "MSFT", flatFrame(100, 120), pf, Streak{}, now)
	assert.Equal(t, "hold", d.Type)

	pf.Positions["MSFT"] = backend.Position{
		Quantity: 100, Side: "long",
		OpenedAt: now.Add(-45 * time.Minute).Format(time.RFC3339),
	}
	d = e.Decide(context.Background(), "MSFT", flatFrame(100, 120), pf, Streak{}, now)
	assert.Equal(t, "sell", d.Type)
	assert.Equal(t, 100.0, d.Quantity)
}

func TestShortPositionCoversOnReversal(t *testing.T) {
	cfg := DefaultTraderConfig("t1", "alpha")
	now := time.Date(2026, 1, 7, 15, 0, 0, 0, time.UTC)

	pf := flatPortfolio(100000)
	pf.Positions["TSLA"] = backend.Position{
		Quantity: 50, Side: "short",
		OpenedAt: now.Add(-2 * time.Hour).Format(time.RFC3339),
	}

	e := newTestEngine(cfg, signals.Aggregate{
		WeightedScore: 0.15, Confidence: 0.85, Agreement: "strong",
	}, passingRisk())
	d := e.Decide(context.Background(), "TSLA", flatFrame(100, 120), pf, Streak{}, now)
	assert.Equal(t, "close", d.Type)

	e = newTestEngine(cfg, signals.Aggregate{
		WeightedScore: -0.30, Confidence: 0.85, Agreement: "strong",
	}, passingRisk())
	d = e.Decide(context.Background(), "TSLA", flatFrame(100, 120), pf, Streak{}, now)
	assert.Equal(t, "hold", d.Type)
}

func TestPersonalityAdapter(t *testing.T) {
	trader := backend.Trader{
		ID:   "t-42",
		Name: "gamma",
		Personality: map[string]interface{}{
			"trading": map[string]interface{}{
				"horizon":        "swing",
				"min_confidence": 0.7,
				"allow_short":    true,
				"watchlist":      []interface{}{"AAPL", "MSFT"},
				"initial_budget": float64(250000),
			},
			"risk": map[string]interface{}{
				"max_drawdown": 0.2,
			},
			"mystery": map[string]interface{}{"x": 1},
		},
	}

	cfg := TraderConfigFromPersonality(trader, zerolog.Nop())

	assert.Equal(t, HorizonSwing, cfg.Horizon)
	assert.Equal(t, 0.7, cfg.MinConfidence)
	assert.True(t, cfg.AllowShort)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Watchlist)
	assert.Equal(t, 250000.0, cfg.InitialBudget)
	assert.Equal(t, 0.2, cfg.Limits.MaxDrawdown)
	// unknown section is ignored, defaults survive
	assert.Equal(t, HorizonSwing, cfg.Horizon)
	assert.Equal(t, 30, cfg.CooldownMinutes)
}
