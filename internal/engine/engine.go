package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	talib "github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"rl-trading-bot/internal/backend"
	"rl-trading-bot/internal/market"
	"rl-trading-bot/internal/risk"
	"rl-trading-bot/internal/signals"
)

// Decision is the full reasoning record for one symbol evaluation. Quantity
// is signed; shorts are negative.
type Decision struct {
	TraceID    string                `json:"trace_id"`
	Symbol     string                `json:"symbol"`
	Type       string                `json:"decision_type"` // buy | sell | hold | close | skip | short
	Confidence float64               `json:"confidence"`
	Score      float64               `json:"weighted_score"`
	Agreement  string                `json:"agreement"`
	Threshold  float64               `json:"threshold"`
	Sources    []signals.SourceScore `json:"sources"`
	Quantity   float64               `json:"quantity"`
	Price      float64               `json:"price"`
	StopLoss   float64               `json:"stop_loss,omitempty"`
	TakeProfit float64               `json:"take_profit,omitempty"`
	Risk       *risk.Result          `json:"risk,omitempty"`
	Summary    string                `json:"summary"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Actionable reports whether the decision should be sent for execution.
func (d *Decision) Actionable() bool {
	switch d.Type {
	case "buy", "sell", "short", "close":
		return d.Risk == nil || d.Risk.AllPassed
	}
	return false
}

// Streak is the trader's recent trade outcome run.
type Streak struct {
	ConsecutiveWins   int
	ConsecutiveLosses int
}

type signalCollector interface {
	Collect(ctx context.Context, symbol string, frame *market.Frame) *signals.Aggregate
}

type riskEvaluator interface {
	Evaluate(ctx context.Context, tc risk.TradeContext) *risk.Result
}

// Engine evaluates one symbol at a time for a single trader.
type Engine struct {
	cfg        TraderConfig
	thresholds Thresholds
	collector  signalCollector
	risk       riskEvaluator
	log        zerolog.Logger
}

// New builds an engine for a trader.
func New(cfg TraderConfig, collector signalCollector, riskMgr riskEvaluator, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		thresholds: HorizonThresholds(cfg.Horizon),
		collector:  collector,
		risk:       riskMgr,
		log:        log.With().Str("component", "engine").Str("trader", cfg.Name).Logger(),
	}
}

// Config returns the trader configuration the engine runs with.
func (e *Engine) Config() TraderConfig { return e.cfg }

// Decide fuses the signals for a symbol and derives the trade decision,
// sized and risk-gated.
func (e *Engine) Decide(ctx context.Context, symbol string, frame *market.Frame, portfolio *backend.PortfolioSnapshot, streak Streak, now time.Time) *Decision {
	agg := e.collector.Collect(ctx, symbol, frame)
	threshold := e.threshold(agg.Agreement, portfolio, streak)

	d := &Decision{
		TraceID:    uuid.NewString(),
		Symbol:     symbol,
		Type:       "hold",
		Confidence: agg.Confidence,
		Score:      agg.WeightedScore,
		Agreement:  agg.Agreement,
		Threshold:  threshold,
		Sources:    agg.Sources,
		Price:      frame.LastClose(),
		Timestamp:  now,
	}

	if agg.Confidence < threshold {
		d.Type = "skip"
		d.Summary = fmt.Sprintf("confidence %.2f below threshold %.2f", agg.Confidence, threshold)
		return d
	}
	if e.cfg.RequireMultipleConfirmation && agreementRank(agg.Agreement) < agreementRank(e.cfg.MinAgreement) {
		d.Type = "skip"
		d.Summary = fmt.Sprintf("agreement %s below required %s", agg.Agreement, e.cfg.MinAgreement)
		return d
	}

	pos, hasPos := lookupPosition(portfolio, symbol)
	switch {
	case hasPos && pos.Side == "short":
		e.decideShortExit(d, pos, now)
	case hasPos:
		e.decideLongExit(d, pos, now)
	default:
		e.decideEntry(ctx, d, frame, portfolio, streak, threshold)
	}
	return d
}

func lookupPosition(portfolio *backend.PortfolioSnapshot, symbol string) (backend.Position, bool) {
	if portfolio == nil {
		return backend.Position{}, false
	}
	pos, ok := portfolio.Positions[symbol]
	return pos, ok
}

// threshold applies the adaptive adjustments on top of min_confidence,
// capped at 0.90.
func (e *Engine) threshold(agreement string, portfolio *backend.PortfolioSnapshot, streak Streak) float64 {
	t := e.cfg.MinConfidence
	if !e.cfg.AdaptiveThreshold {
		return t
	}
	switch agreement {
	case "weak":
		t += 0.05
	case "mixed":
		t += 0.10
	}
	if portfolio != nil && portfolio.DailyPnLPct < -2 {
		t += 0.10
	}
	if streak.ConsecutiveLosses >= 3 {
		t += 0.05 * float64(streak.ConsecutiveLosses-2)
	}
	// a long winning run breeds overconfidence, nudge the bar up
	if streak.ConsecutiveWins >= 5 {
		t += 0.02
	}
	if t > 0.90 {
		t = 0.90
	}
	return t
}

func agreementRank(agreement string) int {
	switch agreement {
	case "strong":
		return 3
	case "moderate":
		return 2
	case "weak":
		return 1
	default:
		return 0
	}
}

func (e *Engine) decideLongExit(d *Decision, pos backend.Position, now time.Time) {
	exit := ""
	switch {
	case d.Score < e.thresholds.SellStrong:
		exit = "sell"
	case d.Score < e.thresholds.SellWeak:
		exit = "close"
	}
	if exit == "" {
		d.Summary = "holding long, score above exit triggers"
		return
	}
	if !e.holdingFloorMet(pos, now) {
		d.Summary = fmt.Sprintf("%s deferred, minimum holding not met", exit)
		return
	}
	d.Type = exit
	d.Quantity = pos.Quantity
	d.Summary = fmt.Sprintf("%s long on score %.2f", exit, d.Score)
}

// Both short-exit triggers cover the position; the strong one marks a full
// reversal of the signal.
func (e *Engine) decideShortExit(d *Decision, pos backend.Position, now time.Time) {
	if d.Score <= -e.thresholds.SellStrong && d.Score <= -e.thresholds.SellWeak {
		d.Summary = "holding short, score below cover triggers"
		return
	}
	if !e.holdingFloorMet(pos, now) {
		d.Summary = "close deferred, minimum holding not met"
		return
	}
	d.Type = "close"
	d.Quantity = pos.Quantity
	d.Summary = fmt.Sprintf("cover short on score %.2f", d.Score)
}

func (e *Engine) decideEntry(ctx context.Context, d *Decision, frame *market.Frame, portfolio *backend.PortfolioSnapshot, streak Streak, threshold float64) {
	short := false
	switch {
	case d.Score > e.thresholds.BuyStrong:
		d.Type = "buy"
	case d.Score > 0 && d.Confidence > threshold+0.10:
		d.Type = "buy"
	case d.Score < e.thresholds.ShortTrigger && e.cfg.AllowShort && e.shortQuotaOK(portfolio):
		d.Type = "short"
		short = true
	default:
		d.Summary = fmt.Sprintf("score %.2f inside neutral band", d.Score)
		return
	}

	action := d.Type
	value := e.positionValue(d.Confidence, frame, portfolio, streak, short)
	res := e.risk.Evaluate(ctx, risk.TradeContext{
		Symbol:            d.Symbol,
		Action:            action,
		Value:             value,
		Portfolio:         portfolio,
		ConsecutiveLosses: streak.ConsecutiveLosses,
		Now:               d.Timestamp,
	})
	d.Risk = res
	if !res.AllPassed {
		d.Type = "skip"
		d.Summary = fmt.Sprintf("%s blocked by risk: %v", action, res.Blockers)
		return
	}

	value *= res.PositionScaleFactor
	shares := math.Floor(value / d.Price)
	if shares < 1 {
		d.Type = "skip"
		d.Summary = "position too small after scaling"
		return
	}
	d.Quantity = shares
	if short {
		d.Quantity = -shares
	}
	d.StopLoss, d.TakeProfit = StopTakeProfit(d.Price, e.cfg.StopLossPct, e.cfg.TakeProfitPct, short)
	d.Summary = fmt.Sprintf("%s %.0f shares on score %.2f, confidence %.2f", action, shares, d.Score, d.Confidence)
}

// shortQuotaOK enforces the short position count and exposure caps. Side is
// authoritative for direction, never the sign of the quantity.
func (e *Engine) shortQuotaOK(portfolio *backend.PortfolioSnapshot) bool {
	if portfolio == nil {
		return true
	}
	count := 0
	exposure := 0.0
	for _, pos := range portfolio.Positions {
		if pos.Side == "short" {
			count++
			exposure += pos.MarketValue
		}
	}
	if count >= e.cfg.MaxShortPositions {
		return false
	}
	if portfolio.TotalValue > 0 && exposure/portfolio.TotalValue > e.cfg.MaxShortExposure {
		return false
	}
	return true
}

// positionValue sizes the trade before the risk gate; the risk manager's
// scale factor is applied afterwards, before rounding to shares.
func (e *Engine) positionValue(confidence float64, frame *market.Frame, portfolio *backend.PortfolioSnapshot, streak Streak, short bool) float64 {
	base := 0.0
	switch e.cfg.Sizing {
	case SizingKelly:
		p := (confidence + 1) / 2
		b := 2.0
		kellyPct := math.Max(0, (p*b-(1-p))/b) * e.cfg.KellyFraction
		base = e.cfg.InitialBudget * kellyPct
	case SizingVolatility:
		base = e.volatilityValue(confidence, frame)
	default:
		base = e.cfg.InitialBudget * e.cfg.FixedPositionPercent
	}

	if streak.ConsecutiveLosses >= 3 {
		shrink := 1 - 0.2*float64(streak.ConsecutiveLosses-2)
		base *= math.Max(0.4, shrink)
	}
	if short {
		base *= 0.7
	}
	if portfolio != nil && base > 0.95*portfolio.Cash {
		base = 0.95 * portfolio.Cash
	}
	maxValue := e.cfg.Limits.MaxPositionSize * e.cfg.Limits.InitialBalance
	if maxValue > 0 && base > maxValue {
		base = maxValue
	}
	return base
}

// volatilityValue sizes inverse to ATR%: quiet symbols get larger positions.
// Short frames fall back to fixed sizing scaled by confidence.
func (e *Engine) volatilityValue(confidence float64, frame *market.Frame) float64 {
	fixed := e.cfg.InitialBudget * e.cfg.FixedPositionPercent
	if frame == nil || frame.Len() < 15 {
		return fixed * confidence
	}
	atr := talib.Atr(frame.Highs(), frame.Lows(), frame.Closes(), 14)
	last := frame.LastClose()
	atrPct := atr[len(atr)-1] / last
	if atrPct <= 0 || math.IsNaN(atrPct) {
		return fixed * confidence
	}
	scale := 0.02 / atrPct
	if scale > 2 {
		scale = 2
	} else if scale < 0.5 {
		scale = 0.5
	}
	return fixed * scale
}

// StopTakeProfit derives the protective levels at entry, mirrored for
// shorts.
func StopTakeProfit(price, stopLossPct, takeProfitPct float64, short bool) (sl, tp float64) {
	if short {
		return price * (1 + stopLossPct), price * (1 - takeProfitPct)
	}
	return price * (1 - stopLossPct), price * (1 + takeProfitPct)
}

// holdingFloorMet checks the horizon's minimum holding time from opened_at,
// normalised to naive UTC.
func (e *Engine) holdingFloorMet(pos backend.Position, now time.Time) bool {
	opened, ok := ParseOpenedAt(pos.OpenedAt)
	if !ok {
		return true
	}
	return now.UTC().Sub(opened) >= MinHolding(e.cfg.Horizon)
}

// ParseOpenedAt accepts RFC3339 or bare datetime strings and normalises to
// UTC. Unparseable values report false.
func ParseOpenedAt(v string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
