// Package risk runs the fixed, ordered list of pre-trade checks. A failed
// blocker fails the whole batch; warnings and infos are reported but do not
// stop a trade.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"rl-trading-bot/internal/backend"
)

// Severity ranks a check outcome.
type Severity string

const (
	SeverityBlocker Severity = "blocker"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// CheckResult is one check's outcome.
type CheckResult struct {
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Passed   bool     `json:"passed"`
	Value    float64  `json:"value"`
	Limit    float64  `json:"limit"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message,omitempty"`
}

// Result is the batch outcome.
type Result struct {
	AllPassed           bool          `json:"all_passed"`
	PassedCount         int           `json:"passed_count"`
	Total               int           `json:"total"`
	Checks              []CheckResult `json:"checks"`
	Warnings            []string      `json:"warnings"`
	Blockers            []string      `json:"blockers"`
	PositionScaleFactor float64       `json:"position_scale_factor"`
}

// Limits are the trader's risk limits, as fractions of the initial balance
// unless noted.
type Limits struct {
	InitialBalance       float64 `json:"initial_balance"`
	MaxPositionSize      float64 `json:"max_position_size"`
	MaxPositions         int     `json:"max_positions"`
	MaxTotalExposure     float64 `json:"max_total_exposure"`
	ReserveCash          float64 `json:"reserve_cash"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	MaxDrawdown          float64 `json:"max_drawdown"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	VIXThreshold         float64 `json:"vix_threshold"`
}

// DefaultLimits is a moderate limit set.
func DefaultLimits(initialBalance float64) Limits {
	return Limits{
		InitialBalance:       initialBalance,
		MaxPositionSize:      0.25,
		MaxPositions:         5,
		MaxTotalExposure:     0.8,
		ReserveCash:          0.1,
		MaxDailyLoss:         0.03,
		MaxDrawdown:          0.15,
		MaxConsecutiveLosses: 4,
		VIXThreshold:         30,
	}
}

// Schedule restricts trading to a buffered window on trading days.
type Schedule struct {
	Enabled            bool           `json:"enabled"`
	Timezone           string         `json:"timezone"`
	Days               []time.Weekday `json:"days"`
	Start              string         `json:"start"` // "09:30"
	End                string         `json:"end"`   // "16:00"
	OpenBufferMinutes  int            `json:"open_buffer_minutes"`
	CloseBufferMinutes int            `json:"close_buffer_minutes"`
}

// TradeContext is the input to one batch evaluation. Value is the proposed
// position value; zero for closes and sells.
type TradeContext struct {
	Symbol            string
	Action            string // buy | sell | short | close
	Value             float64
	Portfolio         *backend.PortfolioSnapshot
	ConsecutiveLosses int
	Now               time.Time
}

// VIXFetcher fetches the current volatility index level.
type VIXFetcher interface {
	FetchVIX(ctx context.Context) (float64, error)
}

// Manager evaluates the check list against a trade context.
type Manager struct {
	limits   Limits
	schedule Schedule
	vix      VIXFetcher
	log      zerolog.Logger
}

// NewManager wires the limits and schedule. vix may be nil; the VIX gate
// then degrades to an info pass.
func NewManager(limits Limits, schedule Schedule, vix VIXFetcher, log zerolog.Logger) *Manager {
	return &Manager{
		limits:   limits,
		schedule: schedule,
		vix:      vix,
		log:      log.With().Str("component", "risk_manager").Logger(),
	}
}

func isOpening(action string) bool { return action == "buy" || action == "short" }

// Evaluate runs the checks in order and aggregates the batch result.
func (m *Manager) Evaluate(ctx context.Context, tc TradeContext) *Result {
	checks := []CheckResult{
		m.checkPositionSize(tc),
		m.checkMaxPositions(tc),
		m.checkSymbolExposure(tc),
		m.checkTotalExposure(tc),
		m.checkCashReserve(tc),
		m.checkDailyLoss(tc),
		m.checkMaxDrawdown(tc),
		m.checkTradingHours(tc),
		m.checkLossCooldown(tc),
		m.checkVIX(ctx),
	}
	scale, scaleCheck := m.drawdownScaling(tc)
	checks = append(checks, scaleCheck)

	result := &Result{
		Checks:              checks,
		Total:               len(checks),
		PositionScaleFactor: scale,
	}
	for _, c := range checks {
		if c.Passed {
			result.PassedCount++
			if c.Severity == SeverityWarning && c.Message != "" {
				result.Warnings = append(result.Warnings, c.Message)
			}
			continue
		}
		switch c.Severity {
		case SeverityBlocker:
			result.Blockers = append(result.Blockers, c.Message)
		default:
			result.Warnings = append(result.Warnings, c.Message)
		}
	}
	result.AllPassed = len(result.Blockers) == 0
	if !result.AllPassed {
		m.log.Warn().Str("symbol", tc.Symbol).Str("action", tc.Action).
			Strs("blockers", result.Blockers).Msg("trade blocked")
	}
	return result
}

func (m *Manager) checkPositionSize(tc TradeContext) CheckResult {
	limit := m.limits.MaxPositionSize * m.limits.InitialBalance
	return CheckResult{
		Name:     "position_size",
		Category: "exposure",
		Passed:   tc.Value <= limit,
		Value:    tc.Value,
		Limit:    limit,
		Severity: SeverityBlocker,
		Message:  fmt.Sprintf("position value %.2f exceeds per-position cap %.2f", tc.Value, limit),
	}
}

// checkMaxPositions only binds when opening; closes and scale-downs always
// pass.
func (m *Manager) checkMaxPositions(tc TradeContext) CheckResult {
	count := 0
	if tc.Portfolio != nil {
		count = tc.Portfolio.PositionsCount
	}
	passed := true
	if isOpening(tc.Action) {
		passed = count < m.limits.MaxPositions
	}
	return CheckResult{
		Name:     "max_positions",
		Category: "exposure",
		Passed:   passed,
		Value:    float64(count),
		Limit:    float64(m.limits.MaxPositions),
		Severity: SeverityBlocker,
		Message:  fmt.Sprintf("%d positions already open, cap %d", count, m.limits.MaxPositions),
	}
}

func (m *Manager) checkSymbolExposure(tc TradeContext) CheckResult {
	limit := m.limits.MaxPositionSize * m.limits.InitialBalance
	exposure := 0.0
	if tc.Portfolio != nil {
		if pos, ok := tc.Portfolio.Positions[tc.Symbol]; ok {
			exposure = pos.MarketValue
		}
	}
	if isOpening(tc.Action) {
		exposure += tc.Value
	}
	return CheckResult{
		Name:     "symbol_exposure",
		Category: "exposure",
		Passed:   exposure <= limit,
		Value:    exposure,
		Limit:    limit,
		Severity: SeverityBlocker,
		Message:  fmt.Sprintf("%s exposure %.2f exceeds symbol cap %.2f", tc.Symbol, exposure, limit),
	}
}

func (m *Manager) checkTotalExposure(tc TradeContext) CheckResult {
	limit := m.limits.MaxTotalExposure * m.limits.InitialBalance
	exposure := 0.0
	if tc.Portfolio != nil {
		exposure = tc.Portfolio.TotalInvested
	}
	if isOpening(tc.Action) {
		exposure += tc.Value
	}
	return CheckResult{
		Name:     "total_exposure",
		Category: "exposure",
		Passed:   exposure <= limit,
		Value:    exposure,
		Limit:    limit,
		Severity: SeverityBlocker,
		Message:  fmt.Sprintf("total exposure %.2f exceeds cap %.2f", exposure, limit),
	}
}

func (m *Manager) checkCashReserve(tc TradeContext) CheckResult {
	limit := m.limits.ReserveCash * m.limits.InitialBalance
	cash := 0.0
	if tc.Portfolio != nil {
		cash = tc.Portfolio.Cash
	}
	if isOpening(tc.Action) {
		cash -= tc.Value
	}
	return CheckResult{
		Name:     "cash_reserve",
		Category: "liquidity",
		Passed:   cash >= limit,
		Value:    cash,
		Limit:    limit,
		Severity: SeverityBlocker,
		Message:  fmt.Sprintf("post-trade cash %.2f below reserve %.2f", cash, limit),
	}
}

func (m *Manager) checkDailyLoss(tc TradeContext) CheckResult {
	limit := -100 * m.limits.MaxDailyLoss
	pct := 0.0
	if tc.Portfolio != nil {
		pct = tc.Portfolio.DailyPnLPct
	}
	return CheckResult{
		Name:     "daily_loss",
		Category: "pnl",
		Passed:   pct > limit,
		Value:    pct,
		Limit:    limit,
		Severity: SeverityBlocker,
		Message:  fmt.Sprintf("daily pnl %.2f%% breaches loss limit %.2f%%", pct, limit),
	}
}

func (m *Manager) drawdown(tc TradeContext) float64 {
	if tc.Portfolio == nil || tc.Portfolio.MaxValue <= 0 {
		return 0
	}
	dd := (tc.Portfolio.MaxValue - tc.Portfolio.TotalValue) / tc.Portfolio.MaxValue
	if dd < 0 {
		return 0
	}
	return dd
}

func (m *Manager) checkMaxDrawdown(tc TradeContext) CheckResult {
	dd := m.drawdown(tc)
	return CheckResult{
		Name:     "max_drawdown",
		Category: "pnl",
		Passed:   dd < m.limits.MaxDrawdown,
		Value:    dd,
		Limit:    m.limits.MaxDrawdown,
		Severity: SeverityBlocker,
		Message:  fmt.Sprintf("drawdown %.2f%% breaches limit %.2f%%", dd*100, m.limits.MaxDrawdown*100),
	}
}

func (m *Manager) checkTradingHours(tc TradeContext) CheckResult {
	check := CheckResult{
		Name:     "trading_hours",
		Category: "schedule",
		Passed:   true,
		Severity: SeverityInfo,
	}
	if !m.schedule.Enabled {
		return check
	}
	check.Severity = SeverityBlocker
	check.Passed = m.schedule.Within(tc.Now)
	check.Message = "outside the trading window"
	return check
}

// Within reports whether t falls inside the buffered trading window on a
// trading day. Parse failures fail closed.
func (s Schedule) Within(t time.Time) bool {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return false
	}
	local := t.In(loc)

	dayOK := len(s.Days) == 0
	for _, d := range s.Days {
		if local.Weekday() == d {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}

	start, err := parseClock(s.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(s.End)
	if err != nil {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= start+s.OpenBufferMinutes && minute <= end-s.CloseBufferMinutes
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (m *Manager) checkLossCooldown(tc TradeContext) CheckResult {
	return CheckResult{
		Name:     "loss_cooldown",
		Category: "streak",
		Passed:   tc.ConsecutiveLosses < m.limits.MaxConsecutiveLosses,
		Value:    float64(tc.ConsecutiveLosses),
		Limit:    float64(m.limits.MaxConsecutiveLosses),
		Severity: SeverityBlocker,
		Message:  fmt.Sprintf("%d consecutive losses, cooling down", tc.ConsecutiveLosses),
	}
}

// checkVIX degrades to an info pass when the index cannot be fetched.
// Elevated volatility warns, it never blocks.
func (m *Manager) checkVIX(ctx context.Context) CheckResult {
	check := CheckResult{
		Name:     "vix_gate",
		Category: "market",
		Passed:   true,
		Limit:    m.limits.VIXThreshold,
		Severity: SeverityInfo,
	}
	if m.vix == nil {
		return check
	}
	vix, err := m.vix.FetchVIX(ctx)
	if err != nil {
		m.log.Info().Err(err).Msg("vix unavailable, gate degraded to pass")
		return check
	}
	check.Value = vix
	if vix > m.limits.VIXThreshold {
		check.Passed = false
		check.Severity = SeverityWarning
		check.Message = fmt.Sprintf("VIX %.1f above threshold %.1f", vix, m.limits.VIXThreshold)
	}
	return check
}

// drawdownScaling maps the drawdown fraction of its limit to a position
// scale factor. It never blocks; the hard stop is the max-drawdown check.
func (m *Manager) drawdownScaling(tc TradeContext) (float64, CheckResult) {
	dd := m.drawdown(tc)
	ratio := 0.0
	if m.limits.MaxDrawdown > 0 {
		ratio = dd / m.limits.MaxDrawdown
	}
	scale := 1.0
	switch {
	case ratio < 0.25:
		scale = 1.0
	case ratio < 0.50:
		scale = 0.75
	case ratio < 0.75:
		scale = 0.50
	default:
		scale = 0.30
	}
	check := CheckResult{
		Name:     "drawdown_scaling",
		Category: "pnl",
		Passed:   true,
		Value:    ratio,
		Limit:    1.0,
		Severity: SeverityInfo,
	}
	if scale < 1.0 {
		check.Severity = SeverityWarning
		check.Message = fmt.Sprintf("position scale factor %.2f at %.0f%% of drawdown limit", scale, ratio*100)
	}
	return scale, check
}
