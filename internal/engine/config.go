// Package engine turns a fused signal into a trade decision: horizon-aware
// thresholds, adaptive confidence gating, position sizing, SL/TP derivation
// and the final risk gate.
package engine

import (
	"time"

	"github.com/rs/zerolog"

	"rl-trading-bot/internal/backend"
	"rl-trading-bot/internal/risk"
	"rl-trading-bot/internal/signals"
)

// Horizon is the categorical target holding duration.
type Horizon string

const (
	HorizonScalping Horizon = "scalping"
	HorizonDay      Horizon = "day"
	HorizonSwing    Horizon = "swing"
	HorizonPosition Horizon = "position"
)

// Thresholds are the score triggers for one horizon.
type Thresholds struct {
	SellStrong   float64
	SellWeak     float64
	BuyStrong    float64
	ShortTrigger float64
}

// HorizonThresholds returns the score triggers for a horizon. Unknown
// horizons fall back to day trading.
func HorizonThresholds(h Horizon) Thresholds {
	switch h {
	case HorizonScalping:
		return Thresholds{SellStrong: -0.10, SellWeak: 0.05, BuyStrong: 0.15, ShortTrigger: -0.12}
	case HorizonSwing:
		return Thresholds{SellStrong: -0.35, SellWeak: -0.10, BuyStrong: 0.30, ShortTrigger: -0.28}
	case HorizonPosition:
		return Thresholds{SellStrong: -0.45, SellWeak: -0.20, BuyStrong: 0.35, ShortTrigger: -0.35}
	default:
		return Thresholds{SellStrong: -0.20, SellWeak: 0.00, BuyStrong: 0.25, ShortTrigger: -0.20}
	}
}

// MinHolding is the floor before an engine-driven exit is allowed. Stop-loss
// and take-profit sweeps bypass it.
func MinHolding(h Horizon) time.Duration {
	switch h {
	case HorizonScalping:
		return 15 * time.Minute
	case HorizonSwing:
		return 60 * time.Minute
	case HorizonPosition:
		return 120 * time.Minute
	default:
		return 30 * time.Minute
	}
}

// SizingMethod selects the position sizing scheme.
type SizingMethod string

const (
	SizingFixed      SizingMethod = "fixed"
	SizingKelly      SizingMethod = "kelly"
	SizingVolatility SizingMethod = "volatility"
)

// TraderConfig is the live-trader knob set, distinct from the agent's
// training configuration.
type TraderConfig struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	AgentName string   `json:"agent_name"`
	Watchlist []string `json:"watchlist"`

	Horizon                     Horizon `json:"trading_horizon"`
	MinConfidence               float64 `json:"min_confidence"`
	AdaptiveThreshold           bool    `json:"adaptive_threshold"`
	RequireMultipleConfirmation bool    `json:"require_multiple_confirmation"`
	MinAgreement                string  `json:"min_agreement"`

	AllowShort        bool    `json:"allow_short"`
	MaxShortPositions int     `json:"max_short_positions"`
	MaxShortExposure  float64 `json:"max_short_exposure"`

	Sizing               SizingMethod `json:"position_sizing"`
	FixedPositionPercent float64      `json:"fixed_position_percent"`
	KellyFraction        float64      `json:"kelly_fraction"`
	InitialBudget        float64      `json:"initial_budget"`

	StopLossPct   float64             `json:"stop_loss_pct"`
	TakeProfitPct float64             `json:"take_profit_pct"`
	Trailing      risk.TrailingConfig `json:"trailing_stop"`

	Weights  signals.Weights `json:"signal_weights"`
	Limits   risk.Limits     `json:"risk_limits"`
	Schedule risk.Schedule   `json:"schedule"`

	CheckIntervalSeconds        int   `json:"check_interval_seconds"`
	CooldownMinutes             int   `json:"cooldown_minutes"`
	SelfTraining                bool  `json:"self_training"`
	SelfTrainingIntervalMinutes int   `json:"self_training_interval_minutes"`
	SelfTrainingTimesteps       int64 `json:"self_training_timesteps"`
}

// DefaultTraderConfig is a moderate day trader.
func DefaultTraderConfig(id, name string) TraderConfig {
	return TraderConfig{
		ID:                          id,
		Name:                        name,
		AgentName:                   name,
		Horizon:                     HorizonDay,
		MinConfidence:               0.65,
		AdaptiveThreshold:           true,
		MinAgreement:                "weak",
		MaxShortPositions:           2,
		MaxShortExposure:            0.3,
		Sizing:                      SizingFixed,
		FixedPositionPercent:        0.10,
		KellyFraction:               0.5,
		InitialBudget:               100000,
		StopLossPct:                 0.05,
		TakeProfitPct:               0.10,
		Weights:                     signals.DefaultWeights(),
		Limits:                      risk.DefaultLimits(100000),
		CheckIntervalSeconds:        300,
		CooldownMinutes:             30,
		SelfTrainingIntervalMinutes: 720,
		SelfTrainingTimesteps:       50000,
	}
}

// TraderConfigFromPersonality adapts the backend's nested personality tree
// into a TraderConfig. Unknown sections are ignored with a warning; missing
// fields keep their defaults.
func TraderConfigFromPersonality(trader backend.Trader, log zerolog.Logger) TraderConfig {
	cfg := DefaultTraderConfig(trader.ID, trader.Name)
	p := personality(trader.Personality)

	known := map[string]bool{
		"trading": true, "risk": true, "signals": true, "self_training": true, "schedule": true,
	}
	for key := range trader.Personality {
		if !known[key] {
			log.Warn().Str("trader", trader.Name).Str("field", key).
				Msg("unknown personality section ignored")
		}
	}

	if t := p.section("trading"); t != nil {
		t.str("agent_name", &cfg.AgentName)
		t.strs("watchlist", &cfg.Watchlist)
		if v, ok := t.lookupStr("horizon"); ok {
			cfg.Horizon = Horizon(v)
		}
		t.f64("min_confidence", &cfg.MinConfidence)
		t.boolean("adaptive_threshold", &cfg.AdaptiveThreshold)
		t.boolean("require_multiple_confirmation", &cfg.RequireMultipleConfirmation)
		t.str("min_agreement", &cfg.MinAgreement)
		t.boolean("allow_short", &cfg.AllowShort)
		t.integer("max_short_positions", &cfg.MaxShortPositions)
		t.f64("max_short_exposure", &cfg.MaxShortExposure)
		if v, ok := t.lookupStr("position_sizing"); ok {
			cfg.Sizing = SizingMethod(v)
		}
		t.f64("fixed_position_percent", &cfg.FixedPositionPercent)
		t.f64("kelly_fraction", &cfg.KellyFraction)
		t.f64("initial_budget", &cfg.InitialBudget)
		t.f64("stop_loss_pct", &cfg.StopLossPct)
		t.f64("take_profit_pct", &cfg.TakeProfitPct)
		t.boolean("trailing_stop_enabled", &cfg.Trailing.Enabled)
		t.f64("trailing_stop_distance", &cfg.Trailing.Distance)
		t.f64("trailing_stop_activation", &cfg.Trailing.Activation)
		t.integer("check_interval_seconds", &cfg.CheckIntervalSeconds)
		t.integer("cooldown_minutes", &cfg.CooldownMinutes)
	}

	if r := p.section("risk"); r != nil {
		r.f64("initial_balance", &cfg.Limits.InitialBalance)
		r.f64("max_position_size", &cfg.Limits.MaxPositionSize)
		r.integer("max_positions", &cfg.Limits.MaxPositions)
		r.f64("max_total_exposure", &cfg.Limits.MaxTotalExposure)
		r.f64("reserve_cash", &cfg.Limits.ReserveCash)
		r.f64("max_daily_loss", &cfg.Limits.MaxDailyLoss)
		r.f64("max_drawdown", &cfg.Limits.MaxDrawdown)
		r.integer("max_consecutive_losses", &cfg.Limits.MaxConsecutiveLosses)
		r.f64("vix_threshold", &cfg.Limits.VIXThreshold)
	}

	if s := p.section("signals"); s != nil {
		s.f64("ml_weight", &cfg.Weights.ML)
		s.f64("rl_weight", &cfg.Weights.RL)
		s.f64("sentiment_weight", &cfg.Weights.Sentiment)
		s.f64("technical_weight", &cfg.Weights.Technical)
	}

	if st := p.section("self_training"); st != nil {
		st.boolean("enabled", &cfg.SelfTraining)
		st.integer("interval_minutes", &cfg.SelfTrainingIntervalMinutes)
		st.i64("timesteps", &cfg.SelfTrainingTimesteps)
	}

	if sc := p.section("schedule"); sc != nil {
		sc.boolean("enabled", &cfg.Schedule.Enabled)
		sc.str("timezone", &cfg.Schedule.Timezone)
		sc.str("start", &cfg.Schedule.Start)
		sc.str("end", &cfg.Schedule.End)
		sc.integer("open_buffer_minutes", &cfg.Schedule.OpenBufferMinutes)
		sc.integer("close_buffer_minutes", &cfg.Schedule.CloseBufferMinutes)
		if days, ok := sc.m["days"].([]interface{}); ok {
			cfg.Schedule.Days = cfg.Schedule.Days[:0]
			for _, d := range days {
				if n, ok := toFloat(d); ok {
					cfg.Schedule.Days = append(cfg.Schedule.Days, time.Weekday(int(n)))
				}
			}
		}
	}

	if cfg.Limits.InitialBalance <= 0 {
		cfg.Limits.InitialBalance = cfg.InitialBudget
	}
	return cfg
}

// personality is a lookup helper over the untyped backend tree. JSON numbers
// decode as float64.
type personality map[string]interface{}

func (p personality) section(name string) *node {
	if m, ok := p[name].(map[string]interface{}); ok {
		return &node{m: m}
	}
	return nil
}

type node struct {
	m map[string]interface{}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (n *node) f64(key string, dst *float64) {
	if v, ok := toFloat(n.m[key]); ok {
		*dst = v
	}
}

func (n *node) integer(key string, dst *int) {
	if v, ok := toFloat(n.m[key]); ok {
		*dst = int(v)
	}
}

func (n *node) i64(key string, dst *int64) {
	if v, ok := toFloat(n.m[key]); ok {
		*dst = int64(v)
	}
}

func (n *node) boolean(key string, dst *bool) {
	if v, ok := n.m[key].(bool); ok {
		*dst = v
	}
}

func (n *node) str(key string, dst *string) {
	if v, ok := n.m[key].(string); ok {
		*dst = v
	}
}

func (n *node) lookupStr(key string) (string, bool) {
	v, ok := n.m[key].(string)
	return v, ok
}

func (n *node) strs(key string, dst *[]string) {
	raw, ok := n.m[key].([]interface{})
	if !ok {
		return
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
