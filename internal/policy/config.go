// Package policy implements the PPO trainer, the MLP and transformer policy
// networks, observation normalisation, persisted artifacts and deterministic
// trading-signal inference.
package policy

import (
	"rl-trading-bot/internal/envsim"
)

// AgentConfig is the persisted per-agent configuration. The copy saved with a
// trained artifact is authoritative for the architectural fields; continue
// training may only override the trading fields.
type AgentConfig struct {
	Name string `json:"name" msgpack:"name"`

	// Trading profile.
	TradingHorizon string `json:"trading_horizon" msgpack:"trading_horizon"` // scalping | day | swing | position
	RiskTier       string `json:"risk_tier" msgpack:"risk_tier"`             // conservative | moderate | aggressive | very_aggressive
	Style          string `json:"style" msgpack:"style"`
	BrokerProfile  string `json:"broker_profile" msgpack:"broker_profile"`

	// Capital.
	InitialBalance  float64 `json:"initial_balance" msgpack:"initial_balance"`
	MaxPositionSize float64 `json:"max_position_size" msgpack:"max_position_size"` // fraction
	MaxPositions    int     `json:"max_positions" msgpack:"max_positions"`

	// Risk.
	StopLossPct          float64 `json:"stop_loss_pct" msgpack:"stop_loss_pct"`
	TakeProfitPct        float64 `json:"take_profit_pct" msgpack:"take_profit_pct"`
	TrailingStopEnabled  bool    `json:"trailing_stop_enabled" msgpack:"trailing_stop_enabled"`
	TrailingStopDistance float64 `json:"trailing_stop_distance" msgpack:"trailing_stop_distance"`

	// RL hyperparameters.
	LearningRate float64 `json:"learning_rate" msgpack:"learning_rate"`
	Gamma        float64 `json:"gamma" msgpack:"gamma"`
	EntCoef      float64 `json:"ent_coef" msgpack:"ent_coef"`

	// Architecture. Preserved across continue-training.
	UseTransformerPolicy bool    `json:"use_transformer_policy" msgpack:"use_transformer_policy"`
	DModel               int     `json:"d_model" msgpack:"d_model"`
	NumHeads             int     `json:"num_heads" msgpack:"num_heads"`
	NumLayers            int     `json:"num_layers" msgpack:"num_layers"`
	FFDim                int     `json:"ff_dim" msgpack:"ff_dim"`
	Dropout              float64 `json:"dropout" msgpack:"dropout"`
	LookbackWindow       int     `json:"lookback_window" msgpack:"lookback_window"`
	AllowShort           bool    `json:"allow_short" msgpack:"allow_short"`

	Slippage envsim.SlippageConfig `json:"slippage" msgpack:"slippage"`
}

// DefaultAgentConfig fills an AgentConfig with the global defaults.
func DefaultAgentConfig(name string) AgentConfig {
	return AgentConfig{
		Name:            name,
		TradingHorizon:  "day",
		RiskTier:        "moderate",
		BrokerProfile:   "retail",
		InitialBalance:  100000,
		MaxPositionSize: 0.25,
		MaxPositions:    5,
		StopLossPct:     0.05,
		TakeProfitPct:   0.10,
		LearningRate:    3e-4,
		Gamma:           0.99,
		EntCoef:         0.01,
		DModel:          128,
		NumHeads:        4,
		NumLayers:       2,
		FFDim:           256,
		Dropout:         0.1,
		LookbackWindow:  60,
		Slippage:        envsim.SlippageConfig{Model: envsim.SlippageProportional, Bps: 5},
	}
}

// MergeForContinue combines a persisted config with an incoming one: the
// architecture stays as persisted, the trading and hyperparameter fields take
// the incoming values when set.
func MergeForContinue(persisted, incoming AgentConfig) AgentConfig {
	out := persisted

	if incoming.TradingHorizon != "" {
		out.TradingHorizon = incoming.TradingHorizon
	}
	if incoming.RiskTier != "" {
		out.RiskTier = incoming.RiskTier
	}
	if incoming.Style != "" {
		out.Style = incoming.Style
	}
	if incoming.BrokerProfile != "" {
		out.BrokerProfile = incoming.BrokerProfile
	}
	if incoming.InitialBalance > 0 {
		out.InitialBalance = incoming.InitialBalance
	}
	if incoming.MaxPositionSize > 0 {
		out.MaxPositionSize = incoming.MaxPositionSize
	}
	if incoming.MaxPositions > 0 {
		out.MaxPositions = incoming.MaxPositions
	}
	if incoming.StopLossPct > 0 {
		out.StopLossPct = incoming.StopLossPct
	}
	if incoming.TakeProfitPct > 0 {
		out.TakeProfitPct = incoming.TakeProfitPct
	}
	out.TrailingStopEnabled = incoming.TrailingStopEnabled
	if incoming.TrailingStopDistance > 0 {
		out.TrailingStopDistance = incoming.TrailingStopDistance
	}
	if incoming.LearningRate > 0 {
		out.LearningRate = incoming.LearningRate
	}
	if incoming.Gamma > 0 {
		out.Gamma = incoming.Gamma
	}
	if incoming.EntCoef > 0 {
		out.EntCoef = incoming.EntCoef
	}
	if incoming.Slippage.Model != "" {
		out.Slippage = incoming.Slippage
	}
	return out
}

// RiskMultiplier maps the risk tier to the environment's buy-fraction scale.
func (c AgentConfig) RiskMultiplier() float64 {
	switch c.RiskTier {
	case "conservative":
		return 0.5
	case "aggressive":
		return 1.5
	case "very_aggressive":
		return 2.0
	default:
		return 1.0
	}
}

// EnvConfig derives the environment configuration for this agent.
func (c AgentConfig) EnvConfig(inference bool, seed int64) envsim.EnvConfig {
	cfg := envsim.DefaultEnvConfig()
	cfg.Window = c.LookbackWindow
	cfg.InitialBalance = c.InitialBalance
	cfg.MaxPositionSize = c.MaxPositionSize
	cfg.StopLossPct = c.StopLossPct
	cfg.TakeProfitPct = c.TakeProfitPct
	cfg.TrailingStopEnabled = c.TrailingStopEnabled
	cfg.TrailingStopDistance = c.TrailingStopDistance
	cfg.AllowShort = c.AllowShort
	cfg.RiskMultiplier = c.RiskMultiplier()
	cfg.Broker = envsim.BrokerProfileFor(c.BrokerProfile)
	cfg.Slippage = c.Slippage
	cfg.InferenceMode = inference
	cfg.Seed = seed
	return cfg
}

// NumActions is the action-head width implied by the short switch.
func (c AgentConfig) NumActions() int {
	if c.AllowShort {
		return envsim.NumActionsShort
	}
	return envsim.NumActionsLong
}
