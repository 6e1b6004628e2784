package envsim

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// RewardConfig holds the step and episode reward weights.
type RewardConfig struct {
	SharpeScale          float64 `json:"sharpe_scale" msgpack:"sharpe_scale"`
	PortfolioReturnScale float64 `json:"portfolio_return_scale" msgpack:"portfolio_return_scale"`
	HoldingBonus         float64 `json:"holding_bonus" msgpack:"holding_bonus"`
	HoldingPenalty       float64 `json:"holding_penalty" msgpack:"holding_penalty"`
	DrawdownThreshold    float64 `json:"drawdown_threshold" msgpack:"drawdown_threshold"`
	DrawdownPenaltyScale float64 `json:"drawdown_penalty_scale" msgpack:"drawdown_penalty_scale"`
	StopLossPenalty      float64 `json:"stop_loss_penalty" msgpack:"stop_loss_penalty"`
	TakeProfitBonus      float64 `json:"take_profit_bonus" msgpack:"take_profit_bonus"`
	TrailingStopPenalty  float64 `json:"trailing_stop_penalty" msgpack:"trailing_stop_penalty"`
	ConsistencyBonus     float64 `json:"consistency_bonus" msgpack:"consistency_bonus"`

	EpisodeReturnScale float64 `json:"episode_return_scale" msgpack:"episode_return_scale"`
	FeeRatioThreshold  float64 `json:"fee_ratio_threshold" msgpack:"fee_ratio_threshold"`
	FeeRatioPenalty    float64 `json:"fee_ratio_penalty" msgpack:"fee_ratio_penalty"`
	ChurningPenalty    float64 `json:"churning_penalty" msgpack:"churning_penalty"`
	RiskAdjustedScale  float64 `json:"risk_adjusted_scale" msgpack:"risk_adjusted_scale"`
	SortinoScale       float64 `json:"sortino_scale" msgpack:"sortino_scale"`
	WinRateBonus       float64 `json:"win_rate_bonus" msgpack:"win_rate_bonus"`
	AlphaPositiveScale float64 `json:"alpha_positive_scale" msgpack:"alpha_positive_scale"`
	AlphaNegativeScale float64 `json:"alpha_negative_scale" msgpack:"alpha_negative_scale"`

	// Curriculum multipliers, non-decreasing across phases. All default to 1.
	DrawdownMultiplier        float64 `json:"drawdown_multiplier" msgpack:"drawdown_multiplier"`
	StepFeeMultiplier         float64 `json:"step_fee_multiplier" msgpack:"step_fee_multiplier"`
	OpportunityCostMultiplier float64 `json:"opportunity_cost_multiplier" msgpack:"opportunity_cost_multiplier"`
	ChurningMultiplier        float64 `json:"churning_multiplier" msgpack:"churning_multiplier"`
}

// DefaultRewardConfig is the fixed default weight table.
func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		SharpeScale:          0.1,
		PortfolioReturnScale: 100,
		HoldingBonus:         0.01,
		HoldingPenalty:       0.01,
		DrawdownThreshold:    0.10,
		DrawdownPenaltyScale: 2.0,
		StopLossPenalty:      1.0,
		TakeProfitBonus:      1.0,
		TrailingStopPenalty:  0.5,
		ConsistencyBonus:     0.05,

		EpisodeReturnScale: 10,
		FeeRatioThreshold:  0.3,
		FeeRatioPenalty:    5,
		ChurningPenalty:    3,
		RiskAdjustedScale:  0.5,
		SortinoScale:       0.25,
		WinRateBonus:       2,
		AlphaPositiveScale: 20,
		AlphaNegativeScale: 10,

		DrawdownMultiplier:        1,
		StepFeeMultiplier:         1,
		OpportunityCostMultiplier: 1,
		ChurningMultiplier:        1,
	}
}

// stepReward computes the shaped per-step reward from the latest step return
// and current position state. SL/TP penalties and bonuses are accrued by the
// step algorithm before this is added.
func (e *Env) stepReward(stepReturn float64) float64 {
	cfg := e.cfg.Reward
	reward := 0.0

	// Sharpe-style core when enough return history exists.
	recent := e.recentReturns(20)
	if len(recent) >= 10 {
		sigma := stat.StdDev(recent, nil)
		if sigma > 1e-9 {
			reward += stepReturn / sigma * cfg.SharpeScale
		}
	} else {
		reward += stepReturn * cfg.PortfolioReturnScale * e.cfg.RiskMultiplier
	}

	// Holding-period shaping around the target duration.
	if e.cfg.TargetHoldingBars > 0 && (e.sharesHeld > 0 || e.sharesShorted > 0) {
		holding := float64(e.holdingTime)
		if e.sharesShorted > 0 {
			holding = float64(e.shortHoldingTime)
		}
		ratio := holding / float64(e.cfg.TargetHoldingBars)
		switch {
		case ratio >= 0.5 && ratio <= 2:
			reward += cfg.HoldingBonus
		case ratio > 3:
			reward -= cfg.HoldingPenalty
		}
	}

	// Drawdown penalty above the tolerance threshold.
	if e.drawdown > cfg.DrawdownThreshold {
		reward -= e.drawdown * cfg.DrawdownPenaltyScale * cfg.DrawdownMultiplier
	}

	// Consistency bonus: mostly-positive, low-variance recent returns.
	if len(recent) >= 10 {
		positive := 0
		for _, r := range recent {
			if r > 0 {
				positive++
			}
		}
		ratio := float64(positive) / float64(len(recent))
		if ratio >= 0.6 && stat.Variance(recent, nil) < 1e-4 {
			reward += cfg.ConsistencyBonus
		}
	}

	return reward
}

// episodeReward computes the terminal reward after final liquidation.
func (e *Env) episodeReward() float64 {
	cfg := e.cfg.Reward
	totalReturn := e.portfolioValue()/e.cfg.InitialBalance - 1
	reward := totalReturn * cfg.EpisodeReturnScale

	// Fee drag penalties.
	if e.grossProfit > 0 {
		feeRatio := e.totalFees / e.grossProfit
		if feeRatio > cfg.FeeRatioThreshold {
			reward -= (feeRatio - cfg.FeeRatioThreshold) * cfg.FeeRatioPenalty * cfg.StepFeeMultiplier
		}
	}
	if e.totalTrades > 0 {
		perTradeFee := e.totalFees / float64(e.totalTrades)
		if perTradeFee > 0.001*e.cfg.InitialBalance && totalReturn <= 0 {
			reward -= cfg.ChurningPenalty * cfg.ChurningMultiplier
		}
	}

	// Annualised risk-adjusted quality.
	if len(e.episodeReturns) >= 2 {
		mean := stat.Mean(e.episodeReturns, nil)
		sigma := stat.StdDev(e.episodeReturns, nil)
		if sigma > 1e-9 {
			sharpe := mean / sigma * math.Sqrt(252)
			reward += sharpe * cfg.RiskAdjustedScale
		}
		if sortino := sortinoRatio(e.episodeReturns); !math.IsNaN(sortino) {
			reward += sortino * cfg.SortinoScale
		}
	}

	// Win-rate bonus.
	if closed := e.wins + e.losses; closed > 0 {
		if winRate := float64(e.wins) / float64(closed); winRate > 0.5 {
			reward += (winRate - 0.5) * cfg.WinRateBonus
		}
	}

	// Alpha against buy-and-hold from the episode start bar.
	if e.benchmarkStartPrice > 0 {
		benchmark := e.price()/e.benchmarkStartPrice - 1
		alpha := totalReturn - benchmark
		if alpha > 0 {
			reward += alpha * cfg.AlphaPositiveScale
		} else {
			reward += alpha * cfg.AlphaNegativeScale
		}
	}

	return reward
}

// sortinoRatio is the annualised mean over downside deviation.
func sortinoRatio(returns []float64) float64 {
	mean := stat.Mean(returns, nil)
	downside := 0.0
	n := 0
	for _, r := range returns {
		if r < 0 {
			downside += r * r
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	dd := math.Sqrt(downside / float64(n))
	if dd < 1e-9 {
		return math.NaN()
	}
	return mean / dd * math.Sqrt(252)
}
