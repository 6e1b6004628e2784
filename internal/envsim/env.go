package envsim

import (
	"fmt"
	"math"
	"math/rand"

	"rl-trading-bot/internal/indicators"
	"rl-trading-bot/internal/market"
)

// PortfolioFeatureCount is the number of scalar portfolio features appended
// to the flattened technical window.
const PortfolioFeatureCount = 7

// EnvConfig parameterises a single-symbol trading environment.
type EnvConfig struct {
	Window               int
	InitialBalance       float64
	MaxPositionSize      float64 // Fraction of cash per entry, cap
	StopLossPct          float64
	TakeProfitPct        float64
	TrailingStopEnabled  bool
	TrailingStopDistance float64
	AllowShort           bool
	RiskMultiplier       float64 // 0.5 / 1.0 / 1.5 / 2.0 keyed by risk tier
	TargetHoldingBars    int
	Broker               BrokerProfile
	Slippage             SlippageConfig
	Reward               RewardConfig
	InferenceMode        bool
	Seed                 int64
}

// DefaultEnvConfig returns a moderate-risk day-trading setup.
func DefaultEnvConfig() EnvConfig {
	return EnvConfig{
		Window:            60,
		InitialBalance:    100000,
		MaxPositionSize:   0.5,
		StopLossPct:       0.05,
		TakeProfitPct:     0.10,
		RiskMultiplier:    1.0,
		TargetHoldingBars: 10,
		Broker:            BrokerProfiles["retail"],
		Slippage:          SlippageConfig{Model: SlippageProportional, Bps: 5},
		Reward:            DefaultRewardConfig(),
	}
}

// Env is a discrete-action market simulator over one symbol's bars.
type Env struct {
	frame    *market.Frame
	features *indicators.FeatureFrame
	cfg      EnvConfig
	rng      *rand.Rand

	step      int
	startStep int
	done      bool

	cash             float64
	sharesHeld       float64
	entryPrice       float64
	sharesShorted    float64
	shortEntry       float64
	shortCollateral  float64
	holdingTime      int
	shortHoldingTime int
	trailingHigh     float64
	trailingLow      float64

	lastValue float64
	peakValue float64
	drawdown  float64

	episodeReturns []float64
	totalFees      float64
	grossProfit    float64
	totalTrades    int
	wins           int
	losses         int

	benchmarkStartPrice float64
	pendingReward       float64
}

// NewEnv validates inputs and builds an environment. Frames shorter than 100
// bars are rejected.
func NewEnv(frame *market.Frame, features *indicators.FeatureFrame, cfg EnvConfig) (*Env, error) {
	if frame.Len() < 100 {
		return nil, fmt.Errorf("%w: env needs >= 100 bars, got %d", market.ErrInsufficientBars, frame.Len())
	}
	if features.Rows != frame.Len() {
		return nil, fmt.Errorf("feature rows (%d) do not match bars (%d)", features.Rows, frame.Len())
	}
	if cfg.Window <= 0 {
		cfg.Window = 60
	}
	if cfg.RiskMultiplier == 0 {
		cfg.RiskMultiplier = 1.0
	}
	if cfg.MaxPositionSize == 0 {
		cfg.MaxPositionSize = 0.5
	}
	return &Env{
		frame:    frame,
		features: features,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// NumActions returns the action-space size.
func (e *Env) NumActions() int {
	if e.cfg.AllowShort {
		return NumActionsShort
	}
	return NumActionsLong
}

// ObservationDim returns the flattened observation length.
func (e *Env) ObservationDim() int {
	return e.cfg.Window*e.features.NumFeatures() + PortfolioFeatureCount
}

// Reset reinitialises the episode and returns the first observation.
// Inference mode starts at the last bar; training picks a random start in
// [W, len-W-100] so episodes have room to run.
func (e *Env) Reset() []float64 {
	n := e.frame.Len()
	w := e.cfg.Window

	if e.cfg.InferenceMode {
		e.step = n - 1
	} else {
		lo := w
		hi := n - w - 100
		if hi <= lo {
			e.step = lo
		} else {
			e.step = lo + e.rng.Intn(hi-lo)
		}
	}
	if e.step < w-1 {
		e.step = w - 1
	}

	e.startStep = e.step
	e.done = false
	e.cash = e.cfg.InitialBalance
	e.sharesHeld = 0
	e.entryPrice = 0
	e.sharesShorted = 0
	e.shortEntry = 0
	e.shortCollateral = 0
	e.holdingTime = 0
	e.shortHoldingTime = 0
	e.trailingHigh = 0
	e.trailingLow = 0
	e.lastValue = e.cfg.InitialBalance
	e.peakValue = e.cfg.InitialBalance
	e.drawdown = 0
	e.episodeReturns = e.episodeReturns[:0]
	e.totalFees = 0
	e.grossProfit = 0
	e.totalTrades = 0
	e.wins = 0
	e.losses = 0
	e.pendingReward = 0
	e.benchmarkStartPrice = e.price()

	return e.Observation()
}

// Done reports whether the episode has ended.
func (e *Env) Done() bool { return e.done }

// Symbol returns the underlying frame's symbol.
func (e *Env) Symbol() string { return e.frame.Symbol }

// SetCurriculumMultipliers updates the phase penalty multipliers mid-training.
func (e *Env) SetCurriculumMultipliers(drawdown, stepFee, opportunityCost, churning float64) {
	e.cfg.Reward.DrawdownMultiplier = drawdown
	e.cfg.Reward.StepFeeMultiplier = stepFee
	e.cfg.Reward.OpportunityCostMultiplier = opportunityCost
	e.cfg.Reward.ChurningMultiplier = churning
}

// price is the close of the current bar.
func (e *Env) price() float64 {
	return e.frame.Bars[e.step].Close
}

func (e *Env) barVolume() float64 {
	return e.frame.Bars[e.step].Volume
}

// portfolioValue = cash + long value + short collateral + short mark-to-market.
func (e *Env) portfolioValue() float64 {
	p := e.price()
	return e.cash + e.sharesHeld*p + e.shortCollateral + (e.shortEntry-p)*e.sharesShorted
}

// PortfolioValue exposes the current portfolio value.
func (e *Env) PortfolioValue() float64 { return e.portfolioValue() }

// TotalFees exposes the cumulative commission+spread+slippage paid.
func (e *Env) TotalFees() float64 { return e.totalFees }

// TradeStats returns (trades, wins, losses).
func (e *Env) TradeStats() (int, int, int) { return e.totalTrades, e.wins, e.losses }

// Observation builds the flattened window observation plus the 7 portfolio
// features, in the fixed order: cash_ratio, long_position_ratio,
// short_position_ratio, unrealized_pnl_ratio, holding_time_ratio,
// current_drawdown, is_short.
func (e *Env) Observation() []float64 {
	w := e.cfg.Window
	f := e.features.NumFeatures()
	window := e.features.Window(e.step-w+1, e.step+1)

	obs := make([]float64, w*f+PortfolioFeatureCount)

	// Per-column min-max normalisation within the window.
	for j := 0; j < f; j++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for i := 0; i < w; i++ {
			v := window[i][j]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		span := hi - lo
		for i := 0; i < w; i++ {
			if span > 1e-12 {
				obs[i*f+j] = (window[i][j] - lo) / span
			}
		}
	}

	pv := e.portfolioValue()
	p := e.price()
	base := w * f

	if pv > 0 {
		obs[base+0] = e.cash / pv
		obs[base+1] = e.sharesHeld * p / pv
		obs[base+2] = e.sharesShorted * p / pv
		unrealized := 0.0
		if e.sharesHeld > 0 {
			unrealized += (p - e.entryPrice) * e.sharesHeld
		}
		if e.sharesShorted > 0 {
			unrealized += (e.shortEntry - p) * e.sharesShorted
		}
		obs[base+3] = unrealized / pv
	}
	if e.cfg.TargetHoldingBars > 0 {
		holding := float64(e.holdingTime)
		if e.sharesShorted > 0 {
			holding = float64(e.shortHoldingTime)
		}
		ratio := holding / float64(e.cfg.TargetHoldingBars)
		if ratio > 2.0 {
			ratio = 2.0
		}
		obs[base+4] = ratio
	}
	obs[base+5] = e.drawdown
	if e.sharesShorted > 0 {
		obs[base+6] = 1
	}

	return obs
}

// Step advances the environment by one action and one bar.
func (e *Env) Step(a Action) (obs []float64, reward float64, done bool) {
	if e.done {
		return e.Observation(), 0, true
	}
	e.pendingReward = 0

	// 1. Execute the action at the current bar.
	e.execute(a)

	// 2. Holding-time counters and trailing extremes.
	p := e.price()
	if e.sharesHeld > 0 {
		e.holdingTime++
		if p > e.trailingHigh {
			e.trailingHigh = p
		}
	}
	if e.sharesShorted > 0 {
		e.shortHoldingTime++
		if e.trailingLow == 0 || p < e.trailingLow {
			e.trailingLow = p
		}
	}

	// 3-4. Protective exits on both sides.
	e.checkLongExits()
	e.checkShortExits()

	// 5. Advance the clock and mark to the next bar.
	e.step++
	if e.step >= e.frame.Len()-1 {
		e.done = true
		if e.step > e.frame.Len()-1 {
			e.step = e.frame.Len() - 1
		}
	}
	value := e.portfolioValue()
	stepReturn := 0.0
	if e.lastValue > 0 {
		stepReturn = value/e.lastValue - 1
	}
	e.lastValue = value
	e.episodeReturns = append(e.episodeReturns, stepReturn)
	if value > e.peakValue {
		e.peakValue = value
	}
	if e.peakValue > 0 {
		e.drawdown = (e.peakValue - value) / e.peakValue
	}

	// 6. Shaped reward plus accrued penalties/bonuses.
	reward = e.pendingReward + e.stepReward(stepReturn)

	// 7. Terminal liquidation and episode reward.
	if e.done {
		e.liquidate()
		reward += e.episodeReward()
	}

	return e.Observation(), reward, e.done
}

// execute applies the trade action to the portfolio.
func (e *Env) execute(a Action) {
	frac, all := a.fraction()
	switch a {
	case ActionBuySmall, ActionBuyMedium, ActionBuyLarge:
		f := frac * e.cfg.RiskMultiplier
		if f > e.cfg.MaxPositionSize {
			f = e.cfg.MaxPositionSize
		}
		e.openLong(e.cash * f)
	case ActionSellSmall, ActionSellMedium, ActionSellAll:
		if e.sharesHeld <= 0 {
			return
		}
		shares := e.sharesHeld * frac
		if all {
			shares = e.sharesHeld
		}
		e.closeLong(shares, "signal")
	case ActionShortSmall, ActionShortMedium, ActionShortLarge:
		if !e.cfg.AllowShort {
			return
		}
		f := frac * e.cfg.RiskMultiplier
		if f > e.cfg.MaxPositionSize {
			f = e.cfg.MaxPositionSize
		}
		e.openShort(e.cash * f)
	case ActionCoverSmall, ActionCoverMedium, ActionCoverAll:
		if e.sharesShorted <= 0 {
			return
		}
		shares := e.sharesShorted * frac
		if all {
			shares = e.sharesShorted
		}
		e.closeShort(shares, "signal")
	}
}

func (e *Env) openLong(value float64) {
	if value <= 0 || e.cash <= 0 {
		return
	}
	base := e.price()
	shares := value / base
	exec := e.cfg.Slippage.ExecutionPrice(base, shares, e.barVolume(), true, e.rng)
	cost := shares * exec
	fees := e.cfg.Broker.Commission(cost) + e.cfg.Broker.SpreadCost(cost)
	if cost+fees > e.cash {
		shares = (e.cash - fees) / exec
		if shares <= 0 {
			return
		}
		cost = shares * exec
	}

	// Weighted-average entry across scale-ins.
	total := e.sharesHeld + shares
	e.entryPrice = (e.entryPrice*e.sharesHeld + exec*shares) / total
	e.sharesHeld = total
	e.cash -= cost + fees
	e.totalFees += fees
	e.totalTrades++
	if e.trailingHigh < exec {
		e.trailingHigh = exec
	}
}

func (e *Env) closeLong(shares float64, reason string) {
	if shares <= 0 || e.sharesHeld <= 0 {
		return
	}
	if shares > e.sharesHeld {
		shares = e.sharesHeld
	}
	base := e.price()
	exec := e.cfg.Slippage.ExecutionPrice(base, shares, e.barVolume(), false, e.rng)
	proceeds := shares * exec
	fees := e.cfg.Broker.Commission(proceeds) + e.cfg.Broker.SpreadCost(proceeds)

	pnl := (exec-e.entryPrice)*shares - fees
	e.cash += proceeds - fees
	e.sharesHeld -= shares
	e.totalFees += fees
	e.totalTrades++
	e.recordOutcome(pnl)
	if e.sharesHeld <= 1e-9 {
		e.sharesHeld = 0
		e.entryPrice = 0
		e.holdingTime = 0
		e.trailingHigh = 0
	}
	_ = reason
}

func (e *Env) openShort(value float64) {
	if value <= 0 || e.cash <= 0 {
		return
	}
	base := e.price()
	shares := value / base
	exec := e.cfg.Slippage.ExecutionPrice(base, shares, e.barVolume(), false, e.rng)
	collateral := shares * exec
	fees := e.cfg.Broker.Commission(collateral) + e.cfg.Broker.SpreadCost(collateral)
	if collateral+fees > e.cash {
		shares = (e.cash - fees) / exec
		if shares <= 0 {
			return
		}
		collateral = shares * exec
	}

	total := e.sharesShorted + shares
	e.shortEntry = (e.shortEntry*e.sharesShorted + exec*shares) / total
	e.sharesShorted = total
	e.cash -= collateral + fees
	e.shortCollateral += collateral
	e.totalFees += fees
	e.totalTrades++
	if e.trailingLow == 0 || exec < e.trailingLow {
		e.trailingLow = exec
	}
}

func (e *Env) closeShort(shares float64, reason string) {
	if shares <= 0 || e.sharesShorted <= 0 {
		return
	}
	if shares > e.sharesShorted {
		shares = e.sharesShorted
	}
	base := e.price()
	exec := e.cfg.Slippage.ExecutionPrice(base, shares, e.barVolume(), true, e.rng)
	cost := shares * exec
	fees := e.cfg.Broker.Commission(cost) + e.cfg.Broker.SpreadCost(cost)

	released := e.shortCollateral * (shares / e.sharesShorted)
	pnl := (e.shortEntry-exec)*shares - fees
	e.cash += released + (e.shortEntry-exec)*shares - fees
	e.shortCollateral -= released
	e.sharesShorted -= shares
	e.totalFees += fees
	e.totalTrades++
	e.recordOutcome(pnl)
	if e.sharesShorted <= 1e-9 {
		e.sharesShorted = 0
		e.shortEntry = 0
		e.shortCollateral = 0
		e.shortHoldingTime = 0
		e.trailingLow = 0
	}
	_ = reason
}

func (e *Env) recordOutcome(pnl float64) {
	if pnl > 0 {
		e.wins++
		e.grossProfit += pnl
	} else if pnl < 0 {
		e.losses++
	}
}

// checkLongExits enforces SL, TP and the trailing stop on the long side.
func (e *Env) checkLongExits() {
	if e.sharesHeld <= 0 || e.entryPrice <= 0 {
		return
	}
	p := e.price()
	unrealized := p/e.entryPrice - 1
	switch {
	case unrealized <= -e.cfg.StopLossPct:
		e.closeLong(e.sharesHeld, "stop_loss")
		e.pendingReward -= e.cfg.Reward.StopLossPenalty
	case unrealized >= e.cfg.TakeProfitPct:
		e.closeLong(e.sharesHeld, "take_profit")
		e.pendingReward += e.cfg.Reward.TakeProfitBonus
	case e.cfg.TrailingStopEnabled && e.trailingHigh > 0 &&
		p <= e.trailingHigh*(1-e.cfg.TrailingStopDistance):
		e.closeLong(e.sharesHeld, "trailing_stop")
		e.pendingReward -= e.cfg.Reward.TrailingStopPenalty
	}
}

// checkShortExits mirrors checkLongExits for the short side.
func (e *Env) checkShortExits() {
	if e.sharesShorted <= 0 || e.shortEntry <= 0 {
		return
	}
	p := e.price()
	unrealized := (e.shortEntry - p) / e.shortEntry
	switch {
	case unrealized <= -e.cfg.StopLossPct:
		e.closeShort(e.sharesShorted, "stop_loss")
		e.pendingReward -= e.cfg.Reward.StopLossPenalty
	case unrealized >= e.cfg.TakeProfitPct:
		e.closeShort(e.sharesShorted, "take_profit")
		e.pendingReward += e.cfg.Reward.TakeProfitBonus
	case e.cfg.TrailingStopEnabled && e.trailingLow > 0 &&
		p >= e.trailingLow*(1+e.cfg.TrailingStopDistance):
		e.closeShort(e.sharesShorted, "trailing_stop")
		e.pendingReward -= e.cfg.Reward.TrailingStopPenalty
	}
}

// liquidate flattens all positions at the final bar's close.
func (e *Env) liquidate() {
	if e.sharesHeld > 0 {
		e.closeLong(e.sharesHeld, "episode_end")
	}
	if e.sharesShorted > 0 {
		e.closeShort(e.sharesShorted, "episode_end")
	}
}

// recentReturns returns up to the last n step returns.
func (e *Env) recentReturns(n int) []float64 {
	if len(e.episodeReturns) <= n {
		return e.episodeReturns
	}
	return e.episodeReturns[len(e.episodeReturns)-n:]
}
