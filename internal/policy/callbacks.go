package policy

import (
	"math"

	"github.com/rs/zerolog"

	"rl-trading-bot/internal/envsim"
)

// ProgressUpdate is emitted after every rollout. Reward fields are nil when
// the underlying value is not finite.
type ProgressUpdate struct {
	SessionProgress  float64  `json:"session_progress"`
	SessionTimesteps int64    `json:"session_timesteps"`
	Episodes         int64    `json:"episodes_so_far"`
	MeanReward100    *float64 `json:"mean_reward_last_100"`
	BestReward       *float64 `json:"best_reward"`
}

// Callback observes training progress rollout by rollout.
type Callback interface {
	OnRollout(u ProgressUpdate)
}

// finiteOrNil guards callback numerics against NaN and infinities.
func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// ProgressLogger logs progress updates through zerolog.
type ProgressLogger struct {
	Log zerolog.Logger
}

func (p *ProgressLogger) OnRollout(u ProgressUpdate) {
	ev := p.Log.Info().
		Float64("progress", u.SessionProgress).
		Int64("session_timesteps", u.SessionTimesteps).
		Int64("episodes", u.Episodes)
	if u.MeanReward100 != nil {
		ev = ev.Float64("mean_reward_100", *u.MeanReward100)
	}
	if u.BestReward != nil {
		ev = ev.Float64("best_reward", *u.BestReward)
	}
	ev.Msg("training progress")
}

// ProgressFunc adapts a function to the Callback interface.
type ProgressFunc func(u ProgressUpdate)

func (f ProgressFunc) OnRollout(u ProgressUpdate) { f(u) }

// curriculumPhase is one stage of penalty tightening.
type curriculumPhase struct {
	until    float64 // session progress upper bound
	drawdown float64
	stepFee  float64
	oppCost  float64
	churning float64
}

// CurriculumCallback raises the environment penalty multipliers in three
// phases; multipliers never decrease between phases.
type CurriculumCallback struct {
	Envs   []*envsim.Env
	phases []curriculumPhase
	phase  int
}

func NewCurriculumCallback(envs []*envsim.Env) *CurriculumCallback {
	return &CurriculumCallback{
		Envs: envs,
		phases: []curriculumPhase{
			{until: 1.0 / 3.0, drawdown: 1.0, stepFee: 1.0, oppCost: 1.0, churning: 1.0},
			{until: 2.0 / 3.0, drawdown: 1.5, stepFee: 1.5, oppCost: 1.25, churning: 1.5},
			{until: 1.0, drawdown: 2.0, stepFee: 2.0, oppCost: 1.5, churning: 2.0},
		},
	}
}

func (c *CurriculumCallback) OnRollout(u ProgressUpdate) {
	target := 0
	for i, p := range c.phases {
		if u.SessionProgress >= p.until && i+1 < len(c.phases) {
			target = i + 1
		}
	}
	if target == c.phase {
		return
	}
	c.phase = target
	p := c.phases[target]
	for _, env := range c.Envs {
		env.SetCurriculumMultipliers(p.drawdown, p.stepFee, p.oppCost, p.churning)
	}
}
