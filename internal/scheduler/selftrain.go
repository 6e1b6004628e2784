package scheduler

import (
	"context"
	"math/rand"
	"time"

	"rl-trading-bot/internal/backend"
	"rl-trading-bot/internal/engine"
	"rl-trading-bot/internal/market"
	"rl-trading-bot/internal/policy"
)

// Self-training data collection bounds.
const (
	minTrainingBars  = 200
	trainingSymbols  = 3
	maxSymbolAttempt = 10
)

// chartPeriods is the fallback order when a symbol has little history.
var chartPeriods = []string{"5y", "2y", "1y"}

// TrainingStatus is one agent's self-training progress, published for
// observers.
type TrainingStatus struct {
	Status     string    `json:"status"` // starting | training | complete | failed
	Progress   float64   `json:"progress"`
	Timesteps  int64     `json:"timesteps"`
	MeanReward float64   `json:"mean_reward"`
	Message    string    `json:"message,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TrainingStatusFor returns the last published status for an agent.
func (s *Scheduler) TrainingStatusFor(agent string) (TrainingStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.training[agent]
	if !ok {
		return TrainingStatus{}, false
	}
	return *st, true
}

func (s *Scheduler) setTrainingStatus(agent string, update TrainingStatus) {
	update.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	s.training[agent] = &update
	s.mu.Unlock()
}

// selfTrainingGate is the cron entry: it offers every off-hours trader a
// training slot.
func (s *Scheduler) selfTrainingGate(ctx context.Context) {
	now := time.Now().UTC()
	s.mu.RLock()
	tasks := make([]*traderTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		if task.state == StateRunning {
			tasks = append(tasks, task)
		}
	}
	s.mu.RUnlock()

	for _, task := range tasks {
		if task.cfg.Schedule.Enabled && task.cfg.Schedule.Within(now) {
			continue
		}
		s.maybeSelfTrain(ctx, task, now)
	}
}

// maybeSelfTrain starts a background training session when the interval has
// elapsed and no session is running for the agent. The registry's training
// slot is the conflict guard.
func (s *Scheduler) maybeSelfTrain(ctx context.Context, task *traderTask, now time.Time) {
	if !task.cfg.SelfTraining || s.trainer == nil {
		return
	}
	interval := time.Duration(task.cfg.SelfTrainingIntervalMinutes) * time.Minute
	task.mu.Lock()
	due := task.lastTraining.IsZero() || now.Sub(task.lastTraining) >= interval
	task.mu.Unlock()
	if !due {
		return
	}

	agent := task.cfg.AgentName
	if err := s.registry.BeginTraining(agent); err != nil {
		s.log.Debug().Err(err).Str("agent", agent).Msg("self-training slot unavailable")
		return
	}
	task.mu.Lock()
	task.lastTraining = now
	task.mu.Unlock()

	go s.selfTrain(ctx, task, agent)
}

func (s *Scheduler) selfTrain(ctx context.Context, task *traderTask, agent string) {
	started := time.Now()
	s.setTrainingStatus(agent, TrainingStatus{Status: "starting"})
	s.log.Info().Str("agent", agent).Msg("self-training session starting")

	frames := s.collectTrainingFrames(ctx, task)
	if len(frames) == 0 {
		err := market.ErrInsufficientBars
		s.registry.FinishTraining(agent, nil, err)
		s.setTrainingStatus(agent, TrainingStatus{Status: "failed", Message: "no symbol with enough history"})
		s.notifyTraining(ctx, task, backend.TrainingRecord{
			AgentName: agent,
			Status:    "failed",
			Message:   err.Error(),
			Continued: true,
		})
		if s.metrics != nil {
			s.metrics.TrainingSessions.WithLabelValues(agent, "failed").Inc()
		}
		return
	}

	progress := policy.ProgressFunc(func(u policy.ProgressUpdate) {
		status := TrainingStatus{
			Status:    "training",
			Progress:  u.SessionProgress * 100,
			Timesteps: u.SessionTimesteps,
		}
		if u.MeanReward100 != nil {
			status.MeanReward = *u.MeanReward100
		}
		s.setTrainingStatus(agent, status)
	})

	result, err := s.trainer.Train(ctx, policy.TrainRequest{
		Agent:            agentConfigFromTrader(task.cfg),
		Frames:           frames,
		TotalTimesteps:   task.cfg.SelfTrainingTimesteps,
		ContinueTraining: true,
		Callbacks:        []policy.Callback{progress},
	})
	if err != nil {
		s.registry.FinishTraining(agent, nil, err)
		s.setTrainingStatus(agent, TrainingStatus{Status: "failed", Message: err.Error()})
		s.notifyTraining(ctx, task, backend.TrainingRecord{
			AgentName: agent, Status: "failed", Message: err.Error(), Continued: true,
		})
		if s.metrics != nil {
			s.metrics.TrainingSessions.WithLabelValues(agent, "failed").Inc()
		}
		s.log.Error().Err(err).Str("agent", agent).Msg("self-training failed")
		return
	}

	meta := result.Metadata
	s.registry.FinishTraining(agent, meta, nil)
	s.setTrainingStatus(agent, TrainingStatus{
		Status:    "complete",
		Progress:  100,
		Timesteps: meta.TotalTimesteps,
	})
	if s.metrics != nil {
		s.metrics.TrainingSessions.WithLabelValues(agent, "complete").Inc()
	}

	record := backend.TrainingRecord{
		AgentName:       agent,
		Symbols:         meta.SymbolsTrained,
		Timesteps:       meta.TotalTimesteps,
		DurationSeconds: time.Since(started).Seconds(),
		BestReward:      meta.BestReward,
		Continued:       true,
		Status:          "complete",
	}
	if meta.PerformanceMetrics != nil {
		record.MeanReturn = meta.PerformanceMetrics.MeanReturn
	}
	if meta.OOSPerformanceMetrics != nil {
		oos := meta.OOSPerformanceMetrics.MeanReturn
		record.OOSMeanReturn = &oos
	}
	s.notifyTraining(ctx, task, record)
	s.log.Info().Str("agent", agent).Int64("timesteps", meta.TotalTimesteps).
		Float64("best_reward", meta.BestReward).Msg("self-training complete")
}

// notifyTraining posts the history record and an event; notification
// failures are swallowed.
func (s *Scheduler) notifyTraining(ctx context.Context, task *traderTask, record backend.TrainingRecord) {
	if err := task.backend.PostTrainingHistory(ctx, task.cfg.ID, record); err != nil {
		s.log.Warn().Err(err).Str("agent", record.AgentName).Msg("training history post failed")
	}
	event := backend.Event{
		Type:    "self_training",
		Message: record.Status,
		Data: map[string]interface{}{
			"agent":     record.AgentName,
			"timesteps": record.Timesteps,
			"symbols":   record.Symbols,
		},
	}
	if err := task.backend.PostEvent(ctx, task.cfg.ID, event); err != nil {
		s.log.Warn().Err(err).Str("agent", record.AgentName).Msg("training event post failed")
	}
}

// collectTrainingFrames shuffles the watchlist and gathers up to three
// symbols with enough history, trying shorter periods before giving up on a
// symbol. At most ten symbols are attempted.
func (s *Scheduler) collectTrainingFrames(ctx context.Context, task *traderTask) []*market.Frame {
	symbols := append([]string(nil), task.cfg.Watchlist...)
	rand.Shuffle(len(symbols), func(i, j int) { symbols[i], symbols[j] = symbols[j], symbols[i] })

	frames := make([]*market.Frame, 0, trainingSymbols)
	attempts := 0
	for _, symbol := range symbols {
		if len(frames) >= trainingSymbols || attempts >= maxSymbolAttempt {
			break
		}
		attempts++
		for _, period := range chartPeriods {
			frame, err := task.charts.FetchChart(ctx, symbol, period)
			if err != nil {
				s.log.Debug().Err(err).Str("symbol", symbol).Str("period", period).Msg("training fetch failed")
				continue
			}
			if frame.Len() >= minTrainingBars {
				frames = append(frames, frame)
				break
			}
		}
	}
	return frames
}

// agentConfigFromTrader projects the live-trader knobs onto an AgentConfig.
// Architecture fields stay at their defaults; for a continued session the
// trainer overrides them from the persisted config anyway.
func agentConfigFromTrader(cfg engine.TraderConfig) policy.AgentConfig {
	agent := policy.DefaultAgentConfig(cfg.AgentName)
	agent.TradingHorizon = string(cfg.Horizon)
	agent.InitialBalance = cfg.InitialBudget
	agent.MaxPositionSize = cfg.Limits.MaxPositionSize
	agent.MaxPositions = cfg.Limits.MaxPositions
	agent.StopLossPct = cfg.StopLossPct
	agent.TakeProfitPct = cfg.TakeProfitPct
	agent.AllowShort = cfg.AllowShort
	return agent
}
