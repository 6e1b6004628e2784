// Package scheduler runs the trader fleet: one loop per trader, SL/TP
// sweeps, cooldowns, off-hours self-training and resume-on-boot.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"rl-trading-bot/config"
	"rl-trading-bot/internal/agents"
	"rl-trading-bot/internal/backend"
	"rl-trading-bot/internal/engine"
	"rl-trading-bot/internal/market"
	"rl-trading-bot/internal/ml"
	"rl-trading-bot/internal/monitoring"
	"rl-trading-bot/internal/policy"
	"rl-trading-bot/internal/risk"
	"rl-trading-bot/internal/signals"
)

// State is a trader task's lifecycle phase.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// maxOutcomeHistory bounds the per-trader trade outcome buffer.
const maxOutcomeHistory = 100

// offHoursSleep is the loop interval outside the trading window.
const offHoursSleep = time.Minute

type backendAPI interface {
	ListTraders(ctx context.Context) ([]backend.Trader, error)
	GetPortfolio(ctx context.Context, traderID string) (*backend.PortfolioSnapshot, error)
	LogDecision(ctx context.Context, traderID string, decision interface{}) error
	MarkDecisionExecuted(ctx context.Context, traderID, symbol, action string) error
	Execute(ctx context.Context, traderID string, req backend.ExecuteRequest) error
	PostEvent(ctx context.Context, traderID string, event backend.Event) error
	PostTrainingHistory(ctx context.Context, traderID string, record backend.TrainingRecord) error
	Close()
}

type chartAPI interface {
	FetchChart(ctx context.Context, symbol, period string) (*market.Frame, error)
	Close()
}

type decider interface {
	Decide(ctx context.Context, symbol string, frame *market.Frame, portfolio *backend.PortfolioSnapshot, streak engine.Streak, now time.Time) *engine.Decision
}

// traderTask is one trader's loop and its resources.
type traderTask struct {
	cfg    engine.TraderConfig
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	backend  backendAPI
	charts   chartAPI
	engine   decider
	mlc      *ml.Client
	trailing *risk.TrailingStops

	mu           sync.Mutex
	cooldowns    map[string]time.Time
	outcomes     []bool
	streak       engine.Streak
	lastTraining time.Time
	dailyTrades  int
}

func (t *traderTask) onCooldown(symbol string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.cooldowns[symbol]
	return ok && now.Before(until)
}

func (t *traderTask) setCooldown(symbol string, now time.Time) {
	minutes := t.cfg.CooldownMinutes
	if minutes <= 0 {
		minutes = 30
	}
	t.mu.Lock()
	t.cooldowns[symbol] = now.Add(time.Duration(minutes) * time.Minute)
	t.mu.Unlock()
}

// recordOutcome appends a trade result to the bounded history and refreshes
// the streak counters.
func (t *traderTask) recordOutcome(win bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes = append(t.outcomes, win)
	if len(t.outcomes) > maxOutcomeHistory {
		t.outcomes = t.outcomes[len(t.outcomes)-maxOutcomeHistory:]
	}
	if win {
		t.streak.ConsecutiveWins++
		t.streak.ConsecutiveLosses = 0
	} else {
		t.streak.ConsecutiveLosses++
		t.streak.ConsecutiveWins = 0
	}
	t.dailyTrades++
}

func (t *traderTask) currentStreak() engine.Streak {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streak
}

// Scheduler owns the trader table, the training status table and the cron
// jobs that drive periodic housekeeping.
type Scheduler struct {
	cfg      *config.Config
	registry *agents.Registry
	trainer  *policy.Trainer
	metrics  *monitoring.Metrics
	log      zerolog.Logger

	mu       sync.RWMutex
	tasks    map[string]*traderTask
	training map[string]*TrainingStatus

	cron *cron.Cron
}

// New builds a scheduler. metrics may be nil when monitoring is disabled.
func New(cfg *config.Config, registry *agents.Registry, trainer *policy.Trainer, metrics *monitoring.Metrics, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		trainer:  trainer,
		metrics:  metrics,
		log:      log.With().Str("component", "scheduler").Logger(),
		tasks:    make(map[string]*traderTask),
		training: make(map[string]*TrainingStatus),
		cron:     cron.New(),
	}
}

// Start launches the cron jobs and, when enabled, the resume-on-boot pass.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every 5m", func() { s.selfTrainingGate(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("5 0 * * *", s.rollDaily); err != nil {
		return err
	}
	s.cron.Start()

	if s.cfg.SchedulerConfig.ResumeOnBoot {
		go s.resumeRunning(ctx)
	}
	return nil
}

// Stop halts cron and every trader loop, waiting for them to drain.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.StopTrader(name)
	}
}

// StartTrader launches a loop for the trader. Starting an already-running
// trader is a no-op.
func (s *Scheduler) StartTrader(ctx context.Context, cfg engine.TraderConfig) error {
	clientLog := s.log.With().Str("trader", cfg.Name).Logger()
	be := backend.NewClient(s.cfg.BackendConfig.BaseURL, s.cfg.BackendConfig.RequestTimeout, clientLog)
	charts := market.NewChartClient(s.cfg.BackendConfig.BaseURL, s.cfg.BackendConfig.RequestTimeout, s.cfg.BackendConfig.ChartTimeout, clientLog)
	mlc := ml.NewClient(s.cfg.BackendConfig.MLServiceURL, s.cfg.BackendConfig.RequestTimeout, clientLog)

	sources := []signals.Source{
		&signals.MLSource{Client: mlc},
		&signals.RLSource{Registry: s.registry, AgentName: cfg.AgentName},
		&signals.SentimentSource{Client: be},
		&signals.TechnicalSource{},
	}
	aggregator := signals.NewAggregator(sources, cfg.Weights, clientLog)
	riskMgr := risk.NewManager(cfg.Limits, cfg.Schedule, charts, clientLog)
	eng := engine.New(cfg, aggregator, riskMgr, clientLog)

	task := &traderTask{
		cfg:       cfg,
		backend:   be,
		charts:    charts,
		engine:    eng,
		mlc:       mlc,
		cooldowns: make(map[string]time.Time),
	}
	if cfg.Trailing.Enabled {
		task.trailing = risk.NewTrailingStops(cfg.Trailing, clientLog)
	}
	return s.start(ctx, task)
}

func (s *Scheduler) start(ctx context.Context, task *traderTask) error {
	s.mu.Lock()
	if existing, ok := s.tasks[task.cfg.Name]; ok && existing.state != StateStopping {
		s.mu.Unlock()
		s.log.Info().Str("trader", task.cfg.Name).Msg("trader already running, start ignored")
		task.closeClients()
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	task.cancel = cancel
	task.done = make(chan struct{})
	task.state = StateStarting
	s.tasks[task.cfg.Name] = task
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RunningTraders.Inc()
	}
	go s.run(loopCtx, task)
	return nil
}

// StopTrader cancels a trader loop and waits for it to drain.
func (s *Scheduler) StopTrader(name string) {
	s.mu.Lock()
	task, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	task.state = StateStopping
	s.mu.Unlock()

	task.cancel()
	<-task.done

	s.mu.Lock()
	delete(s.tasks, name)
	s.mu.Unlock()
}

// Running lists the names of running trader loops.
func (s *Scheduler) Running() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tasks))
	for name, task := range s.tasks {
		if task.state == StateRunning || task.state == StateStarting {
			out = append(out, name)
		}
	}
	return out
}

// TraderState reports a trader's lifecycle phase.
func (s *Scheduler) TraderState(name string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[name]
	if !ok {
		return "", false
	}
	return task.state, true
}

func (t *traderTask) closeClients() {
	if t.backend != nil {
		t.backend.Close()
	}
	if t.charts != nil {
		t.charts.Close()
	}
	if t.mlc != nil {
		t.mlc.Close()
	}
}

// resumeRunning restarts loops for traders the backend reports as running.
func (s *Scheduler) resumeRunning(ctx context.Context) {
	select {
	case <-time.After(s.cfg.SchedulerConfig.ResumeDelay):
	case <-ctx.Done():
		return
	}

	be := backend.NewClient(s.cfg.BackendConfig.BaseURL, s.cfg.BackendConfig.RequestTimeout, s.log)
	defer be.Close()

	traders, err := be.ListTraders(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("resume-on-boot: listing traders failed")
		return
	}
	for _, trader := range traders {
		if trader.Status != "running" {
			continue
		}
		cfg := engine.TraderConfigFromPersonality(trader, s.log)
		if cfg.CheckIntervalSeconds <= 0 {
			cfg.CheckIntervalSeconds = s.cfg.SchedulerConfig.CheckIntervalSecs
		}
		if err := s.StartTrader(ctx, cfg); err != nil {
			s.log.Error().Err(err).Str("trader", trader.Name).Msg("resume-on-boot: start failed")
			continue
		}
		s.log.Info().Str("trader", trader.Name).Msg("resumed trader from backend state")
	}
}

// rollDaily resets the per-day counters shortly after midnight UTC.
func (s *Scheduler) rollDaily() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, task := range s.tasks {
		task.mu.Lock()
		trades := task.dailyTrades
		task.dailyTrades = 0
		task.mu.Unlock()
		s.log.Info().Str("trader", name).Int("trades", trades).Msg("daily roll")
	}
}
