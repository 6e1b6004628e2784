package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rl-trading-bot/internal/backend"
	"rl-trading-bot/internal/engine"
)

func (s *Scheduler) run(ctx context.Context, task *traderTask) {
	defer close(task.done)
	defer task.closeClients()
	defer func() {
		if s.metrics != nil {
			s.metrics.RunningTraders.Dec()
		}
	}()

	s.mu.Lock()
	task.state = StateRunning
	s.mu.Unlock()
	s.log.Info().Str("trader", task.cfg.Name).Int("watchlist", len(task.cfg.Watchlist)).Msg("trader loop started")

	for {
		sleep := s.tick(ctx, task)
		select {
		case <-ctx.Done():
			s.log.Info().Str("trader", task.cfg.Name).Msg("trader loop stopped")
			return
		case <-time.After(sleep):
		}
	}
}

// tick runs one loop iteration and returns how long to sleep before the
// next. A panic in one iteration is contained to that iteration.
func (s *Scheduler) tick(ctx context.Context, task *traderTask) (sleep time.Duration) {
	sleep = time.Duration(task.cfg.CheckIntervalSeconds) * time.Second
	if sleep <= 0 {
		sleep = time.Duration(s.cfg.SchedulerConfig.CheckIntervalSecs) * time.Second
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("trader", task.cfg.Name).Interface("panic", r).Msg("tick panicked")
		}
	}()

	now := time.Now().UTC()
	if task.cfg.Schedule.Enabled && !task.cfg.Schedule.Within(now) {
		s.maybeSelfTrain(ctx, task, now)
		return offHoursSleep
	}

	portfolio, err := task.backend.GetPortfolio(ctx, task.cfg.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("trader", task.cfg.Name).Msg("portfolio unavailable, skipping tick")
		return sleep
	}
	if s.metrics != nil {
		s.metrics.PortfolioValue.WithLabelValues(task.cfg.Name).Set(portfolio.TotalValue)
	}

	closedSet := s.sweep(ctx, task, portfolio, now)

	for _, symbol := range task.cfg.Watchlist {
		if ctx.Err() != nil {
			return sleep
		}
		if closedSet[symbol] {
			continue
		}
		if task.onCooldown(symbol, now) {
			s.log.Debug().Str("trader", task.cfg.Name).Str("symbol", symbol).Msg("on cooldown, skipped")
			continue
		}
		s.evaluateSymbol(ctx, task, portfolio, symbol, now)
	}
	return sleep
}

func (s *Scheduler) evaluateSymbol(ctx context.Context, task *traderTask, portfolio *backend.PortfolioSnapshot, symbol string, now time.Time) {
	frame, err := task.charts.FetchChart(ctx, symbol, "1y")
	if err != nil {
		s.log.Warn().Err(err).Str("trader", task.cfg.Name).Str("symbol", symbol).Msg("market data unavailable")
		return
	}

	started := time.Now()
	decision := task.engine.Decide(ctx, symbol, frame, portfolio, task.currentStreak(), now)
	if s.metrics != nil {
		s.metrics.DecisionLatency.Observe(time.Since(started).Seconds())
		s.metrics.DecisionsTotal.WithLabelValues(task.cfg.Name, decision.Type).Inc()
	}

	if err := task.backend.LogDecision(ctx, task.cfg.ID, decision); err != nil {
		s.log.Warn().Err(err).Str("trader", task.cfg.Name).Str("symbol", symbol).Msg("decision log failed")
	}
	if !decision.Actionable() {
		return
	}

	if err := s.execute(ctx, task, decision); err != nil {
		s.log.Error().Err(err).Str("trader", task.cfg.Name).Str("symbol", symbol).
			Str("action", decision.Type).Msg("execution failed")
		return
	}
	if decision.Type == "close" || decision.Type == "sell" {
		if pos, ok := portfolio.Positions[symbol]; ok {
			task.recordOutcome(positionWon(pos))
		}
		task.setCooldown(symbol, now)
	}
}

func (s *Scheduler) execute(ctx context.Context, task *traderTask, decision *engine.Decision) error {
	req := backend.ExecuteRequest{
		Symbol:     decision.Symbol,
		Action:     decision.Type,
		Quantity:   decision.Quantity,
		Price:      decision.Price,
		StopLoss:   decision.StopLoss,
		TakeProfit: decision.TakeProfit,
		Reasoning:  decision.Summary,
	}
	if err := task.backend.Execute(ctx, task.cfg.ID, req); err != nil {
		return err
	}
	// only a confirmed execution marks the decision
	if err := task.backend.MarkDecisionExecuted(ctx, task.cfg.ID, decision.Symbol, decision.Type); err != nil {
		s.log.Warn().Err(err).Str("symbol", decision.Symbol).Msg("mark-executed failed")
	}
	if s.metrics != nil {
		s.metrics.TradesExecuted.WithLabelValues(task.cfg.Name, decision.Type).Inc()
	}
	return nil
}

// sweep closes positions whose SL or TP has triggered. Sweep closes carry
// confidence 1.0 and bypass both the risk gate and the minimum holding
// floor; swept symbols are excluded from the rest of the tick.
func (s *Scheduler) sweep(ctx context.Context, task *traderTask, portfolio *backend.PortfolioSnapshot, now time.Time) map[string]bool {
	closed := make(map[string]bool)
	for symbol, pos := range portfolio.Positions {
		if task.trailing != nil {
			task.trailing.Track(symbol, pos.Side, pos.EntryPrice, pos.StopLoss)
			if stop, ok := task.trailing.Update(symbol, pos.CurrentPrice); ok {
				pos.StopLoss = stop
			}
		}
		trigger := stopTakeTrigger(pos)
		if trigger == "" {
			continue
		}
		decision := sweepDecision(symbol, pos, trigger, now)
		if err := task.backend.LogDecision(ctx, task.cfg.ID, decision); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("sweep decision log failed")
		}
		if err := s.execute(ctx, task, decision); err != nil {
			s.log.Error().Err(err).Str("trader", task.cfg.Name).Str("symbol", symbol).Msg("sweep execution failed")
			continue
		}
		task.recordOutcome(trigger == "take_profit")
		task.setCooldown(symbol, now)
		if task.trailing != nil {
			task.trailing.Drop(symbol)
		}
		closed[symbol] = true
		s.log.Info().Str("trader", task.cfg.Name).Str("symbol", symbol).
			Str("trigger", trigger).Float64("price", pos.CurrentPrice).Msg("position swept")
	}
	return closed
}

// stopTakeTrigger reports which protective level fired, if any. Side decides
// the comparison direction.
func stopTakeTrigger(pos backend.Position) string {
	if pos.Side == "short" {
		if pos.StopLoss > 0 && pos.CurrentPrice >= pos.StopLoss {
			return "stop_loss"
		}
		if pos.TakeProfit > 0 && pos.CurrentPrice <= pos.TakeProfit {
			return "take_profit"
		}
		return ""
	}
	if pos.StopLoss > 0 && pos.CurrentPrice <= pos.StopLoss {
		return "stop_loss"
	}
	if pos.TakeProfit > 0 && pos.CurrentPrice >= pos.TakeProfit {
		return "take_profit"
	}
	return ""
}

func sweepDecision(symbol string, pos backend.Position, trigger string, now time.Time) *engine.Decision {
	return &engine.Decision{
		TraceID:    uuid.NewString(),
		Symbol:     symbol,
		Type:       "close",
		Confidence: 1.0,
		Quantity:   pos.Quantity,
		Price:      pos.CurrentPrice,
		Summary:    fmt.Sprintf("%s triggered at %.2f", trigger, pos.CurrentPrice),
		Timestamp:  now,
	}
}

// positionWon judges a closed position by its side-aware price move.
func positionWon(pos backend.Position) bool {
	if pos.Side == "short" {
		return pos.CurrentPrice < pos.EntryPrice
	}
	return pos.CurrentPrice > pos.EntryPrice
}
