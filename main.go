package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rl-trading-bot/config"
	"rl-trading-bot/internal/agents"
	"rl-trading-bot/internal/logging"
	"rl-trading-bot/internal/monitoring"
	"rl-trading-bot/internal/policy"
	"rl-trading-bot/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Str("backend", cfg.BackendConfig.BaseURL).Msg("starting trader fleet")

	registry := agents.NewRegistry(cfg.TrainingConfig.ModelDir, cfg.TrainingConfig.CheckpointDir, logger)
	if err := registry.Scan(); err != nil {
		logger.Fatal().Err(err).Msg("scanning model directory failed")
	}
	logger.Info().Int("agents", len(registry.List())).Msg("agent registry ready")

	params := policy.DefaultTrainParams()
	params.LR = cfg.TrainingConfig.LearningRate
	params.BatchSize = cfg.TrainingConfig.BatchSize
	params.NSteps = cfg.TrainingConfig.NSteps
	trainer := policy.NewTrainer(cfg.TrainingConfig.ModelDir, cfg.TrainingConfig.CheckpointDir, params, logger)

	var metrics *monitoring.Metrics
	var metricsSrv interface{ Shutdown(context.Context) error }
	if cfg.MonitoringConfig.Enabled {
		metrics = monitoring.NewMetrics(prometheus.DefaultRegisterer)
		addr := fmt.Sprintf(":%d", cfg.MonitoringConfig.Port)
		metricsSrv = monitoring.Serve(addr, prometheus.DefaultGatherer, logger)
		logger.Info().Str("addr", addr).Msg("metrics listener started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(cfg, registry, trainer, metrics, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("scheduler start failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()
	sched.Stop()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics shutdown failed")
		}
	}
	logger.Info().Msg("shutdown complete")
}
