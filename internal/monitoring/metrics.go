// Package monitoring exposes Prometheus metrics for the trader fleet.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the fleet-wide instruments.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	TradesExecuted   *prometheus.CounterVec
	TrainingSessions *prometheus.CounterVec
	SourceFailures   *prometheus.CounterVec
	RunningTraders   prometheus.Gauge
	PortfolioValue   *prometheus.GaugeVec
	DecisionLatency  prometheus.Histogram
}

// NewMetrics registers the instruments on reg. Pass
// prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_decisions_total",
			Help: "Decisions emitted, by trader and decision type.",
		}, []string{"trader", "decision_type"}),
		TradesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_trades_executed_total",
			Help: "Trades sent for execution, by trader and action.",
		}, []string{"trader", "action"}),
		TrainingSessions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_training_sessions_total",
			Help: "Training sessions, by agent and final status.",
		}, []string{"agent", "status"}),
		SourceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_source_failures_total",
			Help: "Signal source evaluation failures, by source.",
		}, []string{"source"}),
		RunningTraders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trader_loops_running",
			Help: "Number of trader loops currently running.",
		}),
		PortfolioValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_portfolio_value",
			Help: "Last observed portfolio total value, by trader.",
		}, []string{"trader"}),
		DecisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_decision_seconds",
			Help:    "Wall time of one symbol decision incl. signal collection.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

// Serve starts the /metrics listener and returns the server for shutdown.
func Serve(addr string, gatherer prometheus.Gatherer, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("metrics listener stopped")
		}
	}()
	return srv
}
