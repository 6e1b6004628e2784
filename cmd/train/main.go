// Command train runs one training session for an agent against bars fetched
// from the backend's chart proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"rl-trading-bot/config"
	"rl-trading-bot/internal/logging"
	"rl-trading-bot/internal/market"
	"rl-trading-bot/internal/policy"
)

func main() {
	var (
		agentName    = flag.String("agent", "", "agent name (required)")
		symbolsFlag  = flag.String("symbols", "", "comma-separated symbols (required)")
		timesteps    = flag.Int64("timesteps", 0, "total timesteps (default from config)")
		period       = flag.String("period", "5y", "chart period: 5y, 2y or 1y")
		continueFrom = flag.Bool("continue", false, "continue from the existing artifact")
		curriculum   = flag.Bool("curriculum", false, "enable curriculum phases")
		horizon      = flag.String("horizon", "day", "trading horizon: scalping, day, swing or position")
		transformer  = flag.Bool("transformer", true, "use the transformer extractor")
		seed         = flag.Int64("seed", 0, "rng seed (0 picks one)")
	)
	flag.Parse()

	if *agentName == "" || *symbolsFlag == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(cfg.LoggingConfig)

	steps := *timesteps
	if steps <= 0 {
		steps = int64(cfg.TrainingConfig.Timesteps)
	}

	ctx := context.Background()
	charts := market.NewChartClient(cfg.BackendConfig.BaseURL, cfg.BackendConfig.RequestTimeout, cfg.BackendConfig.ChartTimeout, logger)
	defer charts.Close()

	symbols := strings.Split(*symbolsFlag, ",")
	frames := make([]*market.Frame, 0, len(symbols))
	for _, raw := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" {
			continue
		}
		frame, err := charts.FetchChart(ctx, symbol, *period)
		if err != nil {
			logger.Fatal().Err(err).Str("symbol", symbol).Msg("chart fetch failed")
		}
		logger.Info().Str("symbol", symbol).Int("bars", frame.Len()).Msg("bars fetched")
		frames = append(frames, frame)
	}

	agent := policy.DefaultAgentConfig(*agentName)
	agent.TradingHorizon = *horizon
	agent.UseTransformerPolicy = *transformer
	agent.InitialBalance = cfg.TrainingConfig.InitialBalance
	agent.LookbackWindow = cfg.TrainingConfig.LookbackWindow
	agent.LearningRate = cfg.TrainingConfig.LearningRate

	params := policy.DefaultTrainParams()
	params.LR = cfg.TrainingConfig.LearningRate
	params.BatchSize = cfg.TrainingConfig.BatchSize
	params.NSteps = cfg.TrainingConfig.NSteps

	trainer := policy.NewTrainer(cfg.TrainingConfig.ModelDir, cfg.TrainingConfig.CheckpointDir, params, logger)
	result, err := trainer.Train(ctx, policy.TrainRequest{
		Agent:            agent,
		Frames:           frames,
		TotalTimesteps:   steps,
		ContinueTraining: *continueFrom,
		Curriculum:       *curriculum,
		Callbacks:        []policy.Callback{&policy.ProgressLogger{Log: logger}},
		Seed:             *seed,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("training failed")
	}

	printSummary(result)
	if result.OverfitWarning {
		logger.Warn().Msg("out-of-sample return is far below in-sample, possible overfit")
	}
}

func printSummary(result *policy.TrainResult) {
	meta := result.Metadata

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"", "In-sample", "Out-of-sample"})
	t.AppendRows([]table.Row{
		{"Episodes", cell(meta.PerformanceMetrics, func(m *policy.EvalMetrics) string { return fmt.Sprintf("%d", m.Episodes) }),
			cell(meta.OOSPerformanceMetrics, func(m *policy.EvalMetrics) string { return fmt.Sprintf("%d", m.Episodes) })},
		{"Mean reward", cell(meta.PerformanceMetrics, fmtReward),
			cell(meta.OOSPerformanceMetrics, fmtReward)},
		{"Mean return", cell(meta.PerformanceMetrics, fmtReturn),
			cell(meta.OOSPerformanceMetrics, fmtReturn)},
		{"Win rate", cell(meta.PerformanceMetrics, fmtWinRate),
			cell(meta.OOSPerformanceMetrics, fmtWinRate)},
	})
	t.AppendFooter(table.Row{"Agent", meta.AgentName, ""})
	t.AppendFooter(table.Row{"Timesteps", meta.TotalTimesteps, fmt.Sprintf("cumulative %d", meta.CumulativeTimesteps)})
	t.AppendFooter(table.Row{"Sessions", meta.TrainingSessions, fmt.Sprintf("continued %v", meta.ContinuedFromPrevious)})
	t.AppendFooter(table.Row{"Best reward", fmt.Sprintf("%.4f", meta.BestReward), ""})
	t.AppendFooter(table.Row{"Symbols", strings.Join(meta.SymbolsTrained, ", "), ""})
	t.Render()
}

func cell(m *policy.EvalMetrics, format func(*policy.EvalMetrics) string) string {
	if m == nil {
		return "-"
	}
	return format(m)
}

func fmtReward(m *policy.EvalMetrics) string { return fmt.Sprintf("%.4f", m.MeanReward) }

func fmtReturn(m *policy.EvalMetrics) string { return fmt.Sprintf("%.2f%%", m.MeanReturn*100) }

func fmtWinRate(m *policy.EvalMetrics) string { return fmt.Sprintf("%.1f%%", m.WinRate*100) }
