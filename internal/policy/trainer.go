package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"rl-trading-bot/internal/envsim"
	"rl-trading-bot/internal/indicators"
	"rl-trading-bot/internal/market"
)

// Walk-forward split thresholds.
const (
	minTrainRows = 150
	minTestRows  = 100
	trainFrac    = 0.8
)

// ErrNoTrainableSymbols is returned when the walk-forward split leaves no
// symbol with enough training data.
var ErrNoTrainableSymbols = errors.New("no symbols with sufficient training data")

// Trainer runs full training sessions: walk-forward splitting, PPO learning,
// in-sample and out-of-sample evaluation and artifact persistence.
type Trainer struct {
	ModelDir      string
	CheckpointDir string
	Params        TrainParams
	Log           zerolog.Logger
}

// NewTrainer wires a trainer with the given artifact directories.
func NewTrainer(modelDir, checkpointDir string, params TrainParams, log zerolog.Logger) *Trainer {
	return &Trainer{
		ModelDir:      modelDir,
		CheckpointDir: checkpointDir,
		Params:        params,
		Log:           log.With().Str("component", "trainer").Logger(),
	}
}

// TrainRequest describes one training session.
type TrainRequest struct {
	Agent            AgentConfig
	Frames           []*market.Frame
	TotalTimesteps   int64
	ContinueTraining bool
	Curriculum       bool
	Callbacks        []Callback
	Seed             int64
}

// TrainResult reports the session outcome.
type TrainResult struct {
	Metadata       *Metadata
	OverfitWarning bool
}

// symbolSplit is one symbol's walk-forward partition.
type symbolSplit struct {
	symbol string
	train  *market.Frame
	test   *market.Frame // nil when all data went to training
}

// splitWalkForward applies the chronological 80/20 split per symbol. Symbols
// with fewer than 150 training rows are dropped; symbols whose test slice
// would be under 100 rows contribute all data to training.
func (t *Trainer) splitWalkForward(frames []*market.Frame) []symbolSplit {
	var out []symbolSplit
	for _, f := range frames {
		n := f.Len()
		trainN := int(float64(n) * trainFrac)
		if trainN < minTrainRows {
			t.Log.Warn().Str("symbol", f.Symbol).Int("train_rows", trainN).
				Msg("symbol dropped from training, too little data")
			continue
		}
		s := symbolSplit{symbol: f.Symbol}
		if n-trainN < minTestRows {
			s.train = f
		} else {
			s.train = f.Slice(0, trainN)
			s.test = f.Slice(trainN, n)
		}
		out = append(out, s)
	}
	return out
}

func (t *Trainer) buildEnvs(splits []symbolSplit, cfg AgentConfig, test bool, seed int64) ([]*envsim.Env, error) {
	var envs []*envsim.Env
	for i, s := range splits {
		frame := s.train
		if test {
			frame = s.test
			if frame == nil {
				continue
			}
		}
		features, err := indicators.Compute(frame)
		if err != nil {
			return nil, fmt.Errorf("features for %s: %w", s.symbol, err)
		}
		env, err := envsim.NewEnv(frame, features, cfg.EnvConfig(false, seed+int64(i)))
		if err != nil {
			return nil, fmt.Errorf("env for %s: %w", s.symbol, err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Train runs one session and persists the updated artifacts. With
// ContinueTraining set and a prior artifact present, the persisted
// architecture is reused and the cumulative counters keep growing.
func (t *Trainer) Train(ctx context.Context, req TrainRequest) (*TrainResult, error) {
	started := time.Now()

	splits := t.splitWalkForward(req.Frames)
	if len(splits) == 0 {
		return nil, ErrNoTrainableSymbols
	}
	symbols := make([]string, len(splits))
	for i, s := range splits {
		symbols[i] = s.symbol
	}

	cfg := req.Agent
	if cfg.LookbackWindow <= 0 {
		cfg.LookbackWindow = 60
	}

	agentDir := AgentDir(t.ModelDir, cfg.Name)
	modelPath := filepath.Join(agentDir, ModelFileName)
	normPath := filepath.Join(agentDir, VecNormFileName)
	metaPath := filepath.Join(agentDir, MetaFileName)

	var (
		net       *Network
		norm      *VecNormalize
		prevMeta  *Metadata
		continued bool
		prevSteps int64
		prevEps   int64
		prevBest  float64
	)

	if req.ContinueTraining && ArtifactExists(t.ModelDir, cfg.Name) {
		loaded, steps, eps, best, err := LoadModel(modelPath)
		if err != nil {
			t.Log.Warn().Err(err).Str("agent", cfg.Name).
				Msg("prior artifact unreadable, starting fresh")
		} else {
			net = loaded
			net.Cfg = MergeForContinue(loaded.Cfg, req.Agent)
			cfg = net.Cfg
			prevSteps, prevEps, prevBest = steps, eps, best
			continued = true
		}
	}

	numFeatures := len(indicators.FeatureNames)
	arch := Arch{
		ObsDim:      cfg.LookbackWindow*numFeatures + envsim.PortfolioFeatureCount,
		NumActions:  cfg.NumActions(),
		Window:      cfg.LookbackWindow,
		NumFeatures: numFeatures,
	}
	if net == nil {
		net = NewNetwork(cfg, arch, req.Seed)
	}

	trainEnvs, err := t.buildEnvs(splits, cfg, false, req.Seed)
	if err != nil {
		return nil, err
	}

	if continued {
		if loadedNorm, err := LoadVecNormalize(normPath, len(trainEnvs)); err != nil {
			t.Log.Warn().Err(err).Msg("normalisation stats unreadable, starting fresh")
			norm = NewVecNormalize(arch.ObsDim, len(trainEnvs), t.Params.Gamma)
		} else {
			norm = loadedNorm
			norm.Training = true
		}
		if meta, err := LoadMetadata(metaPath); err != nil {
			t.Log.Warn().Err(err).Msg("prior metadata unreadable, treated as no prior state")
		} else {
			prevMeta = meta
		}
	} else {
		norm = NewVecNormalize(arch.ObsDim, len(trainEnvs), t.Params.Gamma)
	}

	params := t.Params
	if cfg.LearningRate > 0 {
		params.LR = cfg.LearningRate
	}
	if cfg.Gamma > 0 {
		params.Gamma = cfg.Gamma
	}
	if cfg.EntCoef > 0 {
		params.EntCoef = cfg.EntCoef
	}

	ppo := NewPPO(net, norm, params, req.Seed, t.Log)
	ppo.TotalTimesteps = prevSteps
	ppo.TotalEpisodes = prevEps
	if continued {
		ppo.BestReward = prevBest
		ppo.hasBest = true
	}
	startTimesteps := ppo.TotalTimesteps

	callbacks := append([]Callback{&ProgressLogger{Log: t.Log}}, req.Callbacks...)
	if req.Curriculum {
		callbacks = append(callbacks, NewCurriculumCallback(trainEnvs))
	}

	t.Log.Info().Str("agent", cfg.Name).Strs("symbols", symbols).
		Int64("timesteps", req.TotalTimesteps).Bool("continued", continued).
		Msg("training session started")

	if err := ppo.Learn(ctx, trainEnvs, req.TotalTimesteps, callbacks); err != nil {
		return nil, fmt.Errorf("ppo learn: %w", err)
	}
	sessionSteps := ppo.TotalTimesteps - startTimesteps

	// Evaluation uses frozen statistics on both slices.
	norm.Training = false
	isMetrics := t.evaluate(net, norm, trainEnvs, 10)

	var oosMetrics *EvalMetrics
	testEnvs, err := t.buildEnvs(splits, cfg, true, req.Seed+1000)
	if err != nil {
		return nil, err
	}
	if len(testEnvs) > 0 {
		m := t.evaluate(net, norm, testEnvs, 5)
		oosMetrics = &m
	}

	overfit := false
	if oosMetrics != nil && oosMetrics.MeanReturn < -0.5*abs(isMetrics.MeanReturn) {
		overfit = true
		t.Log.Warn().Str("agent", cfg.Name).
			Float64("is_return", isMetrics.MeanReturn).
			Float64("oos_return", oosMetrics.MeanReturn).
			Msg("possible overfitting, out-of-sample return collapsed")
	}

	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return nil, err
	}
	if err := SaveModel(modelPath, net, ppo.TotalTimesteps, ppo.TotalEpisodes, ppo.BestReward); err != nil {
		return nil, err
	}
	if err := norm.Save(normPath); err != nil {
		return nil, err
	}
	if err := t.saveCheckpoint(cfg.Name, net, ppo); err != nil {
		t.Log.Warn().Err(err).Msg("checkpoint save failed")
	}

	meta := &Metadata{
		AgentName:               cfg.Name,
		Config:                  cfg,
		TrainedAt:               time.Now().UTC(),
		TrainingDurationSeconds: time.Since(started).Seconds(),
		TotalTimesteps:          sessionSteps,
		TotalEpisodes:           ppo.TotalEpisodes - prevEps,
		CumulativeTimesteps:     prevSteps + sessionSteps,
		CumulativeEpisodes:      ppo.TotalEpisodes,
		TrainingSessions:        1,
		ContinuedFromPrevious:   continued,
		BestReward:              ppo.BestReward,
		Device:                  "cpu",
		PerformanceMetrics:      &isMetrics,
		OOSPerformanceMetrics:   oosMetrics,
		WalkForwardSplit:        "80/20",
		SymbolsTrained:          symbols,
	}
	if prevMeta != nil {
		meta.TrainingSessions = prevMeta.TrainingSessions + 1
		if prevMeta.CumulativeTimesteps > meta.CumulativeTimesteps {
			meta.CumulativeTimesteps = prevMeta.CumulativeTimesteps + sessionSteps
		}
	}
	if err := SaveMetadata(metaPath, meta); err != nil {
		return nil, err
	}

	t.Log.Info().Str("agent", cfg.Name).
		Int64("session_timesteps", sessionSteps).
		Int64("cumulative_timesteps", meta.CumulativeTimesteps).
		Int("sessions", meta.TrainingSessions).
		Msg("training session complete")

	return &TrainResult{Metadata: meta, OverfitWarning: overfit}, nil
}

// evaluate runs deterministic episodes round-robin over the envs.
func (t *Trainer) evaluate(net *Network, norm *VecNormalize, envs []*envsim.Env, episodes int) EvalMetrics {
	var rewards, returns []float64
	totalWins, totalClosed := 0, 0
	fees := 0.0

	for ep := 0; ep < episodes; ep++ {
		env := envs[ep%len(envs)]
		obs := norm.NormalizeObs(env.Reset())
		total := 0.0
		for !env.Done() {
			action, _ := net.Predict(obs)
			raw, reward, done := env.Step(envsim.Action(action))
			total += reward
			if done {
				break
			}
			obs = norm.NormalizeObs(raw)
		}
		rewards = append(rewards, total)
		returns = append(returns, env.PortfolioValue()/net.Cfg.InitialBalance-1)
		_, wins, losses := env.TradeStats()
		totalWins += wins
		totalClosed += wins + losses
		fees += env.TotalFees()
	}

	m := EvalMetrics{
		Episodes:   episodes,
		MeanReward: stat.Mean(rewards, nil),
		MeanReturn: stat.Mean(returns, nil),
		TotalFees:  fees,
	}
	if totalClosed > 0 {
		m.WinRate = float64(totalWins) / float64(totalClosed)
	}
	return m
}

func (t *Trainer) saveCheckpoint(name string, net *Network, ppo *PPO) error {
	dir := filepath.Join(t.CheckpointDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("checkpoint_%d.msgpack", ppo.TotalTimesteps))
	return SaveModel(path, net, ppo.TotalTimesteps, ppo.TotalEpisodes, ppo.BestReward)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
