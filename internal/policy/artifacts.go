package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Artifact file names inside <model_dir>/<agent_name>/.
const (
	ModelFileName   = "model.msgpack"
	VecNormFileName = "vec_normalize.msgpack"
	MetaFileName    = "metadata.json"
)

// EvalMetrics summarises an evaluation run.
type EvalMetrics struct {
	Episodes   int     `json:"episodes" msgpack:"episodes"`
	MeanReward float64 `json:"mean_reward" msgpack:"mean_reward"`
	MeanReturn float64 `json:"mean_return" msgpack:"mean_return"`
	WinRate    float64 `json:"win_rate" msgpack:"win_rate"`
	TotalFees  float64 `json:"total_fees" msgpack:"total_fees"`
}

// Metadata is the metadata.json layout persisted next to each model.
type Metadata struct {
	AgentName               string       `json:"agent_name"`
	Config                  AgentConfig  `json:"config"`
	TrainedAt               time.Time    `json:"trained_at"`
	TrainingDurationSeconds float64      `json:"training_duration_seconds"`
	TotalTimesteps          int64        `json:"total_timesteps"`
	TotalEpisodes           int64        `json:"total_episodes"`
	CumulativeTimesteps     int64        `json:"cumulative_timesteps"`
	CumulativeEpisodes      int64        `json:"cumulative_episodes"`
	TrainingSessions        int          `json:"training_sessions"`
	ContinuedFromPrevious   bool         `json:"continued_from_previous"`
	BestReward              float64      `json:"best_reward"`
	Device                  string       `json:"device"`
	PerformanceMetrics      *EvalMetrics `json:"performance_metrics"`
	OOSPerformanceMetrics   *EvalMetrics `json:"oos_performance_metrics"`
	WalkForwardSplit        string       `json:"walk_forward_split"`
	SymbolsTrained          []string     `json:"symbols_trained"`
}

// modelArtifact is the msgpack layout of a saved policy.
type modelArtifact struct {
	Config         AgentConfig `msgpack:"config"`
	Arch           Arch        `msgpack:"arch"`
	Shapes         [][2]int    `msgpack:"shapes"`
	Tensors        [][]float64 `msgpack:"tensors"`
	TotalTimesteps int64       `msgpack:"total_timesteps"`
	TotalEpisodes  int64       `msgpack:"total_episodes"`
	BestReward     float64     `msgpack:"best_reward"`
}

// AgentDir is the directory holding an agent's artifacts.
func AgentDir(modelDir, name string) string {
	return filepath.Join(modelDir, name)
}

// SaveModel writes a network and its counters to model.msgpack.
func SaveModel(path string, net *Network, totalTimesteps, totalEpisodes int64, bestReward float64) error {
	tensors := net.stateTensors()
	art := modelArtifact{
		Config:         net.Cfg,
		Arch:           net.Arch,
		TotalTimesteps: totalTimesteps,
		TotalEpisodes:  totalEpisodes,
		BestReward:     bestReward,
	}
	for _, t := range tensors {
		r, c := t.Dims()
		art.Shapes = append(art.Shapes, [2]int{r, c})
		data := make([]float64, r*c)
		copy(data, t.RawMatrix().Data)
		art.Tensors = append(art.Tensors, data)
	}
	data, err := msgpack.Marshal(&art)
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadModel reconstructs a network from model.msgpack. The persisted config
// is authoritative for the architecture.
func LoadModel(path string) (*Network, int64, int64, float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, 0, 0, err
	}
	var art modelArtifact
	if err := msgpack.Unmarshal(data, &art); err != nil {
		return nil, 0, 0, 0, fmt.Errorf("unmarshal model: %w", err)
	}

	net := NewNetwork(art.Config, art.Arch, 0)
	tensors := net.stateTensors()
	if len(tensors) != len(art.Tensors) {
		return nil, 0, 0, 0, fmt.Errorf("artifact tensor count %d does not match architecture (%d)",
			len(art.Tensors), len(tensors))
	}
	for i, t := range tensors {
		r, c := t.Dims()
		if art.Shapes[i] != [2]int{r, c} || len(art.Tensors[i]) != r*c {
			return nil, 0, 0, 0, fmt.Errorf("artifact tensor %d shape mismatch", i)
		}
		copy(t.RawMatrix().Data, art.Tensors[i])
	}
	return net, art.TotalTimesteps, art.TotalEpisodes, art.BestReward, nil
}

// SaveMetadata writes metadata.json.
func SaveMetadata(path string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadMetadata reads metadata.json.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

// ArtifactExists reports whether an agent has a saved policy.
func ArtifactExists(modelDir, name string) bool {
	_, err := os.Stat(filepath.Join(AgentDir(modelDir, name), ModelFileName))
	return err == nil
}
