// Package agents keeps the process-wide registry of trained RL agents: their
// on-disk artifacts, training status and cached policies.
package agents

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rl-trading-bot/internal/policy"
)

var (
	// ErrUnknownAgent is returned for lookups of agents with no artifacts.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrTrainingInProgress signals a training conflict on the same agent.
	ErrTrainingInProgress = errors.New("training already in progress for agent")
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusTraining Status = "training"
	StatusTrained  Status = "trained"
	StatusFailed   Status = "failed"
)

// AgentState is one registry row.
type AgentState struct {
	Name          string              `json:"name"`
	Status        Status              `json:"status"`
	IsTrained     bool                `json:"is_trained"`
	LastTrained   time.Time           `json:"last_trained"`
	TotalEpisodes int64               `json:"total_episodes"`
	BestReward    float64             `json:"best_reward"`
	Config        policy.AgentConfig  `json:"config"`
	Metrics       *policy.EvalMetrics `json:"metrics,omitempty"`
	OOSMetrics    *policy.EvalMetrics `json:"oos_metrics,omitempty"`
}

// Registry is the process-wide agent table. Policies are cached and shared
// read-only; normalisation statistics are reloaded per use because they carry
// mutable state.
type Registry struct {
	modelDir      string
	checkpointDir string
	log           zerolog.Logger

	mu       sync.RWMutex
	agents   map[string]*AgentState
	policies map[string]*policy.Network
	training map[string]bool
}

// NewRegistry builds an empty registry over the artifact directories.
func NewRegistry(modelDir, checkpointDir string, log zerolog.Logger) *Registry {
	return &Registry{
		modelDir:      modelDir,
		checkpointDir: checkpointDir,
		log:           log.With().Str("component", "agent_registry").Logger(),
		agents:        make(map[string]*AgentState),
		policies:      make(map[string]*policy.Network),
		training:      make(map[string]bool),
	}
}

// Scan walks the model directory and registers every agent subdirectory that
// holds a policy artifact and metadata. Unreadable metadata is a warning, not
// an error.
func (r *Registry) Scan() error {
	entries, err := os.ReadDir(r.modelDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan model dir: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !policy.ArtifactExists(r.modelDir, name) {
			continue
		}
		state := &AgentState{Name: name, Status: StatusTrained, IsTrained: true}
		meta, err := policy.LoadMetadata(filepath.Join(policy.AgentDir(r.modelDir, name), policy.MetaFileName))
		if err != nil {
			r.log.Warn().Err(err).Str("agent", name).Msg("metadata unreadable, registering bare agent")
		} else {
			state.LastTrained = meta.TrainedAt
			state.TotalEpisodes = meta.CumulativeEpisodes
			state.BestReward = meta.BestReward
			state.Config = meta.Config
			state.Metrics = meta.PerformanceMetrics
			state.OOSMetrics = meta.OOSPerformanceMetrics
		}
		r.agents[name] = state
	}
	r.log.Info().Int("agents", len(r.agents)).Msg("agent registry scanned")
	return nil
}

// Get returns a copy of an agent's state.
func (r *Registry) Get(name string) (AgentState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.agents[name]
	if !ok {
		return AgentState{}, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return *state, nil
}

// List returns all agent states.
func (r *Registry) List() []AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentState, 0, len(r.agents))
	for _, s := range r.agents {
		out = append(out, *s)
	}
	return out
}

// IsTrained reports whether an agent has a usable artifact.
func (r *Registry) IsTrained(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.agents[name]
	return ok && s.IsTrained
}

// BeginTraining claims the per-agent training slot. A second claim on the
// same name fails fast.
func (r *Registry) BeginTraining(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.training[name] {
		return fmt.Errorf("%w: %s", ErrTrainingInProgress, name)
	}
	r.training[name] = true
	state, ok := r.agents[name]
	if !ok {
		state = &AgentState{Name: name}
		r.agents[name] = state
	}
	state.Status = StatusTraining
	return nil
}

// FinishTraining releases the training slot and records the outcome.
func (r *Registry) FinishTraining(name string, meta *policy.Metadata, trainErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.training, name)
	state, ok := r.agents[name]
	if !ok {
		state = &AgentState{Name: name}
		r.agents[name] = state
	}
	if trainErr != nil {
		state.Status = StatusFailed
		return
	}
	state.Status = StatusTrained
	state.IsTrained = true
	if meta != nil {
		state.LastTrained = meta.TrainedAt
		state.TotalEpisodes = meta.CumulativeEpisodes
		state.BestReward = meta.BestReward
		state.Config = meta.Config
		state.Metrics = meta.PerformanceMetrics
		state.OOSMetrics = meta.OOSPerformanceMetrics
	}
	// The cached policy is stale after retraining.
	delete(r.policies, name)
}

// LoadPolicy returns the cached network for an agent plus freshly loaded
// normalisation statistics (in eval mode).
func (r *Registry) LoadPolicy(name string) (*policy.Network, *policy.VecNormalize, error) {
	r.mu.RLock()
	net, cached := r.policies[name]
	r.mu.RUnlock()

	dir := policy.AgentDir(r.modelDir, name)
	if !cached {
		if !policy.ArtifactExists(r.modelDir, name) {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
		}
		loaded, _, _, _, err := policy.LoadModel(filepath.Join(dir, policy.ModelFileName))
		if err != nil {
			return nil, nil, fmt.Errorf("load policy %s: %w", name, err)
		}
		r.mu.Lock()
		r.policies[name] = loaded
		r.mu.Unlock()
		net = loaded
	}

	norm, err := policy.LoadVecNormalize(filepath.Join(dir, policy.VecNormFileName), 1)
	if err != nil {
		return nil, nil, fmt.Errorf("load normalisation %s: %w", name, err)
	}
	return net, norm, nil
}

// Delete purges an agent's model directory, checkpoints and cache entries.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.training[name] {
		return fmt.Errorf("%w: %s", ErrTrainingInProgress, name)
	}
	if _, ok := r.agents[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	if err := os.RemoveAll(policy.AgentDir(r.modelDir, name)); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(r.checkpointDir, name)); err != nil {
		return err
	}
	delete(r.agents, name)
	delete(r.policies, name)
	r.log.Info().Str("agent", name).Msg("agent deleted")
	return nil
}
