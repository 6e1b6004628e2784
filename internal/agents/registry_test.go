package agents

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rl-trading-bot/internal/policy"
)

func writeAgentArtifacts(t *testing.T, modelDir, name string) {
	t.Helper()
	cfg := policy.DefaultAgentConfig(name)
	cfg.LookbackWindow = 20
	arch := policy.Arch{ObsDim: 20*35 + 7, NumActions: cfg.NumActions(), Window: 20, NumFeatures: 35}
	net := policy.NewNetwork(cfg, arch, 1)

	dir := policy.AgentDir(modelDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, policy.SaveModel(filepath.Join(dir, policy.ModelFileName), net, 1000, 10, 2.5))

	norm := policy.NewVecNormalize(arch.ObsDim, 1, 0.99)
	require.NoError(t, norm.Save(filepath.Join(dir, policy.VecNormFileName)))

	meta := &policy.Metadata{
		AgentName:           name,
		Config:              cfg,
		TrainedAt:           time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		CumulativeTimesteps: 1000,
		CumulativeEpisodes:  10,
		TrainingSessions:    1,
		BestReward:          2.5,
		Device:              "cpu",
	}
	require.NoError(t, policy.SaveMetadata(filepath.Join(dir, policy.MetaFileName), meta))
}

func TestScanRegistersTrainedAgents(t *testing.T) {
	modelDir := t.TempDir()
	writeAgentArtifacts(t, modelDir, "alpha")
	writeAgentArtifacts(t, modelDir, "beta")
	require.NoError(t, os.MkdirAll(filepath.Join(modelDir, "empty-dir"), 0o755))

	r := NewRegistry(modelDir, t.TempDir(), zerolog.Nop())
	require.NoError(t, r.Scan())

	assert.Len(t, r.List(), 2)
	state, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, StatusTrained, state.Status)
	assert.True(t, state.IsTrained)
	assert.Equal(t, int64(10), state.TotalEpisodes)
	assert.Equal(t, 2.5, state.BestReward)

	_, err = r.Get("empty-dir")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestBeginTrainingConflicts(t *testing.T) {
	r := NewRegistry(t.TempDir(), t.TempDir(), zerolog.Nop())

	require.NoError(t, r.BeginTraining("worker"))
	err := r.BeginTraining("worker")
	assert.ErrorIs(t, err, ErrTrainingInProgress)

	r.FinishTraining("worker", nil, errors.New("boom"))
	state, err := r.Get("worker")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.Status)

	// Slot is free again after failure.
	assert.NoError(t, r.BeginTraining("worker"))
}

func TestLoadPolicyCachesNetworkNotNorm(t *testing.T) {
	modelDir := t.TempDir()
	writeAgentArtifacts(t, modelDir, "cached")

	r := NewRegistry(modelDir, t.TempDir(), zerolog.Nop())
	require.NoError(t, r.Scan())

	net1, norm1, err := r.LoadPolicy("cached")
	require.NoError(t, err)
	net2, norm2, err := r.LoadPolicy("cached")
	require.NoError(t, err)

	assert.Same(t, net1, net2)
	assert.NotSame(t, norm1, norm2)
	assert.False(t, norm1.Training)
}

func TestDeletePurgesArtifacts(t *testing.T) {
	modelDir := t.TempDir()
	ckptDir := t.TempDir()
	writeAgentArtifacts(t, modelDir, "gone")
	require.NoError(t, os.MkdirAll(filepath.Join(ckptDir, "gone"), 0o755))

	r := NewRegistry(modelDir, ckptDir, zerolog.Nop())
	require.NoError(t, r.Scan())
	require.NoError(t, r.Delete("gone"))

	_, err := r.Get("gone")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	_, statErr := os.Stat(policy.AgentDir(modelDir, "gone"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(ckptDir, "gone"))
	assert.True(t, os.IsNotExist(statErr))
}
