package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "shopnerd", cfg.Name)
	assert.Equal(t, 500, cfg.Fetch.MinDomainGapMs)
	assert.Equal(t, 30*time.Minute, cfg.GetIdleTimeout())
	assert.Equal(t, 2*time.Second, cfg.Intervention.GetPollInterval())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SOLVER_URL", "http://solver:9000/v1/chat/completions")
	t.Setenv("SOLVER_MODEL_ID", "test-model")
	t.Setenv("SOLVER_API_KEY", "sk-test")
	t.Setenv("NOVNC_URL", "http://vnc.local:6080")
	t.Setenv("PERCEPTION_SIMILARITY_THRESHOLD", "0.55")
	t.Setenv("PERCEPTION_Y_GROUP_THRESHOLD", "120")
	t.Setenv("PERCEPTION_ENABLE_HYBRID", "false")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://solver:9000/v1/chat/completions", cfg.Solver.URL)
	assert.Equal(t, "test-model", cfg.Solver.Model)
	assert.Equal(t, "sk-test", cfg.Solver.APIKey)
	assert.Equal(t, "http://vnc.local:6080", cfg.Intervention.NoVNCURL)
	assert.InDelta(t, 0.55, cfg.Perception.SimilarityThreshold, 1e-9)
	assert.Equal(t, 120, cfg.Perception.YGroupThreshold)
	assert.False(t, cfg.Perception.EnableHybrid)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shopnerd.yaml")

	cfg := DefaultConfig()
	cfg.Server.Addr = ":9999"
	cfg.Recovery.MaxAttempts = 5
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", loaded.Server.Addr)
	assert.Equal(t, 5, loaded.Recovery.MaxAttempts)
}

func TestRecoveryDurations(t *testing.T) {
	r := RecoveryConfig{InitialBackoff: "250ms", MaxBackoff: "bogus"}
	assert.Equal(t, 250*time.Millisecond, r.GetInitialBackoff())
	assert.Equal(t, 10*time.Second, r.GetMaxBackoff())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Solver.URL = ""
	require.Error(t, cfg.Validate())
}

func TestStatePaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.StateDir = "shared_state"
	assert.Equal(t, filepath.Join("shared_state", "captcha_queue.json"), cfg.QueueFile())
	assert.Equal(t, filepath.Join("shared_state", "rejection_patterns.json"), cfg.RejectionFile())
	assert.Equal(t, filepath.Join("shared_state", "crawler_sessions"), cfg.SessionsDir())
	_ = os.Unsetenv("SHOPNERD_STATE_DIR")
}
