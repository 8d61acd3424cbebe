package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "agentmesh.internal", cfg.TrustDomain)
	assert.Equal(t, 60, cfg.DefaultTimeoutThreshold)
	assert.Equal(t, 120, cfg.DefaultEvictionThreshold)
}

func TestLoadFromEnv_TrustDomainOverride(t *testing.T) {
	t.Setenv("MCP_MESH_TRUST_DOMAIN", "prod.example.org")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "prod.example.org", cfg.TrustDomain)
}

func TestLoadFromEnv_EvictionMustExceedTimeout(t *testing.T) {
	t.Setenv("DEFAULT_TIMEOUT_THRESHOLD", "120")
	t.Setenv("DEFAULT_EVICTION_THRESHOLD", "60")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestWatcher_NoPathServesInitialForever(t *testing.T) {
	initial := &Config{Host: "localhost", Port: 8000}
	w, err := NewWatcher("", initial)
	require.NoError(t, err)
	defer w.Close()
	assert.Same(t, initial, w.Current())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: INFO\n"), 0o644))

	t.Setenv("CONFIG_FILE", path)
	initial, err := LoadFromEnv()
	require.NoError(t, err)

	w, err := NewWatcher(path, initial)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("log_level: DEBUG\n"), 0o644))

	require.Eventually(t, func() bool {
		return w.Current().LogLevel == "DEBUG"
	}, 2*time.Second, 10*time.Millisecond)
}
