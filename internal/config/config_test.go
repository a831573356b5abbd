package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7780", cfg.ListenAddr)
	assert.InDelta(t, 0.3, cfg.LexicalWeight, 1e-9)
	assert.InDelta(t, 0.7, cfg.VectorWeight, 1e-9)
	assert.InDelta(t, 1.25, cfg.ProtectionBoost, 1e-9)
	assert.Equal(t, 10, cfg.DefaultLimit)
	assert.Equal(t, 50, cfg.MaxRemoteLimit)
	assert.Equal(t, 2500*time.Millisecond, cfg.RemoteTimeout)
	assert.Equal(t, 30*time.Second, cfg.ExtractionInterval)
	assert.Equal(t, 2000, cfg.CacheMaxEntries)
	assert.False(t, cfg.RemoteEnabled())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MEMORYD_DEFAULT_LIMIT", "25")
	t.Setenv("MEMORYD_REMOTE_URL", "https://memory.example.com")
	t.Setenv("MEMORYD_REMOTE_TIMEOUT", "1s")
	t.Setenv("MEMORYD_LEXICAL_WEIGHT", "0.4")
	t.Setenv("MEMORYD_VECTOR_WEIGHT", "0.6")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.DefaultLimit)
	assert.True(t, cfg.RemoteEnabled())
	assert.Equal(t, time.Second, cfg.RemoteTimeout)
	assert.InDelta(t, 0.4, cfg.LexicalWeight, 1e-9)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: "127.0.0.1:9999"
cache_max_entries: 500
`), 0o644))
	t.Setenv("MEMORYD_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, 500, cfg.CacheMaxEntries)
	// Untouched fields keep their defaults.
	assert.Equal(t, 10, cfg.DefaultLimit)
}

func TestLoadRejectsBadWeights(t *testing.T) {
	t.Setenv("MEMORYD_LEXICAL_WEIGHT", "0.8")
	t.Setenv("MEMORYD_VECTOR_WEIGHT", "0.8")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsInvertedLimits(t *testing.T) {
	t.Setenv("MEMORYD_DEFAULT_LIMIT", "100")
	t.Setenv("MEMORYD_MAX_REMOTE_LIMIT", "50")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("MEMORYD_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
