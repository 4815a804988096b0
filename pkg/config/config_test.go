package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "userTracking", cfg.Store.Collection)
	assert.Equal(t, "userTrackingId", cfg.Tracker.IdentifierKey)
	assert.Equal(t, 100*time.Millisecond, cfg.Tracker.ReadyPollInterval)
	assert.Equal(t, 30, cfg.Tracker.ReadyMaxAttempts)
	assert.Equal(t, time.Second, cfg.Tracker.InitialSaveDelay)
	assert.Equal(t, 5*time.Minute, cfg.Tracker.ReconcileInterval)
	require.NoError(t, cfg.Validate())
}

func TestParse_OverridesKeepOtherDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  port: "9090"
store:
  backend: sqlite
  path: /tmp/docs.db
tracker:
  reconcile_interval: 30s
`))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "/tmp/docs.db", cfg.Store.Path)
	assert.Equal(t, 30*time.Second, cfg.Tracker.ReconcileInterval)
	assert.Equal(t, 30, cfg.Tracker.ReadyMaxAttempts)
}

func TestParse_InvalidBackend(t *testing.T) {
	_, err := Parse([]byte("store:\n  backend: firestore\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store backend")
}

func TestParse_BackendRequirements(t *testing.T) {
	_, err := Parse([]byte("store:\n  backend: sqlite\n"))
	require.Error(t, err)

	_, err = Parse([]byte("store:\n  backend: http\n"))
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfiguration(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  port: "9000"
  max_documents: 10
  disable_metrics: true
store:
  collection: visits
`))
	require.NoError(t, err)

	conf := cfg.Configuration()
	assert.Equal(t, "9000", conf.Port)
	assert.Equal(t, "visits", conf.Collection)
	assert.Equal(t, 10, conf.MaxDocuments)
	assert.False(t, conf.EnableMetrics)
	assert.Equal(t, "*", conf.AllowedOrigin)
}
