package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
executor:
  max_parallel_steps: 2
self_healing:
  limits_source: store
runbooks:
  dir: /etc/runbooks
`), 0o600))
	t.Setenv("APP_SERVER_PORT", "9100")
	t.Setenv("APP_DATABASE_DSN", "postgres://localhost/runbooks")
	t.Setenv("APP_HEALING_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Executor.MaxParallelSteps)
	assert.Equal(t, "store", cfg.SelfHealing.LimitsSource)
	assert.False(t, cfg.SelfHealing.Enabled)
	assert.Equal(t, "postgres://localhost/runbooks", cfg.Database.DSN)
	assert.Equal(t, "/etc/runbooks", cfg.Runbooks.Dir)
	assert.Equal(t, "X-Signature-256", cfg.Webhook.SignatureHeader)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 3*time.Second, Duration("", 3*time.Second))
	assert.Equal(t, 3*time.Second, Duration("soon", 3*time.Second))
	assert.Equal(t, 90*time.Second, Duration(" 1m30s ", 3*time.Second))
}
