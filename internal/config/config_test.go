package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 9090
database:
  url: postgres://localhost/newsletter
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "postgres://localhost/newsletter", cfg.Database.URL)
	assert.Equal(t, 5, cfg.Worker.MaxRetries)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval())
	assert.Equal(t, 5*time.Minute, cfg.Worker.StaleAge())
	assert.Equal(t, 2*time.Minute, cfg.Worker.RecoveryInterval())
	assert.Equal(t, 30*time.Second, cfg.Email.Timeout())
	assert.Equal(t, "newsletter_session", cfg.Auth.CookieName)
}

func TestLoadExplicitWorkerSettings(t *testing.T) {
	path := writeTempConfig(t, `
worker:
  num_workers: 8
  batch_size: 200
  max_retries: 3
  poll_interval_ms: 250
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Worker.NumWorkers)
	assert.Equal(t, 200, cfg.Worker.BatchSize)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
database:
  url: postgres://file-value
`)

	t.Setenv("DATABASE_URL", "postgres://env-value")
	t.Setenv("SESSION_SECRET", "env-secret")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env-value", cfg.Database.URL)
	assert.Equal(t, "env-secret", cfg.Auth.SessionSecret)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
