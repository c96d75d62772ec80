package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/mosync_test")
	t.Setenv("KRATOS_PUBLIC_URL", "http://localhost:4433")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "")
	t.Setenv("MOSYNC_ENV", "")
	t.Setenv("SESSION_CACHE_TTL_MS", "")
	t.Setenv("MOSYNC_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8787", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.False(t, cfg.Production())
	assert.Equal(t, 30*time.Second, cfg.Session.CacheTTL)
	assert.Equal(t, DefaultPullMaxWaitMs, cfg.Tuning.PullMaxWaitMs)
	assert.Equal(t, DefaultConflictMissingCap, cfg.Tuning.ConflictMissingCap)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KRATOS_PUBLIC_URL", "http://localhost:4433")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadRequiresKratosURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/mosync_test")
	t.Setenv("KRATOS_PUBLIC_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KRATOS_PUBLIC_URL")
}

func TestSessionTTLFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SESSION_CACHE_TTL_MS", "5000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Session.CacheTTL)
}

func TestProductionGate(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MOSYNC_ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Production())
}

func TestTuningFileOverrides(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "tuning.yaml")
	body := "pull_max_wait_ms: 10000\npull_poll_interval_ms: 10\npush_max_batch: 50\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("MOSYNC_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10000, cfg.Tuning.PullMaxWaitMs)
	assert.Equal(t, 50, cfg.Tuning.PushMaxBatch)
	assert.Equal(t, MinPullPollIntervalMs, cfg.Tuning.PullPollIntervalMs,
		"poll interval clamps to the floor")
	assert.Equal(t, DefaultPullLimit, cfg.Tuning.PullDefaultLimit,
		"unset knobs keep defaults")
}
