package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "LOG_LEVEL", "LOG_PRETTY", "DATA_DIR", "DATABASE_PATH",
		"DB_MAX_OPEN_CONNS", "MASTER_PASSWORD", "VAULT_SALT_PATH",
		"BROKER_API_KEY", "SESSION_SWEEP_CRON",
	} {
		val, had := os.LookupEnv(k)
		os.Unsetenv(k)
		if had {
			t.Cleanup(func(k, v string) func() {
				return func() { os.Setenv(k, v) }
			}(k, val))
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.Chdir(dir))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Pretty)
	assert.Equal(t, 5, cfg.MaxOpenConns)
	assert.Equal(t, "@hourly", cfg.SessionSweepCron)
	assert.Equal(t, filepath.Join(cfg.DataDir, "sentinel.db"), cfg.DatabasePath)
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	os.Setenv("DATA_DIR", dir)
	os.Setenv("PORT", "9090")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("MASTER_PASSWORD", "hunter2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "hunter2", cfg.MasterPassword)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestLoadCreatesDataDir(t *testing.T) {
	clearEnv(t)
	dir := filepath.Join(t.TempDir(), "nested", "data")
	os.Setenv("DATA_DIR", dir)

	_, err := Load()
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
