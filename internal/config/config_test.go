package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, time.Second, cfg.Aggregator.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Detector.CheckInterval)
	assert.Equal(t, 10, cfg.Streamer.BatchSize)
	assert.Equal(t, "info", cfg.LogLevel)
	require.NotNil(t, cfg.Thresholds)
	assert.NoError(t, cfg.Thresholds.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LOADGRID_ADDR", ":9999")
	t.Setenv("LOADGRID_LOG_LEVEL", "debug")
	t.Setenv("LOADGRID_POLL_INTERVAL", "250ms")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.Aggregator.PollInterval)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":7070\"\nlog_level: warn\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("LOADGRID_TEST_KEY", "set")
	assert.Equal(t, "set", GetEnvOrDefault("LOADGRID_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", GetEnvOrDefault("LOADGRID_TEST_KEY_ABSENT", "fallback"))
}
