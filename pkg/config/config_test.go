package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecValues(t *testing.T) {
	cfg := Default()

	require.Equal(t, 5*time.Second, cfg.Health.Interval)
	require.Equal(t, 3*time.Second, cfg.Health.Timeout)
	require.Equal(t, 3, cfg.Health.FailureThreshold)
	require.Equal(t, "http://127.0.0.1:3284/api/health", cfg.Health.URL)
	require.Equal(t, 3284, cfg.Process.EnginePort)
	require.Equal(t, 10*time.Second, cfg.Process.ShutdownGrace)
	require.Equal(t, 5, cfg.Process.MaxRestarts)
	require.Equal(t, 300*time.Second, cfg.Process.RestartWindow)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("CONDUCTOR_HEALTH_INTERVAL_MS", "1000")
	t.Setenv("CONDUCTOR_HEALTH_THRESHOLD", "7")
	t.Setenv("CONDUCTOR_HEALTH_URL", "http://example.invalid/health")
	t.Setenv("CONDUCTOR_ENGINE_BINARY", "/usr/bin/engine")
	t.Setenv("CONDUCTOR_SHELL_BINARY", "/usr/bin/shell")
	t.Setenv("CONDUCTOR_DB_PATH", "/tmp/custom-state.db")

	cfg := Load()

	require.Equal(t, time.Second, cfg.Health.Interval)
	require.Equal(t, 7, cfg.Health.FailureThreshold)
	require.Equal(t, "http://example.invalid/health", cfg.Health.URL)
	require.Equal(t, "/usr/bin/engine", cfg.Process.EngineBinary)
	require.Equal(t, "/usr/bin/shell", cfg.Process.ShellBinary)
	require.Equal(t, "/tmp/custom-state.db", cfg.Store.DBPath)
}

func TestLoadIgnoresUnsetVars(t *testing.T) {
	cfg := Load()
	require.Equal(t, Default().Health.Interval, cfg.Health.Interval)
}
