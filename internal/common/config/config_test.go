package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, ":3000", cfg.Server.Addr)
	require.Equal(t, "file:discobot.db", cfg.Database.URL)
	require.False(t, cfg.Auth.Enabled)
	require.Equal(t, "docker", cfg.Sandbox.Backend)
	require.Equal(t, 60*time.Second, cfg.Sandbox.StartTimeoutDuration())
	require.Equal(t, 72*time.Hour, cfg.Events.Retention())
	require.Equal(t, 250*time.Millisecond, cfg.Events.PollInterval())
	require.Equal(t, 8, cfg.Dispatcher.WorkerPool)
	require.Equal(t, "data/workspaces", cfg.Sandbox.WorkspaceBase)
}

func TestLoadBindsEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":8080")
	t.Setenv("DB_URL", "postgres://discobot@localhost/discobot")
	t.Setenv("SANDBOX_BACKEND", "mock")
	t.Setenv("EVENT_RETENTION_HOURS", "24")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "postgres://discobot@localhost/discobot", cfg.Database.URL)
	require.Equal(t, "mock", cfg.Sandbox.Backend)
	require.Equal(t, 24*time.Hour, cfg.Events.Retention())
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadBackend(t *testing.T) {
	t.Setenv("SANDBOX_BACKEND", "firecracker")

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	require.Contains(t, err.Error(), "sandbox.backend")
}

func TestValidateRequiresSaltWithAuth(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("SHARED_SECRET_SALT", "")

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	require.Contains(t, err.Error(), "sharedSecretSalt")
}
