// Package config tests.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/chatlink/internal/retry"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1000, cfg.LogMaxEntries)
	assert.Equal(t, "ws://localhost:8000/ws", cfg.WebSocketURL)
	assert.Equal(t, "table", cfg.ReconnectStrategy)
	assert.Equal(t, retry.DefaultIntervals, cfg.ReconnectIntervals)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.PongTimeout)
	assert.Equal(t, 100, cfg.QueueSize)
	assert.Equal(t, ":8091", cfg.StatusAddr)
	assert.Equal(t, 168*time.Hour, cfg.DeadLetterRetention)
	assert.False(t, cfg.DeadLettersEnabled())
	assert.True(t, cfg.IsDevelopment())
	require.NoError(t, cfg.Validate())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("CHATLINK_WEBSOCKET_URL", "wss://chat.example.com/ws")
	t.Setenv("CHATLINK_PROJECT_ID", "proj-42")
	t.Setenv("CHATLINK_SESSION_ID", "sess-7")
	t.Setenv("CHATLINK_RECONNECT_STRATEGY", "exponential")
	t.Setenv("CHATLINK_RECONNECT_INTERVALS", "100ms,250ms")
	t.Setenv("CHATLINK_MAX_RECONNECT_ATTEMPTS", "8")
	t.Setenv("CHATLINK_ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/ws", cfg.WebSocketURL)
	assert.Equal(t, "proj-42", cfg.ProjectID)
	assert.Equal(t, "sess-7", cfg.SessionID)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 250 * time.Millisecond}, cfg.ReconnectIntervals)
	assert.Equal(t, 8, cfg.MaxReconnectAttempts)
	assert.False(t, cfg.IsDevelopment())

	policy, err := cfg.BackoffPolicy()
	require.NoError(t, err)
	assert.IsType(t, retry.Exponential{}, policy)
}

func TestLoad_InvalidNumber(t *testing.T) {
	t.Setenv("CHATLINK_MAX_RECONNECT_ATTEMPTS", "many")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadFile_OverridesEnv(t *testing.T) {
	t.Setenv("CHATLINK_PROJECT_ID", "from-env")
	t.Setenv("CHATLINK_SESSION_ID", "env-session")

	path := filepath.Join(t.TempDir(), "chatlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
project_id: from-file
heartbeat_interval: 5s
reconnect_intervals: [1s, 3s]
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.ProjectID)
	assert.Equal(t, "env-session", cfg.SessionID)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, cfg.ReconnectIntervals)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue_size: [oops"), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFile_EmptyPath(t *testing.T) {
	os.Clearenv()
	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.QueueSize)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		os.Clearenv()
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http scheme", func(c *Config) { c.WebSocketURL = "http://example.com/ws" }},
		{"no host", func(c *Config) { c.WebSocketURL = "ws:///ws" }},
		{"negative attempts", func(c *Config) { c.MaxReconnectAttempts = -1 }},
		{"pong shorter than interval", func(c *Config) { c.PongTimeout = time.Second }},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }},
		{"negative queue retries", func(c *Config) { c.QueueMaxRetries = -1 }},
		{"zero log entries", func(c *Config) { c.LogMaxEntries = 0 }},
		{"unknown strategy", func(c *Config) { c.ReconnectStrategy = "fibonacci" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStatusEnabled(t *testing.T) {
	cfg := &Config{StatusAddr: ":8091"}
	assert.True(t, cfg.StatusEnabled())
	cfg.StatusAddr = "off"
	assert.False(t, cfg.StatusEnabled())
	cfg.StatusAddr = ""
	assert.False(t, cfg.StatusEnabled())
}

func TestDeadLettersEnabled(t *testing.T) {
	t.Setenv("CHATLINK_DEADLETTER_PATH", "/var/lib/chatlink/dead.db")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.DeadLettersEnabled())
	assert.Equal(t, "/var/lib/chatlink/dead.db", cfg.DeadLetterPath)
}
