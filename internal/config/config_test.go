package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DATABASE_URL", "")

	cfg := FromEnv()

	assert.Equal(t, "/api", cfg.Server.APIPrefix)
	assert.Equal(t, 30*time.Second, cfg.Realtime.SSEHeartbeat)
	assert.Equal(t, 256, cfg.Realtime.SendBuffer)
	assert.Equal(t, 30*time.Minute, cfg.Realtime.InactiveTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Realtime.CleanupInterval)
	assert.Equal(t, "opsgraph-realtime", cfg.App.Name)
	assert.False(t, cfg.Outbox.Enabled, "outbox defaults off without a database")
	require.NoError(t, cfg.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("REALTIME_SSE_HEARTBEAT", "5s")
	t.Setenv("WS_ALLOWED_ORIGINS", "ops.example.com, *.example.org")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg := FromEnv()

	assert.True(t, cfg.Outbox.Enabled, "outbox defaults on with a database")
	assert.Equal(t, 5*time.Second, cfg.Realtime.SSEHeartbeat)
	assert.Equal(t, []string{"ops.example.com", "*.example.org"}, cfg.WebSocket.AllowedOrigins)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.NotContains(t, cfg.String(), "u:p")
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing secret", func(c *Config) { c.JWT.Secret = "" }, "JWT_SECRET is required"},
		{"outbox without db", func(c *Config) { c.Outbox.Enabled = true; c.Database.URL = "" }, "requires DATABASE_URL"},
		{"short prod secret", func(c *Config) {
			c.App.Environment = "production"
			c.WebSocket.AllowedOrigins = []string{"ops.example.com"}
		}, "at least 32 characters"},
		{"prod without origins", func(c *Config) {
			c.App.Environment = "production"
			c.JWT.Secret = "0123456789abcdef0123456789abcdef"
		}, "WS_ALLOWED_ORIGINS"},
		{"ping after pong", func(c *Config) { c.WebSocket.PingInterval = time.Minute }, "WS_PING_INTERVAL"},
		{"zero buffer", func(c *Config) { c.Realtime.SendBuffer = 0 }, "REALTIME_SEND_BUFFER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "secret")
			t.Setenv("DATABASE_URL", "")
			cfg := FromEnv()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
