package server

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/store"
)

// TestSanitizeConfigDefaults verifies that zero values are replaced by the
// defaults.
func TestSanitizeConfigDefaults(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })

	got := sanitizeConfig(Config{})
	def := defaultConfig()

	assert.Equal(t, def.Port, got.Port)
	assert.Equal(t, def.MaxMessageSize, got.MaxMessageSize)
	assert.Equal(t, def.RateLimit, got.RateLimit)
	assert.Equal(t, def.PingInterval, got.PingInterval)
	assert.Equal(t, def.HeartbeatTimeout, got.HeartbeatTimeout)
	assert.Equal(t, def.SweepInterval, got.SweepInterval)
	assert.Equal(t, def.SendQueueSize, got.SendQueueSize)
	assert.Equal(t, def.MailboxSize, got.MailboxSize)
	assert.Empty(t, got.AllowedOrigins)
}

// TestSanitizeConfigHeartbeatOutlastsPing verifies that the timeout is never
// shorter than the ping period.
func TestSanitizeConfigHeartbeatOutlastsPing(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })

	got := sanitizeConfig(Config{PingInterval: 4 * time.Second, HeartbeatTimeout: time.Second})
	assert.Equal(t, 8*time.Second, got.HeartbeatTimeout)
}

// TestSetConfigOrigins verifies origin normalization and the wildcard.
func TestSetConfigOrigins(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })

	SetConfig(&Config{AllowedOrigins: []string{" HTTP://Example.COM ", "not a url", "", "http://example.com/chat"}})
	cfg := currentConfig()
	assert.Equal(t, []string{"http://example.com"}, cfg.AllowedOrigins)

	req := &http.Request{Header: http.Header{}}
	req.Header.Set("Origin", "http://example.com")
	assert.True(t, isOriginAllowed(req))

	req.Header.Set("Origin", "http://other.com")
	assert.False(t, isOriginAllowed(req))

	req.Header.Del("Origin")
	assert.False(t, isOriginAllowed(req))

	SetConfig(&Config{AllowedOrigins: []string{"*"}})
	req.Header.Set("Origin", "http://other.com")
	assert.True(t, isOriginAllowed(req))
}

// TestCurrentConfigReturnsCopy verifies callers cannot mutate the active
// origin list.
func TestCurrentConfigReturnsCopy(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })

	cfg := currentConfig()
	cfg.AllowedOrigins[0] = "http://changed"
	assert.Equal(t, "http://localhost:8080", currentConfig().AllowedOrigins[0])
}

// TestBrokerConfig verifies the broker settings derived from the server
// config.
func TestBrokerConfig(t *testing.T) {
	cfg := NewConfig()
	cfg.HeartbeatTimeout = 30 * time.Second
	cfg.SweepInterval = 3 * time.Second
	cfg.MailboxSize = 16

	bc := cfg.BrokerConfig()
	assert.Equal(t, 30*time.Second, bc.HeartbeatTimeout)
	assert.Equal(t, 3*time.Second, bc.SweepInterval)
	assert.Equal(t, 16, bc.MailboxSize)
	assert.Positive(t, bc.RecordWorkers)
}

// TestLoadConfigDefaults verifies that loading with no file and no
// environment yields the defaults.
func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	def := defaultConfig()
	assert.Equal(t, def.Port, cfg.Port)
	assert.Equal(t, def.AllowedOrigins, cfg.AllowedOrigins)
	assert.Equal(t, def.RateLimit, cfg.RateLimit)
	assert.Equal(t, def.Store, cfg.Store)
	assert.Equal(t, def.Log.Level, cfg.Log.Level)
}

// TestLoadConfigFromEnv verifies the environment variable names.
func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9090")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("MAX_MESSAGE_SIZE", "2048")
	t.Setenv("RATE_LIMIT_BURST", "7")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2s")
	t.Setenv("PING_INTERVAL", "3s")
	t.Setenv("HEARTBEAT_TIMEOUT", "12s")
	t.Setenv("SWEEP_INTERVAL", "4s")
	t.Setenv("SEND_QUEUE_SIZE", "32")
	t.Setenv("MAILBOX_SIZE", "64")
	t.Setenv("STORE_DRIVER", store.DriverPostgres)
	t.Setenv("STORE_DSN", "host=db user=chat")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_FILE", "chat.log")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(2048), cfg.MaxMessageSize)
	assert.Equal(t, RateLimitConfig{Burst: 7, RefillInterval: 2 * time.Second}, cfg.RateLimit)
	assert.Equal(t, 3*time.Second, cfg.PingInterval)
	assert.Equal(t, 12*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 4*time.Second, cfg.SweepInterval)
	assert.Equal(t, 32, cfg.SendQueueSize)
	assert.Equal(t, 64, cfg.MailboxSize)
	assert.Equal(t, store.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "host=db user=chat", cfg.Store.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "chat.log", cfg.Log.File.Filename)
}

// TestLoadConfigFromFile verifies YAML loading and that the environment wins
// over the file.
func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	content := `
port: ":7070"
allowed-origins:
  - http://file.example
heartbeat-timeout: 20s
store:
  driver: sqlite
  dsn: /var/lib/chat/chat.db
log:
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Port)
	assert.Equal(t, []string{"http://file.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 20*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, "/var/lib/chat/chat.db", cfg.Store.DSN)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, defaultConfig().PingInterval, cfg.PingInterval)
}

// TestLoadConfigMissingFile verifies that a named file must exist.
func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
