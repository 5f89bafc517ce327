// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat service.
package server

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/Tyrowin/roomchat/pkg/log"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill-interval"`
}

// Config holds the server configuration settings including security controls
// and heartbeat timing.
type Config struct {
	Port           string          `mapstructure:"port"`
	AllowedOrigins []string        `mapstructure:"allowed-origins"`
	MaxMessageSize int64           `mapstructure:"max-message-size"`
	RateLimit      RateLimitConfig `mapstructure:"rate-limit"`

	// PingInterval is how often a session pings its client.
	PingInterval time.Duration `mapstructure:"ping-interval"`
	// HeartbeatTimeout is how long a session may stay silent before the
	// broker evicts it.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat-timeout"`
	// SweepInterval is how often the broker looks for silent sessions.
	SweepInterval time.Duration `mapstructure:"sweep-interval"`
	// SendQueueSize bounds each session's outbound queue. Events beyond it
	// are dropped.
	SendQueueSize int `mapstructure:"send-queue-size"`
	// MailboxSize bounds the broker command queue.
	MailboxSize int `mapstructure:"mailbox-size"`

	Store store.Config `mapstructure:"store"`
	Log   log.Config   `mapstructure:"log"`
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 512,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		PingInterval:     5 * time.Second,
		HeartbeatTimeout: 10 * time.Second,
		SweepInterval:    5 * time.Second,
		SendQueueSize:    256,
		MailboxSize:      1024,
		Store:            store.DefaultConfig(),
		Log: log.Config{
			Level:  "info",
			Format: "console",
			Stdout: true,
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}

	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}

	// a timeout shorter than one ping period would evict healthy clients
	if cfg.HeartbeatTimeout < cfg.PingInterval {
		cfg.HeartbeatTimeout = 2 * cfg.PingInterval
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}

	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = def.MailboxSize
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		sanitizeConfig(defaultConfig())
		return
	}

	sanitized := *cfg
	sanitized.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// BrokerConfig derives the broker settings from cfg.
func (cfg *Config) BrokerConfig() broker.Config {
	bc := broker.DefaultConfig()
	bc.HeartbeatTimeout = cfg.HeartbeatTimeout
	bc.SweepInterval = cfg.SweepInterval
	bc.MailboxSize = cfg.MailboxSize
	return bc
}

// envBindings maps config keys to the environment variables that override
// them.
var envBindings = map[string]string{
	"port":                       "SERVER_PORT",
	"allowed-origins":            "ALLOWED_ORIGINS",
	"max-message-size":           "MAX_MESSAGE_SIZE",
	"rate-limit.burst":           "RATE_LIMIT_BURST",
	"rate-limit.refill-interval": "RATE_LIMIT_REFILL_INTERVAL",
	"ping-interval":              "PING_INTERVAL",
	"heartbeat-timeout":          "HEARTBEAT_TIMEOUT",
	"sweep-interval":             "SWEEP_INTERVAL",
	"send-queue-size":            "SEND_QUEUE_SIZE",
	"mailbox-size":               "MAILBOX_SIZE",
	"store.driver":               "STORE_DRIVER",
	"store.dsn":                  "STORE_DSN",
	"log.level":                  "LOG_LEVEL",
	"log.format":                 "LOG_FORMAT",
	"log.file.filename":          "LOG_FILE",
}

func setDefaults(v *viper.Viper) {
	def := defaultConfig()
	v.SetDefault("port", def.Port)
	v.SetDefault("allowed-origins", def.AllowedOrigins)
	v.SetDefault("max-message-size", def.MaxMessageSize)
	v.SetDefault("rate-limit.burst", def.RateLimit.Burst)
	v.SetDefault("rate-limit.refill-interval", def.RateLimit.RefillInterval)
	v.SetDefault("ping-interval", def.PingInterval)
	v.SetDefault("heartbeat-timeout", def.HeartbeatTimeout)
	v.SetDefault("sweep-interval", def.SweepInterval)
	v.SetDefault("send-queue-size", def.SendQueueSize)
	v.SetDefault("mailbox-size", def.MailboxSize)
	v.SetDefault("store.driver", def.Store.Driver)
	v.SetDefault("store.dsn", def.Store.DSN)
	v.SetDefault("store.max-open-conns", def.Store.MaxOpenConns)
	v.SetDefault("store.connect-retries", def.Store.ConnectRetries)
	v.SetDefault("store.connect-timeout", def.Store.ConnectTimeout)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.stdout", def.Log.Stdout)
}

// LoadConfig reads configuration from an optional YAML or JSON file and the
// environment. Environment variables win over the file, which wins over the
// defaults. The result is not sanitized; pass it to SetConfig.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "bind %s", env)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	cfg.AllowedOrigins = parseOrigins(cfg.AllowedOrigins)
	return &cfg, nil
}

// parseOrigins flattens comma separated entries, which is how origins arrive
// from the environment.
func parseOrigins(origins []string) []string {
	var parts []string
	for _, entry := range origins {
		for _, part := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
	}
	return parts
}
