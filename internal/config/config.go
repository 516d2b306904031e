package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all engine configuration.
type Config struct {
	Server    ServerConfig
	Engine    EngineConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"7617"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// EngineConfig holds session engine configuration.
type EngineConfig struct {
	// DefaultShell is used when a session request names no shell.
	// Empty means $SHELL, falling back to /bin/bash.
	DefaultShell string `envconfig:"DEFAULT_SHELL" default:""`

	// ReadBufferSize is the PTY read chunk size in bytes.
	ReadBufferSize int `envconfig:"READ_BUFFER_SIZE" default:"4096"`

	// SubscriberBuffer is the per-subscriber event queue depth.
	// A full queue drops the oldest event rather than blocking the
	// session's writer.
	SubscriberBuffer int `envconfig:"SUBSCRIBER_BUFFER" default:"256"`

	// CancelTimeout bounds how long a cancelled block may wait for the
	// shell to acknowledge the interrupt before the process is killed.
	CancelTimeout time.Duration `envconfig:"CANCEL_TIMEOUT" default:"5s"`

	// DegradeThreshold is how many bytes the demultiplexer accepts
	// without seeing a shell-integration marker before it degrades to
	// unframed capture.
	DegradeThreshold int `envconfig:"DEGRADE_THRESHOLD" default:"65536"`

	// MaxSessions caps concurrently open sessions. Zero means unlimited.
	MaxSessions int `envconfig:"MAX_SESSIONS" default:"64"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables with the
// BLOCKTERM prefix.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("blockterm", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "7617",
			Host: "127.0.0.1",
		},
		Engine: EngineConfig{
			ReadBufferSize:   4096,
			SubscriberBuffer: 256,
			CancelTimeout:    5 * time.Second,
			DegradeThreshold: 64 * 1024,
			MaxSessions:      64,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
