package server

import (
	"time"

	"github.com/Tyrowin/gochat/internal/config"
)

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 32 * 1024
	defaultBurst          = 5
	defaultPongWait       = 60 * time.Second
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the transport settings including security controls.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	// PongWait is how long a connection may stay silent. Pings are sent at
	// nine tenths of it.
	PongWait time.Duration
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	return &Config{
		Port:           defaultPort,
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
		PongWait: defaultPongWait,
	}
}

// ConfigFrom extracts the transport settings from the process configuration.
func ConfigFrom(c *config.Config) Config {
	return sanitizeConfig(Config{
		Port:           c.Port,
		AllowedOrigins: append([]string(nil), c.AllowedOrigins...),
		MaxMessageSize: c.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          c.RateLimitBurst,
			RefillInterval: c.RateLimitRefill(),
		},
	})
}

// sanitizeConfig replaces unusable values with defaults. Origins are left
// as given; the origin policy normalizes them.
func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}
