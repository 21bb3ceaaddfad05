// Package config loads the process configuration from the environment. In
// development a .env file in the working directory is read first.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Env      string `env:"ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Transport
	Port                   string        `env:"SERVER_PORT" envDefault:":8080"`
	AllowedOrigins         []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080"`
	MaxMessageSize         int64         `env:"MAX_MESSAGE_SIZE" envDefault:"32768"`
	RateLimitBurst         int           `env:"RATE_LIMIT_BURST" envDefault:"5"`
	RateLimitRefillSeconds int           `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1"`
	ShutdownTimeout        time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Storage and export
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"./data/gochat.db"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	NATSURL     string `env:"NATS_URL"`

	JWTSecret    string `env:"JWT_SECRET"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	AI AIConfig `envPrefix:"GEMINI_"`
}

// AIConfig configures the assistant.
type AIConfig struct {
	APIKey    string        `env:"API_KEY"`
	Model     string        `env:"MODEL" envDefault:"gemini-1.5-flash"`
	Fallbacks []string      `env:"FALLBACK_MODELS" envSeparator:"," envDefault:"gemini-1.0-pro,gemini-pro"`
	System    string        `env:"SYSTEM"`
	BaseURL   string        `env:"BASE_URL"`
	Timeout   time.Duration `env:"TIMEOUT" envDefault:"30s"`
	Attempts  int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	BaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	// Identity authors the assistant's room messages.
	Identity string `env:"IDENTITY" envDefault:"Gemini"`
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{})
}

// LoadFrom reads configuration from the given variables only.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.sanitize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// RateLimitRefill returns the token refill interval.
func (c *Config) RateLimitRefill() time.Duration {
	return time.Duration(c.RateLimitRefillSeconds) * time.Second
}

// AIEnabled reports whether an assistant API key is configured.
func (c *Config) AIEnabled() bool {
	return c.AI.APIKey != ""
}

func (c *Config) sanitize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.AllowedOrigins = trimAll(c.AllowedOrigins)
	c.AI.Fallbacks = trimAll(c.AI.Fallbacks)
	c.AI.APIKey = strings.TrimSpace(c.AI.APIKey)
	c.AI.Identity = strings.TrimSpace(c.AI.Identity)
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 32768
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 5
	}
	if c.RateLimitRefillSeconds <= 0 {
		c.RateLimitRefillSeconds = 1
	}
	if c.AI.Attempts <= 0 {
		c.AI.Attempts = 3
	}
	if c.AI.Identity == "" {
		c.AI.Identity = "Gemini"
	}
}

func (c *Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.Port) == "" {
		errs = append(errs, errors.New("SERVER_PORT must not be empty"))
	}
	if !c.IsDevelopment() && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required outside development"))
	}
	if c.AI.Timeout <= 0 {
		errs = append(errs, errors.New("GEMINI_TIMEOUT must be positive"))
	}
	if c.AI.BaseDelay <= 0 {
		errs = append(errs, errors.New("GEMINI_RETRY_BASE_DELAY must be positive"))
	}
	return errors.Join(errs...)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
