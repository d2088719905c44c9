// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls storage selection, the protocol account and logging.
// Postgres wins when DATABASE_URL is set, then Pebble, then memory.
type Config struct {
	Port            string        `env:"PORT"             envDefault:"8080"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	RedisURL        string        `env:"REDIS_URL"`
	CacheTTL        time.Duration `env:"CACHE_TTL"        envDefault:"30s"`
	PebblePath      string        `env:"PEBBLE_PATH"`
	ProtocolAccount string        `env:"PROTOCOL_ACCOUNT" envDefault:"protocol"`
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
	VerifyEachEvent bool          `env:"VERIFY_EACH_EVENT"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.ProtocolAccount == "" {
		return Config{}, fmt.Errorf("parse env: PROTOCOL_ACCOUNT must not be empty")
	}
	return cfg, nil
}

// Level maps LogLevel onto a slog level; unknown values mean info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
