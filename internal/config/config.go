package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full environment configuration for the exchange server.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	Port        string `env:"SERVICE_PORT" envDefault:"8080"`
	JWTSecret   string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`

	// Settlement knobs. These are deliberately explicit configuration
	// rather than package constants.
	FeePercent     int64         `env:"PLATFORM_FEE_PERCENT" envDefault:"15"`
	HandlerTimeout time.Duration `env:"HANDLER_TIMEOUT" envDefault:"30s"`
	SigningSecret  string        `env:"DISPATCH_SIGNING_SECRET"`

	MaxBodyBytes   int64   `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"20"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.FeePercent < 0 || cfg.FeePercent > 100 {
		return Config{}, fmt.Errorf("PLATFORM_FEE_PERCENT out of range: %d", cfg.FeePercent)
	}
	return cfg, nil
}
