package store

import (
	"errors"
	"log/slog"
	"time"
)

// Config holds pool sizing and health-check parameters for the store's
// connection pool.
type Config struct {
	DatabaseURL string

	MaxConns int32
	MinConns int32

	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the pool's default sizing.
func DefaultConfig() *Config {
	return &Config{
		MaxConns:            10,
		MinConns:            2,
		HealthCheckInterval: 10 * time.Second,
		ConnectTimeout:      5 * time.Second,
	}
}

// ApplyDefaults fills zero fields with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.MaxConns == 0 {
		c.MaxConns = defaults.MaxConns
	}
	if c.MinConns == 0 {
		c.MinConns = defaults.MinConns
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("store: database_url is required")
	}
	return nil
}
