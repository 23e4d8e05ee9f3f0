// Package config loads process configuration from config.yaml and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Notify   NotifyConfig   `yaml:"notify"`
	Market   MarketConfig   `yaml:"market"`
	LogLevel string         `yaml:"log_level"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimitPerSec int           `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

// AuthConfig configures credential validation. The signing secret is only
// read from the environment, never from the config file.
type AuthConfig struct {
	JWTSecret string `yaml:"-"`
}

// DatabaseConfig configures the Postgres document store. When URL is empty
// the process runs on the in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"-"`
}

// RedisConfig configures the distributed resource lock. When Addr is empty
// the in-process lock is used.
type RedisConfig struct {
	Addr     string `yaml:"-"`
	Password string `yaml:"-"`
}

// NotifyConfig configures the push-notification gateway.
type NotifyConfig struct {
	GatewayURL  string        `yaml:"gateway_url"`
	Timeout     time.Duration `yaml:"timeout"`
	OutboxSweep string        `yaml:"outbox_sweep"`
	OutboxBatch int           `yaml:"outbox_batch"`
}

// MarketConfig configures marketplace business rules.
type MarketConfig struct {
	// MaxStock is the global upper bound on a collectible's initial stock.
	MaxStock int64 `yaml:"max_stock"`
	// ValidPrices are the accepted trade prices in integer cents, matching
	// the configured top-up denominations.
	ValidPrices []int64 `yaml:"valid_prices"`
	// LockTimeout bounds how long a purchase attempt may queue behind other
	// attempts on the same resource.
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// Load reads config/config.yaml relative to the working directory, applies
// defaults and environment overrides.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "config.yaml"))
}

// LoadFromPath loads configuration from an explicit path. A missing file is
// not an error; defaults apply.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.Database.URL = os.Getenv("DATABASE_URL")
	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("NOTIFY_GATEWAY_URL"); v != "" {
		cfg.Notify.GatewayURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
			RateLimitPerSec: 20,
			RateLimitBurst:  40,
		},
		Notify: NotifyConfig{
			Timeout:     5 * time.Second,
			OutboxSweep: "@every 10s",
			OutboxBatch: 50,
		},
		Market: MarketConfig{
			MaxStock:    10000,
			ValidPrices: []int64{100, 500, 1000, 2000, 5000, 10000},
			LockTimeout: 10 * time.Second,
		},
		LogLevel: "info",
	}
}

// Validate checks invariants that would otherwise surface mid-request.
func (c *Config) Validate() error {
	if c.Market.MaxStock <= 0 {
		return fmt.Errorf("market.max_stock must be positive")
	}
	if len(c.Market.ValidPrices) == 0 {
		return fmt.Errorf("market.valid_prices must not be empty")
	}
	for _, p := range c.Market.ValidPrices {
		if p <= 0 {
			return fmt.Errorf("market.valid_prices must be positive, got %d", p)
		}
	}
	if c.Market.LockTimeout <= 0 {
		return fmt.Errorf("market.lock_timeout must be positive")
	}
	return nil
}

// PriceAllowed reports whether price matches a configured denomination.
func (c *Config) PriceAllowed(price int64) bool {
	for _, p := range c.Market.ValidPrices {
		if p == price {
			return true
		}
	}
	return false
}
