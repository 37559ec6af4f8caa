package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds all configuration for the registration forecaster
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	DataAPI  DataAPIConfig  `yaml:"dataAPI"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Model    ModelConfig    `yaml:"model"`
	Cache    CacheConfig    `yaml:"cache"`
	Forecast ForecastConfig `yaml:"forecast"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Port            int           `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DataAPIConfig holds configuration for the remote registrations API
type DataAPIConfig struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`
	Timeout        time.Duration `yaml:"timeout"` // Bound on the whole fetch including retries
	MaxRetries     int           `yaml:"maxRetries"`
	RetryDelay     time.Duration `yaml:"retryDelay"`
	LookbackYears  int           `yaml:"lookbackYears"`
	LookaheadYears int           `yaml:"lookaheadYears"`

	// Consecutive failures before the circuit opens, and how long it stays open
	BreakerFailures int           `yaml:"breakerFailures"`
	BreakerCooldown time.Duration `yaml:"breakerCooldown"`
}

// SnapshotConfig selects the local fallback store. DBPath takes precedence over Path.
type SnapshotConfig struct {
	Path    string `yaml:"path"`
	DBPath  string `yaml:"dbPath"`
	Refresh bool   `yaml:"refresh"` // Rewrite the snapshot after every successful remote fetch
}

type ModelConfig struct {
	Path string `yaml:"path"`
}

type CacheConfig struct {
	Path string `yaml:"path"`
}

// ForecastConfig holds the shape of the served forecast
type ForecastConfig struct {
	Horizon      int `yaml:"horizon"`
	HistoryWeeks int `yaml:"historyWeeks"`
}

// RemoteEnabled reports whether a remote API is configured at all. Without one the snapshot
// store is the only source.
func (c *DataAPIConfig) RemoteEnabled() bool {
	return c.URL != ""
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	if c.DataAPI.RemoteEnabled() {
		if _, err := url.ParseRequestURI(c.DataAPI.URL); err != nil {
			return fmt.Errorf("invalid data API URL: %v", err)
		}
		if c.DataAPI.Timeout <= 0 {
			return fmt.Errorf("data API timeout must be positive")
		}
		if c.DataAPI.MaxRetries < 0 {
			return fmt.Errorf("data API max retries must not be negative")
		}
		if c.DataAPI.LookbackYears <= 0 {
			return fmt.Errorf("data API lookback must be at least one year")
		}
		if c.DataAPI.LookaheadYears < 0 {
			return fmt.Errorf("data API lookahead must not be negative")
		}
		if c.DataAPI.BreakerFailures < 1 {
			return fmt.Errorf("data API breaker failures must be at least 1, got %d", c.DataAPI.BreakerFailures)
		}
	}

	if c.Snapshot.Path == "" && c.Snapshot.DBPath == "" && !c.DataAPI.RemoteEnabled() {
		return fmt.Errorf("no data source configured: set a data API URL or a snapshot path")
	}

	if c.Model.Path == "" {
		return fmt.Errorf("model path is required")
	}
	if c.Cache.Path == "" {
		return fmt.Errorf("cache path is required")
	}

	if c.Forecast.Horizon <= 0 {
		return fmt.Errorf("forecast horizon must be positive")
	}
	if c.Forecast.HistoryWeeks <= 0 {
		return fmt.Errorf("history window must be positive")
	}

	return nil
}
