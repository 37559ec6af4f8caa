package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// DefaultAllowedOrigins are the local dashboard origins accepted when none are configured
var DefaultAllowedOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}

// Defaults returns the configuration used when neither a file nor the environment says
// otherwise
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			AllowedOrigins:  append([]string(nil), DefaultAllowedOrigins...),
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		DataAPI: DataAPIConfig{
			Timeout:         10 * time.Second,
			MaxRetries:      2,
			RetryDelay:      500 * time.Millisecond,
			LookbackYears:   4,
			LookaheadYears:  1,
			BreakerFailures: 3,
			BreakerCooldown: time.Minute,
		},
		Snapshot: SnapshotConfig{
			Path: "data/registrations.json",
		},
		Model: ModelConfig{
			Path: "models/registration_model.json",
		},
		Cache: CacheConfig{
			Path: "data/prediction_cache.json",
		},
		Forecast: ForecastConfig{
			Horizon:      8,
			HistoryWeeks: 12,
		},
	}
}

// Load builds the configuration in layers: defaults, then the optional YAML file at
// configPath, then environment variables. envFile, when non-empty, is loaded into the
// environment first without overriding variables that are already set.
func Load(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to load env file %s: %v", envFile, err)
			}
			klog.V(2).InfoS("No env file found, using process environment", "path", envFile)
		}
	}

	cfg := Defaults()

	if configPath != "" {
		if err := loadFile(cfg, configPath); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	klog.V(2).InfoS("Loaded configuration",
		"port", cfg.Server.Port,
		"remoteEnabled", cfg.DataAPI.RemoteEnabled(),
		"hasToken", cfg.DataAPI.Token != "",
		"snapshotPath", cfg.Snapshot.Path,
		"snapshotDBPath", cfg.Snapshot.DBPath,
		"modelPath", cfg.Model.Path,
		"cachePath", cfg.Cache.Path,
		"horizon", cfg.Forecast.Horizon)

	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %v", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %v", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getIntOrDefault("PORT", cfg.Server.Port)
	cfg.Server.AllowedOrigins = getListOrDefault("ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)
	cfg.Server.ReadTimeout = getDurationOrDefault("SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getDurationOrDefault("SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.ShutdownTimeout = getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	// API_URL and EVENTUPP_API_TOKEN are the names older deployments used
	cfg.DataAPI.URL = getEnvOrDefault("DATA_API_URL", getEnvOrDefault("API_URL", cfg.DataAPI.URL))
	cfg.DataAPI.Token = getEnvOrDefault("DATA_API_TOKEN", getEnvOrDefault("EVENTUPP_API_TOKEN", cfg.DataAPI.Token))
	cfg.DataAPI.Timeout = getDurationOrDefault("DATA_API_TIMEOUT", cfg.DataAPI.Timeout)
	cfg.DataAPI.MaxRetries = getIntOrDefault("DATA_API_MAX_RETRIES", cfg.DataAPI.MaxRetries)
	cfg.DataAPI.RetryDelay = getDurationOrDefault("DATA_API_RETRY_DELAY", cfg.DataAPI.RetryDelay)
	cfg.DataAPI.LookbackYears = getIntOrDefault("DATA_API_LOOKBACK_YEARS", cfg.DataAPI.LookbackYears)
	cfg.DataAPI.LookaheadYears = getIntOrDefault("DATA_API_LOOKAHEAD_YEARS", cfg.DataAPI.LookaheadYears)
	cfg.DataAPI.BreakerFailures = getIntOrDefault("DATA_API_BREAKER_FAILURES", cfg.DataAPI.BreakerFailures)
	cfg.DataAPI.BreakerCooldown = getDurationOrDefault("DATA_API_BREAKER_COOLDOWN", cfg.DataAPI.BreakerCooldown)

	cfg.Snapshot.Path = getEnvOrDefault("SNAPSHOT_PATH", cfg.Snapshot.Path)
	cfg.Snapshot.DBPath = getEnvOrDefault("SNAPSHOT_DB_PATH", cfg.Snapshot.DBPath)
	cfg.Snapshot.Refresh = getBoolOrDefault("SNAPSHOT_REFRESH", cfg.Snapshot.Refresh)

	cfg.Model.Path = getEnvOrDefault("MODEL_PATH", cfg.Model.Path)
	cfg.Cache.Path = getEnvOrDefault("CACHE_PATH", cfg.Cache.Path)

	cfg.Forecast.Horizon = getIntOrDefault("FORECAST_HORIZON", cfg.Forecast.Horizon)
	cfg.Forecast.HistoryWeeks = getIntOrDefault("FORECAST_HISTORY_WEEKS", cfg.Forecast.HistoryWeeks)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.Atoi(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if strValue := os.Getenv(key); strValue != "" {
		value, err := strconv.ParseBool(strValue)
		if err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid boolean value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := time.ParseDuration(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid duration value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

// getListOrDefault reads a comma-separated list, ignoring empty entries
func getListOrDefault(key string, defaultValue []string) []string {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(strValue, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
