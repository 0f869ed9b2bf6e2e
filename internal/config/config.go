// Package config loads chart cache configuration from YAML and environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/astraldesk/chartcache/internal/errors"
)

// Config holds all runtime configuration for the subsystem.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	Server  ServerConfig  `yaml:"server"`
	Cache   CacheConfig   `yaml:"cache"`
	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the localhost API server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CacheConfig bounds the records collection.
type CacheConfig struct {
	MaxRecords int   `yaml:"max_records"`
	MaxBytes   int64 `yaml:"max_bytes"`
}

// SyncConfig tunes the sync manager and connectivity monitor.
type SyncConfig struct {
	RemoteURL      string        `yaml:"remote_url"`
	Interval       time.Duration `yaml:"interval"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	OnlineDebounce time.Duration `yaml:"online_debounce"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8090,
		},
		Cache: CacheConfig{
			MaxRecords: 100,
			MaxBytes:   50 * 1024 * 1024,
		},
		Sync: SyncConfig{
			RemoteURL:      "http://localhost:9090/api/apply",
			Interval:       30 * time.Second,
			MaxAttempts:    3,
			BackoffBase:    time.Second,
			BackoffMax:     5 * time.Minute,
			OnlineDebounce: time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given YAML file, falling back to
// defaults when the path is empty or the file is absent. Environment
// variables override file values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrap(errors.ErrConfigInvalid, "failed to read config file", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrConfigInvalid, "failed to parse config file", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides, which
// take precedence over file values.
func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("CHARTCACHE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CHARTCACHE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CHARTCACHE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("CHARTCACHE_REMOTE_URL"); v != "" {
		cfg.Sync.RemoteURL = v
	}
	if v := os.Getenv("CHARTCACHE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for values the subsystem cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New(errors.ErrConfigInvalid, "data_dir must not be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New(errors.ErrConfigInvalid, fmt.Sprintf("invalid server port: %d", c.Server.Port))
	}
	if c.Cache.MaxRecords <= 0 {
		return errors.New(errors.ErrConfigInvalid, "cache.max_records must be positive")
	}
	if c.Cache.MaxBytes <= 0 {
		return errors.New(errors.ErrConfigInvalid, "cache.max_bytes must be positive")
	}
	if c.Sync.Interval <= 0 {
		return errors.New(errors.ErrConfigInvalid, "sync.interval must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return errors.New(errors.ErrConfigInvalid, "sync.max_attempts must be positive")
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		return errors.New(errors.ErrConfigInvalid, "sync backoff bounds are inconsistent")
	}
	if c.Sync.OnlineDebounce < 0 {
		return errors.New(errors.ErrConfigInvalid, "sync.online_debounce must not be negative")
	}
	return nil
}
