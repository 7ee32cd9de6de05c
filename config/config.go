// Package config loads the gateway configuration from a YAML file, a .env
// file and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"modelhub/internal/storage"
	"modelhub/internal/usage"
)

// Config is the whole gateway configuration.
type Config struct {
	Server        ServerConfig          `yaml:"server"`
	Logging       LoggingConfig         `yaml:"logging"`
	Cache         CacheConfig           `yaml:"cache"`
	Metrics       MetricsConfig         `yaml:"metrics"`
	Usage         usage.Config          `yaml:"usage"`
	Storage       storage.Config        `yaml:"storage"`
	Router        RouterConfig          `yaml:"router"`
	Decorators    DecoratorConfig       `yaml:"decorators"`
	ModelDefaults ModelDefaults         `yaml:"model_defaults"`
	Models        map[string]ModelEntry `yaml:"models"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// BodyLimit uses echo's size syntax, e.g. "10M".
	BodyLimit string `yaml:"body_limit"`
	// MasterKey, when set, is required as a bearer token on /v1 routes.
	MasterKey string `yaml:"master_key"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "auto", "text" or "json". Auto picks text on a terminal.
	Format string `yaml:"format"`
}

// CacheConfig selects the response cache backend.
type CacheConfig struct {
	// Type is "none", "memory" or "redis".
	Type          string        `yaml:"type"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the Redis cache.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// RouterConfig configures client selection.
type RouterConfig struct {
	Strategy string `yaml:"strategy"`
	// Default names the default client; the first model otherwise.
	Default string `yaml:"default"`
	// Balancer is "", "round_robin" or "least_latency".
	Balancer    string       `yaml:"balancer"`
	HealthCheck HealthConfig `yaml:"health_check"`
}

// HealthConfig configures the background health probes.
type HealthConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	HistorySize int           `yaml:"history_size"`
}

// DecoratorConfig toggles the layers wrapped around every model.
type DecoratorConfig struct {
	Metrics bool `yaml:"metrics"`
	Retry   bool `yaml:"retry"`
	Cache   bool `yaml:"cache"`
}

// defaultPaths are tried in order when Load gets no explicit path.
var defaultPaths = []string{"config.yaml", "config/config.yaml"}

// Default returns the configuration used before any file or environment
// override is applied.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8080", ShutdownTimeout: 30 * time.Second, BodyLimit: "10M"},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
		Cache:   CacheConfig{Type: "memory", TTL: time.Hour, SweepInterval: time.Minute},
		Metrics: MetricsConfig{Enabled: true, Namespace: "modelhub", Path: "/metrics"},
		Usage:   usage.DefaultConfig(),
		Storage: storage.DefaultConfig(),
		Router: RouterConfig{
			Strategy: "DEFAULT_ONLY",
			HealthCheck: HealthConfig{
				Interval:    30 * time.Second,
				Timeout:     10 * time.Second,
				HistorySize: 20,
			},
		},
		Decorators: DecoratorConfig{Metrics: true, Retry: true, Cache: true},
	}
}

// Load builds the configuration. An explicit path must exist; otherwise the
// default paths are tried and a missing file is not an error. A .env file
// in the working directory is loaded first and never overrides variables
// already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if err := readFile(cfg, path); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	cfg.Models = resolveModels(cfg.Models)
	return cfg, nil
}

func readFile(cfg *Config, path string) error {
	candidates := defaultPaths
	if path != "" {
		candidates = []string{path}
	}
	for _, p := range candidates {
		raw, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) && path == "" {
			continue
		}
		if err != nil {
			return fmt.Errorf("read config %s: %w", p, err)
		}
		if err := yaml.Unmarshal([]byte(expandString(string(raw))), cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", p, err)
		}
		slog.Debug("config file loaded", "path", p)
		return nil
	}
	return nil
}
