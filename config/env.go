package config

import (
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default}. A variable that is unset
// or empty takes its default; without a default the placeholder is left in
// place so unresolved secrets can be detected later.
func expandString(s string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		if parts[2] != "" {
			return parts[3]
		}
		return m
	})
}

func unresolved(s string) bool {
	return strings.Contains(s, "${")
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring invalid boolean environment variable", "key", key, "value", v)
		return
	}
	*dst = b
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer environment variable", "key", key, "value", v)
		return
	}
	*dst = n
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring invalid duration environment variable", "key", key, "value", v)
		return
	}
	*dst = d
}

// applyEnvOverrides lets the environment win over the file for the
// deployment-level settings.
func applyEnvOverrides(cfg *Config) {
	envString("PORT", &cfg.Server.Port)
	envDuration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envString("BODY_LIMIT", &cfg.Server.BodyLimit)
	envString("MODELHUB_MASTER_KEY", &cfg.Server.MasterKey)

	envString("LOG_LEVEL", &cfg.Logging.Level)
	envString("LOG_FORMAT", &cfg.Logging.Format)

	envString("CACHE_TYPE", &cfg.Cache.Type)
	envDuration("CACHE_TTL", &cfg.Cache.TTL)
	envString("REDIS_URL", &cfg.Cache.Redis.URL)
	envString("REDIS_KEY_PREFIX", &cfg.Cache.Redis.Prefix)

	envBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	envString("METRICS_PATH", &cfg.Metrics.Path)

	envBool("USAGE_ENABLED", &cfg.Usage.Enabled)
	envInt("USAGE_BUFFER_SIZE", &cfg.Usage.BufferSize)
	envDuration("USAGE_FLUSH_INTERVAL", &cfg.Usage.FlushInterval)
	envInt("USAGE_RETENTION_DAYS", &cfg.Usage.RetentionDays)

	envString("STORAGE_TYPE", &cfg.Storage.Type)
	envString("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	envString("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	envInt("POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns)
	envString("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	envString("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)

	envString("ROUTER_STRATEGY", &cfg.Router.Strategy)
	envString("ROUTER_DEFAULT", &cfg.Router.Default)
	envString("ROUTER_BALANCER", &cfg.Router.Balancer)
	envBool("HEALTH_CHECK_ENABLED", &cfg.Router.HealthCheck.Enabled)
	envDuration("HEALTH_CHECK_INTERVAL", &cfg.Router.HealthCheck.Interval)
}
