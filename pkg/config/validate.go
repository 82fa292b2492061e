package config

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// HasField reports whether field failed validation.
func (e ValidationError) HasField(field string) bool {
	for _, fe := range e.Errors {
		if fe.Field == field {
			return true
		}
	}
	return false
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	if cfg.Environment != EnvironmentDevelopment && cfg.Environment != EnvironmentProduction {
		errs = append(errs, FieldError{
			Field:   "environment",
			Message: fmt.Sprintf("invalid environment %q: must be 'development' or 'production'", cfg.Environment),
		})
	}

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateUsage(&cfg.Usage)...)
	errs = append(errs, validateClientIP(&cfg.ClientIP)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

// validateServer validates HTTP server configuration.
func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: "listen address is required",
		})
	} else if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: fmt.Sprintf("invalid listen address %q: %v", cfg.ListenAddress, err),
		})
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"server.read_timeout", cfg.ReadTimeout},
		{"server.write_timeout", cfg.WriteTimeout},
		{"server.idle_timeout", cfg.IdleTimeout},
		{"server.shutdown_timeout", cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.value < 0 {
			errs = append(errs, FieldError{
				Field:   d.field,
				Message: "timeout must be positive",
			})
		}
	}

	if cfg.MaxHeaderBytes < 0 {
		errs = append(errs, FieldError{
			Field:   "server.max_header_bytes",
			Message: "max header bytes must be non-negative",
		})
	}
	if cfg.MaxHeaderBytes > 10*1024*1024 { // 10MB is excessive
		errs = append(errs, FieldError{
			Field:   "server.max_header_bytes",
			Message: "max header bytes exceeds reasonable limit (10MB)",
		})
	}
	if cfg.MaxBodyBytes < 0 {
		errs = append(errs, FieldError{
			Field:   "server.max_body_bytes",
			Message: "max body bytes must be non-negative",
		})
	}

	return errs
}

// validateCache validates the cache connection settings.
func validateCache(cfg *CacheConfig) []FieldError {
	var errs []FieldError

	if cfg.URL != "" {
		u, err := url.Parse(cfg.URL)
		switch {
		case err != nil:
			errs = append(errs, FieldError{
				Field:   "cache.url",
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		case u.Scheme != "redis" && u.Scheme != "rediss" && u.Scheme != "unix":
			errs = append(errs, FieldError{
				Field:   "cache.url",
				Message: fmt.Sprintf("unsupported scheme %q: must be redis, rediss or unix", u.Scheme),
			})
		}
	}

	if cfg.DB < 0 {
		errs = append(errs, FieldError{
			Field:   "cache.db",
			Message: "db must be non-negative",
		})
	}
	if cfg.MaxRetries < -1 {
		errs = append(errs, FieldError{
			Field:   "cache.max_retries",
			Message: "max retries must be -1 (disabled) or greater",
		})
	}
	if cfg.MaxRetries > 10 {
		errs = append(errs, FieldError{
			Field:   "cache.max_retries",
			Message: "max retries exceeds reasonable limit (10)",
		})
	}
	if cfg.RetryBaseDelay < 0 || cfg.RetryMaxDelay < 0 {
		errs = append(errs, FieldError{
			Field:   "cache.retry_base_delay",
			Message: "retry delays must be positive",
		})
	}
	if cfg.RetryMaxDelay > 0 && cfg.RetryBaseDelay > cfg.RetryMaxDelay {
		errs = append(errs, FieldError{
			Field:   "cache.retry_max_delay",
			Message: "retry max delay must not be less than retry base delay",
		})
	}
	if cfg.OperationTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "cache.operation_timeout",
			Message: "operation timeout must be positive",
		})
	}
	if cfg.DefaultTTL < 0 {
		errs = append(errs, FieldError{
			Field:   "cache.default_ttl",
			Message: "default TTL must be positive",
		})
	}
	if cfg.PoolSize < 0 {
		errs = append(errs, FieldError{
			Field:   "cache.pool_size",
			Message: "pool size must be non-negative",
		})
	}

	return errs
}

// validateUsage validates the quota settings.
func validateUsage(cfg *UsageConfig) []FieldError {
	var errs []FieldError

	if cfg.MaxUsage <= 0 {
		errs = append(errs, FieldError{
			Field:   "usage.max_usage",
			Message: "max usage must be positive",
		})
	}
	if cfg.Window <= 0 {
		errs = append(errs, FieldError{
			Field:   "usage.window",
			Message: "window must be positive",
		})
	} else if cfg.Window < time.Second {
		errs = append(errs, FieldError{
			Field:   "usage.window",
			Message: "window must be at least 1s",
		})
	}
	if cfg.LockTTL < 0 {
		errs = append(errs, FieldError{
			Field:   "usage.lock_ttl",
			Message: "lock TTL must be positive",
		})
	}
	if strings.ContainsAny(cfg.KeyPrefix, " \t\n") {
		errs = append(errs, FieldError{
			Field:   "usage.key_prefix",
			Message: "key prefix must not contain whitespace",
		})
	}
	if cfg.MirrorQueueSize < 0 {
		errs = append(errs, FieldError{
			Field:   "usage.mirror_queue_size",
			Message: "mirror queue size must be non-negative",
		})
	}

	return errs
}

// validateClientIP validates client address resolution settings.
func validateClientIP(cfg *ClientIPConfig) []FieldError {
	var errs []FieldError

	if cfg.DevFallbackIP != "" {
		if _, err := netip.ParseAddr(cfg.DevFallbackIP); err != nil {
			errs = append(errs, FieldError{
				Field:   "client_ip.dev_fallback_ip",
				Message: fmt.Sprintf("invalid IP address %q", cfg.DevFallbackIP),
			})
		}
	}

	return errs
}

// validateStorage validates durable store configuration.
func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case StorageBackendMemory, StorageBackendNone:
	case StorageBackendSQLite:
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.path",
				Message: "sqlite path is required when backend is 'sqlite'",
			})
		}
		if cfg.SQLite.Driver != "sqlite" && cfg.SQLite.Driver != "sqlite3" {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.driver",
				Message: fmt.Sprintf("invalid driver %q: must be 'sqlite' or 'sqlite3'", cfg.SQLite.Driver),
			})
		}
		if cfg.SQLite.BusyTimeout < 0 {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.busy_timeout",
				Message: "busy timeout must be positive",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory', 'sqlite', or 'none'", cfg.Backend),
		})
	}

	if cfg.MaxEntries < 0 {
		errs = append(errs, FieldError{
			Field:   "storage.max_entries",
			Message: "max entries must be non-negative",
		})
	}

	if cfg.PruneSchedule != "" {
		if _, err := cron.ParseStandard(cfg.PruneSchedule); err != nil {
			errs = append(errs, FieldError{
				Field:   "storage.prune_schedule",
				Message: fmt.Sprintf("invalid cron expression: %v", err),
			})
		}
	}
	if cfg.PruneGrace < 0 {
		errs = append(errs, FieldError{
			Field:   "storage.prune_grace",
			Message: "prune grace must be non-negative",
		})
	}

	return errs
}

// validateTelemetry validates telemetry configuration.
func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if cfg.Logging.Level == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: "logging level is required",
		})
	} else if !validLevels[cfg.Logging.Level] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}

	// Validate logging format
	validFormats := map[string]bool{"json": true, "text": true}
	if cfg.Logging.Format == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: "logging format is required",
		})
	} else if !validFormats[cfg.Logging.Format] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json' or 'text'", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{
			Field:   "telemetry.metrics.path",
			Message: "metrics path must start with /",
		})
	}

	// Validate tracing configuration
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.endpoint",
			Message: "tracing endpoint is required when tracing is enabled",
		})
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1.0 {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sample_ratio",
			Message: "sample ratio must be between 0.0 and 1.0",
		})
	}

	// Validate health paths
	if !strings.HasPrefix(cfg.Health.LivenessPath, "/") {
		errs = append(errs, FieldError{
			Field:   "telemetry.health.liveness_path",
			Message: "liveness path must start with /",
		})
	}
	if !strings.HasPrefix(cfg.Health.ReadinessPath, "/") {
		errs = append(errs, FieldError{
			Field:   "telemetry.health.readiness_path",
			Message: "readiness path must start with /",
		})
	}
	if cfg.Health.CheckTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "telemetry.health.check_timeout",
			Message: "check timeout must be positive",
		})
	}
	if cfg.Health.CheckTimeout > 60*time.Second {
		errs = append(errs, FieldError{
			Field:   "telemetry.health.check_timeout",
			Message: "check timeout exceeds reasonable limit (60s)",
		})
	}

	return errs
}
