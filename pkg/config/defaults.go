package config

import "time"

// Environment names.
const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
)

// Storage backend names.
const (
	StorageBackendMemory = "memory"
	StorageBackendSQLite = "sqlite"
	StorageBackendNone   = "none"
)

// Default values for configuration fields.
const (
	DefaultEnvironment = EnvironmentDevelopment

	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxHeaderBytes  = 1048576 // 1MB
	DefaultMaxBodyBytes    = 65536   // 64KB

	// Cache defaults
	DefaultCacheTTL              = 24 * time.Hour
	DefaultCacheMaxRetries       = 3
	DefaultCacheRetryBaseDelay   = 100 * time.Millisecond
	DefaultCacheRetryMaxDelay    = 2 * time.Second
	DefaultCacheOperationTimeout = 2 * time.Second

	// Usage defaults
	DefaultUsageMaxUsage        = int64(3)
	DefaultUsageWindow          = 24 * time.Hour
	DefaultUsageLockTTL         = 30 * time.Second
	DefaultUsageKeyPrefix       = "usage"
	DefaultUsageFailOpen        = true
	DefaultUsageMirrorQueueSize = 1024

	// Client IP defaults
	DefaultClientIPTrustProxy    = true
	DefaultClientIPMapIPv4Mapped = true
	DefaultClientIPDevFallback   = "127.0.0.1"

	// Storage defaults
	DefaultStorageBackend           = StorageBackendMemory
	DefaultStorageMaxEntries        = 100000
	DefaultStorageSQLitePath        = "data/usage.db"
	DefaultStorageSQLiteDriver      = "sqlite"
	DefaultStorageSQLiteBusyTimeout = 5 * time.Second
	DefaultStorageSQLiteCheckpoint  = 5 * time.Minute
	DefaultStoragePruneSchedule     = "0 * * * *"

	// Telemetry defaults
	DefaultLoggingLevel        = "info"
	DefaultLoggingFormat       = "json"
	DefaultPrometheusPath      = "/metrics"
	DefaultTracingServiceName  = "ipquota"
	DefaultTracingSamplingRate = 1.0
	DefaultTracingTimeout      = 10 * time.Second
	DefaultLivenessPath        = "/health"
	DefaultReadinessPath       = "/ready"
	DefaultHealthCheckTimeout  = 2 * time.Second
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = DefaultEnvironment
	}

	// Server defaults
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}

	// Cache defaults
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = DefaultCacheTTL
	}
	if cfg.Cache.MaxRetries == 0 {
		cfg.Cache.MaxRetries = DefaultCacheMaxRetries
	}
	if cfg.Cache.RetryBaseDelay == 0 {
		cfg.Cache.RetryBaseDelay = DefaultCacheRetryBaseDelay
	}
	if cfg.Cache.RetryMaxDelay == 0 {
		cfg.Cache.RetryMaxDelay = DefaultCacheRetryMaxDelay
	}
	if cfg.Cache.OperationTimeout == 0 {
		cfg.Cache.OperationTimeout = DefaultCacheOperationTimeout
	}

	applyUsageDefaults(cfg)
	applyClientIPDefaults(cfg)
	applyStorageDefaults(cfg)
	applyTelemetryDefaults(cfg)
}

func applyUsageDefaults(cfg *Config) {
	if cfg.Usage.MaxUsage == 0 {
		cfg.Usage.MaxUsage = DefaultUsageMaxUsage
	}
	if cfg.Usage.Window == 0 {
		cfg.Usage.Window = DefaultUsageWindow
	}
	if cfg.Usage.LockTTL == 0 {
		cfg.Usage.LockTTL = DefaultUsageLockTTL
	}
	if cfg.Usage.KeyPrefix == "" {
		cfg.Usage.KeyPrefix = DefaultUsageKeyPrefix
	}
	if cfg.Usage.FailOpen == nil {
		cfg.Usage.FailOpen = boolPtr(DefaultUsageFailOpen)
	}
	if cfg.Usage.MirrorQueueSize == 0 {
		cfg.Usage.MirrorQueueSize = DefaultUsageMirrorQueueSize
	}
}

func applyClientIPDefaults(cfg *Config) {
	if cfg.ClientIP.TrustProxy == nil {
		cfg.ClientIP.TrustProxy = boolPtr(DefaultClientIPTrustProxy)
	}
	if cfg.ClientIP.MapIPv4MappedIPv6 == nil {
		cfg.ClientIP.MapIPv4MappedIPv6 = boolPtr(DefaultClientIPMapIPv4Mapped)
	}
	if cfg.ClientIP.DevFallbackIP == "" {
		cfg.ClientIP.DevFallbackIP = DefaultClientIPDevFallback
	}
}

func applyStorageDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	if cfg.Storage.MaxEntries == 0 {
		cfg.Storage.MaxEntries = DefaultStorageMaxEntries
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = DefaultStorageSQLitePath
	}
	if cfg.Storage.SQLite.Driver == "" {
		cfg.Storage.SQLite.Driver = DefaultStorageSQLiteDriver
	}
	if cfg.Storage.SQLite.BusyTimeout == 0 {
		cfg.Storage.SQLite.BusyTimeout = DefaultStorageSQLiteBusyTimeout
	}
	if cfg.Storage.SQLite.CheckpointInterval == 0 {
		cfg.Storage.SQLite.CheckpointInterval = DefaultStorageSQLiteCheckpoint
	}
	if cfg.Storage.PruneSchedule == "" {
		cfg.Storage.PruneSchedule = DefaultStoragePruneSchedule
	}
}

func applyTelemetryDefaults(cfg *Config) {
	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultPrometheusPath
	}
	if cfg.Telemetry.Tracing.ServiceName == "" {
		cfg.Telemetry.Tracing.ServiceName = DefaultTracingServiceName
	}
	if cfg.Telemetry.Tracing.SampleRatio == 0 {
		cfg.Telemetry.Tracing.SampleRatio = DefaultTracingSamplingRate
	}
	if cfg.Telemetry.Tracing.Timeout == 0 {
		cfg.Telemetry.Tracing.Timeout = DefaultTracingTimeout
	}
	if cfg.Telemetry.Health.LivenessPath == "" {
		cfg.Telemetry.Health.LivenessPath = DefaultLivenessPath
	}
	if cfg.Telemetry.Health.ReadinessPath == "" {
		cfg.Telemetry.Health.ReadinessPath = DefaultReadinessPath
	}
	if cfg.Telemetry.Health.CheckTimeout == 0 {
		cfg.Telemetry.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
}
