package config

import "time"

// Config is the root configuration structure for ipquota.
// It contains all configuration sections for the HTTP server, the cache,
// the usage quota, client address resolution, durable storage and telemetry.
type Config struct {
	// Environment selects development or production behaviour.
	// In production the resolver never falls back to a development address.
	// Options: "development", "production"
	// Default: "development"
	Environment string `yaml:"environment"`

	// Server contains HTTP server configuration including listen address,
	// timeouts, and request limits.
	Server ServerConfig `yaml:"server"`

	// Cache contains the shared cache connection and retry settings.
	// Leaving both url and address empty selects the no-op cache.
	Cache CacheConfig `yaml:"cache"`

	// Usage contains the quota itself.
	Usage UsageConfig `yaml:"usage"`

	// ClientIP controls how client addresses are extracted from requests.
	ClientIP ClientIPConfig `yaml:"client_ip"`

	// Storage contains the durable store used when the cache is unavailable.
	Storage StorageConfig `yaml:"storage"`

	// Telemetry contains configuration for observability including logging,
	// metrics, tracing, and health checks.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// IsProduction reports whether Environment is "production".
func (c *Config) IsProduction() bool {
	return c.Environment == EnvironmentProduction
}

// ServerConfig contains configuration for the HTTP server.
type ServerConfig struct {
	// ListenAddress is the address and port for the server to listen on.
	// Format: "host:port" (e.g., "127.0.0.1:8080", "0.0.0.0:8080").
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response.
	// Default: 60s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	// Default: 1048576 (1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// MaxBodyBytes limits the size of a generate request body.
	// Default: 65536 (64KB)
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// CacheConfig contains the Redis connection settings.
type CacheConfig struct {
	// URL is a redis:// or rediss:// connection URL. Takes precedence over
	// Address. The REDIS_URL environment variable sets it when present.
	URL string `yaml:"url"`

	// Address is the "host:port" of the Redis server.
	Address string `yaml:"address"`

	// Username for Redis ACL authentication.
	Username string `yaml:"username"`

	// Password for Redis authentication.
	Password string `yaml:"password"`

	// DB selects the logical database.
	// Default: 0
	DB int `yaml:"db"`

	// DefaultTTL is applied to writes that do not specify one.
	// Default: 24h
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// MaxRetries is the number of retries after a failed attempt.
	// Set to -1 to disable retries.
	// Default: 3
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay is the first backoff delay.
	// Default: 100ms
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// RetryMaxDelay caps the backoff delay.
	// Default: 2s
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`

	// OperationTimeout bounds each attempt.
	// Default: 2s
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// PoolSize is the connection pool size (0 = client default).
	PoolSize int `yaml:"pool_size"`
}

// Enabled reports whether a Redis server is configured.
func (c CacheConfig) Enabled() bool {
	return c.URL != "" || c.Address != ""
}

// UsageConfig contains the quota settings.
type UsageConfig struct {
	// MaxUsage is the number of uses per window.
	// Default: 3
	MaxUsage int64 `yaml:"max_usage"`

	// Window is the length of each client's window, anchored at first use.
	// Default: 24h
	Window time.Duration `yaml:"window"`

	// LockEnabled takes a short-lived per-client lock around increments.
	// Default: false
	LockEnabled bool `yaml:"lock_enabled"`

	// LockTTL bounds the lifetime of a lock key.
	// Default: 30s
	LockTTL time.Duration `yaml:"lock_ttl"`

	// KeyPrefix namespaces usage keys in the cache.
	// Default: "usage"
	KeyPrefix string `yaml:"key_prefix"`

	// FailOpen lets a request through when the durable store fails while the
	// cache is down.
	// Default: true
	FailOpen *bool `yaml:"fail_open"`

	// MirrorQueueSize bounds pending writes from the cache to the durable store.
	// Default: 1024
	MirrorQueueSize int `yaml:"mirror_queue_size"`
}

// FailOpenEnabled returns FailOpen, defaulting to true.
func (c UsageConfig) FailOpenEnabled() bool {
	return boolValue(c.FailOpen, DefaultUsageFailOpen)
}

// ClientIPConfig controls client address resolution.
type ClientIPConfig struct {
	// TrustProxy reads forwarding headers set by reverse proxies. Only enable
	// behind a proxy that overwrites them.
	// Default: true
	TrustProxy *bool `yaml:"trust_proxy"`

	// MapIPv4MappedIPv6 collapses IPv4-mapped IPv6 addresses to IPv4.
	// Default: true
	MapIPv4MappedIPv6 *bool `yaml:"map_ipv4_mapped_ipv6"`

	// AllowLocalhost treats loopback and private addresses as valid.
	// Default: false
	AllowLocalhost bool `yaml:"allow_localhost"`

	// DevFallbackIP is used outside production when nothing else resolves.
	// Default: "127.0.0.1"
	DevFallbackIP string `yaml:"dev_fallback_ip"`
}

// TrustProxyEnabled returns TrustProxy, defaulting to true.
func (c ClientIPConfig) TrustProxyEnabled() bool {
	return boolValue(c.TrustProxy, DefaultClientIPTrustProxy)
}

// MapIPv4MappedEnabled returns MapIPv4MappedIPv6, defaulting to true.
func (c ClientIPConfig) MapIPv4MappedEnabled() bool {
	return boolValue(c.MapIPv4MappedIPv6, DefaultClientIPMapIPv4Mapped)
}

// StorageConfig contains durable store configuration.
type StorageConfig struct {
	// Backend selects the durable store.
	// Options: "memory", "sqlite", "none"
	// Default: "memory"
	Backend string `yaml:"backend"`

	// MaxEntries caps the memory backend.
	// Default: 100000
	MaxEntries int `yaml:"max_entries"`

	// SQLite contains SQLite backend settings.
	SQLite SQLiteConfig `yaml:"sqlite"`

	// PruneSchedule is a cron expression for deleting ended windows.
	// Empty disables pruning.
	// Default: "0 * * * *"
	PruneSchedule string `yaml:"prune_schedule"`

	// PruneGrace keeps records for this long after their window ends.
	// Default: 0
	PruneGrace time.Duration `yaml:"prune_grace"`
}

// SQLiteConfig contains SQLite backend configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	// Default: "data/usage.db"
	Path string `yaml:"path"`

	// Driver selects the database/sql driver.
	// Options: "sqlite" (pure Go), "sqlite3" (cgo)
	// Default: "sqlite"
	Driver string `yaml:"driver"`

	// BusyTimeout is how long a writer waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// CheckpointInterval is how often the WAL is checkpointed.
	// Default: 5m
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// TelemetryConfig contains configuration for observability features.
type TelemetryConfig struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Health contains health check configuration.
	Health HealthConfig `yaml:"health"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`

	// RedactPII masks client addresses and credentials in log output.
	// Default: false
	RedactPII bool `yaml:"redact_pii"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Enabled controls whether the Prometheus endpoint is served.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path for the Prometheus metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether spans are exported.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint (e.g., "localhost:4317").
	Endpoint string `yaml:"endpoint"`

	// ServiceName is the service name in traces.
	// Default: "ipquota"
	ServiceName string `yaml:"service_name"`

	// SampleRatio is the fraction of traces to sample (0.0 to 1.0).
	// Default: 1.0
	SampleRatio float64 `yaml:"sample_ratio"`

	// Insecure disables TLS for the collector connection.
	// Default: false
	Insecure bool `yaml:"insecure"`

	// Timeout bounds each export.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// HealthConfig contains health check endpoint configuration.
type HealthConfig struct {
	// LivenessPath is the path for the liveness probe endpoint.
	// Default: "/health"
	LivenessPath string `yaml:"liveness_path"`

	// ReadinessPath is the path for the readiness probe endpoint.
	// Default: "/ready"
	ReadinessPath string `yaml:"readiness_path"`

	// CheckTimeout is the timeout for individual component health checks.
	// Default: 2s
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

func boolValue(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func boolPtr(b bool) *bool {
	return &b
}
