package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is matched by every error a backend returns when it cannot
// serve a request.
var ErrUnavailable = errors.New("cache unavailable")

// UnavailableError describes a failed cache operation.
type UnavailableError struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache unavailable: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache unavailable: %s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// IsUnavailable reports whether err signals an unavailable cache.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Cache is the key-value contract used by the usage limiter.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the value for key. A miss is (nil, false, nil).
	// On failure found is false and err is an *UnavailableError.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value with ttl. A ttl of zero uses the backend default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Incr adds one to the counter at key; see IncrBy.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrBy adds delta to the counter at key and returns the new value.
	// A counter without a TTL receives ttl (or the default); an existing TTL
	// is left untouched.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// DecrFloor subtracts delta from the counter at key without going below
	// zero, keeping its TTL. A missing key is left absent and found is false.
	DecrFloor(ctx context.Context, key string, delta int64) (value int64, found bool, err error)

	// Expire sets the TTL of key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime of key, or zero when key is missing
	// or never expires.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// MGet returns values for keys in order; misses are nil.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)

	// MSet stores all entries with the same ttl.
	MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error

	// Del removes keys.
	Del(ctx context.Context, keys ...string) error

	// CompareAndDelete removes guard and keys only while guard still holds
	// expected, and reports whether it did.
	CompareAndDelete(ctx context.Context, guard string, expected []byte, keys ...string) (bool, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error

	// Name identifies the backend in logs and metrics.
	Name() string

	// Tracks reports whether the backend retains what is written to it.
	// Callers use it to tell a real cache from one that discards writes.
	Tracks() bool
}

// GetJSON reads key and decodes it into a T.
// A miss returns the zero T with found false.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, bool, error) {
	var v T

	raw, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return v, false, err
	}

	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("failed to decode cached value for %s: %w", key, err)
	}

	return v, true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON[T any](ctx context.Context, c Cache, key string, v T, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", key, err)
	}
	return c.Set(ctx, key, raw, ttl)
}

// Config configures the cache backend.
type Config struct {
	// URL is a redis:// or rediss:// connection URL. Takes precedence over Address.
	URL string

	// Address is host:port of the Redis server.
	Address string

	// Username and Password authenticate to Redis.
	Username string
	Password string

	// DB selects the Redis database.
	DB int

	// DefaultTTL applies to writes that pass a zero ttl.
	// Default: 24 hours
	DefaultTTL time.Duration

	// MaxRetries bounds retries of a retryable failure.
	// Default: 3. A negative value disables retries.
	MaxRetries int

	// RetryBaseDelay is the first backoff interval; it doubles per retry.
	// Default: 100ms
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps a single backoff interval.
	// Default: 2s
	RetryMaxDelay time.Duration

	// OperationTimeout bounds each attempt.
	// Default: 2s
	OperationTimeout time.Duration

	// PoolSize is the Redis connection pool size. Zero uses the client default.
	PoolSize int
}

// Enabled reports whether a live backend is configured.
func (c Config) Enabled() bool {
	return c.URL != "" || c.Address != ""
}

func (c *Config) applyDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 3
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 2 * time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 2 * time.Second
	}
}

// New returns a Redis backend when one is configured and a no-op backend
// otherwise.
func New(cfg Config, opts ...Option) (Cache, error) {
	if !cfg.Enabled() {
		return NewNoop(), nil
	}
	r, err := NewRedis(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return r, nil
}
