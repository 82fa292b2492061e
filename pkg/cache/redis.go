package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

// incrWithTTL increments a counter and gives it a TTL only when it has none,
// so repeated increments never extend the original window.
var incrWithTTL = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`)

// decrFloor lowers a counter by ARGV[1] but not below zero. DECRBY keeps
// the key's TTL. Returns -1 when the key is absent.
var decrFloor = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local v = redis.call('DECRBY', KEYS[1], ARGV[1])
if v < 0 then
  redis.call('INCRBY', KEYS[1], -v)
  v = 0
end
return v
`)

// compareAndDelete deletes every key only while KEYS[1] still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('DEL', unpack(KEYS))
return 1
`)

// Option configures a backend.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *Metrics
}

// WithLogger sets the backend logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records operation metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// RedisCache implements Cache on top of go-redis.
type RedisCache struct {
	client  *redis.Client
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
}

// NewRedis connects a Redis backend. The connection is lazy; use Ping to
// verify reachability.
func NewRedis(cfg Config, opts ...Option) (*RedisCache, error) {
	cfg.applyDefaults()

	var ropts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		ropts = parsed
	} else {
		ropts = &redis.Options{
			Addr:     cfg.Address,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	// Retries are driven by our own backoff policy.
	ropts.MaxRetries = -1
	ropts.DialTimeout = cfg.OperationTimeout
	ropts.ReadTimeout = cfg.OperationTimeout
	ropts.WriteTimeout = cfg.OperationTimeout
	if cfg.PoolSize > 0 {
		ropts.PoolSize = cfg.PoolSize
	}

	return newRedisWithClient(redis.NewClient(ropts), cfg, opts...), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, cfg Config, opts ...Option) *RedisCache {
	cfg.applyDefaults()
	return newRedisWithClient(client, cfg, opts...)
}

func newRedisWithClient(client *redis.Client, cfg Config, opts ...Option) *RedisCache {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	return &RedisCache{
		client:  client,
		cfg:     cfg,
		logger:  o.logger.With("component", "cache", "backend", "redis"),
		metrics: o.metrics,
	}
}

// Name returns "redis".
func (r *RedisCache) Name() string {
	return "redis"
}

// Tracks returns true.
func (r *RedisCache) Tracks() bool {
	return true
}

// Client returns the underlying go-redis client.
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

func (r *RedisCache) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return r.cfg.DefaultTTL
	}
	return ttl
}

// do runs fn with a per-attempt timeout and bounded exponential backoff.
// Failures are returned as *UnavailableError.
func do[T any](ctx context.Context, r *RedisCache, op, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.RetryBaseDelay
	eb.MaxInterval = r.cfg.RetryMaxDelay
	eb.Multiplier = 2

	attempt := 0
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, r.cfg.OperationTimeout)
		defer cancel()

		v, err := fn(actx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(r.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.metrics.observeRetry(op)
			r.logger.Debug("retrying cache operation",
				"op", op,
				"attempt", attempt,
				"next_delay", next,
				"error", err,
			)
		}),
	)

	if err != nil {
		r.metrics.observe(op, "error", time.Since(start))
		r.logger.Warn("cache operation failed",
			"op", op,
			"attempts", attempt,
			"error", err,
		)
		var zero T
		return zero, &UnavailableError{Op: op, Key: key, Err: err}
	}

	r.metrics.observe(op, "ok", time.Since(start))
	return result, nil
}

// retryable reports whether err may succeed on another attempt.
// Server replies and a closed client are final.
func retryable(err error) bool {
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, context.Canceled) {
		return false
	}
	var rerr redis.Error
	return !errors.As(err, &rerr)
}

// Get returns the value for key.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	type hit struct {
		value []byte
		found bool
	}

	h, err := do(ctx, r, "get", key, func(ctx context.Context) (hit, error) {
		v, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return hit{}, nil
		}
		if err != nil {
			return hit{}, err
		}
		return hit{value: v, found: true}, nil
	})
	if err != nil {
		return nil, false, err
	}

	r.metrics.observeLookup(h.found)
	return h.value, h.found, nil
}

// Set stores value with ttl.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := do(ctx, r, "set", key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.client.Set(ctx, key, value, r.ttl(ttl)).Err()
	})
	return err
}

// SetNX stores value only if key is absent.
func (r *RedisCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return do(ctx, r, "setnx", key, func(ctx context.Context) (bool, error) {
		return r.client.SetNX(ctx, key, value, r.ttl(ttl)).Result()
	})
}

// Incr adds one to the counter at key.
func (r *RedisCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return r.IncrBy(ctx, key, 1, ttl)
}

// IncrBy adds delta to the counter at key.
func (r *RedisCache) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ttlMS := r.ttl(ttl).Milliseconds()
	return do(ctx, r, "incrby", key, func(ctx context.Context) (int64, error) {
		return incrWithTTL.Run(ctx, r.client, []string{key}, delta, ttlMS).Int64()
	})
}

// DecrFloor subtracts delta from the counter at key, floored at zero.
func (r *RedisCache) DecrFloor(ctx context.Context, key string, delta int64) (int64, bool, error) {
	v, err := do(ctx, r, "decrfloor", key, func(ctx context.Context) (int64, error) {
		return decrFloor.Run(ctx, r.client, []string{key}, delta).Int64()
	})
	if err != nil {
		return 0, false, err
	}
	if v < 0 {
		return 0, false, nil
	}
	return v, true, nil
}

// Expire sets the TTL of key.
func (r *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := do(ctx, r, "expire", key, func(ctx context.Context) (bool, error) {
		return r.client.PExpire(ctx, key, r.ttl(ttl)).Result()
	})
	return err
}

// TTL returns the remaining lifetime of key.
func (r *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := do(ctx, r, "pttl", key, func(ctx context.Context) (time.Duration, error) {
		return r.client.PTTL(ctx, key).Result()
	})
	if err != nil || d < 0 {
		// Negative replies mean missing or persistent.
		return 0, err
	}
	return d, nil
}

// Exists reports whether key is present.
func (r *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := do(ctx, r, "exists", key, func(ctx context.Context) (int64, error) {
		return r.client.Exists(ctx, key).Result()
	})
	return n > 0, err
}

// MGet returns values for keys in order.
func (r *RedisCache) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	raw, err := do(ctx, r, "mget", keys[0], func(ctx context.Context) ([]interface{}, error) {
		return r.client.MGet(ctx, keys...).Result()
	})
	if err != nil {
		return nil, err
	}

	values := make([][]byte, len(raw))
	for i, v := range raw {
		if s, ok := v.(string); ok {
			values[i] = []byte(s)
		}
	}
	return values, nil
}

// MSet stores all entries with the same ttl in one transaction.
func (r *RedisCache) MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}

	ttl = r.ttl(ttl)
	_, err := do(ctx, r, "mset", "", func(ctx context.Context) ([]redis.Cmder, error) {
		return r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for k, v := range entries {
				pipe.Set(ctx, k, v, ttl)
			}
			return nil
		})
	})
	return err
}

// Del removes keys.
func (r *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	_, err := do(ctx, r, "del", keys[0], func(ctx context.Context) (int64, error) {
		return r.client.Del(ctx, keys...).Result()
	})
	return err
}

// CompareAndDelete removes guard and keys while guard holds expected.
func (r *RedisCache) CompareAndDelete(ctx context.Context, guard string, expected []byte, keys ...string) (bool, error) {
	all := append([]string{guard}, keys...)
	n, err := do(ctx, r, "cad", guard, func(ctx context.Context) (int64, error) {
		return compareAndDelete.Run(ctx, r.client, all, expected).Int64()
	})
	return n == 1, err
}

// Ping checks connectivity.
func (r *RedisCache) Ping(ctx context.Context) error {
	_, err := do(ctx, r, "ping", "", func(ctx context.Context) (string, error) {
		return r.client.Ping(ctx).Result()
	})
	return err
}

// Close closes the client.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
