package cache

import (
	"context"
	"time"
)

// NoopCache is used when no cache is configured. Reads always miss and
// writes are discarded, so callers run in fail-open mode without checking
// whether a cache exists.
type NoopCache struct{}

// NewNoop returns a no-op backend.
func NewNoop() *NoopCache {
	return &NoopCache{}
}

// Name returns "noop".
func (NoopCache) Name() string { return "noop" }

// Tracks returns false; nothing written is kept.
func (NoopCache) Tracks() bool { return false }

// Get always misses.
func (NoopCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

// Set discards the value.
func (NoopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }

// SetNX never acquires.
func (NoopCache) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, nil
}

// Incr returns 0.
func (NoopCache) Incr(context.Context, string, time.Duration) (int64, error) { return 0, nil }

// IncrBy returns 0.
func (NoopCache) IncrBy(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, nil
}

// DecrFloor finds nothing.
func (NoopCache) DecrFloor(context.Context, string, int64) (int64, bool, error) {
	return 0, false, nil
}

// Expire does nothing.
func (NoopCache) Expire(context.Context, string, time.Duration) error { return nil }

// TTL is always zero.
func (NoopCache) TTL(context.Context, string) (time.Duration, error) { return 0, nil }

// Exists is always false.
func (NoopCache) Exists(context.Context, string) (bool, error) { return false, nil }

// MGet returns a miss for every key.
func (NoopCache) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	return make([][]byte, len(keys)), nil
}

// MSet discards the entries.
func (NoopCache) MSet(context.Context, map[string][]byte, time.Duration) error { return nil }

// Del does nothing.
func (NoopCache) Del(context.Context, ...string) error { return nil }

// CompareAndDelete never matches.
func (NoopCache) CompareAndDelete(context.Context, string, []byte, ...string) (bool, error) {
	return false, nil
}

// Ping always succeeds.
func (NoopCache) Ping(context.Context) error { return nil }

// Close does nothing.
func (NoopCache) Close() error { return nil }
