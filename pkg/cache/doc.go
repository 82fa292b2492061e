// Package cache provides the small key-value contract the usage limiter is
// built on, with a Redis backend and a no-op backend.
//
// Every backend failure surfaces as an *UnavailableError, which matches
// ErrUnavailable under errors.Is. Callers branch on that one signal to fall
// back or fail open; they never need to interpret transport errors.
//
//	c, err := cache.New(cache.Config{Address: "localhost:6379"})
//	n, err := c.IncrBy(ctx, "usage:203.0.113.5", 1, 24*time.Hour)
//	if errors.Is(err, cache.ErrUnavailable) {
//	    // degrade
//	}
//
// The Redis backend retries retryable failures with bounded exponential
// backoff, bounds every attempt with a timeout, and never writes a key
// without a TTL.
package cache
