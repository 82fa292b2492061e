// Package limits implements the per-IP usage quota that gates generation
// requests.
//
// # Overview
//
// Each normalized client IP may consume MaxUsage uses (3 by default) per
// window (24 hours by default). The window is anchored at the key's first
// use, so every IP has its own sliding 24-hour period rather than a shared
// daily boundary.
//
// The Service exposes three calls for the invoking handler:
//
//   - CheckQuota: read-only; reports whether a use is available
//   - IncrementUsage: consumes one use, re-validating the quota
//   - RollbackUsage: returns one use when the gated operation failed
//
// plus ResetUsage for operators.
//
// # Concurrency
//
// There is no lock around check-then-increment. The cache's atomic increment
// plus a post-increment overshoot check bound the counter: a request that
// pushes the count past the maximum is refused and its increment undone. An
// optional short-lived lock key narrows the race further; failing to take it
// never blocks the request.
//
// # Degradation
//
// When the cache is unavailable the service consults the durable store if one
// is configured, and otherwise fails open for that request. Store failures are
// reported with code DATABASE_ERROR; the caller decides whether to proceed.
// Outcomes are always result values, never panics or bare errors.
//
// # Usage
//
//	svc := limits.NewService(redisCache, limits.DefaultConfig(),
//	    limits.WithStore(storage.NewMemoryBackend()))
//
//	if q := svc.CheckQuota(ctx, ip); !q.CanUse {
//	    // 429 until q.ResetTime
//	}
//	inc := svc.IncrementUsage(ctx, ip)
//	if !inc.Success {
//	    // inc.Error.Code
//	}
//	if err := generate(); err != nil {
//	    svc.RollbackUsage(ctx, ip)
//	}
package limits
