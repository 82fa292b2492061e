// Package storage provides durable backends for per-IP usage records.
//
// # Overview
//
// The cache is the primary home of usage counters. A storage backend is the
// slower fallback consulted when the cache reports itself unavailable, and the
// target of the asynchronous mirror the usage service keeps while the cache is
// healthy. Two implementations are provided:
//
//   - Memory: in-process map (default, no persistence)
//   - SQLite: file-based persistence using either the pure Go driver
//     (modernc.org/sqlite, driver name "sqlite") or the cgo driver
//     (github.com/mattn/go-sqlite3, driver name "sqlite3")
//
// # Usage
//
//	backend := storage.NewMemoryBackend()
//
//	// Check-and-increment under a quota of 3 per 24h window
//	rec, ok, err := backend.Increment(ctx, "203.0.113.5", 3, 24*time.Hour, time.Now())
//
//	// Undo a consumed use (floored at zero)
//	rec, err = backend.Decrement(ctx, "203.0.113.5", time.Now())
//
// # Thread Safety
//
// All backends are safe for concurrent use. Increment and Decrement are
// atomic with respect to other calls on the same backend.
package storage
