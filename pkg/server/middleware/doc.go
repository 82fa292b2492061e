// Package middleware provides HTTP middleware for cross-cutting concerns.
//
// # Middleware Chain
//
// The server chains middleware in this order, outermost first:
//
//	Recovery, RequestID, ClientIP, Logging, Metrics, Tracing, Timeout
//
// RequestID and ClientIP store values in the context that the logger picks
// up, so both must run outside Logging.
//
// # Middleware Types
//
// Request tracking:
//   - RequestIDMiddleware: keep or generate X-Request-ID (UUID v4)
//   - ClientIPMiddleware: resolve the client address once per request
//   - LoggingMiddleware: log method, path, status and latency
//   - MetricsMiddleware: record request metrics
//
// Resilience:
//   - RecoveryMiddleware: recover from panics, return 500
//   - TimeoutMiddleware: bound the request context
package middleware
