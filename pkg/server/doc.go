// Package server provides the HTTP front end of the usage quota.
//
// Every generate request is gated by the per-client quota: the server
// checks the quota, consumes one use, calls the generator, and returns the
// use if the generator fails. Rejected requests get 429 with Retry-After and
// X-RateLimit-* headers.
//
// # Routes
//
//	POST /v1/generate   quota-gated generation ({"prompt": "..."})
//	GET  /v1/usage      caller's current quota
//	GET  /health        liveness
//	GET  /ready         readiness (cache and durable store checks)
//	GET  /version       build information
//	GET  /metrics       Prometheus metrics, when enabled
//
// # Basic Usage
//
//	srv, err := server.NewServer(cfg, server.Deps{
//	    Usage:     usage,
//	    Resolver:  resolver,
//	    Generator: generator.NewEcho(),
//	    Collector: collector,
//	    Checker:   checker,
//	})
//	if err != nil {
//	    return err
//	}
//	return srv.Start(ctx)
//
// Start blocks until ctx is cancelled or Stop is called, then shuts down
// gracefully within server.shutdown_timeout.
//
// # Degraded Operation
//
// When the cache is unreachable the usage service falls back to the durable
// store. If the store also fails the request proceeds when usage.fail_open
// is true (the default) and is rejected with 503 DATABASE_ERROR otherwise.
package server
