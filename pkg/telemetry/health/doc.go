// Package health provides liveness and readiness endpoints.
//
// Liveness only reports that the process is running. Readiness runs every
// registered check concurrently, each bounded by the check timeout:
//
//   - all checks pass: "ready", 200
//   - only optional checks fail: "degraded", 200
//   - a critical check fails: "unhealthy", 503
//
// The cache is registered as optional because usage decisions fall back to
// the durable store or fail open without it. The durable store is critical.
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.RegisterOptionalCheck("cache", health.PingCheck(c))
//	checker.RegisterCheck("store", health.PingCheck(store))
//	health.Register(mux, checker, cfg.Telemetry.Health, health.NewVersionInfo(version, commit, date))
package health
