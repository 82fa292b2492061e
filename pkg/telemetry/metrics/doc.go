// Package metrics provides the process-wide Prometheus registry.
//
// # Overview
//
// The Collector owns one registry. The cache and usage packages register
// their own metrics with it through Registerer, and the collector adds:
//
//   - HTTP request counts, durations and in-flight requests
//   - Outcomes of usage-limited requests
//   - Build info and the Go runtime and process collectors
//
// # Usage
//
//	collector := metrics.NewCollector(cfg.Telemetry.Metrics, nil, version)
//	cacheMetrics := cache.NewMetrics(collector.Registerer())
//	usageMetrics := limits.NewMetrics(collector.Registerer())
//
//	mux.Handle(collector.Path(), collector.Handler())
//
// # Cardinality
//
// Route labels are capped; once the cap is reached, new paths are recorded
// under "other".
package metrics
