package middleware

import (
	"net/http"
	"time"

	"mercator-hq/ipquota/pkg/telemetry/metrics"
)

// MetricsMiddleware records request count, latency and in-flight requests.
// Routes are labelled by URL path; the collector caps distinct paths.
func MetricsMiddleware(collector *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			done := collector.RequestStarted()
			defer done()

			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			collector.RecordRequest(r.URL.Path, r.Method, rw.statusCode, time.Since(start))
		})
	}
}
