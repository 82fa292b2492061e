package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks cache operations.
//
// Metrics:
//   - ipquota_cache_operations_total: operations by op and result (ok, error)
//   - ipquota_cache_retries_total: retried attempts by op
//   - ipquota_cache_operation_duration_seconds: latency including retries
//   - ipquota_cache_lookups_total: Get results by outcome (hit, miss)
//
// A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	retries    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	lookups    *prometheus.CounterVec
}

// NewMetrics creates cache metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ipquota",
				Subsystem: "cache",
				Name:      "operations_total",
				Help:      "Total number of cache operations",
			},
			[]string{"op", "result"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ipquota",
				Subsystem: "cache",
				Name:      "retries_total",
				Help:      "Total number of retried cache attempts",
			},
			[]string{"op"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ipquota",
				Subsystem: "cache",
				Name:      "operation_duration_seconds",
				Help:      "Cache operation latency including retries",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"op"},
		),
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ipquota",
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Total number of cache lookups by outcome",
			},
			[]string{"outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.operations, m.retries, m.duration, m.lookups)
	}

	return m
}

func (m *Metrics) observe(op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) observeRetry(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) observeLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.lookups.WithLabelValues("hit").Inc()
	} else {
		m.lookups.WithLabelValues("miss").Inc()
	}
}
