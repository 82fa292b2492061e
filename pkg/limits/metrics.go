package limits

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains Prometheus metrics for the usage service.
// A nil *Metrics records nothing.
type Metrics struct {
	// Quota checks by result (allowed, denied)
	checks *prometheus.CounterVec

	// Increments by outcome (success, exceeded, error)
	increments *prometheus.CounterVec

	// Rollbacks by outcome (success, error)
	rollbacks *prometheus.CounterVec

	// Compensating decrements after a concurrent overshoot
	overshoots prometheus.Counter

	// Decisions made without the cache, by operation and path (store, fail_open)
	degraded *prometheus.CounterVec

	// Lock key outcomes (acquired, contended, error)
	locks *prometheus.CounterVec

	// Mirror writes dropped because the queue was full
	mirrorDropped prometheus.Counter

	// Operation latency
	duration *prometheus.HistogramVec
}

// NewMetrics creates usage metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipquota_usage_checks_total",
				Help: "Total number of quota checks performed",
			},
			[]string{"result"},
		),
		increments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipquota_usage_increments_total",
				Help: "Total number of usage increments by outcome",
			},
			[]string{"outcome"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipquota_usage_rollbacks_total",
				Help: "Total number of usage rollbacks by outcome",
			},
			[]string{"outcome"},
		),
		overshoots: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ipquota_usage_overshoot_corrections_total",
				Help: "Total number of compensating decrements after concurrent overshoot",
			},
		),
		degraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipquota_usage_degraded_total",
				Help: "Total number of decisions made without the cache",
			},
			[]string{"op", "path"},
		),
		locks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipquota_usage_lock_total",
				Help: "Total number of increment lock attempts by outcome",
			},
			[]string{"outcome"},
		),
		mirrorDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ipquota_usage_mirror_dropped_total",
				Help: "Total number of durable mirror writes dropped",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ipquota_usage_operation_duration_seconds",
				Help:    "Usage operation latency in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"op"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.checks,
			m.increments,
			m.rollbacks,
			m.overshoots,
			m.degraded,
			m.locks,
			m.mirrorDropped,
			m.duration,
		)
	}

	return m
}

func (m *Metrics) recordCheck(allowed bool) {
	if m == nil {
		return
	}
	if allowed {
		m.checks.WithLabelValues("allowed").Inc()
	} else {
		m.checks.WithLabelValues("denied").Inc()
	}
}

func (m *Metrics) recordIncrement(outcome string) {
	if m == nil {
		return
	}
	m.increments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordRollback(outcome string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordOvershoot() {
	if m == nil {
		return
	}
	m.overshoots.Inc()
}

func (m *Metrics) recordDegraded(op, path string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(op, path).Inc()
}

func (m *Metrics) recordLock(outcome string) {
	if m == nil {
		return
	}
	m.locks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordMirrorDropped() {
	if m == nil {
		return
	}
	m.mirrorDropped.Inc()
}

func (m *Metrics) recordDuration(op string, start time.Time) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
