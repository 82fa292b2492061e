package metrics

import (
	"strconv"
	"sync"
	"time"

	"mercator-hq/ipquota/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Namespace prefixes every metric name exported by the process.
const Namespace = "ipquota"

// maxRouteLabels bounds the distinct route labels recorded before further
// paths are folded into "other".
const maxRouteLabels = 64

// Collector owns the Prometheus registry for the process. The cache and usage
// packages register their own metrics through Registerer; the collector adds
// HTTP request metrics, build info and the Go runtime collectors.
type Collector struct {
	config   config.MetricsConfig
	registry *prometheus.Registry

	requestMetrics *RequestMetrics

	cardinalityLimiter *CardinalityLimiter
}

// NewCollector creates a collector. If registry is nil a new one is created.
//
// Example:
//
//	collector := metrics.NewCollector(cfg.Telemetry.Metrics, nil, version)
//	usageMetrics := limits.NewMetrics(collector.Registerer())
func NewCollector(cfg config.MetricsConfig, registry *prometheus.Registry, version string) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if version == "" {
		version = "dev"
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   Namespace,
		Name:        "build_info",
		Help:        "Build information of the running binary",
		ConstLabels: prometheus.Labels{"version": version},
	})
	buildInfo.Set(1)
	registry.MustRegister(buildInfo)

	return &Collector{
		config:             cfg,
		registry:           registry,
		requestMetrics:     NewRequestMetrics(registry),
		cardinalityLimiter: NewCardinalityLimiter(maxRouteLabels),
	}
}

// RecordRequest records a completed HTTP request.
func (c *Collector) RecordRequest(route, method string, status int, duration time.Duration) {
	if !c.cardinalityLimiter.Allow(route) {
		route = "other"
	}
	c.requestMetrics.RecordRequest(route, method, strconv.Itoa(status), duration)
}

// RequestStarted increments the in-flight gauge and returns a func that
// decrements it.
func (c *Collector) RequestStarted() func() {
	c.requestMetrics.inFlight.Inc()
	return c.requestMetrics.inFlight.Dec
}

// RecordQuotaDecision records the outcome of a usage-limited request
// (allowed, denied, rolled_back, degraded).
func (c *Collector) RecordQuotaDecision(outcome string) {
	c.requestMetrics.decisions.WithLabelValues(outcome).Inc()
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Registerer returns the registerer other packages register metrics with.
func (c *Collector) Registerer() prometheus.Registerer {
	return c.registry
}

// Enabled reports whether the metrics endpoint should be served.
func (c *Collector) Enabled() bool {
	return c.config.Enabled
}

// Path returns the HTTP path for the metrics endpoint.
func (c *Collector) Path() string {
	if c.config.Path == "" {
		return config.DefaultPrometheusPath
	}
	return c.config.Path
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label values.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a new cardinality limiter with the specified
// maximum cardinality.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether labelSet may be recorded: it is already known or
// the limit has not been reached.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[labelSet]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	// Double-check after acquiring write lock
	if _, exists := cl.current[labelSet]; exists {
		return true
	}

	if len(cl.current) >= cl.maxCardinality {
		return false
	}

	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
