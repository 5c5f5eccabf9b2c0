// Package metrics exposes Prometheus metrics for application runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Option applies a configuration option to the Manager.
type Option func(*Manager)

func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.buckets = buckets
		}
	}
}

// WithRegistry registers the metrics on reg instead of the package registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(m *Manager) {
		if reg != nil {
			m.registry = reg
		}
	}
}

type Manager struct {
	namespace string
	buckets   []float64
	registry  *prometheus.Registry

	attempts        *prometheus.CounterVec
	retries         *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	portalBlocked   *prometheus.CounterVec
	discoveryErrors *prometheus.CounterVec
	inFlight        prometheus.Gauge
	runs            *prometheus.CounterVec
}

var defaultManager = NewManager()

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "jobapply",
		buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.init()
	return m
}

func (m *Manager) init() {
	auto := promauto.With(m.registry)

	m.attempts = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "attempts_total",
		Help:      "Application attempts by portal and terminal outcome.",
	}, []string{"portal", "outcome"})

	m.retries = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "retries_total",
		Help:      "Retries consumed by operation (inspect, submit, ledger).",
	}, []string{"op"})

	m.attemptDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "attempt_duration_seconds",
		Help:      "Wall time from discovery to terminal state.",
		Buckets:   m.buckets,
	}, []string{"portal"})

	m.portalBlocked = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "portal_blocked_total",
		Help:      "Times a portal answered with a block or challenge page.",
	}, []string{"portal"})

	m.discoveryErrors = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "discovery_errors_total",
		Help:      "Discovery errors by portal.",
	}, []string{"portal"})

	m.inFlight = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "in_flight_attempts",
		Help:      "Attempts currently admitted by the orchestrator.",
	})

	m.runs = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "runs_total",
		Help:      "Completed runs by result (ok, cancelled, error).",
	}, []string{"result"})
}

func (m *Manager) Registry() *prometheus.Registry { return m.registry }

func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Manager) RecordAttempt(portal, outcome string, seconds float64) {
	m.attempts.WithLabelValues(portal, outcome).Inc()
	m.attemptDuration.WithLabelValues(portal).Observe(seconds)
}

func (m *Manager) RecordRetries(op string, n int) {
	if n > 0 {
		m.retries.WithLabelValues(op).Add(float64(n))
	}
}

func (m *Manager) RecordPortalBlocked(portal string) { m.portalBlocked.WithLabelValues(portal).Inc() }

func (m *Manager) RecordDiscoveryError(portal string) {
	m.discoveryErrors.WithLabelValues(portal).Inc()
}

func (m *Manager) AddInFlight(delta float64) { m.inFlight.Add(delta) }

func (m *Manager) RecordRun(result string) { m.runs.WithLabelValues(result).Inc() }

// Package-level helpers record on the default manager.

func Default() *Manager { return defaultManager }

func Handler() http.Handler { return defaultManager.Handler() }

func RecordAttempt(portal, outcome string, seconds float64) {
	defaultManager.RecordAttempt(portal, outcome, seconds)
}

func RecordRetries(op string, n int)     { defaultManager.RecordRetries(op, n) }
func RecordPortalBlocked(portal string)  { defaultManager.RecordPortalBlocked(portal) }
func RecordDiscoveryError(portal string) { defaultManager.RecordDiscoveryError(portal) }
func AddInFlight(delta float64)          { defaultManager.AddInFlight(delta) }
func RecordRun(result string)            { defaultManager.RecordRun(result) }
