// Package metrics exposes coordinator and push-channel counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"podium/pkg/types"
)

// Operation outcomes
const (
	OutcomeOK          = "ok"
	OutcomeDomainError = "domain_error"
	OutcomeInfraError  = "infra_error"
)

// Metrics holds the collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	operations     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	storageRetries *prometheus.CounterVec
	lockWait       prometheus.Histogram
	openSessions   prometheus.Gauge
	connections    prometheus.Gauge
	eventsDropped  prometheus.Counter
}

// New creates and registers every collector under the given namespace
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Coordinator operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Coordinator operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		storageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_retries_total",
			Help:      "Store calls retried after a transient failure.",
		}, []string{"operation"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_lock_wait_seconds",
			Help:      "Time spent waiting for a session's exclusive section.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Sessions currently open.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_connections",
			Help:      "Connected push-channel clients.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events not delivered because the hub queue was full.",
		}),
	}

	m.registry.MustRegister(
		m.operations,
		m.latency,
		m.storageRetries,
		m.lockWait,
		m.openSessions,
		m.connections,
		m.eventsDropped,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveOperation records the outcome and latency of one coordinator call
func (m *Metrics) ObserveOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, Outcome(err)).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// StorageRetry counts one retried store call
func (m *Metrics) StorageRetry(operation string) {
	if m == nil {
		return
	}
	m.storageRetries.WithLabelValues(operation).Inc()
}

// LockWait records how long a caller queued for a session section
func (m *Metrics) LockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// SetOpenSessions sets the open session gauge
func (m *Metrics) SetOpenSessions(n int) {
	if m == nil {
		return
	}
	m.openSessions.Set(float64(n))
}

// ConnectionOpened increments the push connection gauge
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed decrements the push connection gauge
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// EventDropped counts an event the hub could not queue
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// Outcome classifies an operation error
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case types.IsDomainError(err):
		return OutcomeDomainError
	default:
		return OutcomeInfraError
	}
}
