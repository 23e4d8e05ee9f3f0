// Package metrics exposes Prometheus instrumentation for the HTTP layer and
// the marketplace saga engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	inFlight      prometheus.Gauge
	sagaCommitted *prometheus.CounterVec
	sagaRejected  *prometheus.CounterVec
	sagaRolledBck *prometheus.CounterVec
	compFailures  *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// New creates a metrics bundle with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "market_http_request_duration_seconds",
			Help:    "HTTP request duration by route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "market_http_in_flight_requests",
			Help: "Requests currently being served.",
		}),
		sagaCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_saga_committed_total",
			Help: "Sagas that committed, by flow.",
		}, []string{"flow"}),
		sagaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_saga_rejected_total",
			Help: "Sagas rejected during validation, by flow.",
		}, []string{"flow"}),
		sagaRolledBck: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_saga_rolled_back_total",
			Help: "Sagas that failed mutation and were compensated, by flow.",
		}, []string{"flow"}),
		compFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_saga_compensation_failures_total",
			Help: "Compensating actions that themselves failed, by flow and step.",
		}, []string{"flow", "step"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_notifications_total",
			Help: "Notification dispatch attempts by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.httpRequests, m.httpDuration, m.inFlight,
		m.sagaCommitted, m.sagaRejected, m.sagaRolledBck,
		m.compFailures, m.notifications,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncrementInFlight marks a request as started.
func (m *Metrics) IncrementInFlight() { m.inFlight.Inc() }

// DecrementInFlight marks a request as finished.
func (m *Metrics) DecrementInFlight() { m.inFlight.Dec() }

// RecordHTTPRequest records one completed request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SagaCommitted records a committed saga.
func (m *Metrics) SagaCommitted(flow string) { m.sagaCommitted.WithLabelValues(flow).Inc() }

// SagaRejected records a validation rejection.
func (m *Metrics) SagaRejected(flow string) { m.sagaRejected.WithLabelValues(flow).Inc() }

// SagaRolledBack records a mutation failure that triggered compensation.
func (m *Metrics) SagaRolledBack(flow string) { m.sagaRolledBck.WithLabelValues(flow).Inc() }

// CompensationFailure records a compensating action that failed.
func (m *Metrics) CompensationFailure(flow, step string) {
	m.compFailures.WithLabelValues(flow, step).Inc()
}

// NotificationResult records a dispatch attempt outcome ("ok" or "fail").
func (m *Metrics) NotificationResult(result string) {
	m.notifications.WithLabelValues(result).Inc()
}
