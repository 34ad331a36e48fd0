// Package metrics holds the Prometheus collectors for the audit pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	EventsRecorded      *prometheus.CounterVec
	WriteFailures       prometheus.Counter
	ValidationRejects   prometheus.Counter
	DeadLetters         prometheus.Counter
	WriteRetries        prometheus.Counter
	QueueDepth          prometheus.Gauge
	QueueFallbacks      prometheus.Counter
	AlertsSent          prometheus.Counter
	AlertFailures       prometheus.Counter
	AnomaliesDetected   *prometheus.CounterVec
	RegistryChecks      *prometheus.CounterVec
	CircuitBreakerState prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers every collector with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_recorded_total",
			Help: "Audit events persisted, by severity",
		}, []string{"severity"}),
		WriteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Audit event persistence failures",
		}),
		ValidationRejects: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_validation_rejects_total",
			Help: "Audit inputs rejected by validation",
		}),
		DeadLetters: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_dead_letter_total",
			Help: "Queued audit writes abandoned after exhausting retries",
		}),
		WriteRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_write_retries_total",
			Help: "Queued audit write retry attempts",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Audit writes waiting in the background queue",
		}),
		QueueFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_queue_fallback_total",
			Help: "Audit writes performed synchronously because the queue was full or stopped",
		}),
		AlertsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_alerts_sent_total",
			Help: "Alerts dispatched for critical events and anomalies",
		}),
		AlertFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_alert_failures_total",
			Help: "Alert dispatch failures",
		}),
		AnomaliesDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_anomalies_detected_total",
			Help: "Anomalies found by the periodic scanner, by type",
		}, []string{"type"}),
		RegistryChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cures_checks_total",
			Help: "Controlled-substance checks, by outcome",
		}, []string{"outcome"}),
		CircuitBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "cures_registry_circuit_open",
			Help: "Registry circuit breaker state (0=closed, 1=open or half-open)",
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) IncRecorded(severity string) {
	if m != nil {
		m.EventsRecorded.WithLabelValues(severity).Inc()
	}
}

func (m *Metrics) IncWriteFailures() {
	if m != nil {
		m.WriteFailures.Inc()
	}
}

func (m *Metrics) IncValidationRejects() {
	if m != nil {
		m.ValidationRejects.Inc()
	}
}

func (m *Metrics) IncDeadLetters() {
	if m != nil {
		m.DeadLetters.Inc()
	}
}

func (m *Metrics) IncWriteRetries() {
	if m != nil {
		m.WriteRetries.Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) IncQueueFallbacks() {
	if m != nil {
		m.QueueFallbacks.Inc()
	}
}

func (m *Metrics) IncAlertsSent() {
	if m != nil {
		m.AlertsSent.Inc()
	}
}

func (m *Metrics) IncAlertFailures() {
	if m != nil {
		m.AlertFailures.Inc()
	}
}

func (m *Metrics) IncAnomalies(kind string) {
	if m != nil {
		m.AnomaliesDetected.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncRegistryChecks(outcome string) {
	if m != nil {
		m.RegistryChecks.WithLabelValues(outcome).Inc()
	}
}

// SetCircuitBreakerState sets the breaker gauge.
func (m *Metrics) SetCircuitBreakerState(open bool) {
	if m == nil {
		return
	}
	if open {
		m.CircuitBreakerState.Set(1)
	} else {
		m.CircuitBreakerState.Set(0)
	}
}
