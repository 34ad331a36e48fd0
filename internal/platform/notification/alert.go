// Package notification dispatches alerts for critical audit events and
// detected anomalies to operators: the operational log, a signed webhook,
// or a Kafka topic.
package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AlertKind distinguishes alert sources.
type AlertKind string

const (
	KindCriticalEvent AlertKind = "critical_audit_event"
	KindAnomaly       AlertKind = "anomaly"
	KindCURESBlocked  AlertKind = "cures_blocked"
)

// Alert is the payload delivered to every sink. It never carries clinical
// content, only identifiers.
type Alert struct {
	ID           string    `json:"id"`
	Kind         AlertKind `json:"kind"`
	Severity     string    `json:"severity"`
	AuditID      string    `json:"auditId,omitempty"`
	Action       string    `json:"action,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	ResourceType string    `json:"resourceType,omitempty"`
	ResourceID   string    `json:"resourceId,omitempty"`
	AnomalyType  string    `json:"anomalyType,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Alerter delivers one alert.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// AlerterFunc adapts a function to the Alerter interface.
type AlerterFunc func(ctx context.Context, a Alert) error

func (f AlerterFunc) Alert(ctx context.Context, a Alert) error { return f(ctx, a) }

// Multi fans an alert out to every sink and joins their errors. A failing
// sink does not stop delivery to the others.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogAlerter writes alerts to the operational logger. It is always part of
// the sink set.
type LogAlerter struct {
	logger zerolog.Logger
}

func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (l *LogAlerter) Alert(_ context.Context, a Alert) error {
	l.logger.Warn().
		Str("alert_id", a.ID).
		Str("kind", string(a.Kind)).
		Str("severity", a.Severity).
		Str("audit_id", a.AuditID).
		Str("action", a.Action).
		Str("user_id", a.UserID).
		Str("anomaly_type", a.AnomalyType).
		Time("occurred_at", a.OccurredAt).
		Msg(a.Summary)
	return nil
}

// MockAlerter records alerts in memory. Err, when set, is returned from
// every call after recording.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []Alert
	Err    error
}

func (m *MockAlerter) Alert(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return m.Err
}

// Alerts returns a copy of the recorded alerts.
func (m *MockAlerter) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}
