package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/audittrail/internal/platform/metrics"
	"github.com/ehr/audittrail/internal/platform/notification"
)

// MaxBatchSize bounds RecordBatch.
const MaxBatchSize = 500

// alertTimeout bounds the synchronous alert call made for critical events.
const alertTimeout = 5 * time.Second

// Recorder is the write side used by the queue, middleware and gate.
type Recorder interface {
	Record(ctx context.Context, in Input) (*Event, error)
}

// Service validates, classifies and persists audit events, and serves the
// read side through the methods in query.go and export.go.
type Service struct {
	repo      Repository
	policy    SeverityPolicy
	validate  *validator.Validate
	alerter   notification.Alerter
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
	exportMax int
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		policy:    DefaultSeverityPolicy(),
		validate:  newValidator(),
		logger:    logger.With().Str("component", "audit").Logger(),
		now:       time.Now,
		exportMax: DefaultExportMaxRows,
	}
}

// SetAlerter sets the sink for critical-event alerts.
func (s *Service) SetAlerter(a notification.Alerter) { s.alerter = a }

// SetMetrics attaches Prometheus collectors.
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetPolicy replaces the severity policy.
func (s *Service) SetPolicy(p SeverityPolicy) { s.policy = p }

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetExportMaxRows overrides the export row cap.
func (s *Service) SetExportMaxRows(n int) {
	if n > 0 {
		s.exportMax = n
	}
}

// Validate checks an input without persisting it.
func (s *Service) Validate(in Input) error {
	return validateInput(s.validate, &in)
}

// Record validates the input, assigns the server-owned fields and appends
// the event. Critical events are alerted synchronously after commit.
func (s *Service) Record(ctx context.Context, in Input) (*Event, error) {
	in.ErrorMessage = truncate(in.ErrorMessage, maxErrorMessage)
	if err := validateInput(s.validate, &in); err != nil {
		s.metrics.IncValidationRejects()
		return nil, err
	}

	e := s.build(in)
	if err := s.repo.Append(ctx, e); err != nil {
		s.metrics.IncWriteFailures()
		s.logger.Error().Err(err).
			Str("action", string(e.Action)).
			Str("user_id", e.UserID).
			Str("resource_type", string(e.ResourceType)).
			Msg("failed to persist audit event")
		return nil, &StorageError{Op: "append", Err: err}
	}
	s.metrics.IncRecorded(string(e.Severity))

	if e.Severity == SeverityCritical {
		s.alert(ctx, e)
	}
	return e, nil
}

// RecordBatch validates every input before writing any, then records them
// in order. On a storage failure it returns the events written so far.
func (s *Service) RecordBatch(ctx context.Context, ins []Input) ([]*Event, error) {
	if len(ins) == 0 {
		return nil, NewValidationError("entries", "must not be empty")
	}
	if len(ins) > MaxBatchSize {
		return nil, NewValidationError("entries", fmt.Sprintf("at most %d entries per batch", MaxBatchSize))
	}

	verr := &ValidationError{}
	for i := range ins {
		ins[i].ErrorMessage = truncate(ins[i].ErrorMessage, maxErrorMessage)
		if err := validateInput(s.validate, &ins[i]); err != nil {
			for _, fe := range err.(*ValidationError).Fields {
				verr.add(fmt.Sprintf("entries[%d].%s", i, fe.Field), fe.Reason)
			}
		}
	}
	if err := verr.orNil(); err != nil {
		s.metrics.IncValidationRejects()
		return nil, err
	}

	out := make([]*Event, 0, len(ins))
	for _, in := range ins {
		e, err := s.Record(ctx, in)
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Service) build(in Input) *Event {
	at := in.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	return &Event{
		AuditID:         uuid.New(),
		Timestamp:       at.UTC().Truncate(time.Microsecond),
		UserID:          in.UserID,
		UserRole:        in.UserRole,
		UserEmail:       in.UserEmail,
		Action:          in.Action,
		ResourceType:    in.ResourceType,
		ResourceID:      in.ResourceID,
		PatientID:       in.PatientID,
		Details:         in.Details,
		IPAddress:       in.IPAddress,
		UserAgent:       in.UserAgent,
		SessionID:       in.SessionID,
		Location:        in.Location,
		Severity:        s.policy.Classify(in.Action, in.Success),
		Success:         in.Success,
		ErrorMessage:    in.ErrorMessage,
		ResponseTime:    in.ResponseTime,
		ComplianceFlags: in.ComplianceFlags,
	}
}

func (s *Service) alert(ctx context.Context, e *Event) {
	if s.alerter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()

	a := notification.Alert{
		ID:           uuid.NewString(),
		Kind:         notification.KindCriticalEvent,
		Severity:     string(e.Severity),
		AuditID:      e.AuditID.String(),
		Action:       string(e.Action),
		UserID:       e.UserID,
		ResourceType: string(e.ResourceType),
		ResourceID:   e.ResourceID,
		Summary:      "critical audit event " + string(e.Action),
		OccurredAt:   e.Timestamp,
	}
	if err := s.alerter.Alert(ctx, a); err != nil {
		s.metrics.IncAlertFailures()
		s.logger.Error().Err(err).Str("audit_id", a.AuditID).Msg("critical event alert failed")
		return
	}
	s.metrics.IncAlertsSent()
}
