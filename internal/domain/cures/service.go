package cures

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/audittrail/internal/domain/audit"
	"github.com/ehr/audittrail/internal/platform/metrics"
	"github.com/ehr/audittrail/internal/platform/notification"
)

const (
	maxPatientID  = 128
	maxMedication = 128
	auditTimeout  = 5 * time.Second
	alertTimeout  = 5 * time.Second

	reasonRegistryDown = "CURES registry unavailable"
	reasonAuditFailed  = "CURES access could not be audited"
)

// Service is the controlled-substance gate. Every Check emits exactly one
// audit event before it returns.
type Service struct {
	registry Registry
	cache    Cache
	recorder audit.Recorder
	metrics  *metrics.Metrics
	alerter  notification.Alerter
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(registry Registry, cache Cache, recorder audit.Recorder, logger zerolog.Logger) *Service {
	if cache == nil {
		cache = NewMemoryCache(DefaultCacheTTL)
	}
	return &Service{
		registry: registry,
		cache:    cache,
		recorder: recorder,
		logger:   logger.With().Str("component", "cures").Logger(),
		now:      time.Now,
	}
}

// SetMetrics attaches Prometheus collectors.
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// SetAlerter sets the sink notified when a prescription is blocked on red
// flags.
func (s *Service) SetAlerter(a notification.Alerter) { s.alerter = a }

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func validateRequest(req Request) error {
	verr := &audit.ValidationError{}
	switch {
	case req.PatientID == "":
		verr.Fields = append(verr.Fields, audit.FieldError{Field: "patientId", Reason: "is required"})
	case len(req.PatientID) > maxPatientID:
		verr.Fields = append(verr.Fields, audit.FieldError{Field: "patientId", Reason: fmt.Sprintf("must be at most %d long", maxPatientID)})
	}
	switch {
	case req.Medication == "":
		verr.Fields = append(verr.Fields, audit.FieldError{Field: "medication", Reason: "is required"})
	case len(req.Medication) > maxMedication:
		verr.Fields = append(verr.Fields, audit.FieldError{Field: "medication", Reason: fmt.Sprintf("must be at most %d long", maxMedication)})
	}
	if req.Quantity < 0 {
		verr.Fields = append(verr.Fields, audit.FieldError{Field: "quantity", Reason: "must be at least 0"})
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// Check decides whether the prescription in req may proceed.
//
// Non-controlled medications are approved without a registry query. For
// controlled ones a cached answer is reused, otherwise the registry is
// queried. A registry failure returns a BLOCKED result together with a
// *RegistryError. If the audit event cannot be written the result is BLOCKED
// and the write error is returned.
func (s *Service) Check(ctx context.Context, actor audit.Actor, req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	res := &Result{
		CheckID:    uuid.NewString(),
		State:      StatePending,
		PatientID:  req.PatientID,
		Medication: req.Medication,
		RedFlags:   make([]RedFlag, 0),
		CheckedAt:  s.now().UTC(),
	}

	schedule, controlled := IsControlledSubstance(req.Medication)
	if !controlled {
		res.State = StateApproved
		return s.finish(ctx, actor, res, AccessNotControlled)
	}
	res.Schedule = schedule
	res.CURESCheckRequired = true

	key := CacheKey(req.PatientID, req.Medication)
	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cures cache read failed")
	}
	if ok {
		cached.Cached = true
		return s.finish(ctx, actor, cached, AccessCacheHit)
	}

	h, err := s.registry.Query(ctx, req.PatientID, req.Medication)
	if err != nil {
		return s.fail(ctx, actor, res, err)
	}

	flags, warning, docs := Evaluate(h)
	res.RedFlags = flags
	res.MMEWarning = warning
	res.RequiredDocumentation = docs
	res.DailyMME = h.DailyMME
	if h.CheckID != "" {
		res.CheckID = h.CheckID
	}
	res.State = Decide(flags, warning)
	if res.State == StateBlocked {
		block(res, criticalFlagSummary(flags))
	}

	out, err := s.finish(ctx, actor, res, AccessQueryPerformed)
	if err != nil {
		return out, err
	}
	if err := s.cache.Set(ctx, key, res); err != nil {
		s.logger.Warn().Err(err).Msg("cures cache write failed")
	}
	return out, nil
}

// finish records the CURES_ACCESS event. The check fails closed when the
// event cannot be written.
func (s *Service) finish(ctx context.Context, actor audit.Actor, res *Result, accessType string) (*Result, error) {
	in := s.event(actor, res, accessType)
	e, err := s.record(ctx, in)
	if err != nil {
		s.metrics.IncRegistryChecks("audit_failed")
		blocked := res.clone()
		block(blocked, reasonAuditFailed)
		return blocked, fmt.Errorf("record cures access: %w", err)
	}
	s.metrics.IncRegistryChecks(outcomeLabel(accessType, res.State))
	if res.State == StateBlocked {
		s.alertBlocked(ctx, actor, res, e)
	}
	return res, nil
}

// alertBlocked notifies operators of a prescription blocked on red flags.
// Delivery failures are logged and never change the result.
func (s *Service) alertBlocked(ctx context.Context, actor audit.Actor, res *Result, e *audit.Event) {
	if s.alerter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()

	a := notification.Alert{
		ID:           uuid.NewString(),
		Kind:         notification.KindCURESBlocked,
		Severity:     string(audit.SeverityCritical),
		Action:       string(audit.ActionCURESAccess),
		UserID:       actor.UserID,
		ResourceType: string(audit.ResourcePrescription),
		ResourceID:   res.CheckID,
		Summary:      "controlled substance prescription blocked: " + blockedFlagTypes(res.RedFlags),
		OccurredAt:   res.CheckedAt,
	}
	if e != nil {
		a.AuditID = e.AuditID.String()
	}
	if err := s.alerter.Alert(ctx, a); err != nil {
		s.logger.Error().Err(err).
			Str("check_id", res.CheckID).
			Str("user_id", actor.UserID).
			Msg("cures blocked alert failed")
	}
}

func block(res *Result, reason string) {
	res.State = StateBlocked
	res.BlockReason = reason
	res.RequiresSupervisorOverride = true
}

// criticalFlagSummary joins the descriptions of the critical flags.
func criticalFlagSummary(flags []RedFlag) string {
	parts := make([]string, 0, len(flags))
	for _, f := range flags {
		if f.Severity == audit.SeverityCritical {
			parts = append(parts, f.Description)
		}
	}
	return strings.Join(parts, "; ")
}

// blockedFlagTypes lists the critical flag types. Alerts carry these rather
// than descriptions, which may hold clinical detail.
func blockedFlagTypes(flags []RedFlag) string {
	types := make([]string, 0, len(flags))
	for _, f := range flags {
		if f.Severity == audit.SeverityCritical {
			types = append(types, f.Type)
		}
	}
	return strings.Join(types, ",")
}

// fail records CURES_CHECK_FAILED and returns a BLOCKED result.
func (s *Service) fail(ctx context.Context, actor audit.Actor, res *Result, cause error) (*Result, error) {
	var rerr *RegistryError
	if !errors.As(cause, &rerr) {
		rerr = &RegistryError{Op: "query", Err: cause}
	}
	block(res, reasonRegistryDown)

	in := s.event(actor, res, AccessQueryPerformed)
	in.Action = audit.ActionCURESCheckFailed
	in.Success = false
	in.ErrorMessage = rerr.Error()
	if _, err := s.record(ctx, in); err != nil {
		s.logger.Error().Err(err).
			Str("check_id", res.CheckID).
			Str("user_id", actor.UserID).
			Msg("failed to record cures check failure")
	}
	s.metrics.IncRegistryChecks("registry_error")
	s.logger.Error().Err(rerr).
		Str("check_id", res.CheckID).
		Str("user_id", actor.UserID).
		Msg("cures registry unavailable, prescription blocked")
	return res, rerr
}

func (s *Service) event(actor audit.Actor, res *Result, accessType string) audit.Input {
	return audit.Input{
		Actor:        actor,
		Action:       audit.ActionCURESAccess,
		ResourceType: audit.ResourcePrescription,
		ResourceID:   res.CheckID,
		PatientID:    res.PatientID,
		Details: audit.Details{
			AccessType: accessType,
			Medication: res.Medication,
			CheckID:    res.CheckID,
			Outcome:    string(res.State),
		},
		Success:         true,
		ComplianceFlags: audit.ComplianceFlags{HIPAARelevant: true},
	}
}

func (s *Service) record(ctx context.Context, in audit.Input) (*audit.Event, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	return s.recorder.Record(ctx, in)
}

func outcomeLabel(accessType string, st State) string {
	switch accessType {
	case AccessNotControlled:
		return "not_controlled"
	case AccessCacheHit:
		return "cache_hit"
	}
	switch st {
	case StateBlocked:
		return "blocked"
	case StateApprovedWithWarnings:
		return "warnings"
	}
	return "approved"
}
