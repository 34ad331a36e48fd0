package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/audittrail/internal/platform/notification"
)

// -- Test helpers --

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// testClock is a settable time source shared by a service and detector.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// flakyRepo wraps a MemoryRepository. It fails the first failAppends
// appends, every append after failAfter successful ones, or every append
// when failAll is set.
type flakyRepo struct {
	*MemoryRepository
	mu          sync.Mutex
	failAppends int
	failAfter   int
	failAll     bool
	findErr     error
	appendCalls int
}

func newFlakyRepo() *flakyRepo {
	return &flakyRepo{MemoryRepository: NewMemoryRepository()}
}

func (r *flakyRepo) Append(ctx context.Context, e *Event) error {
	r.mu.Lock()
	r.appendCalls++
	fail := r.failAll || r.failAppends > 0 || (r.failAfter > 0 && r.appendCalls > r.failAfter)
	if r.failAppends > 0 {
		r.failAppends--
	}
	r.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return r.MemoryRepository.Append(ctx, e)
}

func (r *flakyRepo) Find(ctx context.Context, f Filter, p Page) ([]*Event, int, error) {
	if r.findErr != nil {
		return nil, 0, r.findErr
	}
	return r.MemoryRepository.Find(ctx, f, p)
}

func (r *flakyRepo) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendCalls
}

func newTestService(repo Repository, clock *testClock) *Service {
	svc := NewService(repo, zerolog.Nop())
	if clock != nil {
		svc.SetClock(clock.Now)
	}
	return svc
}

func validInput() Input {
	return Input{
		Actor: Actor{
			UserID:    "doc-1",
			UserRole:  RoleDoctor,
			UserEmail: "doc@example.org",
			IPAddress: "10.0.0.1",
			UserAgent: "test-agent",
		},
		Action:       ActionViewPHI,
		ResourceType: ResourcePatientRecord,
		ResourceID:   "rec-1",
		PatientID:    "pat-1",
		Success:      true,
	}
}

func mustRecord(t *testing.T, svc *Service, in Input) *Event {
	t.Helper()
	e, err := svc.Record(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return e
}

func fieldNames(err error) []string {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		return nil
	}
	out := make([]string, len(verr.Fields))
	for i, f := range verr.Fields {
		out[i] = f.Field
	}
	return out
}

func hasField(err error, name string) bool {
	for _, f := range fieldNames(err) {
		if f == name {
			return true
		}
	}
	return false
}

// -- Record --

func TestRecord_AssignsServerFields(t *testing.T) {
	clock := newTestClock(baseTime)
	repo := NewMemoryRepository()
	svc := newTestService(repo, clock)

	e := mustRecord(t, svc, validInput())
	if e.AuditID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("expected audit id to be assigned")
	}
	if !e.Timestamp.Equal(baseTime) {
		t.Errorf("expected timestamp %v, got %v", baseTime, e.Timestamp)
	}
	if e.Severity != SeverityLow {
		t.Errorf("expected severity low, got %s", e.Severity)
	}
	if e.Hash == "" {
		t.Error("expected hash to be set")
	}
	if e.PrevHash != "" {
		t.Errorf("expected genesis prev hash to be empty, got %q", e.PrevHash)
	}
	if repo.Len() != 1 {
		t.Errorf("expected 1 stored event, got %d", repo.Len())
	}
}

func TestRecord_UsesObservedTime(t *testing.T) {
	clock := newTestClock(baseTime)
	svc := newTestService(NewMemoryRepository(), clock)

	in := validInput()
	in.OccurredAt = baseTime.Add(-3*time.Second + 1500*time.Nanosecond).In(time.FixedZone("EST", -5*3600))
	e := mustRecord(t, svc, in)

	want := baseTime.Add(-3*time.Second + time.Microsecond)
	if !e.Timestamp.Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, e.Timestamp)
	}
	if e.Timestamp.Location() != time.UTC {
		t.Errorf("expected UTC timestamp, got %v", e.Timestamp.Location())
	}

	later := mustRecord(t, svc, validInput())
	if !later.Timestamp.Equal(baseTime) {
		t.Errorf("expected clock time without observed time, got %v", later.Timestamp)
	}
}

func TestRecord_IDsAreUnique(t *testing.T) {
	svc := newTestService(NewMemoryRepository(), nil)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		e := mustRecord(t, svc, validInput())
		id := e.AuditID.String()
		if seen[id] {
			t.Fatalf("duplicate audit id %s", id)
		}
		seen[id] = true
	}
}

func TestRecord_ValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Input)
		field string
	}{
		{"missing user id", func(in *Input) { in.UserID = "" }, "userId"},
		{"missing email", func(in *Input) { in.UserEmail = "" }, "userEmail"},
		{"unknown role", func(in *Input) { in.UserRole = "wizard" }, "userRole"},
		{"missing action", func(in *Input) { in.Action = "" }, "action"},
		{"unknown action", func(in *Input) { in.Action = "READ_MINDS" }, "action"},
		{"unknown resource type", func(in *Input) { in.ResourceType = "spaceship" }, "resourceType"},
		{"missing resource id", func(in *Input) { in.ResourceID = "" }, "resourceId"},
		{"phi without patient", func(in *Input) { in.PatientID = "" }, "patientId"},
		{"bad ip", func(in *Input) { in.IPAddress = "not-an-ip" }, "ipAddress"},
		{"error on success", func(in *Input) { in.ErrorMessage = "boom" }, "errorMessage"},
		{"long resource id", func(in *Input) { in.ResourceID = strings.Repeat("x", 257) }, "resourceId"},
		{"negative response time", func(in *Input) { n := int64(-1); in.ResponseTime = &n }, "responseTime"},
		{"long path", func(in *Input) { in.Details.Path = strings.Repeat("p", 513) }, "details.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMemoryRepository()
			svc := newTestService(repo, nil)
			in := validInput()
			tt.mod(&in)

			_, err := svc.Record(context.Background(), in)
			if !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !hasField(err, tt.field) {
				t.Errorf("expected field %q in %v", tt.field, fieldNames(err))
			}
			if repo.Len() != 0 {
				t.Error("expected nothing stored on validation failure")
			}
		})
	}
}

func TestRecord_NonPHIResourceNeedsNoPatient(t *testing.T) {
	svc := newTestService(NewMemoryRepository(), nil)
	in := validInput()
	in.Action = ActionAPIAccess
	in.ResourceType = ResourceAPIEndpoint
	in.PatientID = ""
	e := mustRecord(t, svc, in)
	if e.Severity != SeverityMedium {
		t.Errorf("expected medium, got %s", e.Severity)
	}
}

func TestRecord_TruncatesErrorMessage(t *testing.T) {
	svc := newTestService(NewMemoryRepository(), nil)
	in := validInput()
	in.Success = false
	in.ErrorMessage = strings.Repeat("é", 400)

	e := mustRecord(t, svc, in)
	if len(e.ErrorMessage) > maxErrorMessage {
		t.Errorf("expected error message at most %d bytes, got %d", maxErrorMessage, len(e.ErrorMessage))
	}
	if !strings.HasPrefix(strings.Repeat("é", 400), e.ErrorMessage) {
		t.Error("expected truncation on a rune boundary")
	}
	if e.Severity != SeverityHigh {
		t.Errorf("expected failed view to be high, got %s", e.Severity)
	}
}

func TestRecord_StoredEventIsIsolated(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(repo, nil)
	in := validInput()
	in.Action = ActionUpdatePHI
	in.Details.ChangedFields = []string{"allergies"}

	e := mustRecord(t, svc, in)
	e.Details.ChangedFields[0] = "tampered"
	e.UserID = "someone-else"

	logs, _, err := repo.Find(context.Background(), Filter{}, Page{Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logs[0].UserID != "doc-1" || logs[0].Details.ChangedFields[0] != "allergies" {
		t.Errorf("stored event was mutated through the returned pointer: %+v", logs[0])
	}
}

func TestRecord_StorageFailure(t *testing.T) {
	repo := newFlakyRepo()
	repo.failAll = true
	svc := newTestService(repo, nil)

	_, err := svc.Record(context.Background(), validInput())
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if serr.Op != "append" {
		t.Errorf("expected op append, got %q", serr.Op)
	}
}

func TestRecord_CriticalEventAlerts(t *testing.T) {
	alerter := &notification.MockAlerter{}
	svc := newTestService(NewMemoryRepository(), newTestClock(baseTime))
	svc.SetAlerter(alerter)

	in := validInput()
	in.Action = ActionDeletePHI
	e := mustRecord(t, svc, in)

	alerts := alerter.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Kind != notification.KindCriticalEvent {
		t.Errorf("expected critical event kind, got %s", a.Kind)
	}
	if a.AuditID != e.AuditID.String() || a.Action != string(ActionDeletePHI) {
		t.Errorf("unexpected alert contents: %+v", a)
	}
	if !a.OccurredAt.Equal(baseTime) {
		t.Errorf("expected occurredAt %v, got %v", baseTime, a.OccurredAt)
	}
}

func TestRecord_NonCriticalDoesNotAlert(t *testing.T) {
	alerter := &notification.MockAlerter{}
	svc := newTestService(NewMemoryRepository(), nil)
	svc.SetAlerter(alerter)

	in := validInput()
	in.Action = ActionUpdatePHI
	mustRecord(t, svc, in)

	if n := len(alerter.Alerts()); n != 0 {
		t.Errorf("expected no alerts, got %d", n)
	}
}

func TestRecord_AlertFailureDoesNotFailWrite(t *testing.T) {
	alerter := &notification.MockAlerter{Err: errors.New("webhook down")}
	repo := NewMemoryRepository()
	svc := newTestService(repo, nil)
	svc.SetAlerter(alerter)

	in := validInput()
	in.Action = ActionExportPHI
	if _, err := svc.Record(context.Background(), in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.Len() != 1 {
		t.Errorf("expected event stored despite alert failure, got %d", repo.Len())
	}
}

func TestRecord_CustomPolicy(t *testing.T) {
	svc := newTestService(NewMemoryRepository(), nil)
	p := DefaultSeverityPolicy()
	p.High[ActionSendMessage] = true
	svc.SetPolicy(p)

	in := validInput()
	in.Action = ActionSendMessage
	in.ResourceType = ResourceMessage
	e := mustRecord(t, svc, in)
	if e.Severity != SeverityHigh {
		t.Errorf("expected high under custom policy, got %s", e.Severity)
	}
}

func TestValidate_DoesNotPersist(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(repo, nil)
	if err := svc.Validate(validInput()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.Len() != 0 {
		t.Error("expected Validate not to store anything")
	}
}

// -- RecordBatch --

func TestRecordBatch_Success(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(repo, nil)

	ins := []Input{validInput(), validInput(), validInput()}
	ins[1].Action = ActionUpdatePHI
	events, err := svc.RecordBatch(context.Background(), ins)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 3 || repo.Len() != 3 {
		t.Fatalf("expected 3 events, got %d (stored %d)", len(events), repo.Len())
	}
	if events[1].Severity != SeverityHigh {
		t.Errorf("expected second entry high, got %s", events[1].Severity)
	}
	if events[1].PrevHash != events[0].Hash || events[2].PrevHash != events[1].Hash {
		t.Error("expected batch entries to be chained in order")
	}
}

func TestRecordBatch_InvalidEntryRejectsAll(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(repo, nil)

	ins := []Input{validInput(), validInput(), validInput()}
	ins[2].Action = "NOPE"
	_, err := svc.RecordBatch(context.Background(), ins)
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !hasField(err, "entries[2].action") {
		t.Errorf("expected indexed field, got %v", fieldNames(err))
	}
	if repo.Len() != 0 {
		t.Errorf("expected no events stored, got %d", repo.Len())
	}
}

func TestRecordBatch_SizeLimits(t *testing.T) {
	svc := newTestService(NewMemoryRepository(), nil)

	if _, err := svc.RecordBatch(context.Background(), nil); !hasField(err, "entries") {
		t.Errorf("expected empty batch rejected, got %v", err)
	}

	big := make([]Input, MaxBatchSize+1)
	for i := range big {
		big[i] = validInput()
	}
	if _, err := svc.RecordBatch(context.Background(), big); !hasField(err, "entries") {
		t.Errorf("expected oversized batch rejected, got %v", err)
	}
}

func TestRecordBatch_StorageFailureReturnsPartial(t *testing.T) {
	repo := newFlakyRepo()
	repo.failAfter = 2
	svc := newTestService(repo, nil)

	ins := []Input{validInput(), validInput(), validInput()}
	events, err := svc.RecordBatch(context.Background(), ins)
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events written before the failure, got %d", len(events))
	}
}

func TestRecord_ConcurrentWritesFormOneChain(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(repo, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Record(context.Background(), validInput()); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	report, err := VerifyChain(context.Background(), repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Valid || report.Verified != 20 {
		t.Errorf("expected 20 verified events, got %+v", report)
	}
}
