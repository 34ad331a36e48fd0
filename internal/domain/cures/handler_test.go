package cures

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/audittrail/internal/domain/audit"
	"github.com/ehr/audittrail/internal/platform/auth"
	"github.com/ehr/audittrail/internal/platform/middleware"
)

type cureFixture struct {
	e      *echo.Echo
	rec    *mockRecorder
	reg    *mockRegistry
	denied []string
}

func newCureFixture(t *testing.T, outer ...echo.MiddlewareFunc) *cureFixture {
	t.Helper()
	f := &cureFixture{
		e:   echo.New(),
		rec: &mockRecorder{},
		reg: &mockRegistry{history: &History{DailyMME: 130}},
	}
	svc := newTestGate(f.reg, f.rec)
	h := NewHandler(svc, zerolog.Nop())

	api := f.e.Group("/api/v1", outer...)
	api.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if uid := req.Header.Get("X-Test-User"); uid != "" {
				id := auth.Identity{UserID: uid, Roles: strings.Split(req.Header.Get("X-Test-Roles"), ",")}
				c.SetRequest(req.WithContext(auth.WithIdentity(req.Context(), id)))
			}
			return next(c)
		}
	})
	h.RegisterRoutes(api, func(c echo.Context, required []string) {
		f.denied = append(f.denied, c.Request().URL.Path)
	})
	return f
}

func (f *cureFixture) post(body, user, roles string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cures/check", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if user != "" {
		req.Header.Set("X-Test-User", user)
		req.Header.Set("X-Test-Roles", roles)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

const checkBody = `{"patientId":"pat-1","medication":"Oxycodone 5mg","quantity":30}`

func TestHandler_CheckDoctor(t *testing.T) {
	f := newCureFixture(t)

	rec := f.post(checkBody, "dr-1", "doctor")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != StateApprovedWithWarnings || res.MMEWarning == "" {
		t.Errorf("unexpected result %+v", res)
	}
	ins := f.rec.recorded()
	if len(ins) != 1 || ins[0].UserID != "dr-1" || ins[0].UserRole != audit.RoleDoctor {
		t.Errorf("expected event attributed to the caller, got %+v", ins)
	}
}

func TestHandler_CheckRequiresDoctor(t *testing.T) {
	f := newCureFixture(t)

	rec := f.post(checkBody, "nurse-1", "nurse")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if len(f.denied) != 1 || f.denied[0] != "/api/v1/cures/check" {
		t.Errorf("expected denial reported, got %v", f.denied)
	}
	if f.reg.calls != 0 || len(f.rec.recorded()) != 0 {
		t.Error("expected no check for a denied caller")
	}

	rec = f.post(checkBody, "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestHandler_CheckRegistryDown(t *testing.T) {
	f := newCureFixture(t)
	f.reg.err = errors.New("connection refused")

	rec := f.post(checkBody, "dr-1", "doctor")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Error  string `json:"error"`
		Result Result `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body.Result.State != StateBlocked {
		t.Errorf("expected BLOCKED result, got %s", body.Result.State)
	}
}

func TestHandler_CheckAuditDown(t *testing.T) {
	f := newCureFixture(t)
	f.rec.err = &audit.StorageError{Op: "append", Err: errors.New("down")}

	rec := f.post(checkBody, "dr-1", "doctor")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(StateBlocked)) {
		t.Errorf("expected BLOCKED in body, got %s", rec.Body.String())
	}
}

func TestHandler_CheckBadRequest(t *testing.T) {
	f := newCureFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"patientId":`},
		{"missing fields", `{"quantity":1}`},
		{"negative quantity", `{"patientId":"p","medication":"m","quantity":-2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.post(tt.body, "dr-1", "doctor")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_CheckIsAuditedOnce(t *testing.T) {
	var mu sync.Mutex
	var generic []audit.Input
	sink := middleware.AuditSinkFunc(func(_ context.Context, in audit.Input) {
		mu.Lock()
		generic = append(generic, in)
		mu.Unlock()
	})
	f := newCureFixture(t, middleware.Audit(middleware.AuditConfig{Sink: sink, Logger: zerolog.Nop()}))

	if rec := f.post(checkBody, "dr-1", "doctor"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	f.reg.err = errors.New("connection refused")
	if rec := f.post(`{"patientId":"pat-2","medication":"Oxycodone 5mg","quantity":30}`, "dr-1", "doctor"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	ins := f.rec.recorded()
	if len(ins) != 2 || ins[0].Action != audit.ActionCURESAccess || ins[1].Action != audit.ActionCURESCheckFailed {
		t.Errorf("expected gate events only, got %+v", ins)
	}
	mu.Lock()
	n := len(generic)
	mu.Unlock()
	if n != 0 {
		t.Errorf("expected no API_ACCESS for recorded checks, got %d", n)
	}

	if rec := f.post(`{"quantity":1}`, "dr-1", "doctor"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(generic) != 1 || generic[0].Action != audit.ActionAPIAccess || generic[0].Success {
		t.Errorf("expected failed API_ACCESS for rejected request, got %+v", generic)
	}
}
