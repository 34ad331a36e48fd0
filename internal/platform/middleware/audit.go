package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/audittrail/internal/domain/audit"
	"github.com/ehr/audittrail/internal/platform/auth"
)

// AuditSink accepts audit inputs produced by the middleware. audit.Queue is
// the production sink; Submit must not block on persistence.
type AuditSink interface {
	Submit(ctx context.Context, in audit.Input)
}

// AuditSinkFunc is a function adapter for AuditSink.
type AuditSinkFunc func(ctx context.Context, in audit.Input)

func (f AuditSinkFunc) Submit(ctx context.Context, in audit.Input) { f(ctx, in) }

type AuditConfig struct {
	Sink   AuditSink
	Logger zerolog.Logger
	// Skipper excludes requests from auditing. Only paths under /api/ are
	// audited regardless.
	Skipper func(c echo.Context) bool
}

const (
	maxResourceID = 256
	maxUserID     = 128
	maxPath       = 512
	maxQueryKeys  = 64
)

// AuditAction fixes the action and resource type recorded for a route. A
// handler may still override both with c.Set.
func AuditAction(action audit.Action, rt audit.ResourceType) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(audit.ContextKeyAction, action)
			c.Set(audit.ContextKeyResourceType, rt)
			return next(c)
		}
	}
}

// Audit records one audit event for every request under /api/. The
// handler runs first so the outcome is known; its error is returned
// unchanged whatever happens to the audit write.
func Audit(cfg AuditConfig) echo.MiddlewareFunc {
	logger := cfg.Logger.With().Str("component", "audit_middleware").Logger()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !isAuditablePath(c.Request().URL.Path) || (cfg.Skipper != nil && cfg.Skipper(c)) {
				return next(c)
			}

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Milliseconds()

			if recorded, _ := c.Get(audit.ContextKeyRecorded).(bool); recorded {
				return err
			}

			in := buildInput(c, err, elapsed)
			in.OccurredAt = start
			if cfg.Sink == nil {
				logger.Warn().
					Str("action", string(in.Action)).
					Str("user_id", in.UserID).
					Str("path", in.Details.Path).
					Msg("no audit sink configured, event dropped")
				return err
			}
			cfg.Sink.Submit(c.Request().Context(), in)
			return err
		}
	}
}

func buildInput(c echo.Context, handlerErr error, elapsed int64) audit.Input {
	req := c.Request()
	ctx := req.Context()

	status := responseStatus(c, handlerErr)
	in := audit.Input{
		Actor:        audit.ActorFromRequest(c),
		Action:       audit.ActionAPIAccess,
		ResourceType: audit.ResourceAPIEndpoint,
		ResourceID:   resourceID(c),
		PatientID:    patientID(c),
		Details: audit.Details{
			Method:     req.Method,
			Path:       clip(req.URL.Path, maxPath),
			QueryKeys:  queryKeys(req),
			StatusCode: status,
		},
		Success:      status < http.StatusBadRequest,
		ResponseTime: &elapsed,
	}

	if a, ok := c.Get(audit.ContextKeyAction).(audit.Action); ok && a != "" {
		in.Action = a
	}
	if rt, ok := c.Get(audit.ContextKeyResourceType).(audit.ResourceType); ok && rt != "" {
		in.ResourceType = rt
	}
	if rej, ok := auth.RejectedToken(c); ok {
		in.Action = audit.ActionFailedLogin
		in.ResourceType = audit.ResourceAPIEndpoint
		in.Details.LoginMethod = "bearer"
		in.Details.Reason = rej.Reason
		if rej.Subject != "" {
			in.UserID = clip(rej.Subject, maxUserID)
		}
	}
	in.ComplianceFlags.HIPAARelevant = in.ResourceType.IsPHI()

	if IsBreakGlass(ctx) {
		in.ComplianceFlags.EmergencyAccess = true
		in.Details.Reason = BreakGlassReason(ctx)
	}

	if !in.Success {
		in.ErrorMessage = errorMessage(handlerErr, status)
	}
	return in
}

func resourceID(c echo.Context) string {
	id := c.Param("id")
	if id == "" {
		id = c.QueryParam("resourceId")
	}
	if id == "" {
		id = c.Request().Header.Get("X-Resource-ID")
	}
	if id == "" {
		return audit.UnknownValue
	}
	return clip(id, maxResourceID)
}

func patientID(c echo.Context) string {
	if id := c.Param("patientId"); id != "" {
		return id
	}
	if id := c.QueryParam("patientId"); id != "" {
		return id
	}
	return c.QueryParam("patient")
}

// queryKeys returns the sorted query parameter names. Values may carry PHI
// and are never recorded.
func queryKeys(req *http.Request) []string {
	q := req.URL.Query()
	if len(q) == 0 {
		return nil
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxQueryKeys {
		keys = keys[:maxQueryKeys]
	}
	return keys
}

// responseStatus resolves the status the client will see. When the handler
// returned an error echo has not written the response yet.
func responseStatus(c echo.Context, err error) int {
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		if !c.Response().Committed {
			return http.StatusInternalServerError
		}
	}
	if s := c.Response().Status; s != 0 {
		return s
	}
	return http.StatusOK
}

func errorMessage(err error, status int) string {
	if err == nil {
		return http.StatusText(status)
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return fmt.Sprint(he.Message)
	}
	return err.Error()
}

// clip cuts s to at most n bytes, dropping a split trailing rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}
