package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/audittrail/internal/platform/auth"
)

const (
	defaultReportWindow = 30 * 24 * time.Hour
	deniedWriteTimeout  = 5 * time.Second
)

type Handler struct {
	svc      *Service
	detector *Detector
	logger   zerolog.Logger
}

func NewHandler(svc *Service, detector *Detector, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:      svc,
		detector: detector,
		logger:   logger.With().Str("component", "audit_handler").Logger(),
	}
}

// RegisterRoutes mounts the audit API on api, which must already carry
// authentication.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/audit", auth.RequireAuthenticated())

	g.POST("/log", h.LogEvent)
	g.POST("/sync", h.SyncEvents)
	g.GET("/my-activity", h.MyActivity)

	g.POST("/auth-events", h.AuthEvent, auth.RequireRole(h.RecordDenied, string(RoleSystem)))

	compliance := g.Group("", auth.RequireRole(h.RecordDenied, string(RoleComplianceOfficer)))
	compliance.GET("/logs", h.QueryLogs)
	compliance.GET("/statistics", h.GetStatistics)
	compliance.GET("/user/:userId/activity", h.UserActivity)
	compliance.GET("/export", h.ExportLogs)
	compliance.GET("/report", h.GetComplianceReport)

	security := g.Group("", auth.RequireRole(h.RecordDenied, string(RoleSecurityAdmin)))
	security.GET("/anomalies", h.GetAnomalies)
	security.GET("/verify", h.VerifyChain)
}

// RecordDenied records a PERMISSION_DENIED event for a failed role check.
// It is passed to auth.RequireRole.
func (h *Handler) RecordDenied(c echo.Context, required []string) {
	req := c.Request()
	route := c.Path()
	if route == "" {
		route = req.URL.Path
	}
	in := Input{
		Actor:        ActorFromRequest(c),
		Action:       ActionPermissionDenied,
		ResourceType: ResourceAPIEndpoint,
		ResourceID:   truncate(route, 256),
		Details: Details{
			Method:          req.Method,
			Path:            truncate(req.URL.Path, 512),
			StatusCode:      http.StatusForbidden,
			AttemptedAction: truncate(req.Method+" "+req.URL.Path, 256),
			Reason:          fmt.Sprintf("requires one of %v", required),
		},
		Success:      false,
		ErrorMessage: "insufficient role",
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), deniedWriteTimeout)
	defer cancel()
	if _, err := h.svc.Record(ctx, in); err != nil {
		h.logger.Error().Err(err).
			Str("user_id", in.UserID).
			Str("path", req.URL.Path).
			Msg("failed to record permission denial")
		return
	}
	c.Set(ContextKeyRecorded, true)
}

// logRequest is the client body for a single event. The actor always comes
// from the verified identity, never from the body.
type logRequest struct {
	Action          Action          `json:"action"`
	ResourceType    ResourceType    `json:"resourceType"`
	ResourceID      string          `json:"resourceId"`
	PatientID       string          `json:"patientId,omitempty"`
	Details         Details         `json:"details"`
	Location        *Location       `json:"location,omitempty"`
	Success         *bool           `json:"success,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	ResponseTime    *int64          `json:"responseTime,omitempty"`
	ComplianceFlags ComplianceFlags `json:"complianceFlags"`
}

func (r logRequest) input(actor Actor) Input {
	success := true
	if r.Success != nil {
		success = *r.Success
	}
	return Input{
		Actor:           actor,
		Action:          r.Action,
		ResourceType:    r.ResourceType,
		ResourceID:      r.ResourceID,
		PatientID:       r.PatientID,
		Details:         r.Details,
		Location:        r.Location,
		Success:         success,
		ErrorMessage:    r.ErrorMessage,
		ResponseTime:    r.ResponseTime,
		ComplianceFlags: r.ComplianceFlags,
	}
}

// authEventRequest is posted by the identity provider on behalf of the
// subject, whose identity and address it reports.
type authEventRequest struct {
	Action      Action `json:"action"`
	UserID      string `json:"userId"`
	UserRole    Role   `json:"userRole,omitempty"`
	UserEmail   string `json:"userEmail,omitempty"`
	IPAddress   string `json:"ipAddress,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	LoginMethod string `json:"loginMethod,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (r authEventRequest) input() Input {
	in := Input{
		Actor: Actor{
			UserID:    r.UserID,
			UserRole:  r.UserRole,
			UserEmail: r.UserEmail,
			IPAddress: r.IPAddress,
			UserAgent: r.UserAgent,
			SessionID: r.SessionID,
		},
		Action:       r.Action,
		ResourceType: ResourceAPIEndpoint,
		ResourceID:   "authentication",
		Details:      Details{LoginMethod: r.LoginMethod, Reason: r.Reason},
		Success:      r.Action != ActionFailedLogin,
	}
	if in.UserRole == "" {
		in.UserRole = RoleAnonymous
	}
	if in.UserEmail == "" {
		in.UserEmail = AnonymousUserEmail
	}
	if !in.Success {
		in.ErrorMessage = "authentication failed"
	}
	return in
}

// AuthEvent records a LOGIN, LOGOUT or FAILED_LOGIN reported by a trusted
// system caller.
func (h *Handler) AuthEvent(c echo.Context) error {
	var body authEventRequest
	if err := decodeStrict(c.Request().Body, &body); err != nil {
		return h.fail(c, err)
	}
	switch body.Action {
	case ActionLogin, ActionLogout, ActionFailedLogin:
	default:
		return h.fail(c, NewValidationError("action", "must be LOGIN, LOGOUT or FAILED_LOGIN"))
	}
	e, err := h.svc.Record(c.Request().Context(), body.input())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"success": true,
		"auditId": e.AuditID,
	})
}

func reservedActionReason(a Action) string {
	return quote(string(a)) + " is recorded by the controlled-substance gate only"
}

type syncRequest struct {
	Entries []logRequest `json:"entries"`
}

func (h *Handler) LogEvent(c echo.Context) error {
	var body logRequest
	if err := decodeStrict(c.Request().Body, &body); err != nil {
		return h.fail(c, err)
	}
	if body.Action.Valid() && !body.Action.ClientSubmittable() {
		return h.fail(c, NewValidationError("action", reservedActionReason(body.Action)))
	}
	e, err := h.svc.Record(c.Request().Context(), body.input(ActorFromRequest(c)))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"success": true,
		"auditId": e.AuditID,
	})
}

func (h *Handler) SyncEvents(c echo.Context) error {
	var body syncRequest
	if err := decodeStrict(c.Request().Body, &body); err != nil {
		return h.fail(c, err)
	}
	actor := ActorFromRequest(c)
	ins := make([]Input, len(body.Entries))
	reserved := &ValidationError{}
	for i, r := range body.Entries {
		if r.Action.Valid() && !r.Action.ClientSubmittable() {
			reserved.add(fmt.Sprintf("entries[%d].action", i), reservedActionReason(r.Action))
		}
		ins[i] = r.input(actor)
	}
	if err := reserved.orNil(); err != nil {
		return h.fail(c, err)
	}
	events, err := h.svc.RecordBatch(c.Request().Context(), ins)
	if err != nil {
		return h.fail(c, err)
	}
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.AuditID.String()
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"success":  true,
		"count":    len(events),
		"auditIds": ids,
	})
}

func (h *Handler) QueryLogs(c echo.Context) error {
	q := c.QueryParams()
	f, err := ParseFilter(q)
	if err != nil {
		return h.fail(c, err)
	}
	p, err := ParsePage(q)
	if err != nil {
		return h.fail(c, err)
	}
	res, err := h.svc.Query(c.Request().Context(), f, p)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetStatistics(c echo.Context) error {
	stats, err := h.svc.Statistics(c.Request().Context(), c.QueryParam("timeRange"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) UserActivity(c echo.Context) error {
	return h.activity(c, c.Param("userId"))
}

func (h *Handler) MyActivity(c echo.Context) error {
	return h.activity(c, auth.UserIDFromContext(c.Request().Context()))
}

func (h *Handler) activity(c echo.Context, userID string) error {
	if userID == "" {
		return h.fail(c, NewValidationError("userId", "is required"))
	}
	days, err := ParseDays(c.QueryParam("days"))
	if err != nil {
		return h.fail(c, err)
	}
	report, err := h.svc.UserActivityReport(c.Request().Context(), userID, days)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) GetAnomalies(c echo.Context) error {
	report, err := h.detector.Detect(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// ExportLogs streams matching events as CSV or JSON. The body is buffered
// so the row-limit headers can be set before it is written.
func (h *Handler) ExportLogs(c echo.Context) error {
	c.Set(ContextKeyAction, ActionExportPHI)
	c.Set(ContextKeyResourceType, ResourceAPIEndpoint)

	q := c.QueryParams()
	format, err := ParseFormat(q.Get("format"))
	if err != nil {
		return h.fail(c, err)
	}
	f, err := ParseFilter(q)
	if err != nil {
		return h.fail(c, err)
	}

	var buf bytes.Buffer
	res, err := h.svc.Export(c.Request().Context(), f, format, &buf)
	if err != nil {
		return h.fail(c, err)
	}

	hdr := c.Response().Header()
	hdr.Set("X-Export-Row-Limit", strconv.Itoa(res.Limit))
	hdr.Set("X-Export-Truncated", strconv.FormatBool(res.Truncated))
	hdr.Set("X-Export-Total", strconv.Itoa(res.Total))
	hdr.Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="audit-logs-%s.%s"`,
		h.svc.now().UTC().Format("20060102T150405Z"), format))
	return c.Blob(http.StatusOK, format.ContentType(), buf.Bytes())
}

func (h *Handler) GetComplianceReport(c echo.Context) error {
	end := h.svc.now().UTC()
	start := end.Add(-defaultReportWindow)
	verr := &ValidationError{}
	if v := c.QueryParam("startDate"); v != "" {
		t, err := parseDate(v, false)
		if err != nil {
			verr.add("startDate", err.Error())
		}
		start = t
	}
	if v := c.QueryParam("endDate"); v != "" {
		t, err := parseDate(v, true)
		if err != nil {
			verr.add("endDate", err.Error())
		}
		end = t
	}
	if err := verr.orNil(); err != nil {
		return h.fail(c, err)
	}
	if end.Before(start) {
		return h.fail(c, NewValidationError("endDate", "must not be before startDate"))
	}

	report, err := h.svc.ComplianceReport(c.Request().Context(), start, end)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// VerifyChain reports whether the stored hash chain is intact. A broken
// chain is a 200 with valid=false; only read failures are errors.
func (h *Handler) VerifyChain(c echo.Context) error {
	report, err := VerifyChain(c.Request().Context(), h.svc.repo)
	if err != nil && !errors.Is(err, ErrChainBroken) {
		return h.fail(c, &StorageError{Op: "walk", Err: err})
	}
	if !report.Valid {
		h.logger.Error().
			Int("verified", report.Verified).
			Str("reason", report.Reason).
			Msg("audit hash chain broken")
	}
	return c.JSON(http.StatusOK, report)
}

// fail writes the error response for err. Validation failures are 400 with
// per-field reasons; everything else is a 500 and is logged.
func (h *Handler) fail(c echo.Context, err error) error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":  "validation failed",
			"fields": verr.Fields,
		})
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	rid, _ := c.Get("request_id").(string)
	h.logger.Error().Err(err).
		Str("request_id", rid).
		Str("path", c.Request().URL.Path).
		Msg("audit request failed")

	var serr *StorageError
	if errors.As(err, &serr) {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "audit storage unavailable"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

// decodeStrict decodes a single JSON document and rejects unknown fields.
func decodeStrict(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		if errors.Is(err, io.EOF) {
			return NewValidationError("body", "must not be empty")
		}
		return NewValidationError("body", "invalid JSON: "+err.Error())
	}
	if dec.More() {
		return NewValidationError("body", "must contain a single JSON object")
	}
	return nil
}
