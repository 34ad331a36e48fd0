package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/audittrail/internal/platform/auth"
)

// BreakGlassHeader carries the clinician's reason for emergency access.
const BreakGlassHeader = "X-Break-Glass"

const (
	breakGlassPerHour   = 10
	breakGlassWindow    = time.Hour
	breakGlassSweep     = 5 * time.Minute
	breakGlassReasonMax = 256
)

type breakGlassKey struct{}

// emergencyGrant is stored on the request context of a break-glass request.
type emergencyGrant struct {
	reason    string
	grantedAt time.Time
}

// grantRing holds a user's most recent grant times. Once full, the slot at
// next is the oldest.
type grantRing struct {
	times [breakGlassPerHour]time.Time
	n     int
	next  int
}

func (r *grantRing) newest() time.Time {
	return r.times[(r.next+breakGlassPerHour-1)%breakGlassPerHour]
}

// grantLedger enforces breakGlassPerHour grants per user over a rolling
// window.
type grantLedger struct {
	mu    sync.Mutex
	users map[string]*grantRing
}

func newGrantLedger() *grantLedger {
	return &grantLedger{users: make(map[string]*grantRing)}
}

func (l *grantLedger) grant(userID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.users[userID]
	if !ok {
		r = &grantRing{}
		l.users[userID] = r
	}
	if r.n == breakGlassPerHour && now.Sub(r.times[r.next]) < breakGlassWindow {
		return false
	}
	r.times[r.next] = now
	r.next = (r.next + 1) % breakGlassPerHour
	if r.n < breakGlassPerHour {
		r.n++
	}
	return true
}

// sweep forgets users whose last grant has left the window.
func (l *grantLedger) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, r := range l.users {
		if now.Sub(r.newest()) >= breakGlassWindow {
			delete(l.users, id)
		}
	}
}

// BreakGlass flags requests that carry a non-empty X-Break-Glass reason as
// emergency access. No roles are added; the Audit middleware records the
// request with emergencyAccess set and the reason in its details. The
// ledger sweeper stops with ctx.
func BreakGlass(ctx context.Context, logger zerolog.Logger) echo.MiddlewareFunc {
	ledger := newGrantLedger()

	go func() {
		ticker := time.NewTicker(breakGlassSweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				ledger.sweep(now)
			}
		}
	}()

	return breakGlass(logger, ledger, time.Now)
}

func breakGlass(logger zerolog.Logger, ledger *grantLedger, now func() time.Time) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			reason := strings.TrimSpace(req.Header.Get(BreakGlassHeader))
			if reason == "" {
				return next(c)
			}
			if len(reason) > breakGlassReasonMax {
				reason = reason[:breakGlassReasonMax]
			}

			ctx := req.Context()
			userID := auth.UserIDFromContext(ctx)
			if userID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "break-glass requires authentication")
			}

			at := now()
			if !ledger.grant(userID, at) {
				return echo.NewHTTPError(http.StatusTooManyRequests,
					"break-glass limit reached: at most 10 emergency requests per user per hour")
			}

			c.SetRequest(req.WithContext(context.WithValue(ctx, breakGlassKey{}, emergencyGrant{
				reason:    reason,
				grantedAt: at,
			})))

			logger.Warn().
				Str("component", "break_glass").
				Str("user_id", userID).
				Strs("roles", auth.RolesFromContext(ctx)).
				Str("reason", reason).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("remote_ip", c.RealIP()).
				Msg("emergency access granted")

			return next(c)
		}
	}
}

func grantFromContext(ctx context.Context) (emergencyGrant, bool) {
	g, ok := ctx.Value(breakGlassKey{}).(emergencyGrant)
	return g, ok
}

// IsBreakGlass reports whether the request was granted emergency access.
func IsBreakGlass(ctx context.Context) bool {
	_, ok := grantFromContext(ctx)
	return ok
}

func BreakGlassReason(ctx context.Context) string {
	g, _ := grantFromContext(ctx)
	return g.reason
}
