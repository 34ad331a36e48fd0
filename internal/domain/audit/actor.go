package audit

import (
	"net"

	"github.com/labstack/echo/v4"

	"github.com/ehr/audittrail/internal/platform/auth"
)

// Actor fallbacks for unauthenticated requests and tokens without an email.
const (
	AnonymousUserID    = "anonymous"
	AnonymousUserEmail = "anonymous@unknown"
	UnknownValue       = "unknown"
)

// ActorFromRequest builds the actor of c from the verified identity on its
// context. Callers without one are recorded as anonymous.
func ActorFromRequest(c echo.Context) Actor {
	req := c.Request()
	actor := Actor{
		UserID:    AnonymousUserID,
		UserRole:  RoleAnonymous,
		UserEmail: AnonymousUserEmail,
		IPAddress: clientIP(c),
		UserAgent: truncate(req.UserAgent(), maxUserAgent),
	}
	id, ok := auth.IdentityFromContext(req.Context())
	if !ok || id.UserID == "" {
		return actor
	}
	actor.UserID = id.UserID
	actor.UserRole = PrimaryRole(id.Roles)
	actor.UserEmail = id.Email
	if actor.UserEmail == "" {
		actor.UserEmail = UnknownValue
	}
	actor.SessionID = id.SessionID
	return actor
}

const maxUserAgent = 512

// clientIP drops addresses that do not parse, such as a forged
// X-Forwarded-For value, so the event still validates.
func clientIP(c echo.Context) string {
	ip := c.RealIP()
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
