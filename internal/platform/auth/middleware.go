package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Identity is the verified caller attached to the request context.
type Identity struct {
	UserID    string
	Roles     []string
	Email     string
	SessionID string
}

type identityKey struct{}

// Claims are the bearer token claims the service reads.
type Claims struct {
	jwt.RegisteredClaims
	Roles     []string `json:"roles"`
	Email     string   `json:"email"`
	SessionID string   `json:"sid"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is an HMAC key for development and tests only.
	SigningKey []byte
}

// JWTMiddleware verifies the bearer token and stores the caller's Identity
// on the request context. Tokens are verified, never issued.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	var cache *JWKSCache
	if len(cfg.SigningKey) == 0 {
		cache = NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, err := bearerToken(c.Request())
			if err != nil {
				if c.Request().Header.Get("Authorization") != "" {
					markRejected(c, "", "malformed authorization header")
				}
				return err
			}

			ctx := c.Request().Context()
			keyFunc := func(t *jwt.Token) (interface{}, error) {
				if cache == nil {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
					}
					return cfg.SigningKey, nil
				}
				if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
				}
				kid, _ := t.Header["kid"].(string)
				if kid == "" {
					return nil, fmt.Errorf("token has no kid header")
				}
				return cache.GetKey(ctx, kid)
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid || claims.Subject == "" {
				markRejected(c, unverifiedSubject(tokenStr), "invalid token")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			id := Identity{
				UserID:    claims.Subject,
				Roles:     claims.Roles,
				Email:     claims.Email,
				SessionID: claims.SessionID,
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(ctx, id)))
			return next(c)
		}
	}
}

// RejectedTokenKey is the echo context key under which JWTMiddleware stores
// a TokenRejection.
const RejectedTokenKey = "auth_rejected_token"

// TokenRejection describes a credential that was presented and refused.
// Subject is read from the unverified token and only names who the caller
// claimed to be.
type TokenRejection struct {
	Subject string
	Reason  string
}

// RejectedToken returns the rejection recorded for c, if any. A request
// that carried no Authorization header has none.
func RejectedToken(c echo.Context) (TokenRejection, bool) {
	r, ok := c.Get(RejectedTokenKey).(TokenRejection)
	return r, ok
}

func markRejected(c echo.Context, subject, reason string) {
	c.Set(RejectedTokenKey, TokenRejection{Subject: subject, Reason: reason})
}

func unverifiedSubject(tokenStr string) string {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return ""
	}
	return claims.Subject
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(token), nil
}

// Dev identity headers, honoured only by DevAuthMiddleware.
const (
	DevUserHeader  = "X-Dev-User"
	DevRolesHeader = "X-Dev-Roles"
)

// DevAuthMiddleware lets unauthenticated requests through as a development
// identity (X-Dev-User / X-Dev-Roles, default dev-user with role admin).
// Requests that do carry a bearer token still go through verify.
func DevAuthMiddleware(verify echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := verify(next)
		return func(c echo.Context) error {
			req := c.Request()
			if req.Header.Get("Authorization") != "" {
				return verified(c)
			}
			id := Identity{UserID: "dev-user", Roles: []string{"admin"}, Email: "dev-user@localhost"}
			if u := req.Header.Get(DevUserHeader); u != "" {
				id.UserID = u
				id.Email = u + "@localhost"
			}
			if r := req.Header.Get(DevRolesHeader); r != "" {
				id.Roles = strings.Split(r, ",")
			}
			c.SetRequest(req.WithContext(WithIdentity(req.Context(), id)))
			return next(c)
		}
	}
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller, if one was verified.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func UserIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}

func RolesFromContext(ctx context.Context) []string {
	id, _ := IdentityFromContext(ctx)
	return id.Roles
}
