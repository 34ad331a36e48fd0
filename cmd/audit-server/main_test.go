package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/audittrail/internal/config"
	"github.com/ehr/audittrail/internal/domain/cures"
	"github.com/ehr/audittrail/internal/platform/auth"
	"github.com/ehr/audittrail/internal/platform/notification"
)

func TestSkipExplicitAudit(t *testing.T) {
	e := echo.New()
	tests := []struct {
		route string
		want  bool
	}{
		{"/api/v1/audit/log", true},
		{"/api/v1/audit/sync", true},
		{"/api/v1/audit/auth-events", true},
		{"/api/v1/audit/logs", false},
		{"/api/v1/cures/check", false},
	}
	for _, tt := range tests {
		c := e.NewContext(httptest.NewRequest(http.MethodPost, tt.route, nil), httptest.NewRecorder())
		c.SetPath(tt.route)
		if got := skipExplicitAudit(c); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.route, tt.want, got)
		}
	}
}

func serveWith(mw echo.MiddlewareFunc, header string) (int, string) {
	e := echo.New()
	var user string
	e.GET("/x", func(c echo.Context) error {
		user = auth.UserIDFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	}, mw)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Code, user
}

func TestAuthMiddleware_Development(t *testing.T) {
	cfg := &config.Config{Env: "development", AuthSigningKey: "dev-secret"}
	code, user := serveWith(authMiddleware(cfg), "")
	if code != http.StatusOK || user != "dev-user" {
		t.Errorf("expected dev identity, got %d %q", code, user)
	}

	code, _ = serveWith(authMiddleware(cfg), "Bearer not-a-jwt")
	if code != http.StatusUnauthorized {
		t.Errorf("expected bad token rejected in dev mode, got %d", code)
	}
}

func TestAuthMiddleware_JWTRequiresToken(t *testing.T) {
	cfg := &config.Config{Env: "production", AuthMode: config.AuthModeJWT, AuthSigningKey: "secret"}
	code, _ := serveWith(authMiddleware(cfg), "")
	if code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestBuildRegistry_UnconfiguredFailsClosed(t *testing.T) {
	reg := buildRegistry(&config.Config{}, nil, zerolog.Nop())
	_, err := reg.Query(context.Background(), "pat-1", "oxycodone")
	var rerr *cures.RegistryError
	if !errors.As(err, &rerr) || !errors.Is(err, errRegistryNotConfigured) {
		t.Fatalf("expected not-configured registry error, got %v", err)
	}
}

func TestBuildAlerter(t *testing.T) {
	cfg := &config.Config{AlertWebhookURL: "http://127.0.0.1:1/hook", AlertWebhookSecret: "s"}
	a, closeFn, err := buildAlerter(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeFn()
	multi, ok := a.(notification.Multi)
	if !ok || len(multi) != 2 {
		t.Fatalf("expected log and webhook sinks, got %T %v", a, a)
	}
}

func TestBuildCache_FallsBackToMemory(t *testing.T) {
	for _, url := range []string{"", "not a url"} {
		cfg := &config.Config{RedisURL: url, CURESCacheTTL: time.Hour}
		c, closeFn := buildCache(context.Background(), cfg, zerolog.Nop())
		closeFn()
		if _, ok := c.(*cures.MemoryCache); !ok {
			t.Errorf("REDIS_URL=%q: expected memory cache, got %T", url, c)
		}
	}
}
