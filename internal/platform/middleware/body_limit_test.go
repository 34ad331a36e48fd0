package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512k", 512 << 10},
		{" 2G ", 2 << 30},
		{"4096", 4096},
		{"B", defaultBodyLimit},
		{"", defaultBodyLimit},
		{"lots", defaultBodyLimit},
		{"0", defaultBodyLimit},
		{"-5K", defaultBodyLimit},
	}

	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func readAll(c echo.Context) error {
	_, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func TestBodyLimit(t *testing.T) {
	kb := bytes.Repeat([]byte("x"), 2048)

	tests := []struct {
		name          string
		method        string
		path          string
		body          []byte
		unknownLength bool
		standard      string
		batch         string
		wantStatus    int
	}{
		{"small body passes", http.MethodPost, "/api/v1/audit/log", []byte(`{"action":"VIEW_PHI"}`), false, "1M", "10M", http.StatusNoContent},
		{"declared length over cap", http.MethodPost, "/api/v1/audit/log", kb, false, "1K", "10M", http.StatusRequestEntityTooLarge},
		{"streamed body over cap", http.MethodPost, "/api/v1/audit/log", kb, true, "1K", "10M", http.StatusRequestEntityTooLarge},
		{"sync uses batch cap", http.MethodPost, "/api/v1/audit/sync", kb, false, "1K", "10M", http.StatusNoContent},
		{"sync over batch cap", http.MethodPost, "/api/v1/audit/sync", kb, true, "512", "1K", http.StatusRequestEntityTooLarge},
		{"get on sync keeps standard cap", http.MethodGet, "/api/v1/audit/sync", kb, false, "1K", "10M", http.StatusRequestEntityTooLarge},
		{"no body", http.MethodGet, "/api/v1/audit/logs", nil, false, "1", "1", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			var req *http.Request
			if tt.body == nil {
				req = httptest.NewRequest(tt.method, tt.path, nil)
			} else {
				req = httptest.NewRequest(tt.method, tt.path, bytes.NewReader(tt.body))
			}
			if tt.unknownLength {
				req.ContentLength = -1
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := BodyLimit(tt.standard, tt.batch)(readAll)(c)
			if err != nil {
				var he *echo.HTTPError
				if !errors.As(err, &he) {
					t.Fatalf("expected *echo.HTTPError, got %T", err)
				}
				if he.Code != tt.wantStatus {
					t.Errorf("expected %d, got %d", tt.wantStatus, he.Code)
				}
				return
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestBodyLimit_OverflowInsideBind(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/audit/log",
		bytes.NewReader([]byte(`{"action":"`+string(bytes.Repeat([]byte("a"), 4096))+`"}`)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		var body map[string]string
		return c.Bind(&body)
	}

	err := BodyLimit("1K", "1K")(handler)(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for overflow during bind, got %v", err)
	}
}
