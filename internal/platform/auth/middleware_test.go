package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles:     []string{"doctor"},
		Email:     "doc@hospital.example",
		SessionID: "sess-1",
	}
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, req *http.Request) (Identity, bool, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got Identity
	var called bool
	h := mw(func(c echo.Context) error {
		called = true
		got, _ = IdentityFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	})
	err := h(c)
	return got, called, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with status %d", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, called, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), req)
	expectStatus(t, err, http.StatusUnauthorized)
	if called {
		t.Error("handler should not be called")
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), req)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	token := createTestToken(t, validClaims(), testSigningKey)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	id, called, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler was not called")
	}
	if id.UserID != "user-123" {
		t.Errorf("expected user-123, got %q", id.UserID)
	}
	if id.Email != "doc@hospital.example" {
		t.Errorf("expected email, got %q", id.Email)
	}
	if id.SessionID != "sess-1" {
		t.Errorf("expected sess-1, got %q", id.SessionID)
	}
	if len(id.Roles) != 1 || id.Roles[0] != "doctor" {
		t.Errorf("expected [doctor], got %v", id.Roles)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	token := createTestToken(t, claims, testSigningKey)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), req)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	token := createTestToken(t, validClaims(), []byte("some-other-key"))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), req)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_MissingSubject(t *testing.T) {
	claims := validClaims()
	claims.Subject = ""
	token := createTestToken(t, claims, testSigningKey)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), req)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_MarksRejectedToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		subject string
		reason  string
	}{
		{"wrong key keeps claimed subject", "Bearer " + createTestToken(t, validClaims(), []byte("some-other-key")), "user-123", "invalid token"},
		{"garbage token", "Bearer bogus", "", "invalid token"},
		{"basic auth", "Basic dXNlcjpwYXNz", "", "malformed authorization header"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			c := e.NewContext(req, httptest.NewRecorder())

			err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(echo.Context) error { return nil })(c)
			expectStatus(t, err, http.StatusUnauthorized)

			got, ok := RejectedToken(c)
			if !ok {
				t.Fatal("expected rejection to be recorded")
			}
			if got.Subject != tt.subject {
				t.Errorf("expected subject %q, got %q", tt.subject, got.Subject)
			}
			if got.Reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, got.Reason)
			}
		})
	}
}

func TestJWTMiddleware_NoHeaderIsNotRejection(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	_ = JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(echo.Context) error { return nil })(c)
	if _, ok := RejectedToken(c); ok {
		t.Error("a request without credentials should not be marked rejected")
	}
}

func TestJWTMiddleware_IssuerMismatch(t *testing.T) {
	claims := validClaims()
	claims.Issuer = "https://other.example"
	token := createTestToken(t, claims, testSigningKey)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.example"}
	_, _, err := runMiddleware(t, JWTMiddleware(cfg), req)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{{
			Kty: "RSA",
			Kid: "key-1",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims())
	token.Header["kid"] = "key-1"
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	id, called, err := runMiddleware(t, JWTMiddleware(JWTConfig{JWKSURL: srv.URL}), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called || id.UserID != "user-123" {
		t.Errorf("expected verified user-123, got %+v", id)
	}

	// An HMAC token must not verify against an RSA key set.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, validClaims(), testSigningKey))
	_, _, err = runMiddleware(t, JWTMiddleware(JWTConfig{JWKSURL: srv.URL}), req)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	mw := DevAuthMiddleware(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	id, called, err := runMiddleware(t, mw, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler was not called")
	}
	if id.UserID != "dev-user" {
		t.Errorf("expected dev-user, got %q", id.UserID)
	}
	if len(id.Roles) != 1 || id.Roles[0] != "admin" {
		t.Errorf("expected [admin], got %v", id.Roles)
	}
}

func TestDevAuthMiddleware_Headers(t *testing.T) {
	mw := DevAuthMiddleware(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevUserHeader, "nurse-7")
	req.Header.Set(DevRolesHeader, "nurse,staff")

	id, _, err := runMiddleware(t, mw, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.UserID != "nurse-7" {
		t.Errorf("expected nurse-7, got %q", id.UserID)
	}
	if id.Email != "nurse-7@localhost" {
		t.Errorf("expected nurse-7@localhost, got %q", id.Email)
	}
	if len(id.Roles) != 2 || id.Roles[1] != "staff" {
		t.Errorf("expected [nurse staff], got %v", id.Roles)
	}
}

func TestDevAuthMiddleware_VerifiesBearer(t *testing.T) {
	mw := DevAuthMiddleware(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")

	_, _, err := runMiddleware(t, mw, req)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestFromContext_Empty(t *testing.T) {
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	if _, ok := IdentityFromContext(ctx); ok {
		t.Error("expected no identity")
	}
	if UserIDFromContext(ctx) != "" {
		t.Error("expected empty user id")
	}
	if RolesFromContext(ctx) != nil {
		t.Error("expected nil roles")
	}
}
