package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consentgate/internal/platform/ledger"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

var testIdentity = ledger.Identity{
	ShortID:       "D1",
	Role:          ledger.RoleClinician,
	WalletAddress: "0x2222222222222222222222222222222222222222",
}

func issueTestToken(t *testing.T, sessionID string) string {
	t.Helper()
	tok, _, err := NewIssuer(testSigningKey, time.Hour).Issue(sessionID, testIdentity)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	return tok
}

func runMiddleware(t *testing.T, cfg JWTConfig, req *http.Request) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	c := e.NewContext(req, httptest.NewRecorder())
	var seen echo.Context
	err := JWTMiddleware(cfg)(func(c echo.Context) error {
		seen = c
		return c.String(http.StatusOK, "ok")
	})(c)
	return seen, err
}

func assertStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestIssuer_RoundTrip(t *testing.T) {
	iss := NewIssuer(testSigningKey, time.Hour)
	tok, exp, err := iss.Issue("s-1", testIdentity)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Error("expected expiry in the future")
	}
	claims, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.Role != ledger.RoleClinician || claims.ShortID != "D1" || claims.SessionID != "s-1" {
		t.Errorf("unexpected claims %+v", claims)
	}
	if claims.Subject != "clinician/D1" {
		t.Errorf("expected subject clinician/D1, got %s", claims.Subject)
	}
}

func TestIssuer_RequiresKey(t *testing.T) {
	if _, _, err := NewIssuer(nil, time.Hour).Issue("s", testIdentity); err == nil {
		t.Error("expected error without signing key")
	}
}

func TestIssuer_RejectsExpired(t *testing.T) {
	iss := NewIssuer(testSigningKey, time.Minute)
	iss.now = func() time.Time { return time.Now().Add(-time.Hour) }
	tok, _, _ := iss.Issue("s-1", testIdentity)
	if _, err := NewIssuer(testSigningKey, time.Minute).Verify(tok); err == nil {
		t.Error("expected expired token to be rejected")
	}
}

func TestIssuer_RejectsIncompleteClaims(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		SessionID:        "s-1",
		Role:             "admin",
		ShortID:          "X",
	}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningKey)
	if _, err := NewIssuer(testSigningKey, time.Hour).Verify(tok); err == nil {
		t.Error("expected unknown role to be rejected")
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey}, httptest.NewRequest(http.MethodGet, "/api/v1/me", nil))
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	for _, header := range []string{"Token abc123", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz"} {
		t.Run(header, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
			req.Header.Set("Authorization", header)
			_, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey}, req)
			assertStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "s-1"))
	_, err := runMiddleware(t, JWTConfig{SigningKey: []byte("other")}, req)
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_SetsPrincipal(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "s-1"))
	c, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey}, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, ok := PrincipalFromContext(c.Request().Context())
	if !ok {
		t.Fatal("expected principal in context")
	}
	if p.Key() != "clinician/D1" || p.SessionID != "s-1" {
		t.Errorf("unexpected principal %+v", p)
	}
	if c.Get(IdentityContextKey) != "clinician/D1" {
		t.Errorf("expected identity key on echo context, got %v", c.Get(IdentityContextKey))
	}
}

func TestJWTMiddleware_ClosedSession(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "s-old"))
	cfg := JWTConfig{SigningKey: testSigningKey, Active: func(id string) bool { return id == "s-new" }}
	_, err := runMiddleware(t, cfg, req)
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_QueryTokenOnlyForNoticeSocket(t *testing.T) {
	tok := issueTestToken(t, "s-1")

	if _, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey}, httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil)); err != nil {
		t.Fatalf("expected query token on /ws to authenticate, got %v", err)
	}
	_, err := runMiddleware(t, JWTConfig{SigningKey: testSigningKey}, httptest.NewRequest(http.MethodGet, "/api/v1/me?token="+tok, nil))
	assertStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: func(echo.Context) bool { return true }}
	if _, err := runMiddleware(t, cfg, httptest.NewRequest(http.MethodGet, "/health", nil)); err != nil {
		t.Fatalf("expected skipped request to pass, got %v", err)
	}
}
