package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func skipperContext(method, path string) echo.Context {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(method, path, nil), httptest.NewRecorder())
	c.SetPath(path)
	return c
}

func TestAuthSkipper_PublicPaths(t *testing.T) {
	for _, path := range []string{"/health", "/health/ready", "/metrics"} {
		if !AuthSkipper(skipperContext(http.MethodGet, path)) {
			t.Errorf("expected %s to be public", path)
		}
	}
	if !AuthSkipper(skipperContext(http.MethodPost, "/api/v1/sessions")) {
		t.Error("expected opening a session to be public")
	}
}

func TestAuthSkipper_ProtectedPaths(t *testing.T) {
	for _, path := range []string{"/api/v1/me", "/api/v1/requests/pending", "/ws", "/", "/health/extra"} {
		if AuthSkipper(skipperContext(http.MethodGet, path)) {
			t.Errorf("expected %s to be protected", path)
		}
	}
	if AuthSkipper(skipperContext(http.MethodDelete, "/api/v1/sessions")) {
		t.Error("expected closing a session to require auth")
	}
}

func TestIsPublicPath(t *testing.T) {
	if !IsPublicPath("/metrics") || IsPublicPath("/api/v1/records") {
		t.Error("unexpected IsPublicPath result")
	}
}
