package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consentgate/internal/platform/ledger"
)

func contextWithRole(role ledger.Role) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if role != ledger.RoleUnknown {
		p := Principal{SessionID: "s", Identity: ledger.Identity{ShortID: "X1", Role: role}}
		req = req.WithContext(WithPrincipal(req.Context(), p))
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequireRole(t *testing.T) {
	mw := RequireRole(ledger.RoleClinician, ledger.RoleDiagnosticCenter)
	h := mw(func(c echo.Context) error { return nil })

	tests := []struct {
		role ledger.Role
		code int
	}{
		{ledger.RoleClinician, 0},
		{ledger.RoleDiagnosticCenter, 0},
		{ledger.RolePatient, http.StatusForbidden},
		{ledger.RoleUnknown, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			err := h(contextWithRole(tt.role))
			if tt.code == 0 {
				if err != nil {
					t.Fatalf("expected access, got %v", err)
				}
				return
			}
			assertStatus(t, err, tt.code)
		})
	}
}

func TestMustPrincipal(t *testing.T) {
	if _, err := MustPrincipal(contextWithRole(ledger.RoleUnknown)); err == nil {
		t.Error("expected error without principal")
	}
	p, err := MustPrincipal(contextWithRole(ledger.RolePatient))
	if err != nil || p.Key() != "patient/X1" {
		t.Errorf("unexpected principal %+v %v", p, err)
	}
}
