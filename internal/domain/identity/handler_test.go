package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consentgate/internal/platform/auth"
	"github.com/ehr/consentgate/internal/platform/ledger"
)

func TestHandler_Get(t *testing.T) {
	reg := newMockRegistry(ledger.Identity{ShortID: "D1", Role: ledger.RoleClinician, WalletAddress: walletD, DisplayName: "Dr. Rao"})
	h := NewHandler(newTestResolver(reg), nil)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("role", "shortId")
	c.SetParamValues("clinician", "D1")
	if err := h.Get(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got ledger.Identity
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.DisplayName != "Dr. Rao" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("role", "shortId")
	c.SetParamValues("clinician", "D9")
	err := h.Get(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("role", "shortId")
	c.SetParamValues("admin", "D1")
	if he, ok := h.Get(c).(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Error("expected 400 for unknown role")
	}
}

func TestHandler_Me(t *testing.T) {
	reg := newMockRegistry(ledger.Identity{ShortID: "P1", Role: ledger.RolePatient, WalletAddress: walletP, DisplayName: "Asha"})
	h := NewHandler(newTestResolver(reg), nil)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{
		SessionID: "s-1",
		Identity:  ledger.Identity{ShortID: "P1", Role: ledger.RolePatient},
	}))
	rec := httptest.NewRecorder()
	if err := h.Me(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_ByWalletUnresolved(t *testing.T) {
	h := NewHandler(newTestResolver(newMockRegistry()), nil)
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("wallet")
	c.SetParamValues(walletD)
	if err := h.ByWallet(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var d Display
	json.Unmarshal(rec.Body.Bytes(), &d)
	if d.Resolved || d.Label != UnresolvedLabel {
		t.Errorf("unexpected display %+v", d)
	}
}

type profileStub map[string]ledger.PatientProfile

func (p profileStub) GetPatientProfile(_ context.Context, patientID string) (ledger.PatientProfile, error) {
	return p[patientID], nil
}

func TestHandler_MeIncludesPatientProfile(t *testing.T) {
	reg := newMockRegistry(
		ledger.Identity{ShortID: "P1", Role: ledger.RolePatient, WalletAddress: walletP, DisplayName: "Asha"},
		ledger.Identity{ShortID: "D1", Role: ledger.RoleClinician, WalletAddress: walletD, DisplayName: "Dr. Rao"},
	)
	profiles := profileStub{"P1": {DateOfBirth: "1990-04-12", BloodGroup: "O+", Email: "asha@example.com"}}
	h := NewHandler(newTestResolver(reg), profiles)
	e := echo.New()

	me := func(id ledger.Identity) MeResponse {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
		req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{SessionID: "s-1", Identity: id}))
		rec := httptest.NewRecorder()
		if err := h.Me(e.NewContext(req, rec)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var got MeResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return got
	}

	got := me(ledger.Identity{ShortID: "P1", Role: ledger.RolePatient})
	if got.DisplayName != "Asha" || got.Profile == nil || got.Profile.BloodGroup != "O+" {
		t.Errorf("unexpected patient body %+v", got)
	}
	got = me(ledger.Identity{ShortID: "D1", Role: ledger.RoleClinician})
	if got.DisplayName != "Dr. Rao" || got.Profile != nil {
		t.Errorf("expected no profile for a clinician, got %+v", got)
	}
}
