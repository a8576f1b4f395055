package access

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consentgate/internal/platform/auth"
	"github.com/ehr/consentgate/internal/platform/ledger"
)

func requestAs(id ledger.Identity, method, target, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	return req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{SessionID: "s", Identity: id}))
}

func TestHandler_GrantCheckRevoke(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(requestAs(patient, http.MethodPost, "/api/v1/access/grants", `{"clinician_id":"C100200"}`), rec)
	if err := h.Grant(c); err != nil {
		t.Fatalf("Grant error: %v", err)
	}
	var d Decision
	json.Unmarshal(rec.Body.Bytes(), &d)
	if !d.Granted {
		t.Fatalf("expected granted, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(requestAs(clinician, http.MethodGet, "/", ""), rec)
	c.SetParamNames("counterpartId")
	c.SetParamValues(patient.ShortID)
	if err := h.Check(c); err != nil {
		t.Fatalf("Check error: %v", err)
	}
	json.Unmarshal(rec.Body.Bytes(), &d)
	if !d.Granted {
		t.Error("expected check to report granted")
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(requestAs(patient, http.MethodDelete, "/", ""), rec)
	c.SetParamNames("clinicianId")
	c.SetParamValues(clinician.ShortID)
	if err := h.Revoke(c); err != nil {
		t.Fatalf("Revoke error: %v", err)
	}
	json.Unmarshal(rec.Body.Bytes(), &d)
	if d.Granted {
		t.Error("expected revoked")
	}
}

func TestHandler_GrantRequiresClinician(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()
	c := e.NewContext(requestAs(patient, http.MethodPost, "/", `{}`), httptest.NewRecorder())
	if he, ok := h.Grant(c).(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Error("expected 400 without clinician_id")
	}
}

func TestHandler_UnknownCounterpart(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()
	c := e.NewContext(requestAs(clinician, http.MethodGet, "/", ""), httptest.NewRecorder())
	c.SetParamNames("counterpartId")
	c.SetParamValues("P000")
	if he, ok := h.Check(c).(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", he)
	}
}

func TestHandler_Roster(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Grant(requestAs(patient, http.MethodGet, "/", "").Context(), patient, clinician.ShortID)
	h := NewHandler(svc)
	e := echo.New()
	rec := httptest.NewRecorder()
	if err := h.Roster(e.NewContext(requestAs(clinician, http.MethodGet, "/", ""), rec)); err != nil {
		t.Fatalf("Roster error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}
