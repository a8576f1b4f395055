package access

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/auth"
	"github.com/ehr/consentgate/internal/platform/ledger"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/access")
	g.GET("/check/:counterpartId", h.Check, auth.RequireRole(ledger.RolePatient, ledger.RoleClinician))
	g.GET("/hint/:counterpartId", h.Hint, auth.RequireRole(ledger.RolePatient, ledger.RoleClinician))
	g.POST("/grants", h.Grant, auth.RequireRole(ledger.RolePatient))
	g.DELETE("/grants/:clinicianId", h.Revoke, auth.RequireRole(ledger.RolePatient))
	g.GET("/roster", h.Roster, auth.RequireRole(ledger.RoleClinician))
}

type grantRequest struct {
	ClinicianID string `json:"clinician_id"`
}

func (h *Handler) Check(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Check(c.Request().Context(), p.Identity, c.Param("counterpartId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// Hint returns the advisory decision last observed for the pair. Clients
// may use it to pre-fill a screen; every privileged action re-checks.
func (h *Handler) Hint(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	pair, err := h.svc.Counterpart(c.Request().Context(), p.Identity, c.Param("counterpartId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	hint, ok := h.svc.Gate().Hint(c.Request().Context(), pair.Clinician.ShortID, pair.Patient.ShortID)
	if !ok {
		return c.JSON(http.StatusOK, map[string]interface{}{"known": false, "advisory": true})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"known": true, "advisory": true, "hint": hint})
}

func (h *Handler) Grant(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var req grantRequest
	if err := c.Bind(&req); err != nil || req.ClinicianID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "clinician_id is required")
	}
	d, err := h.svc.Grant(c.Request().Context(), p.Identity, req.ClinicianID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Revoke(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Revoke(c.Request().Context(), p.Identity, c.Param("clinicianId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Roster(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	patients, err := h.svc.Roster(c.Request().Context(), p.Identity)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"patients": patients, "total": len(patients)})
}
