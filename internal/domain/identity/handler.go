package identity

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/auth"
	"github.com/ehr/consentgate/internal/platform/ledger"
)

// ProfileReader reads a patient's own profile.
type ProfileReader interface {
	GetPatientProfile(ctx context.Context, patientID string) (ledger.PatientProfile, error)
}

type Handler struct {
	resolver *Resolver
	profiles ProfileReader
}

func NewHandler(resolver *Resolver, profiles ProfileReader) *Handler {
	return &Handler{resolver: resolver, profiles: profiles}
}

// MeResponse is the caller's registration; patients also get their profile.
type MeResponse struct {
	ledger.Identity
	Profile *ledger.PatientProfile `json:"profile,omitempty"`
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/me", h.Me)
	api.GET("/identities/:role/:shortId", h.Get)
	api.GET("/identities/by-wallet/:wallet", h.ByWallet)
}

// Me returns the caller's registration as currently held by the ledger.
func (h *Handler) Me(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	id, err := h.resolver.Resolve(ctx, p.Identity.Role, p.Identity.ShortID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	resp := MeResponse{Identity: id}
	if id.Role == ledger.RolePatient && h.profiles != nil {
		profile, err := h.profiles.GetPatientProfile(ctx, id.ShortID)
		if err != nil {
			return apperr.HTTPError(err)
		}
		resp.Profile = &profile
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Get(c echo.Context) error {
	role, err := ledger.ParseRole(c.Param("role"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid role")
	}
	id, err := h.resolver.Resolve(c.Request().Context(), role, c.Param("shortId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, id)
}

func (h *Handler) ByWallet(c echo.Context) error {
	return c.JSON(http.StatusOK, h.resolver.DisplayFor(c.Param("wallet")))
}
