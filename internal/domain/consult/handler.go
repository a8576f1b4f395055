package consult

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/auth"
	"github.com/ehr/consentgate/internal/platform/ledger"
	"github.com/ehr/consentgate/internal/platform/signaling"
)

// Coordinators finds the coordinator owned by a session.
type Coordinators interface {
	Coordinator(sessionID string) (*Coordinator, error)
}

type Handler struct {
	sessions Coordinators
}

func NewHandler(sessions Coordinators) *Handler {
	return &Handler{sessions: sessions}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/calls", auth.RequireRole(ledger.RolePatient, ledger.RoleClinician))
	g.POST("", h.Request)
	g.GET("/current", h.Current)
	g.POST("/accept", h.Accept)
	g.POST("/reject", h.Reject)
	g.POST("/cancel", h.Cancel)
	g.POST("/leave", h.Leave)
	g.POST("/abort", h.Abort)
}

func (h *Handler) coordinator(c echo.Context) (*Coordinator, error) {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return nil, err
	}
	coord, err := h.sessions.Coordinator(p.SessionID)
	if err != nil {
		return nil, apperr.HTTPError(err)
	}
	return coord, nil
}

type callRequest struct {
	CounterpartID string `json:"counterpart_id"`
}

func (h *Handler) Request(c echo.Context) error {
	coord, err := h.coordinator(c)
	if err != nil {
		return err
	}
	var req callRequest
	if err := c.Bind(&req); err != nil || req.CounterpartID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "counterpart_id is required")
	}
	call, err := coord.RequestCall(c.Request().Context(), req.CounterpartID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusAccepted, call)
}

func (h *Handler) Current(c echo.Context) error {
	coord, err := h.coordinator(c)
	if err != nil {
		return err
	}
	call, ok := coord.Current()
	if !ok {
		return c.JSON(http.StatusOK, map[string]interface{}{"state": StateIdle})
	}
	return c.JSON(http.StatusOK, call)
}

func (h *Handler) Accept(c echo.Context) error {
	return h.act(c, (*Coordinator).Accept)
}

func (h *Handler) Reject(c echo.Context) error {
	return h.act(c, (*Coordinator).Reject)
}

func (h *Handler) Cancel(c echo.Context) error {
	return h.act(c, (*Coordinator).Cancel)
}

func (h *Handler) Leave(c echo.Context) error {
	return h.act(c, (*Coordinator).Leave)
}

// Abort is sent by the browser when the user navigates away mid-call.
func (h *Handler) Abort(c echo.Context) error {
	coord, err := h.coordinator(c)
	if err != nil {
		return err
	}
	coord.Abort(c.Request().Context(), signaling.ReasonNavigation)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) act(c echo.Context, fn func(*Coordinator, context.Context) (Call, error)) error {
	coord, err := h.coordinator(c)
	if err != nil {
		return err
	}
	call, err := fn(coord, c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, call)
}
