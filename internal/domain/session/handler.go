package session

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/auth"
	"github.com/ehr/consentgate/internal/platform/signaling"
)

type Handler struct {
	mgr         *Manager
	notices     *signaling.Notices
	allowOrigin func(*http.Request) bool
}

func NewHandler(mgr *Manager, notices *signaling.Notices, allowOrigin func(*http.Request) bool) *Handler {
	return &Handler{mgr: mgr, notices: notices, allowOrigin: allowOrigin}
}

// RegisterRoutes mounts the session API on api and the notice socket on
// root.
func (h *Handler) RegisterRoutes(api *echo.Group, root *echo.Group) {
	api.POST("/sessions", h.Open)
	api.DELETE("/sessions/current", h.Close)
	api.GET("/sessions/current", h.Current)
	root.GET("/ws", h.Socket)
}

func (h *Handler) Open(c echo.Context) error {
	var in OpenInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	s, err := h.mgr.Open(c.Request().Context(), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, s)
}

func (h *Handler) Close(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	if err := h.mgr.Close(c.Request().Context(), p.SessionID); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Current(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	s, ok := h.mgr.Get(p.SessionID)
	if !ok {
		return apperr.HTTPError(apperr.ErrUnauthenticated)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": s.ID,
		"identity":   s.Identity,
		"opened_at":  s.OpenedAt,
		"expires_at": s.ExpiresAt,
	})
}

// Socket upgrades to the push-only notice socket of the session's identity.
func (h *Handler) Socket(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	if err := h.notices.Serve(c.Response(), c.Request(), p.Key(), h.allowOrigin); err != nil {
		c.Logger().Errorf("notice socket upgrade failed: %v", err)
		return nil
	}
	return nil
}
