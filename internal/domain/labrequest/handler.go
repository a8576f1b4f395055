package labrequest

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/auth"
	"github.com/ehr/consentgate/internal/platform/blobstore"
	"github.com/ehr/consentgate/internal/platform/ledger"
	"github.com/ehr/consentgate/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/requests")
	g.POST("", h.Create, auth.RequireRole(ledger.RoleClinician))
	g.GET("/:id", h.Get, auth.RequireRole(ledger.RolePatient, ledger.RoleClinician, ledger.RoleDiagnosticCenter))

	centers := g.Group("", auth.RequireRole(ledger.RoleDiagnosticCenter))
	centers.GET("/pending", h.ListPending)
	centers.GET("/assigned", h.ListAssigned)
	centers.POST("/:id/assign", h.Assign)
	centers.POST("/:id/report", h.LinkReport)
	centers.POST("/:id/fulfill", h.Fulfill)
	centers.POST("/:id/approve", h.Approve)
}

func requestID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid request id")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if in.PatientID == "" || in.TestType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id and test_type are required")
	}
	req, err := h.svc.CreateRequest(c.Request().Context(), p.Identity, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, req)
}

func (h *Handler) Get(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := requestID(c)
	if err != nil {
		return err
	}
	req, err := h.svc.Get(c.Request().Context(), p.Identity, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) ListPending(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	reqs, err := h.svc.ListPending(c.Request().Context(), p.Identity)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(reqs, pagination.FromContext(c)))
}

func (h *Handler) ListAssigned(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	reqs, err := h.svc.ListAssigned(c.Request().Context(), p.Identity)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(reqs, pagination.FromContext(c)))
}

func (h *Handler) Assign(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := requestID(c)
	if err != nil {
		return err
	}
	req, err := h.svc.AssignTest(c.Request().Context(), p.Identity, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, req)
}

type linkRequest struct {
	ReportIndex *int64 `json:"report_index"`
}

func (h *Handler) LinkReport(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := requestID(c)
	if err != nil {
		return err
	}
	var body linkRequest
	if err := c.Bind(&body); err != nil || body.ReportIndex == nil || *body.ReportIndex < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "report_index is required")
	}
	req, err := h.svc.UploadReport(c.Request().Context(), p.Identity, id, *body.ReportIndex)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, req)
}

// Fulfill takes a multipart upload. A report that was stored but could not
// be linked is answered with 202 and the partial result.
func (h *Handler) Fulfill(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := requestID(c)
	if err != nil {
		return err
	}
	f, closer, err := blobstore.FormFile(c, "file")
	if err != nil {
		return err
	}
	defer closer.Close()

	res, err := h.svc.Fulfill(c.Request().Context(), p.Identity, id, c.FormValue("description"), f)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if res.LinkError != "" {
		return c.JSON(http.StatusAccepted, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Approve(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := requestID(c)
	if err != nil {
		return err
	}
	req, err := h.svc.ApproveReport(c.Request().Context(), p.Identity, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, req)
}
