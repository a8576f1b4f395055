package records

import (
	"net/http"

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
	patients := api.Group("", auth.RequireRole(ledger.RolePatient))
	patients.POST("/records", h.UploadRecord)
	patients.GET("/records", h.MyRecords)
	patients.GET("/reports", h.MyReports)

	api.GET("/patients/:patientId/records", h.PatientRecords, auth.RequireRole(ledger.RoleClinician))
	api.GET("/patients/:patientId/profile", h.PatientProfile, auth.RequireRole(ledger.RoleClinician))
	api.GET("/patients/:patientId/reports", h.PatientReports, auth.RequireRole(ledger.RoleClinician, ledger.RoleDiagnosticCenter))
	api.POST("/reports", h.UploadReport, auth.RequireRole(ledger.RoleDiagnosticCenter))
}

func (h *Handler) UploadRecord(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	f, closer, err := blobstore.FormFile(c, "file")
	if err != nil {
		return err
	}
	defer closer.Close()

	rec, err := h.svc.UploadRecord(c.Request().Context(), p.Identity, f)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) MyRecords(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	recs, err := h.svc.MyRecords(c.Request().Context(), p.Identity)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(recs, pagination.FromContext(c)))
}

func (h *Handler) MyReports(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	reps, err := h.svc.DiagnosticReports(c.Request().Context(), p.Identity, p.Identity.ShortID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(reps, pagination.FromContext(c)))
}

func (h *Handler) PatientRecords(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	recs, err := h.svc.PatientRecords(c.Request().Context(), p.Identity, c.Param("patientId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(recs, pagination.FromContext(c)))
}

func (h *Handler) PatientProfile(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	profile, err := h.svc.PatientProfile(c.Request().Context(), p.Identity, c.Param("patientId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, profile)
}

func (h *Handler) PatientReports(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	reps, err := h.svc.DiagnosticReports(c.Request().Context(), p.Identity, c.Param("patientId"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(reps, pagination.FromContext(c)))
}

// UploadReport stores a report without linking it. Fulfilling a request in
// one step goes through the request endpoints.
func (h *Handler) UploadReport(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	patientID := c.FormValue("patient_id")
	if patientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	f, closer, err := blobstore.FormFile(c, "file")
	if err != nil {
		return err
	}
	defer closer.Close()

	rep, err := h.svc.UploadDiagnosticReport(c.Request().Context(), p.Identity, patientID,
		c.FormValue("test_type"), c.FormValue("description"), f)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, rep)
}
