package blobstore

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// BlobHandler serves stored files by content hash. Stores that publish only
// through a gateway are answered with a redirect.
type BlobHandler struct {
	store   Store
	gateway Gateway
}

func NewBlobHandler(store Store, gateway Gateway) *BlobHandler {
	return &BlobHandler{store: store, gateway: gateway}
}

func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/blobs/:cid", h.handleDownload)
}

// FormFile opens the multipart file in field as an upload candidate. The
// caller closes the returned file.
func FormFile(c echo.Context, field string) (File, io.Closer, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return File{}, nil, echo.NewHTTPError(http.StatusBadRequest, field+" is required")
	}
	src, err := fh.Open()
	if err != nil {
		return File{}, nil, echo.NewHTTPError(http.StatusBadRequest, "failed to open uploaded file")
	}
	return File{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Content:     src,
	}, src, nil
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	cid, err := ParseCID(c.Param("cid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cid is not a content hash")
	}

	rc, obj, err := h.store.Open(c.Request().Context(), cid)
	switch {
	case errors.Is(err, ErrNotServed):
		return c.Redirect(http.StatusTemporaryRedirect, h.gateway.URL(cid))
	case errors.Is(err, ErrBlobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "blob not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename=%q`, obj.FileName))
	c.Response().Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	return c.Stream(http.StatusOK, obj.ContentType, rc)
}
