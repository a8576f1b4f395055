package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityConfig shapes the headers for the gateway's two kinds of
// response: JSON from the API and stored files streamed back to the browser.
type SecurityConfig struct {
	// HSTS is only meaningful behind TLS, so development leaves it off.
	HSTS bool
	// FilePrefix is the path prefix of routes that stream stored files.
	FilePrefix string
}

const (
	apiPolicy  = "default-src 'none'; frame-ancestors 'none'"
	filePolicy = "default-src 'none'; style-src 'unsafe-inline'; sandbox; frame-ancestors 'none'"
)

// SecurityHeaders keeps medical data out of caches and other origins. A
// stored file is rendered sandboxed, so an uploaded document can never run
// script against the gateway's origin.
func SecurityHeaders(cfg SecurityConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cross-Origin-Resource-Policy", "same-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Cache-Control", "no-store")

			if cfg.FilePrefix != "" && strings.HasPrefix(c.Request().URL.Path, cfg.FilePrefix) {
				h.Set("Content-Security-Policy", filePolicy)
				h.Set("X-Frame-Options", "SAMEORIGIN")
			} else {
				h.Set("Content-Security-Policy", apiPolicy)
				h.Set("X-Frame-Options", "DENY")
			}
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			return next(c)
		}
	}
}
