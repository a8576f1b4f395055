package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass session authentication.
var publicPaths = map[string]bool{
	"/health":          true,
	"/health/ready":    true,
	"/metrics":         true,
	"/api/v1/sessions": true,
}

// AuthSkipper skips authentication for public paths. Opening a session is
// public; closing one is not.
func AuthSkipper(c echo.Context) bool {
	if c.Path() == "/api/v1/sessions" {
		return c.Request().Method == "POST"
	}
	return publicPaths[c.Path()]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
