package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consentgate/internal/platform/ledger"
)

// RequireRole admits only principals whose session role is one of roles.
func RequireRole(roles ...ledger.Role) echo.MiddlewareFunc {
	allowed := make(map[ledger.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
			}
			if !allowed[p.Identity.Role] {
				return echo.NewHTTPError(http.StatusForbidden, "this action requires role "+rolesList(roles))
			}
			return next(c)
		}
	}
}

// MustPrincipal returns the authenticated caller or a 401.
func MustPrincipal(c echo.Context) (Principal, error) {
	p, ok := PrincipalFromContext(c.Request().Context())
	if !ok {
		return Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	return p, nil
}

func rolesList(roles []ledger.Role) string {
	out := ""
	for i, r := range roles {
		if i > 0 {
			out += " or "
		}
		out += string(r)
	}
	return out
}
