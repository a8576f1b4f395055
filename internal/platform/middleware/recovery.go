package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/auth"
)

const maxStack = 8 << 10

// Recovery answers a panicking handler with the standard error body and
// logs the route and the signed-in identity. Request bodies are never
// logged: they carry medical files.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				stack := make([]byte, maxStack)
				stack = stack[:runtime.Stack(stack, false)]
				rid, _ := c.Get("request_id").(string)
				ev := logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Interface("panic", r).
					Bytes("stack", stack)
				if p, ok := auth.PrincipalFromContext(c.Request().Context()); ok {
					ev = ev.Str("identity", p.Key()).Str("session", p.SessionID)
				}
				ev.Msg("handler panicked")

				// a hijacked socket or a started stream has no room for a body
				if c.Response().Committed {
					err = nil
					return
				}
				err = apperr.HTTPError(fmt.Errorf("panic in %s %s: %v", c.Request().Method, c.Path(), r))
			}()
			return next(c)
		}
	}
}
