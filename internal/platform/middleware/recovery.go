package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery converts a handler panic into a 500 carrying the request id, so
// the caller can quote it when reporting the failure.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				rid := GetRequestID(c)
				logger.Error().
					Str("request_id", rid).
					Str("route", c.Path()).
					Str("actor", ActorID(c)).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")

				err = echo.NewHTTPError(http.StatusInternalServerError,
					fmt.Sprintf("internal error (request %s)", rid))
			}()
			return next(c)
		}
	}
}
