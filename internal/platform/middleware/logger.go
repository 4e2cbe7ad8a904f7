package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/josephneumann/unkani-sub000/internal/platform/auth"
	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

// Logger writes one access line per request. Client errors log at info,
// server errors at error.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			status := c.Response().Status
			evt := logger.Info()
			if err != nil {
				fe := fhir.Translate(err)
				status = fe.Status
				if status >= 500 {
					evt = logger.Error().Err(err)
				} else {
					evt = evt.Str("issue", fe.Type())
				}
			}

			rid, _ := c.Get("request_id").(string)
			if pid, ok := c.Get(auth.PrincipalIDKey).(string); ok {
				evt = evt.Str("principal_id", pid)
			}
			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
