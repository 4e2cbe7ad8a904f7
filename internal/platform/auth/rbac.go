package auth

import (
	"fmt"

	"github.com/labstack/echo/v4"

	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

// RequireCapability rejects callers whose role lacks capability. It must run
// after Basic or Bearer.
func RequireCapability(capability string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFromContext(c.Request().Context())
			if !ok {
				return fhir.Internal(fmt.Errorf("capability %q checked before authentication", capability))
			}
			if !p.Can(capability) {
				return fhir.Forbidden(fmt.Sprintf("The %q capability is required for this request.", capability))
			}
			return next(c)
		}
	}
}
