package account

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/josephneumann/unkani-sub000/internal/platform/auth"
	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

var errNoPrincipal = errors.New("handler reached without an authenticated principal")

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts POST and DELETE on g, which is expected at /tokens
// with no group middleware. issueLimit guards token minting before
// credentials are checked.
func (h *Handler) RegisterRoutes(g *echo.Group, authn *auth.Authenticator, issueLimit, negotiate echo.MiddlewareFunc) {
	g.POST("", h.IssueToken, negotiate, issueLimit, authn.Basic())
	g.DELETE("", h.RevokeTokens, negotiate, authn.Bearer())
}

func (h *Handler) IssueToken(c echo.Context) error {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return fhir.Internal(errNoPrincipal)
	}
	tok, err := h.svc.IssueToken(p)
	if err != nil {
		return fhir.Internal(err)
	}
	return c.JSON(http.StatusOK, tok)
}

func (h *Handler) RevokeTokens(c echo.Context) error {
	ctx := c.Request().Context()
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return fhir.Internal(errNoPrincipal)
	}
	if err := h.svc.RevokeTokens(ctx, p); err != nil {
		return fhir.Internal(err)
	}
	return c.NoContent(http.StatusNoContent)
}
