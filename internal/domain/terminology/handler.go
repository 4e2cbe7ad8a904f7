package terminology

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

type Handler struct {
	reg     *Registry
	baseURL string
}

func NewHandler(reg *Registry, baseURL string) *Handler {
	return &Handler{reg: reg, baseURL: strings.TrimRight(baseURL, "/")}
}

// RegisterRoutes mounts the ValueSet and CodeSystem reads on the /fhir group.
// pre runs first on every route (negotiation, authentication), then the
// endpoint's rate limiter and the ETag gate.
func (h *Handler) RegisterRoutes(g *echo.Group, pre []echo.MiddlewareFunc, limit func(endpoint string) echo.MiddlewareFunc, etag echo.MiddlewareFunc) {
	chain := func(endpoint string) []echo.MiddlewareFunc {
		out := append([]echo.MiddlewareFunc{}, pre...)
		return append(out, limit(endpoint), etag)
	}
	g.GET("/ValueSet/:id", h.ReadValueSet, chain("valueset_read")...)
	g.GET("/CodeSystem/:id", h.ReadCodeSystem, chain("codesystem_read")...)
}

func (h *Handler) ReadValueSet(c echo.Context) error {
	id := c.Param("id")
	vs, ok := h.reg.ValueSet(id)
	if !ok {
		return fhir.NotFound(fmt.Sprintf("ValueSet/%s not found", id))
	}
	vs.URL = h.baseURL + "/fhir/ValueSet/" + id
	c.Response().Header().Set(echo.HeaderLocation, vs.URL)
	return c.JSON(http.StatusOK, vs)
}

func (h *Handler) ReadCodeSystem(c echo.Context) error {
	id := c.Param("id")
	cs, ok := h.reg.CodeSystem(id)
	if !ok {
		return fhir.NotFound(fmt.Sprintf("CodeSystem/%s not found", id))
	}
	c.Response().Header().Set(echo.HeaderLocation, h.baseURL+"/fhir/CodeSystem/"+id)
	return c.JSON(http.StatusOK, cs)
}
