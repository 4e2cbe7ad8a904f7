package patient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/josephneumann/unkani-sub000/internal/platform/auth"
	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

const resourcePath = "/fhir/Patient"

// Bodies of the Patient interactions that are routed but not implemented.
const (
	msgCreate     = "Patient create: Coming Soon!"
	msgUpdate     = "Patient update: Coming Soon!"
	msgDelete     = "Patient delete: Coming Soon!"
	msgVRead      = "Patient version read: Coming Soon!"
	msgMatch      = "Patient matching operation: Coming Soon!"
	msgEverything = "Patient everything operation: Coming Soon!"
)

type Handler struct {
	svc     *Service
	baseURL string
}

// NewHandler serves the Patient endpoints. baseURL is the external
// scheme://host used in Location headers, fullUrls and bundle links.
func NewHandler(svc *Service, baseURL string) *Handler {
	return &Handler{svc: svc, baseURL: strings.TrimRight(baseURL, "/")}
}

// RouteMiddleware is the per-route chain the Patient interactions are built
// from. Limit returns the rate limiter for a named endpoint; ETag wraps the
// safe reads.
type RouteMiddleware struct {
	Negotiate echo.MiddlewareFunc
	Authn     *auth.Authenticator
	Limit     func(endpoint string) echo.MiddlewareFunc
	ETag      echo.MiddlewareFunc
}

// RegisterRoutes mounts the Patient interactions on the /fhir group. g and the
// /Patient group carry no middleware of their own: echo answers a group with
// middleware from a catch-all route, which would turn 405 into 404.
func (h *Handler) RegisterRoutes(g *echo.Group, mw RouteMiddleware) {
	chain := func(capability, endpoint string, extra ...echo.MiddlewareFunc) []echo.MiddlewareFunc {
		out := []echo.MiddlewareFunc{mw.Negotiate, mw.Authn.Bearer(), auth.RequireCapability(capability), mw.Limit(endpoint)}
		return append(out, extra...)
	}
	read := func(endpoint string, extra ...echo.MiddlewareFunc) []echo.MiddlewareFunc {
		return chain(auth.CapPatientRead, endpoint, extra...)
	}
	admin := func(endpoint string) []echo.MiddlewareFunc {
		return chain(auth.CapPatientAdmin, endpoint)
	}

	p := g.Group("/Patient")
	p.GET("", h.Search, read("patient_search", mw.ETag)...)
	p.POST("/_search", h.Search, read("patient_search")...)
	p.GET("/:id", h.Read, read("patient_read", mw.ETag)...)
	p.GET("/:id/_history/:vid", h.VRead, read("patient_vread", mw.ETag)...)
	p.POST("/$match", h.Match, read("patient_match")...)
	p.POST("/$everything", h.Everything, read("patient_everything")...)

	p.POST("", h.Create, admin("patient_create")...)
	p.PUT("/:id", h.Update, admin("patient_update")...)
	p.DELETE("/:id", h.Delete, admin("patient_delete")...)
}

// Read returns one Patient resource with its canonical URL in Location.
func (h *Handler) Read(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return h.lookupError(id, err)
	}
	res, err := p.Resource()
	if err != nil {
		return fhir.Internal(err)
	}
	c.Response().Header().Set(echo.HeaderLocation, h.canonicalURL(id))
	return c.JSON(http.StatusOK, res)
}

// Search answers GET /Patient and POST /Patient/_search with a searchset
// bundle. Rows that cannot be rendered as FHIR are left out of the entries
// but still count toward total.
func (h *Handler) Search(c echo.Context) error {
	params, err := searchParams(c.Request())
	if err != nil {
		return err
	}
	bundle, err := h.svc.Bundle(c.Request().Context(), params, fhir.BundleRequest{
		BaseURL:      h.baseURL,
		Path:         resourcePath,
		ResourcePath: resourcePath,
		Query:        params,
		Paginate:     true,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) VRead(c echo.Context) error {
	if _, err := strconv.ParseInt(c.Param("vid"), 10, 64); err != nil {
		return fhir.NotFound(fmt.Sprintf("Patient version %q not found", c.Param("vid")))
	}
	return h.stubFor(c, msgVRead)
}

func (h *Handler) Update(c echo.Context) error { return h.stubFor(c, msgUpdate) }

func (h *Handler) Delete(c echo.Context) error { return h.stubFor(c, msgDelete) }

func (h *Handler) Create(c echo.Context) error { return c.JSON(http.StatusOK, msgCreate) }

func (h *Handler) Match(c echo.Context) error { return c.JSON(http.StatusOK, msgMatch) }

func (h *Handler) Everything(c echo.Context) error { return c.JSON(http.StatusOK, msgEverything) }

// stubFor answers with msg once the addressed patient is known to exist.
func (h *Handler) stubFor(c echo.Context, msg string) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	if err := h.svc.RequirePatient(c.Request().Context(), id); err != nil {
		return h.lookupError(id, err)
	}
	return c.JSON(http.StatusOK, msg)
}

func (h *Handler) lookupError(id int64, err error) error {
	if errors.Is(err, ErrPatientNotFound) {
		return fhir.NotFound(fmt.Sprintf("Patient/%d not found", id))
	}
	return fhir.Internal(err)
}

func (h *Handler) canonicalURL(id int64) string {
	return h.baseURL + resourcePath + "/" + strconv.FormatInt(id, 10)
}

// patientID reads the integer id path parameter. Anything else names no
// patient.
func patientID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fhir.NotFound(fmt.Sprintf("Patient/%s not found", c.Param("id")))
	}
	return id, nil
}

// searchParams returns the query string pairs followed by the pairs of a
// form-encoded POST body, each in wire order.
func searchParams(req *http.Request) ([]fhir.QueryParam, error) {
	params, err := fhir.ParseQueryOrdered(req.URL.RawQuery)
	if err != nil {
		return nil, fhir.Invalid(err.Error(), "http.query")
	}
	if req.Method != http.MethodPost || req.Body == nil {
		return params, nil
	}
	mime, _, _ := strings.Cut(req.Header.Get(echo.HeaderContentType), ";")
	if !strings.EqualFold(strings.TrimSpace(mime), echo.MIMEApplicationForm) {
		return params, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fhir.Invalid(fmt.Sprintf("could not read search form: %v", err), "http.body")
	}
	form, err := fhir.ParseQueryOrdered(string(body))
	if err != nil {
		return nil, fhir.Invalid(err.Error(), "http.body")
	}
	return append(params, form...), nil
}
