package fhir

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Error is a pipeline failure that renders as a single OperationOutcome.
// Leaf stages return it; HTTPErrorHandler is the only place that writes it.
type Error struct {
	Status  int
	Outcome *OperationOutcome
	Header  http.Header
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Outcome != nil && len(e.Outcome.Issue) > 0 {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Outcome.Issue[0].Code, e.Outcome.Issue[0].Diagnostics)
	}
	return http.StatusText(e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Type returns the issue type of the first issue.
func (e *Error) Type() string {
	if e.Outcome == nil || len(e.Outcome.Issue) == 0 {
		return ""
	}
	return e.Outcome.Issue[0].Code
}

// WithHeader sets a response header that is echoed with the outcome.
func (e *Error) WithHeader(key, value string) *Error {
	if e.Header == nil {
		e.Header = http.Header{}
	}
	e.Header.Set(key, value)
	return e
}

// NewError builds an Error carrying one issue.
func NewError(status int, severity, code, diagnostics string, location ...string) *Error {
	return &Error{
		Status: status,
		Outcome: &OperationOutcome{
			ResourceType: "OperationOutcome",
			Issue:        []OperationOutcomeIssue{NewIssue(severity, code, diagnostics, location...)},
		},
	}
}

// OutcomeError wraps an already built outcome, e.g. one accumulating several issues.
func OutcomeError(status int, outcome *OperationOutcome) *Error {
	return &Error{Status: status, Outcome: outcome}
}

// UnsupportedMediaType is returned by content negotiation.
func UnsupportedMediaType(outcome *OperationOutcome) *Error {
	return OutcomeError(http.StatusUnsupportedMediaType, outcome)
}

// AuthError is a 401 challenge. code is one of security, login or expired;
// scheme is "Basic" or "Bearer"; tokenURL, where a fresh token can be
// obtained, goes in the Location header only.
func AuthError(code, scheme, diagnostics, tokenURL string) *Error {
	e := NewError(http.StatusUnauthorized, IssueSeverityError, code, diagnostics, "http.authorization").
		WithHeader("WWW-Authenticate", scheme)
	if tokenURL != "" {
		e.WithHeader("Location", tokenURL)
	}
	return e
}

// Throttled is a 429 that echoes the rate limit headers.
func Throttled(limit, remaining, reset int64) *Error {
	e := NewError(http.StatusTooManyRequests, IssueSeverityError, IssueTypeThrottled,
		"Rate limit exceeded. Please retry after the rate limit window resets.")
	e.Header = http.Header{}
	SetRateLimitHeaders(e.Header, limit, remaining, reset)
	return e
}

// Invalid is a 400 for malformed input scoped to location.
func Invalid(diagnostics, location string) *Error {
	return NewError(http.StatusBadRequest, IssueSeverityError, IssueTypeInvalid, diagnostics, location)
}

func Forbidden(diagnostics string) *Error {
	return NewError(http.StatusForbidden, IssueSeverityError, IssueTypeForbidden, diagnostics)
}

func NotFound(diagnostics string) *Error {
	return NewError(http.StatusNotFound, IssueSeverityFatal, IssueTypeNotFound, diagnostics)
}

// MethodNotAllowed renders as fatal not-found so clients treat the route as absent.
func MethodNotAllowed(method string) *Error {
	return NewError(http.StatusMethodNotAllowed, IssueSeverityFatal, IssueTypeNotFound,
		fmt.Sprintf("HTTP method %s is not allowed on this resource", method))
}

func PreconditionFailed(etag string) *Error {
	return NewError(http.StatusPreconditionFailed, IssueSeverityError, IssueTypeBusinessRule,
		"The resource does not match the ETag supplied in If-Match.", "http.if-match").
		WithHeader("ETag", etag)
}

func NotModified(etag string) *Error {
	return NewError(http.StatusNotModified, IssueSeverityError, IssueTypeBusinessRule,
		"The resource has not been modified since the ETag supplied in If-None-Match.", "http.if-none-match").
		WithHeader("ETag", etag)
}

// Internal wraps an unhandled failure; diagnostics carry the error message.
func Internal(err error) *Error {
	e := NewError(http.StatusInternalServerError, IssueSeverityFatal, IssueTypeException, err.Error())
	e.Err = err
	return e
}

// Translate maps any error to an *Error using the status/type table.
func Translate(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := fmt.Sprint(he.Message)
		switch he.Code {
		case http.StatusNotFound:
			return NotFound(msg)
		case http.StatusMethodNotAllowed:
			return MethodNotAllowed(msg)
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
			return NewError(he.Code, IssueSeverityError, IssueTypeInvalid, msg)
		case http.StatusUnauthorized:
			return NewError(he.Code, IssueSeverityError, IssueTypeSecurity, msg)
		case http.StatusForbidden:
			return Forbidden(msg)
		case http.StatusUnsupportedMediaType:
			return NewError(he.Code, IssueSeverityError, IssueTypeStructure, msg)
		case http.StatusTooManyRequests:
			return NewError(he.Code, IssueSeverityError, IssueTypeThrottled, msg)
		case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return NewError(he.Code, IssueSeverityFatal, IssueTypeTimeout, msg)
		}
		if he.Code >= http.StatusInternalServerError {
			return NewError(he.Code, IssueSeverityFatal, IssueTypeException, msg)
		}
		return NewError(he.Code, IssueSeverityError, IssueTypeInvalid, msg)
	}

	return Internal(err)
}

// HTTPErrorHandler is installed as echo's error handler so every failure in the
// pipeline leaves as an OperationOutcome.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		fe := Translate(err)
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code == http.StatusMethodNotAllowed {
			fe = MethodNotAllowed(c.Request().Method)
		}
		if fe.Status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("path", c.Request().URL.Path).
				Msg("unhandled error")
		}
		if werr := WriteError(c, fe); werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}

// WriteError renders fe. 304 responses and HEAD requests carry headers only.
func WriteError(c echo.Context, fe *Error) error {
	h := c.Response().Header()
	for k, vs := range fe.Header {
		h[k] = vs
	}
	SetFHIRHeaders(h)
	if fe.Status == http.StatusNotModified || c.Request().Method == http.MethodHead {
		c.Response().WriteHeader(fe.Status)
		return nil
	}
	return c.JSON(fe.Status, fe.Outcome)
}
