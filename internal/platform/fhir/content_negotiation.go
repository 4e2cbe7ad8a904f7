package fhir

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// FHIRContentType is the only media type this service answers with.
const FHIRContentType = "application/fhir+json"

// FHIRCharset is advertised in the Charset header on every response.
const FHIRCharset = "UTF-8"

const formContentType = "application/x-www-form-urlencoded"

// jsonMimeTypes are the media types accepted in _format, Accept and Content-Type.
var jsonMimeTypes = map[string]bool{
	"application/fhir+json": true,
	"application/json+fhir": true,
	"application/json":      true,
	"json":                  true,
}

// SetFHIRHeaders stamps the FHIR content headers onto h.
func SetFHIRHeaders(h http.Header) {
	h.Set(echo.HeaderContentType, FHIRContentType)
	h.Set("Charset", FHIRCharset)
}

// ContentNegotiationMiddleware inspects _format, Accept-Charset, Accept and
// Content-Type. Every offending value becomes a structure issue located at the
// header it came from; if any accumulate the request ends with 415.
// A form-encoded body is accepted on POST .../_search only.
func ContentNegotiationMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			SetFHIRHeaders(c.Response().Header())

			req := c.Request()
			b := NewOutcomeBuilder()

			if format := c.QueryParam("_format"); format != "" {
				if !isJSONFormat(format) {
					b.AddIssueWithLocation(IssueSeverityError, IssueTypeStructure,
						fmt.Sprintf("An invalid mime-type was requested in the _format parameter: %s", format),
						"http._format")
				}
			}

			if cs := req.Header.Get("Accept-Charset"); cs != "" {
				if name, _ := splitMediaType(firstSegment(cs)); !isUTF8(name) {
					b.AddIssueWithLocation(IssueSeverityError, IssueTypeStructure,
						fmt.Sprintf("An invalid charset was requested in the Accept-Charset header: %s", cs),
						"http.accept-charset")
				}
			}

			if accept := req.Header.Get("Accept"); accept != "" {
				mime, charset := splitMediaType(firstSegment(accept))
				if mime != "" && !isJSONFormat(mime) && !isWildcard(mime) {
					b.AddIssueWithLocation(IssueSeverityError, IssueTypeStructure,
						fmt.Sprintf("An invalid mime-type was requested in the Accept header: %s", mime),
						"http.accept")
				}
				if charset != "" && !isUTF8(charset) {
					b.AddIssueWithLocation(IssueSeverityError, IssueTypeStructure,
						fmt.Sprintf("An invalid charset was requested in the Accept header charset parameter: %s", charset),
						"http.accept")
				}
			}

			if ct := req.Header.Get(echo.HeaderContentType); ct != "" {
				mime, charset := splitMediaType(firstSegment(ct))
				formOK := mime == formContentType && req.Method == http.MethodPost &&
					strings.HasSuffix(req.URL.Path, "/_search")
				if mime != "" && !isJSONFormat(mime) && !formOK {
					b.AddIssueWithLocation(IssueSeverityError, IssueTypeStructure,
						fmt.Sprintf("An invalid mime-type was designated in the Content-Type header: %s", mime),
						"http.content-type")
				}
				if charset != "" && !isUTF8(charset) {
					b.AddIssueWithLocation(IssueSeverityError, IssueTypeStructure,
						fmt.Sprintf("An invalid charset was designated in the Content-Type header: %s", charset),
						"http.content-type")
				}
			}

			if b.Len() > 0 {
				return UnsupportedMediaType(b.Build())
			}
			return next(c)
		}
	}
}

// normalizeFormat lowercases, trims, and restores the "+" that query-string
// decoding turns into a space ("application/fhir json").
func normalizeFormat(raw string) string {
	f := strings.TrimSpace(strings.ToLower(raw))
	f = strings.ReplaceAll(f, "fhir json", "fhir+json")
	f = strings.ReplaceAll(f, "json fhir", "json+fhir")
	return f
}

func isJSONFormat(format string) bool {
	return jsonMimeTypes[normalizeFormat(format)]
}

// isWildcard reports whether an Accept media range can be satisfied with JSON.
func isWildcard(mime string) bool {
	switch normalizeFormat(mime) {
	case "*/*", "application/*":
		return true
	}
	return false
}

func isUTF8(charset string) bool {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "utf-8", "utf8", "*":
		return true
	}
	return false
}

// firstSegment returns the first comma separated element of a header value.
func firstSegment(v string) string {
	return strings.TrimSpace(strings.SplitN(v, ",", 2)[0])
}

// splitMediaType splits "type/sub; charset=x; q=1" into the media type and
// the charset parameter, ignoring every other parameter.
func splitMediaType(v string) (mime, charset string) {
	parts := strings.Split(v, ";")
	mime = strings.ToLower(strings.TrimSpace(parts[0]))
	for _, p := range parts[1:] {
		k, val, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), "charset") {
			charset = strings.Trim(strings.TrimSpace(val), `"`)
		}
	}
	return mime, charset
}
