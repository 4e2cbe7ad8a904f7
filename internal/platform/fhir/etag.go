package fhir

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ETagCacheControl is sent alongside every computed ETag.
const ETagCacheControl = "max-age=86400"

// ETagConfig configures the ETag gate.
type ETagConfig struct {
	// Development turns a misuse on an unsafe method into a panic.
	Development bool
}

// ErrUnsafeETagMethod is returned when the gate sees anything but GET or HEAD.
var ErrUnsafeETagMethod = errors.New("etag gate only wraps GET and HEAD handlers")

// ETagMiddleware buffers the wrapped handler's body, tags it with the quoted
// md5 of the bytes and honors If-Match (412 on mismatch) and, failing that,
// If-None-Match (304 on match). Both short-circuits carry business-rule outcomes.
func ETagMiddleware(cfg ETagConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodGet && req.Method != http.MethodHead {
				if cfg.Development {
					panic(fmt.Sprintf("%v: %s %s", ErrUnsafeETagMethod, req.Method, c.Path()))
				}
				return Internal(fmt.Errorf("%w: %s", ErrUnsafeETagMethod, req.Method))
			}

			resp := c.Response()
			origWriter := resp.Writer
			rec := &etagRecorder{
				ResponseWriter: origWriter,
				body:           &bytes.Buffer{},
				statusCode:     http.StatusOK,
			}
			resp.Writer = rec
			defer func() { resp.Writer = origWriter }()

			if err := next(c); err != nil {
				resetResponse(resp)
				return err
			}

			if rec.statusCode != http.StatusOK {
				return rec.flush(origWriter)
			}

			tag := ComputeETag(rec.body.Bytes())

			if ifMatch := req.Header.Get("If-Match"); ifMatch != "" {
				if !etagListMatches(ifMatch, tag) {
					resetResponse(resp)
					return PreconditionFailed(tag)
				}
			} else if ifNoneMatch := req.Header.Get("If-None-Match"); ifNoneMatch != "" {
				if etagListMatches(ifNoneMatch, tag) {
					resetResponse(resp)
					return NotModified(tag)
				}
			}

			h := origWriter.Header()
			h.Set("ETag", tag)
			h.Set("Cache-Control", ETagCacheControl)
			return rec.flush(origWriter)
		}
	}
}

// ComputeETag returns the quoted md5 hex digest of body.
func ComputeETag(body []byte) string {
	sum := md5.Sum(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// etagListMatches compares a comma separated list of client tags with tag.
// "*" matches anything and weak validators compare by their opaque value.
func etagListMatches(header, tag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == tag || `"`+strings.Trim(candidate, `"`)+`"` == tag {
			return true
		}
	}
	return false
}

// resetResponse forgets anything the wrapped handler committed so the error
// handler can write a fresh response.
func resetResponse(resp *echo.Response) {
	resp.Committed = false
	resp.Status = 0
	resp.Size = 0
	resp.Header().Del(echo.HeaderContentLength)
}

// etagRecorder captures the body and status written by downstream handlers.
type etagRecorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	wroteHead  bool
}

func (r *etagRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.wroteHead = true
}

func (r *etagRecorder) Write(b []byte) (int, error) {
	if !r.wroteHead {
		r.statusCode = http.StatusOK
		r.wroteHead = true
	}
	return r.body.Write(b)
}

// flush writes the buffered response to w.
func (r *etagRecorder) flush(w http.ResponseWriter) error {
	w.WriteHeader(r.statusCode)
	_, err := w.Write(r.body.Bytes())
	return err
}
