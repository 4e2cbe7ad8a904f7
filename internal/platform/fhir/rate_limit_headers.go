package fhir

import (
	"net/http"
	"strconv"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// SetRateLimitHeaders writes the limit triple. Remaining is clamped at zero.
func SetRateLimitHeaders(h http.Header, limit, remaining, reset int64) {
	if remaining < 0 {
		remaining = 0
	}
	h.Set(HeaderRateLimitLimit, strconv.FormatInt(limit, 10))
	h.Set(HeaderRateLimitRemaining, strconv.FormatInt(remaining, 10))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(reset, 10))
}
