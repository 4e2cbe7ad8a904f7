package middleware

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/josephneumann/unkani-sub000/internal/platform/auth"
	"github.com/josephneumann/unkani-sub000/internal/platform/counter"
	"github.com/josephneumann/unkani-sub000/internal/platform/fhir"
)

// expiryGrace keeps a window's counter alive briefly past its reset so a
// request racing the boundary still sees the old count.
const expiryGrace = 10

// RateLimiterConfig configures the fixed-window limiter.
type RateLimiterConfig struct {
	Store   counter.Store
	Enabled bool
	Logger  zerolog.Logger
	Metrics *Metrics
	// Now overrides the clock that places requests in windows.
	Now     func() time.Time
}

// RateLimiter enforces per-principal, per-endpoint request ceilings over
// fixed windows held in a shared counter store.
type RateLimiter struct {
	store   counter.Store
	enabled bool
	logger  zerolog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		store:   cfg.Store,
		enabled: cfg.Enabled,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     now,
	}
}

// Window describes the state of one rate bucket after an increment.
type Window struct {
	Limit     int64
	Current   int64
	Remaining int64
	Reset     int64
}

func (w Window) Allowed() bool { return w.Current <= w.Limit }

// WindowKey is the counter key for endpoint and principal in the window
// ending at reset.
func WindowKey(endpoint, principal string, reset int64) string {
	return fmt.Sprintf("%s/%s/%d", endpoint, principal, reset)
}

// WindowReset returns the epoch at which the window containing now ends.
func WindowReset(now time.Time, period time.Duration) int64 {
	p := int64(period / time.Second)
	if p < 1 {
		p = 1
	}
	return now.Unix()/p*p + p
}

// Limit allows at most limit requests per period for each caller of
// endpoint. Every response carries the X-RateLimit headers; requests past the
// limit fail with 429. Callers are keyed by principal id, or by client IP
// when unauthenticated.
func (l *RateLimiter) Limit(endpoint string, limit int64, period time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !l.enabled {
				return next(c)
			}

			principal := "ip:" + c.RealIP()
			if p, ok := auth.PrincipalFromContext(c.Request().Context()); ok {
				principal = strconv.FormatInt(p.ID, 10)
			}

			reset := WindowReset(l.now(), period)
			key := WindowKey(endpoint, principal, reset)
			current, err := l.store.IncrExpireAt(c.Request().Context(), key, reset+expiryGrace)
			if err != nil {
				// Counter store outages fail open.
				l.logger.Warn().Err(err).Str("endpoint", endpoint).Str("principal", principal).
					Msg("rate limit counter unavailable")
				l.metrics.counterError(endpoint)
				fhir.SetRateLimitHeaders(c.Response().Header(), limit, limit, reset)
				return next(c)
			}

			w := Window{Limit: limit, Current: current, Remaining: limit - current, Reset: reset}
			fhir.SetRateLimitHeaders(c.Response().Header(), w.Limit, w.Remaining, w.Reset)
			if !w.Allowed() {
				l.logger.Warn().Str("endpoint", endpoint).Str("principal", principal).
					Int64("count", current).Msg("rate limit exceeded")
				l.metrics.throttle(endpoint)
				return fhir.Throttled(w.Limit, w.Remaining, w.Reset)
			}
			return next(c)
		}
	}
}

// ipLimiter is a token bucket per client IP, for endpoints reached before a
// principal exists.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	rps     rate.Limit
	burst   int
	ttl     time.Duration
}

type ipBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func (s *ipLimiter) get(ip string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[ip]
	if !ok {
		b = &ipBucket{lim: rate.NewLimiter(s.rps, s.burst)}
		s.buckets[ip] = b
	}
	b.seen = now
	if len(s.buckets) > 1024 {
		for k, v := range s.buckets {
			if now.Sub(v.seen) > s.ttl {
				delete(s.buckets, k)
			}
		}
	}
	return b.lim
}

// IPRateLimit throttles by client IP using a token bucket of rps with burst.
func IPRateLimit(rps float64, burst int) echo.MiddlewareFunc {
	store := &ipLimiter{buckets: map[string]*ipBucket{}, rps: rate.Limit(rps), burst: burst, ttl: 5 * time.Minute}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			now := time.Now()
			lim := store.get(c.RealIP(), now)
			if !lim.AllowN(now, 1) {
				wait := time.Second
				if rps > 0 {
					wait = time.Duration(float64(time.Second) / rps)
				}
				return fhir.Throttled(int64(burst), 0, now.Add(wait).Unix()+1)
			}
			return next(c)
		}
	}
}
