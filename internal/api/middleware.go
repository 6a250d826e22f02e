package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultBodyLimitBytes caps webhook and trigger payloads.
	DefaultBodyLimitBytes int64 = 1 << 20

	// DefaultRequestsPerSecond is the sustained per-IP budget on trigger routes.
	DefaultRequestsPerSecond = 1.0

	// DefaultBurst is the per-IP burst on trigger routes.
	DefaultBurst = 10

	// DefaultWebhookRequestsPerSecond and DefaultWebhookBurst bound unverified
	// webhook deliveries. The host sends bursts of pushes from few addresses.
	DefaultWebhookRequestsPerSecond = 10.0
	DefaultWebhookBurst             = 100

	limiterIdleTTL = 10 * time.Minute
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	now      func() time.Time
	visitors map[string]*visitor
}

func newIPRateLimiter(rps float64, burst int, now func() time.Time) *ipRateLimiter {
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	if now == nil {
		now = time.Now
	}
	return &ipRateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      now,
		visitors: make(map[string]*visitor),
	}
}

func (l *ipRateLimiter) allow(clientIP string) bool {
	now := l.now()
	if clientIP == "" {
		clientIP = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Drop idle visitors to keep memory bounded.
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) >= limiterIdleTTL {
			delete(l.visitors, ip)
		}
	}

	v, ok := l.visitors[clientIP]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[clientIP] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// RateLimitPerIP throttles requests by client IP with a token bucket.
func RateLimitPerIP(rps float64, burst int) Middleware {
	return rateLimitPerIPWithClock(rps, burst, time.Now)
}

func rateLimitPerIPWithClock(rps float64, burst int, now func() time.Time) Middleware {
	limiter := newIPRateLimiter(rps, burst, now)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter.allow(clientIPFromRequest(r)) {
				next.ServeHTTP(w, r)
				return
			}
			limiter.reject(w, r)
		})
	}
}

// reject answers 429 with a Retry-After hint of one token interval.
func (l *ipRateLimiter) reject(w http.ResponseWriter, r *http.Request) {
	retryAfter := int(1 / float64(l.rps))
	if retryAfter <= 0 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
}

// SecurityHeaders sets baseline hardening headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// BodySizeLimit caps the request body before handlers read it.
func BodySizeLimit(limitBytes int64) Middleware {
	if limitBytes <= 0 {
		limitBytes = DefaultBodyLimitBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limitBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// RequestLogger tags each request with an X-Request-ID, logs its outcome
// and recovers handler panics as 500s.
func RequestLogger(log logrus.FieldLogger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			entry := log.WithFields(logrus.Fields{
				"request_id": id,
				"method":     r.Method,
				"path":       r.URL.Path,
				"remote":     clientIPFromRequest(r),
			})

			defer func() {
				if p := recover(); p != nil {
					entry.WithField("panic", p).Error("handler panicked")
					writeError(rec, r, http.StatusInternalServerError, "An unexpected error occurred")
				}
				entry.WithFields(logrus.Fields{
					"status":      rec.status,
					"duration_ms": time.Since(start).Milliseconds(),
				}).Info("request")
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

func clientIPFromRequest(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	return addr
}
