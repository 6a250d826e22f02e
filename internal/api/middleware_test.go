package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/watchman/internal/logging"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestBodySizeLimit(t *testing.T) {
	handler := BodySizeLimit(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		if _, err := r.Body.Read(buf); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("tiny")))
	if rec.Code != http.StatusOK {
		t.Fatalf("small body: expected 200, got %d", rec.Code)
	}
}

func TestRateLimitPerIP_RefillsOverTime(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	handler := rateLimitPerIPWithClock(1, 1, clock)(okHandler())

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = ip + ":5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("10.0.0.1"); code != http.StatusNoContent {
		t.Fatalf("first request: got %d", code)
	}
	if code := send("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", code)
	}
	if code := send("10.0.0.2"); code != http.StatusNoContent {
		t.Fatalf("other client should have its own bucket, got %d", code)
	}

	now = now.Add(time.Second)
	if code := send("10.0.0.1"); code != http.StatusNoContent {
		t.Fatalf("after refill: got %d", code)
	}
}

func TestRateLimiter_EvictsIdleVisitors(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	l := newIPRateLimiter(1, 1, func() time.Time { return now })
	l.allow("10.0.0.1")
	l.allow("10.0.0.2")

	now = now.Add(limiterIdleTTL)
	l.allow("10.0.0.3")
	if len(l.visitors) != 1 {
		t.Errorf("expected idle visitors evicted, have %d", len(l.visitors))
	}
}

func TestClientIPFromRequest(t *testing.T) {
	tests := []struct {
		remote, forwarded, want string
	}{
		{"192.0.2.10:1234", "", "192.0.2.10"},
		{"192.0.2.10:1234", "203.0.113.5, 10.0.0.1", "203.0.113.5"},
		{"192.0.2.10", "", "192.0.2.10"},
		{"", "", "unknown"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tt.forwarded)
		}
		if got := clientIPFromRequest(req); got != tt.want {
			t.Errorf("clientIPFromRequest(%q, %q) = %q, want %q", tt.remote, tt.forwarded, got, tt.want)
		}
	}
}

func TestRequestLogger_RecoversPanics(t *testing.T) {
	handler := RequestLogger(logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/explode", nil)
	req.Header.Set("X-Request-ID", "req-123")
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") != "req-123" {
		t.Errorf("request id not propagated: %q", rec.Header().Get("X-Request-ID"))
	}
	if !strings.Contains(rec.Body.String(), "/explode") {
		t.Errorf("expected JSON error body, got %s", rec.Body.String())
	}
}
