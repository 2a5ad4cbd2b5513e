package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareThrottles(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 0.001, Burst: 1})
	defer l.Close()
	key := func(r *http.Request) string { return r.Header.Get("X-User-ID") }
	h := NewMiddleware(l, key, nil).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/generate", nil)
		req.Header.Set("X-User-ID", user)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("alice"); rec.Code != http.StatusNoContent || rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("first request: %d %v", rec.Code, rec.Header())
	}
	rec := do("alice")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d %v", rec.Code, rec.Header())
	}
	if rec := do("bob"); rec.Code != http.StatusNoContent {
		t.Fatalf("bob should not be throttled, got %d", rec.Code)
	}
	if rec := do(""); rec.Code != http.StatusNoContent {
		t.Fatalf("anonymous requests pass through, got %d", rec.Code)
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	if got := NewMiddleware(nil, nil, nil).Wrap(next); got == nil {
		t.Fatalf("expected passthrough handler")
	}
}
