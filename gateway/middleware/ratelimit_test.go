package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"issue": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("issue")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/coupons", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestRateLimiterSeparatesRoutesAndClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"issue":  {RequestsPerMinute: 1, Burst: 1},
		"verify": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	issue := limiter.Middleware("issue")(okHandler())
	verify := limiter.Middleware("verify")(okHandler())

	first := httptest.NewRequest(http.MethodPost, "/v1/coupons", nil)
	first.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	for _, h := range []http.Handler{issue, verify} {
		res := httptest.NewRecorder()
		h.ServeHTTP(res, first)
		if res.Code != http.StatusOK {
			t.Fatalf("expected first request per route to succeed, got %d", res.Code)
		}
	}

	other := httptest.NewRequest(http.MethodPost, "/v1/coupons", nil)
	other.Header.Set("X-Real-IP", "198.51.100.4")
	res := httptest.NewRecorder()
	issue.ServeHTTP(res, other)
	if res.Code != http.StatusOK {
		t.Fatalf("expected a different client to have its own bucket, got %d", res.Code)
	}
}

func TestRateLimiterIgnoresUnconfiguredRoutes(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("lookup")(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/nonces/x", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("request %d throttled", i)
		}
	}
}

func TestRateLimiterSweepsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"issue": {RequestsPerMinute: 60, Burst: 1}}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }

	limiter.obtainLimiter("issue|a", limiter.limits["issue"])
	now = now.Add(10 * time.Minute)
	limiter.obtainLimiter("issue|b", limiter.limits["issue"])

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if _, ok := limiter.visitors["issue|a"]; ok {
		t.Fatalf("expected idle visitor to be swept")
	}
	if _, ok := limiter.visitors["issue|b"]; !ok {
		t.Fatalf("expected active visitor to remain")
	}
}

func TestRequestIDPropagatesOrAssigns(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if seen != "abc-123" || res.Header().Get(HeaderRequestID) != "abc-123" {
		t.Fatalf("expected caller id to be kept, got %q", seen)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 36 || res.Header().Get(HeaderRequestID) != seen {
		t.Fatalf("expected generated uuid, got %q", seen)
	}
}
