package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	headers := []string{
		"X-Frame-Options",
		"X-Content-Type-Options",
		"Content-Security-Policy",
		"Referrer-Policy",
		"Cache-Control",
	}

	for _, header := range headers {
		if rr.Header().Get(header) == "" {
			t.Errorf("Expected header %s to be set", header)
		}
	}

	// HSTS should not be set for non-TLS requests
	if rr.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS header should not be set for non-TLS requests")
	}
}

func TestSecurityHeadersMiddleware_TLS(t *testing.T) {
	handler := SecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.TLS = &tls.ConnectionState{}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS header should be set for TLS requests")
	}
}

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *time.Time) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newRateLimiter(limit, window, logger, func() time.Time { return now })
	return limiter, &now
}

func TestRateLimiter(t *testing.T) {
	limiter, _ := newTestLimiter(5, time.Second)
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if ok, _ := limiter.Allow("test-client"); !ok {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}

	ok, retry := limiter.Allow("test-client")
	if ok {
		t.Error("Request should be rate limited")
	}
	if retry <= 0 || retry > time.Second {
		t.Errorf("unexpected retry delay %v", retry)
	}

	if ok, _ := limiter.Allow("other-client"); !ok {
		t.Error("Different client should be allowed")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	limiter, now := newTestLimiter(2, 100*time.Millisecond)
	defer limiter.Stop()

	limiter.Allow("test-client")
	limiter.Allow("test-client")
	if ok, _ := limiter.Allow("test-client"); ok {
		t.Error("Request should be rate limited")
	}

	*now = now.Add(100 * time.Millisecond)
	if ok, _ := limiter.Allow("test-client"); !ok {
		t.Error("Request should be allowed after window reset")
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	limiter, _ := newTestLimiter(1, time.Second)
	limiter.Stop()
	limiter.Stop()
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter, _ := newTestLimiter(2, time.Minute)
	defer limiter.Stop()

	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/bucket/key", nil)
	req.RemoteAddr = "127.0.0.1:12345"

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("Request %d should succeed, got status %d", i+1, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "<Code>SlowDown</Code>") {
		t.Errorf("expected SlowDown error, got %s", rr.Body.String())
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Errorf("expected Retry-After 60, got %q", rr.Header().Get("Retry-After"))
	}
}

func TestGetClientKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "127.0.0.1:12345"

	if key := getClientKey(req); key != "127.0.0.1:12345" {
		t.Errorf("Expected key %s, got %s", "127.0.0.1:12345", key)
	}

	req.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.1")
	if key := getClientKey(req); key != "192.168.1.1" {
		t.Errorf("Expected key %s, got %s", "192.168.1.1", key)
	}
}
