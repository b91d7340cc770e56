package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/carewatch/internal/platform/auth"
)

func limited(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	handler := limited(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	// Send 5 requests (within burst size), all should pass
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	handler := limited(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	for i := 0; i < 2; i++ {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec := httptest.NewRecorder()
	err := handler(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 {
		t.Errorf("expected positive Retry-After, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("expected X-RateLimit-Remaining 0")
	}
}

func TestRateLimit_SeparateKeys(t *testing.T) {
	e := echo.New()
	handler := limited(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	call := func(ip, actor string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		if actor != "" {
			req = req.WithContext(auth.WithIdentity(context.Background(), actor, nil))
		}
		return handler(e.NewContext(req, httptest.NewRecorder()))
	}

	if err := call("10.0.0.1", ""); err != nil {
		t.Fatalf("first client: %v", err)
	}
	if err := call("10.0.0.2", ""); err != nil {
		t.Errorf("second client must have its own bucket, got %v", err)
	}
	if err := call("10.0.0.1", ""); err == nil {
		t.Error("expected first client to be limited")
	}
	// Authenticated callers are keyed by actor, not address.
	if err := call("10.0.0.1", "nurse-1"); err != nil {
		t.Errorf("actor bucket must be separate from the address bucket, got %v", err)
	}
}

func TestRateLimiterStore_Defaults(t *testing.T) {
	s := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	if s.config.MaxClients != 10000 || s.config.IdleTTL <= 0 {
		t.Errorf("expected defaults to be applied, got %+v", s.config)
	}
	if s.get("a") != s.get("a") {
		t.Error("expected the same limiter for the same key")
	}
}
