package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/emr/internal/platform/auth"
)

func newLimitedServer(l *RateLimiter) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = auth.ErrorHandler(zerolog.Nop())
	e.POST("/login", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, l.Middleware())
	return e
}

func post(e *echo.Echo, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	e := newLimitedServer(l)

	for i := 0; i < 2; i++ {
		if rec := post(e, "10.0.0.1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := post(e, "10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"code":"rate_limited"`) {
		t.Errorf("expected rate_limited body, got %s", rec.Body.String())
	}
	ra, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || ra < 1 {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	if rec := post(e, "10.0.0.2"); rec.Code != http.StatusOK {
		t.Errorf("other clients have their own bucket, got %d", rec.Code)
	}

	now = now.Add(time.Second)
	if rec := post(e, "10.0.0.1"); rec.Code != http.StatusOK {
		t.Errorf("bucket must refill, got %d", rec.Code)
	}
}

func TestRateLimit_Sweep(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	e := newLimitedServer(l)

	post(e, "10.0.0.1")
	now = now.Add(30 * time.Second)
	post(e, "10.0.0.2")
	now = now.Add(45 * time.Second)

	if n := l.Sweep(); n != 1 {
		t.Errorf("expected 1 idle bucket swept, got %d", n)
	}
	l.mu.Lock()
	_, kept := l.clients["10.0.0.2"]
	l.mu.Unlock()
	if !kept {
		t.Error("recently seen client must be kept")
	}
}
