package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/emr/internal/platform/auth"
)

func TestRequestID_GeneratesULID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var rid string
	handler := func(c echo.Context) error {
		rid = c.Get("request_id").(string)
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ulid.ParseStrict(rid); err != nil {
		t.Errorf("expected a ULID, got %q: %v", rid, err)
	}
	if rec.Header().Get(RequestIDHeader) != rid {
		t.Error("expected X-Request-ID response header to match")
	}
}

func TestRequestID_IncomingHeader(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"well formed", "my-custom-id", true},
		{"control characters", "abc\ndef", false},
		{"too long", strings.Repeat("a", maxRequestIDLen+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(RequestIDHeader, tt.incoming)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			_ = RequestID()(func(c echo.Context) error { return nil })(c)
			got := rec.Header().Get(RequestIDHeader)
			if (got == tt.incoming) != tt.keep {
				t.Errorf("kept = %v, want %v (got %q)", got == tt.incoming, tt.keep, got)
			}
		})
	}
}

func TestLogger_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		level   string
		status  float64
	}{
		{"ok", func(c echo.Context) error { return c.String(http.StatusOK, "ok") }, "info", 200},
		{"client error", func(c echo.Context) error { return auth.HTTPError(auth.ErrTokenExpired) }, "warn", 401},
		{"server error", func(c echo.Context) error { return errors.New("db down") }, "error", 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			e := echo.New()
			e.HTTPErrorHandler = auth.ErrorHandler(zerolog.Nop())
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.Set("principal_id", "p-1")

			if err := Logger(zerolog.New(&buf))(tt.handler)(c); err != nil {
				t.Fatalf("errors are rendered by the logger, got %v", err)
			}

			var line map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
				t.Fatalf("decode log line %q: %v", buf.String(), err)
			}
			if line["level"] != tt.level {
				t.Errorf("level = %v, want %s", line["level"], tt.level)
			}
			if line["status"] != tt.status {
				t.Errorf("status = %v, want %v", line["status"], tt.status)
			}
			if line["principal_id"] != "p-1" {
				t.Errorf("principal_id = %v", line["principal_id"])
			}
			if rec.Code != int(tt.status) {
				t.Errorf("response status = %d, want %v", rec.Code, tt.status)
			}
		})
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		panic("test panic")
	}

	err := Recovery(zerolog.Nop())(handler)(c)
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	if err := Recovery(zerolog.Nop())(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil), rec)

	if err := SecurityHeaders()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c); err != nil {
		t.Fatal(err)
	}
	expected := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Permissions-Policy":        "camera=(), microphone=(), geolocation=()",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Referrer-Policy":           "no-referrer",
		"Cache-Control":             "no-store",
		"Pragma":                    "no-cache",
	}
	for header, want := range expected {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestRequestTimeout_SetsDeadline(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	var deadline time.Time
	var ok bool
	handler := func(c echo.Context) error {
		deadline, ok = c.Request().Context().Deadline()
		return nil
	}
	start := time.Now()
	if err := RequestTimeout(2*time.Second)(handler)(c); err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a deadline on the request context")
	}
	if d := deadline.Sub(start); d <= 0 || d > 2*time.Second+100*time.Millisecond {
		t.Errorf("unexpected deadline offset %s", d)
	}
}
