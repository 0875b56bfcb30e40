package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	mw := RequestID()
	h := mw(handler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	mw := RequestID()
	h := mw(handler)
	h(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	mw := Logger(logger)
	h := mw(handler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		panic("test panic")
	}

	mw := Recovery(logger)
	h := mw(handler)
	err := h(c)

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
	logger := zerolog.New(os.Stderr).With().Logger()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	mw := Recovery(logger)
	h := mw(handler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLogger_ReportsHTTPErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/missing", nil), httptest.NewRecorder())
	c.Set("request_id", "rid-1")

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	}
	if err := Logger(logger)(handler)(c); err == nil {
		t.Fatal("expected handler error to be returned")
	}
	out := buf.String()
	if !strings.Contains(out, `"status":404`) || !strings.Contains(out, `"request_id":"rid-1"`) {
		t.Errorf("unexpected log line: %s", out)
	}
}

func TestBodyLimit(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		limit   string
		wantErr bool
	}{
		{"under limit", `{"value": 3}`, "1K", false},
		{"over limit", strings.Repeat("x", 2048), "1K", true},
		{"bare bytes", "12345", "4", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(tt.body))
			c := e.NewContext(req, httptest.NewRecorder())

			handler := func(c echo.Context) error {
				_, err := io.ReadAll(c.Request().Body)
				return err
			}
			err := BodyLimit(tt.limit)(handler)(c)
			if tt.wantErr {
				httpErr, ok := err.(*echo.HTTPError)
				if !ok || httpErr.Code != http.StatusRequestEntityTooLarge {
					t.Fatalf("expected 413, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestBodyLimit_UnknownLength(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/", io.NopCloser(strings.NewReader(strings.Repeat("y", 100))))
	req.ContentLength = -1
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	}
	if err := BodyLimit("10")(handler)(c); err == nil {
		t.Fatal("expected the streaming limit to trip")
	}
}

func TestParseLimit(t *testing.T) {
	tests := map[string]int64{
		"":     1 << 20,
		"512":  512,
		"64K":  64 << 10,
		"2MB":  2 << 20,
		"1g":   1 << 30,
		"junk": 1 << 20,
	}
	for in, want := range tests {
		if got := parseLimit(in); got != want {
			t.Errorf("parseLimit(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil), httptest.NewRecorder())

	handler := func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	}
	err := RequestTimeout(10 * time.Millisecond)(handler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %v", err)
	}
}

func TestRequestTimeout_SkipsStream(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())

	handler := func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("stream requests must not carry a deadline")
		}
		return nil
	}
	if err := RequestTimeout(time.Millisecond)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout_ClientGone(t *testing.T) {
	e := echo.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/forms", nil).WithContext(ctx)
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	}
	if err := RequestTimeout(time.Second)(handler)(c); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	if err := SecurityHeaders()(func(c echo.Context) error { return nil })(c); err != nil {
		t.Fatal(err)
	}
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Cache-Control"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("missing %s", h)
		}
	}
}

func TestSecurityHeaders_HSTSOnlyOverHTTPS(t *testing.T) {
	e := echo.New()
	noop := func(c echo.Context) error { return nil }

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	if err := SecurityHeaders()(noop)(c); err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS over plain HTTP: %q", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderXForwardedProto, "https")
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	if err := SecurityHeaders()(noop)(c); err != nil {
		t.Fatal(err)
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected HSTS behind a TLS proxy")
	}
}

func TestRequestTimeout_CustomStreamPrefix(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/events/abc", nil), httptest.NewRecorder())

	handler := func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("stream requests must not carry a deadline")
		}
		return nil
	}
	if err := RequestTimeout(time.Millisecond, "/events")(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout_WaitsForSlowHandler(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPut, "/api/v1/sessions/x/answers/exam/spo2", nil), rec)

	applied := false
	handler := func(c echo.Context) error {
		time.Sleep(30 * time.Millisecond)
		applied = true
		return c.String(http.StatusOK, "applied")
	}
	err := RequestTimeout(5 * time.Millisecond)(handler)(c)
	if !applied {
		t.Fatal("middleware returned before the handler finished")
	}
	if err != nil {
		t.Fatalf("a handler that answered must keep its response, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
