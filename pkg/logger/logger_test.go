package logger

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNewLevels(t *testing.T) {
	if l := New("production", false); l.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("production should not log debug")
	}
	if l := New("local", false); !l.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("local should log debug")
	}
	if l := New("production", true); !l.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("debug flag should force debug in any env")
	}
}

func TestWithFrom(t *testing.T) {
	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := With(context.Background(), l)
	if From(ctx) != l {
		t.Fatalf("expected the stored logger back")
	}
	if From(context.Background()) != slog.Default() {
		t.Fatalf("expected slog.Default fallback")
	}
}

func TestMiddlewareRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil))

	r := gin.New()
	r.Use(Middleware(l))
	r.GET("/api/events", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.Header.Set(headerRequestID, "rid-42")
	r.ServeHTTP(w, req)

	if got := w.Header().Get(headerRequestID); got != "rid-42" {
		t.Fatalf("request id must be echoed, got %q", got)
	}
	if !strings.Contains(buf.String(), `"request_id":"rid-42"`) {
		t.Fatalf("summary log missing request_id: %s", buf.String())
	}
}

func TestMiddlewareQuietHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil)) // info level

	r := gin.New()
	r.Use(Middleware(l))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if strings.Contains(buf.String(), `"msg":"request"`) {
		t.Fatalf("health probes must not log at info: %s", buf.String())
	}
}
