package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mcp-telemetry/internal/cache"
	"mcp-telemetry/internal/event"
	"mcp-telemetry/internal/store"

	"github.com/gin-gonic/gin"
)

type unreachableStore struct {
	store.Store
}

func (unreachableStore) Ping(ctx context.Context) error {
	return errors.New("connection refused")
}

func healthRouter(st store.Store, cs cache.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHealth(st, cs, "1.2.3", "test", "memory")
	r := gin.New()
	r.GET("/health", h.Handle)
	r.GET("/healthz", h.Handle)
	return r
}

func TestHealth_Healthy(t *testing.T) {
	m := store.NewMemory()
	_ = m.InsertEvent(context.Background(), &event.Event{
		Area: event.AreaTool, Name: "execution", Success: true,
		Timestamp: time.Now().UTC(), EventType: event.TypeToolCall,
	})
	r := healthRouter(m, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health?format=json", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Database struct {
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"database"`
		Stats struct {
			TotalEvents int64 `json:"totalEvents"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || body.Database.Status != "connected" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.Version != "1.2.3" || body.Database.Type != "memory" {
		t.Fatalf("unexpected metadata: %+v", body)
	}
	if body.Stats.TotalEvents != 1 {
		t.Fatalf("expected 1 total event, got %d", body.Stats.TotalEvents)
	}
}

func TestHealth_Unhealthy503(t *testing.T) {
	r := healthRouter(unreachableStore{store.NewMemory()}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Accept", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var body struct {
		Status   string `json:"status"`
		Database struct {
			Status string `json:"status"`
		} `json:"database"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "unhealthy" || body.Database.Status != "disconnected" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestHealth_PlainTextWithoutJSONHint(t *testing.T) {
	r := healthRouter(store.NewMemory(), nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || w.Body.String() != "healthy" {
		t.Fatalf("expected plain healthy, got %d %q", w.Code, w.Body.String())
	}
}

func TestHealth_CachedBody(t *testing.T) {
	m := store.NewMemory()
	r := healthRouter(m, cache.NewTTL(time.Minute))

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/health?format=json", nil))
	time.Sleep(2 * time.Millisecond)
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/health?format=json", nil))
	if w1.Body.String() != w2.Body.String() {
		t.Fatalf("expected the cached body to be served verbatim")
	}
}
