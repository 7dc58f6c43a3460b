package httpapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strings"
	"time"

	"mcp-telemetry/internal/cache"
	"mcp-telemetry/internal/store"
	"mcp-telemetry/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Health serves GET /health and GET /healthz. Healthy means the database
// answered a ping; everything else in the body is informational. Bodies are
// cached briefly because load balancers tend to poll aggressively.
type Health struct {
	Store   store.Store
	Cache   cache.Store
	Version string
	Env     string
	DBType  string
	Started time.Time

	clock func() time.Time
}

func NewHealth(st store.Store, cs cache.Store, version, env, dbType string) *Health {
	return &Health{
		Store:   st,
		Cache:   cs,
		Version: version,
		Env:     env,
		DBType:  dbType,
		Started: time.Now().UTC(),
		clock:   time.Now,
	}
}

type healthMemory struct {
	Used     uint64 `json:"used"`
	Total    uint64 `json:"total"`
	External uint64 `json:"external"`
	RSS      uint64 `json:"rss"`
}

type healthDatabase struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type healthStats struct {
	TotalEvents int64 `json:"totalEvents"`
}

type healthBody struct {
	Status         string         `json:"status"`
	Timestamp      string         `json:"timestamp"`
	Uptime         float64        `json:"uptime"`
	Version        string         `json:"version"`
	RuntimeVersion string         `json:"runtimeVersion"`
	Environment    string         `json:"environment"`
	Memory         healthMemory   `json:"memory"`
	Database       healthDatabase `json:"database"`
	Stats          healthStats    `json:"stats"`
}

func wantsJSON(g *gin.Context) bool {
	if g.Query("format") == "json" {
		return true
	}
	return strings.Contains(g.GetHeader("Accept"), "application/json")
}

// Handle serves both health routes. Only healthy responses are cached; an
// unhealthy probe must re-check the database every time.
func (h *Health) Handle(g *gin.Context) {
	ctx := g.Request.Context()
	asJSON := wantsJSON(g)

	if h.Cache != nil && asJSON {
		if b, ok := h.Cache.Get(ctx, "health"); ok {
			g.Data(http.StatusOK, contentTypeJSON, b)
			return
		}
	}

	body := h.snapshot(g)
	code := http.StatusOK
	if body.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	if !asJSON {
		g.String(code, body.Status)
		return
	}
	if h.Cache != nil && code == http.StatusOK {
		if b, err := json.Marshal(body); err == nil {
			h.Cache.Set(ctx, "health", b)
			g.Data(code, contentTypeJSON, b)
			return
		}
	}
	g.JSON(code, body)
}

func (h *Health) snapshot(g *gin.Context) healthBody {
	ctx := g.Request.Context()
	now := h.clock().UTC()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	body := healthBody{
		Status:         "healthy",
		Timestamp:      now.Format(time.RFC3339Nano),
		Uptime:         now.Sub(h.Started).Seconds(),
		Version:        h.Version,
		RuntimeVersion: runtime.Version(),
		Environment:    h.Env,
		Memory: healthMemory{
			Used:     ms.HeapAlloc,
			Total:    ms.HeapSys,
			External: ms.StackSys,
			RSS:      ms.Sys,
		},
		Database: healthDatabase{Type: h.DBType, Status: "connected"},
	}

	if err := h.Store.Ping(ctx); err != nil {
		logger.FromGin(g).Error("health check failed", "err", err)
		body.Status = "unhealthy"
		body.Database.Status = "disconnected"
		return body
	}
	if n, err := h.Store.TotalEvents(ctx); err == nil {
		body.Stats.TotalEvents = n
	}
	return body
}
