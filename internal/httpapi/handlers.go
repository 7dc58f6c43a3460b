package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mcp-telemetry/internal/analytics"
	"mcp-telemetry/internal/cache"
	"mcp-telemetry/internal/event"
	"mcp-telemetry/internal/store"
	"mcp-telemetry/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Analytics *analytics.Service
	Store     store.Store
	Caches    *cache.Caches

	// MaxDBSize is the configured storage ceiling in bytes.
	MaxDBSize int64
}

// noneUserID short-circuits event listings to an empty page. Dashboards
// send it to render the "no user selected" state without a round trip.
const noneUserID = "__none__"

const contentTypeJSON = "application/json; charset=utf-8"

func internalError(g *gin.Context, err error) {
	logger.FromGin(g).Error("query failed", "path", g.FullPath(), "err", err)
	g.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"status":  "error",
		"message": "Internal server error",
	})
}

func intQuery(g *gin.Context, name string, def int) int {
	raw := g.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func boolQuery(g *gin.Context, name string) bool {
	return g.Query(name) == "true" || g.Query(name) == "1"
}

// csvQuery splits a comma-separated query value, dropping empties.
func csvQuery(g *gin.Context, name string) []string {
	raw := g.Query(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func timeQuery(g *gin.Context, name string) time.Time {
	raw := g.Query(name)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// respondCached serves the rendered body from cs when present; otherwise it
// computes, caches, and serves. A nil cs disables caching for this call,
// which is how paginated and non-default queries opt out.
func (h Handlers) respondCached(g *gin.Context, cs cache.Store, key string, tags []string, compute func() (any, error)) {
	ctx := g.Request.Context()
	if cs != nil {
		if b, ok := cs.Get(ctx, key); ok {
			g.Data(http.StatusOK, contentTypeJSON, b)
			return
		}
	}
	v, err := compute()
	if err != nil {
		internalError(g, err)
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		internalError(g, err)
		return
	}
	if cs != nil {
		cs.Set(ctx, key, b, tags...)
	}
	g.Data(http.StatusOK, contentTypeJSON, b)
}

// --- Events ---

// ListEvents is GET /api/events. Paginated listings are never cached.
func (h Handlers) ListEvents(g *gin.Context) {
	limit := intQuery(g, "limit", 100)
	offset := intQuery(g, "offset", 0)

	if g.Query("userId") == noneUserID {
		g.JSON(http.StatusOK, analytics.EventsResult{
			Events: []*event.Event{}, Total: 0, Limit: limit, Offset: offset,
		})
		return
	}

	f := store.EventFilter{
		SessionID:  g.Query("sessionId"),
		EventTypes: csvQuery(g, "eventType"),
		Areas:      csvQuery(g, "area"),
		UserIDs:    csvQuery(g, "userId"),
		OrgID:      g.Query("orgId"),
		ServerID:   g.Query("serverId"),
		Start:      timeQuery(g, "startDate"),
		End:        timeQuery(g, "endDate"),
		OrderBy:    g.Query("orderBy"),
		Order:      g.Query("order"),
		Limit:      limit,
		Offset:     offset,
	}
	res, err := h.Analytics.ListEvents(g.Request.Context(), f)
	if err != nil {
		internalError(g, err)
		return
	}
	g.JSON(http.StatusOK, res)
}

func (h Handlers) GetEvent(g *gin.Context) {
	id, err := strconv.ParseInt(g.Param("id"), 10, 64)
	if err != nil {
		g.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid event id"})
		return
	}
	e, err := h.Analytics.GetEvent(g.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.AbortWithStatusJSON(http.StatusNotFound, gin.H{"status": "error", "message": "Event not found"})
		return
	}
	if err != nil {
		internalError(g, err)
		return
	}
	g.JSON(http.StatusOK, e)
}

// EventTypeStats is GET /api/event-types. Cached only for the unfiltered
// query; per-session and per-user breakdowns are cheap enough to recompute.
func (h Handlers) EventTypeStats(g *gin.Context) {
	sessionID := g.Query("sessionId")
	userIDs := csvQuery(g, "userId")

	var cs cache.Store
	if sessionID == "" && len(userIDs) == 0 {
		cs = h.Caches.Stats
	}
	h.respondCached(g, cs, cache.Key("event-types", nil), []string{cache.TagEvents}, func() (any, error) {
		return h.Analytics.EventTypeStats(g.Request.Context(), sessionID, userIDs)
	})
}

// ListUserIDs is GET /api/users, the distinct-user lookup behind dashboard
// filter dropdowns. Cheap but hit constantly, hence its own cache with the
// longest TTL.
func (h Handlers) ListUserIDs(g *gin.Context) {
	key := cache.Key("user-ids", nil)
	h.respondCached(g, h.Caches.UserIDs, key, []string{cache.TagUsers, cache.TagEvents}, func() (any, error) {
		return h.Store.ListUserIDs(g.Request.Context())
	})
}

// --- Sessions ---

func (h Handlers) ListSessions(g *gin.Context) {
	userID := g.Query("userId")
	limit := intQuery(g, "limit", 100)
	offset := intQuery(g, "offset", 0)
	include := boolQuery(g, "includeUsersWithoutSessions")

	var cs cache.Store
	if userID == "" && offset == 0 && !include {
		cs = h.Caches.Sessions
	}
	key := cache.Key("sessions", map[string]any{"limit": limit})
	h.respondCached(g, cs, key, []string{cache.TagSessions, cache.TagEvents}, func() (any, error) {
		return h.Analytics.Sessions(g.Request.Context(), userID, limit, offset, include)
	})
}

// --- Aggregates ---

func (h Handlers) DailyStats(g *gin.Context) {
	days := intQuery(g, "days", 7)
	byType := boolQuery(g, "byEventType")

	key := cache.Key("daily-stats", map[string]any{"days": days, "byEventType": byType})
	h.respondCached(g, h.Caches.Stats, key, []string{cache.TagEvents, cache.TagSessions}, func() (any, error) {
		if byType {
			return h.Analytics.DailyStatsByType(g.Request.Context(), days)
		}
		return h.Analytics.DailyStats(g.Request.Context(), days)
	})
}

func (h Handlers) TopUsers(g *gin.Context) {
	days := intQuery(g, "days", 1)
	limit := intQuery(g, "limit", 10)

	key := cache.Key("top-users", map[string]any{"days": days, "limit": limit})
	h.respondCached(g, h.Caches.Stats, key, []string{cache.TagEvents, cache.TagUsers}, func() (any, error) {
		return h.Analytics.TopUsers(g.Request.Context(), days, limit)
	})
}

// TopTeams is GET /api/top-teams-today. Mappings come from the `mappings`
// query parameter (JSON array) or, when absent, from the teamMappings
// setting. Requests with explicit mappings bypass the cache.
func (h Handlers) TopTeams(g *gin.Context) {
	days := intQuery(g, "days", 1)
	limit := intQuery(g, "limit", 10)

	var (
		mappings []analytics.TeamMapping
		cs       cache.Store
	)
	if raw := g.Query("mappings"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
			g.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"status": "error", "message": "mappings must be a JSON array"})
			return
		}
	} else {
		cs = h.Caches.Stats
		if stored, err := h.Store.GetSetting(g.Request.Context(), "teamMappings"); err == nil && stored != "" {
			// A malformed stored value behaves like no mappings at all.
			_ = json.Unmarshal([]byte(stored), &mappings)
		}
	}

	key := cache.Key("top-teams", map[string]any{"days": days, "limit": limit})
	h.respondCached(g, cs, key, []string{cache.TagEvents}, func() (any, error) {
		return h.Analytics.TopTeams(g.Request.Context(), days, limit, mappings)
	})
}

func (h Handlers) ToolUsage(g *gin.Context) {
	days := intQuery(g, "days", 7)

	key := cache.Key("tool-usage", map[string]any{"days": days})
	h.respondCached(g, h.Caches.Stats, key, []string{cache.TagEvents}, func() (any, error) {
		return h.Analytics.ToolUsage(g.Request.Context(), days)
	})
}

func (h Handlers) DatabaseSize(g *gin.Context) {
	key := cache.Key("database-size", nil)
	h.respondCached(g, h.Caches.Stats, key, []string{cache.TagEvents}, func() (any, error) {
		return h.Analytics.DatabaseSize(g.Request.Context(), h.MaxDBSize)
	})
}
