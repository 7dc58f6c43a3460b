package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"mcp-telemetry/internal/store"

	"github.com/gin-gonic/gin"
)

// DeleteEvent is DELETE /api/events/:id. Soft delete: the row moves to the
// trash and disappears from every read path until purged or restored by
// hand in the database.
func (h Handlers) DeleteEvent(g *gin.Context) {
	id, err := strconv.ParseInt(g.Param("id"), 10, 64)
	if err != nil {
		g.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid event id"})
		return
	}
	err = h.Store.SoftDeleteEvent(g.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.AbortWithStatusJSON(http.StatusNotFound, gin.H{"status": "error", "message": "Event not found"})
		return
	}
	if err != nil {
		internalError(g, err)
		return
	}
	h.Caches.InvalidateWrites(g.Request.Context())
	g.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// DeleteEvents is DELETE /api/events. With sessionId it soft-deletes one
// logical session; without it, everything.
func (h Handlers) DeleteEvents(g *gin.Context) {
	var (
		n   int64
		err error
	)
	if sid := g.Query("sessionId"); sid != "" {
		n, err = h.Store.SoftDeleteSession(g.Request.Context(), sid)
	} else {
		n, err = h.Store.SoftDeleteAll(g.Request.Context())
	}
	if err != nil {
		internalError(g, err)
		return
	}
	h.Caches.InvalidateWrites(g.Request.Context())
	g.JSON(http.StatusOK, gin.H{"status": "ok", "deleted": n})
}

// ListDeleted is GET /api/events/deleted, the trash listing.
func (h Handlers) ListDeleted(g *gin.Context) {
	limit := intQuery(g, "limit", 100)
	offset := intQuery(g, "offset", 0)

	events, total, err := h.Store.ListDeleted(g.Request.Context(), limit, offset)
	if err != nil {
		internalError(g, err)
		return
	}
	g.JSON(http.StatusOK, gin.H{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// PurgeDeleted is DELETE /api/events/deleted/:id, removing one trash row
// permanently.
func (h Handlers) PurgeDeleted(g *gin.Context) {
	id, err := strconv.ParseInt(g.Param("id"), 10, 64)
	if err != nil {
		g.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid event id"})
		return
	}
	err = h.Store.PurgeDeleted(g.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.AbortWithStatusJSON(http.StatusNotFound, gin.H{"status": "error", "message": "Event not found"})
		return
	}
	if err != nil {
		internalError(g, err)
		return
	}
	g.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// EmptyTrash is DELETE /api/events/deleted. Purging trash rows changes no
// live read, so caches stay untouched.
func (h Handlers) EmptyTrash(g *gin.Context) {
	n, err := h.Store.EmptyTrash(g.Request.Context())
	if err != nil {
		internalError(g, err)
		return
	}
	g.JSON(http.StatusOK, gin.H{"status": "ok", "deleted": n})
}

// --- Settings ---

type settingRequest struct {
	Value string `json:"value"`
}

func (h Handlers) GetSetting(g *gin.Context) {
	key := g.Param("key")
	value, err := h.Store.GetSetting(g.Request.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		g.AbortWithStatusJSON(http.StatusNotFound, gin.H{"status": "error", "message": "Setting not found"})
		return
	}
	if err != nil {
		internalError(g, err)
		return
	}
	g.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

func (h Handlers) PutSetting(g *gin.Context) {
	key := g.Param("key")
	var req settingRequest
	if err := g.ShouldBindJSON(&req); err != nil {
		g.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid json"})
		return
	}
	if err := h.Store.SetSetting(g.Request.Context(), key, req.Value); err != nil {
		internalError(g, err)
		return
	}
	// Team mappings feed the top-teams aggregate; drop its cached bodies.
	h.Caches.Stats.Clear(g.Request.Context())
	g.JSON(http.StatusOK, gin.H{"status": "ok"})
}
