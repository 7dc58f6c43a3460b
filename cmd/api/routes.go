package main

import (
	"mcp-telemetry/internal/httpapi"
	"mcp-telemetry/internal/ingest"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, ctrl *ingest.Controller, h httpapi.Handlers, health *httpapi.Health, adminMW gin.HandlerFunc) {
	// public
	r.GET("/health", health.Handle)
	r.GET("/healthz", health.Handle)

	// Instrumented MCP servers post here; no authentication by design.
	r.POST("/telemetry", ctrl.Handle)

	// read side
	api := r.Group("/api")
	{
		api.GET("/events", h.ListEvents)
		api.GET("/events/deleted", h.ListDeleted)
		api.GET("/events/:id", h.GetEvent)
		api.GET("/event-types", h.EventTypeStats)
		api.GET("/users", h.ListUserIDs)
		api.GET("/sessions", h.ListSessions)
		api.GET("/daily-stats", h.DailyStats)
		api.GET("/top-users-today", h.TopUsers)
		api.GET("/top-teams-today", h.TopTeams)
		api.GET("/tool-usage-stats", h.ToolUsage)
		api.GET("/database-size", h.DatabaseSize)
		api.GET("/settings/:key", h.GetSetting)
	}

	// mutations; guarded when ADMIN_TOKEN_SECRET is configured
	mut := r.Group("/api")
	mut.Use(adminMW)
	{
		mut.DELETE("/events/deleted", h.EmptyTrash)
		mut.DELETE("/events/deleted/:id", h.PurgeDeleted)
		mut.DELETE("/events/:id", h.DeleteEvent)
		mut.DELETE("/events", h.DeleteEvents)
		mut.PUT("/settings/:key", h.PutSetting)
	}
}
