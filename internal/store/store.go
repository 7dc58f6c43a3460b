// Package store persists telemetry events and serves the aggregate reads
// behind the analytics layer. Two implementations exist: Postgres for
// deployments and an in-memory store for tests and local development.
// Callers never branch on the backing database; behavioral differences
// live entirely inside the adapters.
package store

import (
	"context"
	"errors"
	"time"

	"mcp-telemetry/internal/event"
)

var ErrNotFound = errors.New("store: not found")

// EventFilter narrows event listings. Zero values mean "no filter".
type EventFilter struct {
	// SessionID filters by logical session: COALESCE(parent_session_id, session_id).
	SessionID string
	// PhysicalSessionID matches the raw session id only.
	PhysicalSessionID string
	EventTypes        []string
	Areas             []string
	UserIDs           []string
	OrgID             string
	ServerID          string
	Start, End        time.Time

	OrderBy string // "created_at" (default) or "timestamp"
	Order   string // "desc" (default) or "asc"
	Limit   int
	Offset  int

	// SkipTotal suppresses the COUNT(*) for expensive deep-offset listings.
	SkipTotal bool
}

// SessionFilter narrows session summaries.
type SessionFilter struct {
	UserID string
	Limit  int
	Offset int
}

type EventTypeCount struct {
	Event string `json:"event"`
	Count int64  `json:"count"`
}

// SessionSummary is one logical-session group. IsActive is left to the
// analytics layer, which owns the activity window.
type SessionSummary struct {
	SessionID  string         `json:"session_id"`
	Count      int64          `json:"count"`
	FirstEvent time.Time      `json:"first_event"`
	LastEvent  time.Time      `json:"last_event"`
	UserID     string         `json:"user_id"`
	UserName   string         `json:"user_name"`
	HasStart   bool           `json:"-"`
	HasEnd     bool           `json:"-"`
	StartData  map[string]any `json:"-"`
	IsActive   bool           `json:"is_active"`
}

type DailyCount struct {
	Date  string `json:"date"` // UTC calendar day, YYYY-MM-DD
	Count int64  `json:"count"`
}

type DailyTypeCount struct {
	Date          string `json:"date"`
	SessionStarts int64  `json:"startSessionsWithoutEnd"`
	ToolEvents    int64  `json:"toolEvents"`
	ErrorEvents   int64  `json:"errorEvents"`
}

type UserCount struct {
	UserID string `json:"userId"`
	Count  int64  `json:"eventCount"`
}

type OrgCount struct {
	OrgID string `json:"orgId"`
	Count int64  `json:"eventCount"`
}

type ToolUsage struct {
	ToolName  string `json:"toolName"`
	Successes int64  `json:"successes"`
	Errors    int64  `json:"errors"`
}

// UserActivity summarizes a user's events outside any session.
type UserActivity struct {
	UserID     string    `json:"user_id"`
	Count      int64     `json:"count"`
	FirstEvent time.Time `json:"first_event"`
	LastEvent  time.Time `json:"last_event"`
}

// Store is the full persistence contract. All reads exclude soft-deleted
// rows except the trash operations.
type Store interface {
	// Write path.
	InsertEvent(ctx context.Context, e *event.Event) error
	UpsertOrg(ctx context.Context, serverID, companyName string) error
	AppendDiscarded(ctx context.Context, rawPayload []byte, reason string, receivedAt time.Time) error

	// Stitcher reads (see internal/stitch).
	LastSessionStart(ctx context.Context, serverID, userID string, before time.Time) (*event.Event, error)
	LatestParentForSession(ctx context.Context, sessionID string) (string, error)
	SessionStartForSession(ctx context.Context, sessionID string) (*event.Event, error)

	// Event reads.
	GetEvent(ctx context.Context, id int64) (*event.Event, error)
	ListEvents(ctx context.Context, f EventFilter) ([]*event.Event, int64, error)
	LatestEventForUser(ctx context.Context, userID string) (*event.Event, error)

	// Aggregations.
	ListUserIDs(ctx context.Context) ([]string, error)
	EventTypeStats(ctx context.Context, sessionID string, userIDs []string) ([]EventTypeCount, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]SessionSummary, error)
	UsersWithoutSessions(ctx context.Context) ([]UserActivity, error)
	DailyCounts(ctx context.Context, since time.Time) ([]DailyCount, error)
	DailyCountsByType(ctx context.Context, since time.Time) ([]DailyTypeCount, error)
	TopUsers(ctx context.Context, since time.Time, limit int) ([]UserCount, error)
	OrgCounts(ctx context.Context, since time.Time) ([]OrgCount, error)
	ToolUsage(ctx context.Context, since time.Time) ([]ToolUsage, error)
	TotalEvents(ctx context.Context) (int64, error)
	DatabaseSize(ctx context.Context) (int64, error)

	// Soft delete and trash.
	SoftDeleteEvent(ctx context.Context, id int64) error
	SoftDeleteSession(ctx context.Context, logicalSessionID string) (int64, error)
	SoftDeleteAll(ctx context.Context) (int64, error)
	ListDeleted(ctx context.Context, limit, offset int) ([]*event.Event, int64, error)
	PurgeDeleted(ctx context.Context, id int64) error
	EmptyTrash(ctx context.Context) (int64, error)
	CleanupTrash(ctx context.Context, olderThan time.Duration) (int64, error)

	// Maintenance.
	BackfillDerived(ctx context.Context) (int64, error)

	// Settings.
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	Ping(ctx context.Context) error
}
