// Package stitch computes the logical-session identity of telemetry events.
//
// Physical session ids change whenever an IDE restarts an MCP server;
// operators want quick reconnects to read as one working session. The
// stitcher assigns each event a parent session id that names that logical
// session, fusing consecutive session starts of the same (server, user)
// pair that fall within a sliding window.
package stitch

import (
	"context"
	"time"

	"mcp-telemetry/internal/event"
)

// DefaultWindow is the stitch window: two session starts of the same key
// closer than this share a logical session. Distinct from the analytics
// active-session window, which is intentionally shorter.
const DefaultWindow = 3 * time.Hour

// Repository is the read surface the stitcher needs. It is satisfied by
// both store implementations.
type Repository interface {
	// LastSessionStart returns the most recent prior session_start for the
	// (server, user) key at or before the given instant, or nil.
	LastSessionStart(ctx context.Context, serverID, userID string, before time.Time) (*event.Event, error)
	// LatestParentForSession returns the parent recorded by the most recent
	// event sharing the physical session id, or "".
	LatestParentForSession(ctx context.Context, sessionID string) (string, error)
	// SessionStartForSession returns a session_start event carrying the
	// physical session id, or nil.
	SessionStartForSession(ctx context.Context, sessionID string) (*event.Event, error)
}

// Stitcher resolves parent session ids. It is read-mostly and holds no
// locks: two session starts racing for the same key may each become their
// own parent, producing twin logical sessions. That is accepted; the
// dashboard tolerates it.
type Stitcher struct {
	repo   Repository
	window time.Duration
	clock  func() time.Time
}

func New(repo Repository, window time.Duration) *Stitcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Stitcher{repo: repo, window: window, clock: time.Now}
}

// Resolve computes the parent session id for e before it is inserted.
// Events without a session id get no parent. On repository errors the
// stitcher degrades to "own session id" and returns the error for logging;
// the returned id is always usable.
func (s *Stitcher) Resolve(ctx context.Context, e *event.Event) (string, error) {
	sid := e.SessionID()
	if sid == "" {
		return "", nil
	}

	if e.EventType == event.TypeSessionStart {
		return s.resolveStart(ctx, e, sid)
	}

	// Non-start events inherit from whatever already carries this session.
	parent, err := s.repo.LatestParentForSession(ctx, sid)
	if err != nil {
		return sid, err
	}
	if parent != "" {
		return parent, nil
	}
	start, err := s.repo.SessionStartForSession(ctx, sid)
	if err != nil {
		return sid, err
	}
	if start != nil {
		if start.ParentSessionID != "" {
			return start.ParentSessionID, nil
		}
		return start.SessionID(), nil
	}
	return sid, nil
}

func (s *Stitcher) resolveStart(ctx context.Context, e *event.Event, sid string) (string, error) {
	if e.Server == nil || e.Server.ID == "" || e.User == nil || e.User.ID == "" {
		// Without a full key there is nothing to stitch against.
		return sid, nil
	}

	prev, err := s.repo.LastSessionStart(ctx, e.Server.ID, e.User.ID, e.Timestamp)
	if err != nil {
		return sid, err
	}
	if prev == nil {
		return sid, nil
	}

	now := e.Timestamp
	if now.IsZero() {
		now = s.clock().UTC()
	}
	if prev.Timestamp.IsZero() || now.Sub(prev.Timestamp) > s.window {
		return sid, nil
	}
	if prev.ParentSessionID != "" {
		return prev.ParentSessionID, nil
	}
	return prev.SessionID(), nil
}
