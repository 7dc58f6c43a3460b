package stitch

import (
	"context"
	"testing"
	"time"

	"mcp-telemetry/internal/event"
	"mcp-telemetry/internal/store"
)

func sessionStart(ts time.Time, serverID, userID, sessionID string) *event.Event {
	e := &event.Event{
		Area:      event.AreaSession,
		Name:      event.NameSessionStart,
		Success:   true,
		Timestamp: ts,
		Server:    &event.ServerInfo{ID: serverID},
		User:      &event.UserInfo{ID: userID},
		Session:   &event.SessionInfo{ID: sessionID},
		Data:      map[string]any{},
	}
	event.Derive(e)
	return e
}

func toolCall(ts time.Time, sessionID string) *event.Event {
	e := &event.Event{
		Area:      event.AreaTool,
		Name:      event.NameExecution,
		Success:   true,
		Timestamp: ts,
		Session:   &event.SessionInfo{ID: sessionID},
		Data:      map[string]any{},
	}
	event.Derive(e)
	return e
}

func insert(t *testing.T, m *store.Memory, s *Stitcher, e *event.Event) *event.Event {
	t.Helper()
	ctx := context.Background()
	parent, err := s.Resolve(ctx, e)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	e.ParentSessionID = parent
	if err := m.InsertEvent(ctx, e); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	return e
}

func TestStitcher_WithinWindow(t *testing.T) {
	m := store.NewMemory()
	s := New(m, DefaultWindow)
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	insert(t, m, s, sessionStart(base, "s1", "u1", "A"))
	second := insert(t, m, s, sessionStart(base.Add(2*time.Hour), "s1", "u1", "B"))
	if second.ParentSessionID != "A" {
		t.Fatalf("expected parent A within window, got %q", second.ParentSessionID)
	}

	// A later event on the physical session B inherits the stitched parent.
	tc := insert(t, m, s, toolCall(base.Add(2*time.Hour+5*time.Minute), "B"))
	if tc.ParentSessionID != "A" {
		t.Fatalf("expected tool call to inherit A, got %q", tc.ParentSessionID)
	}
}

func TestStitcher_BeyondWindow(t *testing.T) {
	m := store.NewMemory()
	s := New(m, DefaultWindow)
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	insert(t, m, s, sessionStart(base, "s1", "u1", "A"))
	second := insert(t, m, s, sessionStart(base.Add(3*time.Hour+time.Minute), "s1", "u1", "B"))
	if second.ParentSessionID != "B" {
		t.Fatalf("expected a new logical session beyond the window, got %q", second.ParentSessionID)
	}
}

func TestStitcher_ChainKeepsOriginalParent(t *testing.T) {
	m := store.NewMemory()
	s := New(m, DefaultWindow)
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	insert(t, m, s, sessionStart(base, "s1", "u1", "A"))
	insert(t, m, s, sessionStart(base.Add(2*time.Hour), "s1", "u1", "B"))
	third := insert(t, m, s, sessionStart(base.Add(4*time.Hour), "s1", "u1", "C"))
	// B is within 3h of C and B's parent is A, so C chains back to A even
	// though A itself is out of window.
	if third.ParentSessionID != "A" {
		t.Fatalf("expected chained parent A, got %q", third.ParentSessionID)
	}
}

func TestStitcher_MissingKeyStartsNewSession(t *testing.T) {
	m := store.NewMemory()
	s := New(m, DefaultWindow)
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	insert(t, m, s, sessionStart(base, "s1", "u1", "A"))

	noUser := sessionStart(base.Add(time.Minute), "s1", "", "B")
	noUser.User = nil
	got := insert(t, m, s, noUser)
	if got.ParentSessionID != "B" {
		t.Fatalf("expected own id without a full key, got %q", got.ParentSessionID)
	}
}

func TestStitcher_DifferentKeysDoNotStitch(t *testing.T) {
	m := store.NewMemory()
	s := New(m, DefaultWindow)
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	insert(t, m, s, sessionStart(base, "s1", "u1", "A"))
	other := insert(t, m, s, sessionStart(base.Add(time.Minute), "s1", "u2", "B"))
	if other.ParentSessionID != "B" {
		t.Fatalf("different user must start a new logical session, got %q", other.ParentSessionID)
	}
	server := insert(t, m, s, sessionStart(base.Add(2*time.Minute), "s2", "u1", "C"))
	if server.ParentSessionID != "C" {
		t.Fatalf("different server must start a new logical session, got %q", server.ParentSessionID)
	}
}

func TestStitcher_NoSessionIDNoParent(t *testing.T) {
	m := store.NewMemory()
	s := New(m, DefaultWindow)

	e := &event.Event{Area: event.AreaGeneral, Name: event.NameCustom, Timestamp: time.Now().UTC(), Data: map[string]any{}}
	event.Derive(e)
	parent, err := s.Resolve(context.Background(), e)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if parent != "" {
		t.Fatalf("events without a session id must keep a null parent, got %q", parent)
	}
}

func TestStitcher_NonStartFallsBackToStartEvent(t *testing.T) {
	m := store.NewMemory()
	s := New(m, DefaultWindow)
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	// A start stored without a parent (legacy row).
	start := sessionStart(base, "s1", "u1", "X")
	if err := m.InsertEvent(context.Background(), start); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tc := toolCall(base.Add(time.Minute), "X")
	parent, err := s.Resolve(context.Background(), tc)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if parent != "X" {
		t.Fatalf("expected fallback to the start's session id, got %q", parent)
	}
}

func TestStitcher_NonStartUnknownSession(t *testing.T) {
	m := store.NewMemory()
	s := New(m, DefaultWindow)

	tc := toolCall(time.Now().UTC(), "orphan")
	parent, err := s.Resolve(context.Background(), tc)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if parent != "orphan" {
		t.Fatalf("unknown session must become its own parent, got %q", parent)
	}
}
