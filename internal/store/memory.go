package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"mcp-telemetry/internal/event"
)

// Memory is an in-memory Store for tests and local development. It mirrors
// the Postgres adapter's semantics exactly, including soft-delete
// visibility and logical-session grouping.
type Memory struct {
	mu sync.Mutex

	events    []*event.Event
	discarded []DiscardedEvent
	settings  map[string]string
	orgs      map[string]orgRow
	nextID    int64

	// Clock is injectable for deterministic tests.
	Clock func() time.Time
}

// DiscardedEvent is one rejected payload kept for operator inspection.
type DiscardedEvent struct {
	ID         int64     `json:"id"`
	RawPayload string    `json:"raw_payload"`
	Reason     string    `json:"reason"`
	ReceivedAt time.Time `json:"received_at"`
}

type orgRow struct {
	companyName string
	createdAt   time.Time
	updatedAt   time.Time
}

func NewMemory() *Memory {
	return &Memory{
		settings: map[string]string{},
		orgs:     map[string]orgRow{},
		nextID:   1,
		Clock:    time.Now,
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) now() time.Time { return m.Clock().UTC() }

func (m *Memory) InsertEvent(ctx context.Context, e *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.ID = m.nextID
	m.nextID++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.events = append(m.events, &cp)
	e.ID = cp.ID
	e.CreatedAt = cp.CreatedAt
	return nil
}

func (m *Memory) UpsertOrg(ctx context.Context, serverID, companyName string) error {
	if serverID == "" || companyName == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	row, ok := m.orgs[serverID]
	if !ok {
		m.orgs[serverID] = orgRow{companyName: companyName, createdAt: now, updatedAt: now}
		return nil
	}
	row.companyName = companyName
	row.updatedAt = now
	m.orgs[serverID] = row
	return nil
}

// OrgCompanyName is a test helper exposing the org projection.
func (m *Memory) OrgCompanyName(serverID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.orgs[serverID]
	return row.companyName, ok
}

func (m *Memory) AppendDiscarded(ctx context.Context, rawPayload []byte, reason string, receivedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discarded = append(m.discarded, DiscardedEvent{
		ID:         int64(len(m.discarded) + 1),
		RawPayload: string(rawPayload),
		Reason:     reason,
		ReceivedAt: receivedAt,
	})
	return nil
}

// Discarded is a test helper exposing the discard log.
func (m *Memory) Discarded() []DiscardedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DiscardedEvent, len(m.discarded))
	copy(out, m.discarded)
	return out
}

func (m *Memory) live() []*event.Event {
	out := make([]*event.Event, 0, len(m.events))
	for _, e := range m.events {
		if e.DeletedAt == nil {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) LastSessionStart(ctx context.Context, serverID, userID string, before time.Time) (*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *event.Event
	for _, e := range m.live() {
		if e.EventType != event.TypeSessionStart || e.SessionID() == "" {
			continue
		}
		if e.Server == nil || e.Server.ID != serverID || e.User == nil || e.User.ID != userID {
			continue
		}
		if !before.IsZero() && e.Timestamp.After(before) {
			continue
		}
		if best == nil || e.Timestamp.After(best.Timestamp) ||
			(e.Timestamp.Equal(best.Timestamp) && e.ID > best.ID) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) LatestParentForSession(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent := ""
	var bestID int64
	for _, e := range m.live() {
		if e.SessionID() != sessionID || e.ParentSessionID == "" {
			continue
		}
		if e.ID > bestID {
			bestID = e.ID
			parent = e.ParentSessionID
		}
	}
	return parent, nil
}

func (m *Memory) SessionStartForSession(ctx context.Context, sessionID string) (*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *event.Event
	for _, e := range m.live() {
		if e.EventType != event.TypeSessionStart || e.SessionID() != sessionID {
			continue
		}
		if best == nil || e.ID > best.ID {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) GetEvent(ctx context.Context, id int64) (*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id && e.DeletedAt == nil {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func matchesFilter(e *event.Event, f EventFilter) bool {
	if f.SessionID != "" && e.LogicalSessionID() != f.SessionID {
		return false
	}
	if f.PhysicalSessionID != "" && e.SessionID() != f.PhysicalSessionID {
		return false
	}
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, string(e.EventType)) {
		return false
	}
	if len(f.Areas) > 0 && !containsString(f.Areas, string(e.Area)) {
		return false
	}
	if len(f.UserIDs) > 0 {
		uid := ""
		if e.User != nil {
			uid = e.User.ID
		}
		if !containsString(f.UserIDs, uid) {
			return false
		}
	}
	if f.OrgID != "" && e.OrgID != f.OrgID {
		return false
	}
	if f.ServerID != "" && (e.Server == nil || e.Server.ID != f.ServerID) {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (m *Memory) ListEvents(ctx context.Context, f EventFilter) ([]*event.Event, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*event.Event, 0)
	for _, e := range m.live() {
		if matchesFilter(e, f) {
			matched = append(matched, e)
		}
	}

	asc := strings.EqualFold(f.Order, "asc")
	byTimestamp := f.OrderBy == "timestamp"
	sort.SliceStable(matched, func(i, j int) bool {
		var less bool
		if byTimestamp {
			if matched[i].Timestamp.Equal(matched[j].Timestamp) {
				less = matched[i].ID < matched[j].ID
			} else {
				less = matched[i].Timestamp.Before(matched[j].Timestamp)
			}
		} else {
			if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
				less = matched[i].ID < matched[j].ID
			} else {
				less = matched[i].CreatedAt.Before(matched[j].CreatedAt)
			}
		}
		if asc {
			return less
		}
		return !less
	})

	total := int64(len(matched))
	if f.SkipTotal {
		total = -1
	}

	start := f.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}

	out := make([]*event.Event, 0, end-start)
	for _, e := range matched[start:end] {
		cp := *e
		out = append(out, &cp)
	}
	return out, total, nil
}

func (m *Memory) LatestEventForUser(ctx context.Context, userID string) (*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *event.Event
	for _, e := range m.live() {
		if e.User == nil || e.User.ID != userID {
			continue
		}
		if best == nil || e.ID > best.ID {
			best = e
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) ListUserIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	out := []string{}
	for _, e := range m.live() {
		if e.User == nil || e.User.ID == "" {
			continue
		}
		if _, ok := seen[e.User.ID]; ok {
			continue
		}
		seen[e.User.ID] = struct{}{}
		out = append(out, e.User.ID)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) EventTypeStats(ctx context.Context, sessionID string, userIDs []string) ([]EventTypeCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int64{}
	for _, e := range m.live() {
		if sessionID != "" && e.LogicalSessionID() != sessionID {
			continue
		}
		if len(userIDs) > 0 {
			uid := ""
			if e.User != nil {
				uid = e.User.ID
			}
			if !containsString(userIDs, uid) {
				continue
			}
		}
		counts[e.Name]++
	}
	out := make([]EventTypeCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, EventTypeCount{Event: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Event < out[j].Event
	})
	return out, nil
}

func (m *Memory) ListSessions(ctx context.Context, f SessionFilter) ([]SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	groups := map[string]*SessionSummary{}
	order := []string{}
	for _, e := range m.live() {
		sid := e.LogicalSessionID()
		if sid == "" {
			continue
		}
		g, ok := groups[sid]
		if !ok {
			g = &SessionSummary{SessionID: sid, FirstEvent: e.Timestamp, LastEvent: e.Timestamp}
			groups[sid] = g
			order = append(order, sid)
		}
		g.Count++
		if e.Timestamp.Before(g.FirstEvent) {
			g.FirstEvent = e.Timestamp
		}
		if e.Timestamp.After(g.LastEvent) {
			g.LastEvent = e.Timestamp
		}
		if g.UserID == "" && e.User != nil && e.User.ID != "" {
			g.UserID = e.User.ID
		}
		if g.UserName == "" && e.UserName != "" {
			g.UserName = e.UserName
		}
		if e.EventType == event.TypeSessionStart {
			if !g.HasStart {
				g.StartData = e.Data
			}
			g.HasStart = true
		}
		if e.EventType == event.TypeSessionEnd {
			g.HasEnd = true
		}
	}

	out := make([]SessionSummary, 0, len(groups))
	for _, sid := range order {
		g := groups[sid]
		if f.UserID != "" && g.UserID != f.UserID {
			continue
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastEvent.Equal(out[j].LastEvent) {
			return out[i].LastEvent.After(out[j].LastEvent)
		}
		return out[i].SessionID < out[j].SessionID
	})

	start := f.Offset
	if start > len(out) {
		start = len(out)
	}
	end := len(out)
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return out[start:end], nil
}

func (m *Memory) UsersWithoutSessions(ctx context.Context) ([]UserActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acts := map[string]*UserActivity{}
	for _, e := range m.live() {
		if e.SessionID() != "" || e.User == nil || e.User.ID == "" {
			continue
		}
		a, ok := acts[e.User.ID]
		if !ok {
			a = &UserActivity{UserID: e.User.ID, FirstEvent: e.Timestamp, LastEvent: e.Timestamp}
			acts[e.User.ID] = a
		}
		a.Count++
		if e.Timestamp.Before(a.FirstEvent) {
			a.FirstEvent = e.Timestamp
		}
		if e.Timestamp.After(a.LastEvent) {
			a.LastEvent = e.Timestamp
		}
	}
	out := make([]UserActivity, 0, len(acts))
	for _, a := range acts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (m *Memory) DailyCounts(ctx context.Context, since time.Time) ([]DailyCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int64{}
	for _, e := range m.live() {
		if e.Timestamp.Before(since) {
			continue
		}
		counts[utcDay(e.Timestamp)]++
	}
	return sortedDaily(counts), nil
}

func sortedDaily(counts map[string]int64) []DailyCount {
	out := make([]DailyCount, 0, len(counts))
	for d, n := range counts {
		out = append(out, DailyCount{Date: d, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func (m *Memory) DailyCountsByType(ctx context.Context, since time.Time) ([]DailyTypeCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDay := map[string]*DailyTypeCount{}
	for _, e := range m.live() {
		if e.Timestamp.Before(since) {
			continue
		}
		day := utcDay(e.Timestamp)
		row, ok := byDay[day]
		if !ok {
			row = &DailyTypeCount{Date: day}
			byDay[day] = row
		}
		switch e.EventType {
		case event.TypeSessionStart:
			row.SessionStarts++
		case event.TypeToolCall:
			row.ToolEvents++
		case event.TypeToolError:
			row.ToolEvents++
			row.ErrorEvents++
		}
	}
	out := make([]DailyTypeCount, 0, len(byDay))
	for _, row := range byDay {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *Memory) TopUsers(ctx context.Context, since time.Time, limit int) ([]UserCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int64{}
	for _, e := range m.live() {
		if e.Timestamp.Before(since) || e.User == nil || e.User.ID == "" {
			continue
		}
		counts[e.User.ID]++
	}
	out := make([]UserCount, 0, len(counts))
	for uid, n := range counts {
		out = append(out, UserCount{UserID: uid, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) OrgCounts(ctx context.Context, since time.Time) ([]OrgCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int64{}
	for _, e := range m.live() {
		if e.Timestamp.Before(since) || e.OrgID == "" {
			continue
		}
		counts[e.OrgID]++
	}
	out := make([]OrgCount, 0, len(counts))
	for org, n := range counts {
		out = append(out, OrgCount{OrgID: org, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].OrgID < out[j].OrgID
	})
	return out, nil
}

func (m *Memory) ToolUsage(ctx context.Context, since time.Time) ([]ToolUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTool := map[string]*ToolUsage{}
	for _, e := range m.live() {
		if e.Timestamp.Before(since) || e.ToolName == "" {
			continue
		}
		u, ok := byTool[e.ToolName]
		if !ok {
			u = &ToolUsage{ToolName: e.ToolName}
			byTool[e.ToolName] = u
		}
		switch e.EventType {
		case event.TypeToolCall:
			u.Successes++
		case event.TypeToolError:
			u.Errors++
		}
	}
	out := make([]ToolUsage, 0, len(byTool))
	for _, u := range byTool {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		ti := out[i].Successes + out[i].Errors
		tj := out[j].Successes + out[j].Errors
		if ti != tj {
			return ti > tj
		}
		return out[i].ToolName < out[j].ToolName
	})
	return out, nil
}

func (m *Memory) TotalEvents(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.live())), nil
}

// DatabaseSize is a rough estimate; the memory store has no real on-disk
// footprint to report.
func (m *Memory) DatabaseSize(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)) * 1024, nil
}

func (m *Memory) SoftDeleteEvent(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id && e.DeletedAt == nil {
			now := m.now()
			e.DeletedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) SoftDeleteSession(ctx context.Context, logicalSessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for _, e := range m.events {
		if e.DeletedAt != nil {
			continue
		}
		if e.LogicalSessionID() != logicalSessionID {
			continue
		}
		e.DeletedAt = &now
		n++
	}
	return n, nil
}

func (m *Memory) SoftDeleteAll(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for _, e := range m.events {
		if e.DeletedAt == nil {
			e.DeletedAt = &now
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListDeleted(ctx context.Context, limit, offset int) ([]*event.Event, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := make([]*event.Event, 0)
	for _, e := range m.events {
		if e.DeletedAt != nil {
			deleted = append(deleted, e)
		}
	}
	sort.Slice(deleted, func(i, j int) bool {
		if !deleted[i].DeletedAt.Equal(*deleted[j].DeletedAt) {
			return deleted[i].DeletedAt.After(*deleted[j].DeletedAt)
		}
		return deleted[i].ID > deleted[j].ID
	})
	total := int64(len(deleted))
	start := offset
	if start > len(deleted) {
		start = len(deleted)
	}
	end := len(deleted)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]*event.Event, 0, end-start)
	for _, e := range deleted[start:end] {
		cp := *e
		out = append(out, &cp)
	}
	return out, total, nil
}

func (m *Memory) PurgeDeleted(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.events {
		if e.ID == id && e.DeletedAt != nil {
			m.events = append(m.events[:i], m.events[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) EmptyTrash(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var n int64
	for _, e := range m.events {
		if e.DeletedAt != nil {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return n, nil
}

func (m *Memory) CleanupTrash(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	kept := m.events[:0]
	var n int64
	for _, e := range m.events {
		if e.DeletedAt != nil && e.DeletedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return n, nil
}

func (m *Memory) BackfillDerived(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.events {
		if len(e.Data) == 0 {
			continue
		}
		if e.OrgID != "" || e.UserName != "" || e.ToolName != "" || e.CompanyName != "" || e.ErrorMessage != "" {
			continue
		}
		event.Derive(e)
		n++
	}
	return n, nil
}

func (m *Memory) GetSetting(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
