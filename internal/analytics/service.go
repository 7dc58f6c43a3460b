// Package analytics computes the dashboard aggregates. Everything here
// operates on logical sessions and non-deleted events; the heavy lifting
// is delegated to the store, while cross-cutting semantics (UTC day
// zero-fill, team folding, label enrichment, activity windows) live here
// so they are identical across storage backends.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"mcp-telemetry/internal/event"
	"mcp-telemetry/internal/store"
)

// DefaultActiveWindow marks a logical session active when its last event is
// at most this old. Deliberately shorter than the stitch window: a session
// can still be stitched onto while no longer reading as "active".
const DefaultActiveWindow = 2 * time.Hour

const (
	MaxAPILimit = 1000

	// Daily stats accept 1..365 days.
	MinDays = 1
	MaxDays = 365
)

type Service struct {
	store        store.Store
	activeWindow time.Duration
	clock        func() time.Time
}

func NewService(st store.Store, activeWindow time.Duration) *Service {
	if activeWindow <= 0 {
		activeWindow = DefaultActiveWindow
	}
	return &Service{store: st, activeWindow: activeWindow, clock: time.Now}
}

// EventsResult is the paginated events listing.
type EventsResult struct {
	Events  []*event.Event `json:"events"`
	Total   int64          `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
	HasMore bool           `json:"hasMore"`
}

// ListEvents applies limit clamping and the conditional-count rule: the
// total is only computed for first pages or small limits, because a deep
// COUNT(*) costs as much as the listing itself.
func (s *Service) ListEvents(ctx context.Context, f store.EventFilter) (EventsResult, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > MaxAPILimit {
		f.Limit = MaxAPILimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.SkipTotal = !(f.Offset == 0 || f.Limit <= 100)

	events, total, err := s.store.ListEvents(ctx, f)
	if err != nil {
		return EventsResult{}, err
	}
	res := EventsResult{Events: events, Total: total, Limit: f.Limit, Offset: f.Offset}
	if total >= 0 {
		res.HasMore = int64(f.Offset+len(events)) < total
	} else {
		res.HasMore = len(events) == f.Limit
	}
	return res, nil
}

func (s *Service) GetEvent(ctx context.Context, id int64) (*event.Event, error) {
	return s.store.GetEvent(ctx, id)
}

func (s *Service) EventTypeStats(ctx context.Context, sessionID string, userIDs []string) ([]store.EventTypeCount, error) {
	return s.store.EventTypeStats(ctx, sessionID, userIDs)
}

// Sessions lists logical-session summaries. A session is active when it
// has a start, no end, and its last event is within the activity window.
func (s *Service) Sessions(ctx context.Context, userID string, limit, offset int, includeUsersWithoutSessions bool) ([]store.SessionSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > MaxAPILimit {
		limit = MaxAPILimit
	}
	sessions, err := s.store.ListSessions(ctx, store.SessionFilter{UserID: userID, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	for i := range sessions {
		g := &sessions[i]
		g.IsActive = g.HasStart && !g.HasEnd && now.Sub(g.LastEvent) <= s.activeWindow
		// Rows written before derivation existed have no user_name column;
		// the session_start payload still names the user.
		if g.UserName == "" && len(g.StartData) > 0 {
			g.UserName = event.UserNameFromData(g.StartData)
		}
	}

	if includeUsersWithoutSessions {
		acts, err := s.store.UsersWithoutSessions(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range acts {
			if userID != "" && a.UserID != userID {
				continue
			}
			sessions = append(sessions, store.SessionSummary{
				Count:      a.Count,
				FirstEvent: a.FirstEvent,
				LastEvent:  a.LastEvent,
				UserID:     a.UserID,
			})
		}
	}
	return sessions, nil
}

func clampDays(days int) int {
	if days < MinDays {
		return MinDays
	}
	if days > MaxDays {
		return MaxDays
	}
	return days
}

// sinceUTC returns midnight UTC of the first day in an N-day window ending
// today.
func (s *Service) sinceUTC(days int) time.Time {
	now := s.clock().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -(days - 1))
}

// DailyStats counts events per UTC calendar day, zero-filling missing days.
func (s *Service) DailyStats(ctx context.Context, days int) ([]store.DailyCount, error) {
	days = clampDays(days)
	since := s.sinceUTC(days)
	rows, err := s.store.DailyCounts(ctx, since)
	if err != nil {
		return nil, err
	}
	byDate := map[string]int64{}
	for _, r := range rows {
		byDate[r.Date] = r.Count
	}
	out := make([]store.DailyCount, 0, days)
	for i := 0; i < days; i++ {
		d := since.AddDate(0, 0, i).Format("2006-01-02")
		out = append(out, store.DailyCount{Date: d, Count: byDate[d]})
	}
	return out, nil
}

// DailyStatsByType returns the three parallel series per day.
func (s *Service) DailyStatsByType(ctx context.Context, days int) ([]store.DailyTypeCount, error) {
	days = clampDays(days)
	since := s.sinceUTC(days)
	rows, err := s.store.DailyCountsByType(ctx, since)
	if err != nil {
		return nil, err
	}
	byDate := map[string]store.DailyTypeCount{}
	for _, r := range rows {
		byDate[r.Date] = r
	}
	out := make([]store.DailyTypeCount, 0, days)
	for i := 0; i < days; i++ {
		d := since.AddDate(0, 0, i).Format("2006-01-02")
		row := byDate[d]
		row.Date = d
		out = append(out, row)
	}
	return out, nil
}

// TopUser is a top-users row enriched with a display label.
type TopUser struct {
	UserID string `json:"userId"`
	Label  string `json:"label"`
	Count  int64  `json:"eventCount"`
}

// TopUsers aggregates event counts per user and derives a human label from
// the user's most recent event, using the same extraction rules the ingest
// path applies.
func (s *Service) TopUsers(ctx context.Context, days, limit int) ([]TopUser, error) {
	days = clampDays(days)
	if limit <= 0 {
		limit = 10
	}
	if limit > MaxAPILimit {
		limit = MaxAPILimit
	}
	rows, err := s.store.TopUsers(ctx, s.sinceUTC(days), limit)
	if err != nil {
		return nil, err
	}
	out := make([]TopUser, 0, len(rows))
	for _, r := range rows {
		u := TopUser{UserID: r.UserID, Label: r.UserID, Count: r.Count}
		if latest, err := s.store.LatestEventForUser(ctx, r.UserID); err == nil && latest != nil {
			probe := event.Event{
				Area: latest.Area, Name: latest.Name, Success: latest.Success,
				User: latest.User, Data: latest.Data,
			}
			event.Derive(&probe)
			if probe.UserName != "" {
				u.Label = probe.UserName
			}
		}
		out = append(out, u)
	}
	return out, nil
}

// TeamMapping assigns an org identifier to a named team. Inactive mappings
// are skipped entirely; their orgs do not appear in results.
type TeamMapping struct {
	OrgIdentifier string `json:"orgIdentifier"`
	TeamName      string `json:"teamName"`
	Color         string `json:"color,omitempty"`
	Active        bool   `json:"active"`
}

type TeamCount struct {
	Label string `json:"label"`
	Color string `json:"color,omitempty"`
	Count int64  `json:"eventCount"`
}

// TopTeams folds per-org event counts into teams. Org ids and team names
// are normalized to lowercase keys, so several orgs can feed one team.
func (s *Service) TopTeams(ctx context.Context, days, limit int, mappings []TeamMapping) ([]TeamCount, error) {
	days = clampDays(days)
	if limit <= 0 {
		limit = 10
	}
	orgs, err := s.store.OrgCounts(ctx, s.sinceUTC(days))
	if err != nil {
		return nil, err
	}

	orgToTeam := map[string]string{} // normalized org -> normalized team
	teamLabel := map[string]string{} // normalized team -> display name
	teamColor := map[string]string{}
	for _, m := range mappings {
		if !m.Active {
			continue
		}
		org := strings.ToLower(strings.TrimSpace(m.OrgIdentifier))
		team := strings.ToLower(strings.TrimSpace(m.TeamName))
		if org == "" || team == "" {
			continue
		}
		orgToTeam[org] = team
		if _, ok := teamLabel[team]; !ok {
			teamLabel[team] = strings.TrimSpace(m.TeamName)
		}
		if m.Color != "" && teamColor[team] == "" {
			teamColor[team] = m.Color
		}
	}

	counts := map[string]int64{}
	for _, o := range orgs {
		team, ok := orgToTeam[strings.ToLower(strings.TrimSpace(o.OrgID))]
		if !ok {
			continue
		}
		counts[team] += o.Count
	}

	out := make([]TeamCount, 0, len(counts))
	for team, n := range counts {
		out = append(out, TeamCount{Label: teamLabel[team], Color: teamColor[team], Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return strings.ToLower(out[i].Label) < strings.ToLower(out[j].Label)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Service) ToolUsage(ctx context.Context, days int) ([]store.ToolUsage, error) {
	return s.store.ToolUsage(ctx, s.sinceUTC(clampDays(days)))
}

// DatabaseSize reports current size against the configured maximum.
type DatabaseSize struct {
	Size        int64   `json:"size"`
	MaxSize     int64   `json:"maxSize"`
	Percentage  float64 `json:"percentage"`
	DisplayText string  `json:"displayText"`
}

func (s *Service) DatabaseSize(ctx context.Context, maxSize int64) (DatabaseSize, error) {
	size, err := s.store.DatabaseSize(ctx)
	if err != nil {
		return DatabaseSize{}, err
	}
	out := DatabaseSize{Size: size, MaxSize: maxSize}
	if maxSize > 0 {
		out.Percentage = float64(size) / float64(maxSize) * 100
	}
	out.DisplayText = fmt.Sprintf("%s of %s (%.1f%%)", formatBytes(size), formatBytes(maxSize), out.Percentage)
	return out, nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
