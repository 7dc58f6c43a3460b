package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mcp-telemetry/internal/event"
	"mcp-telemetry/pkg/utils"
)

// Postgres implements Store on a pooled *sql.DB (pgx stdlib driver).
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

var _ Store = (*Postgres)(nil)

// EnsureSchema applies the DDL. Every statement is idempotent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}
	return nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func strOfNull(n sql.NullString) string {
	if !n.Valid {
		return ""
	}
	return n.String
}

func jsonbOf(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func (p *Postgres) InsertEvent(ctx context.Context, e *event.Event) error {
	const q = `
INSERT INTO events (
    area, event_name, success, timestamp, schema_version,
    server_id, session_id, user_id,
    server, client, session, user_info, data, received_at,
    event_type, org_id, user_name, tool_name, company_name, error_message,
    parent_session_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
RETURNING id, created_at
`
	var serverID, userID string
	if e.Server != nil {
		serverID = e.Server.ID
	}
	if e.User != nil {
		userID = e.User.ID
	}
	var server, client, session, user any
	if e.Server != nil {
		server = jsonbOf(e.Server)
	}
	if e.Client != nil {
		client = jsonbOf(e.Client)
	}
	if e.Session != nil {
		session = jsonbOf(e.Session)
	}
	if e.User != nil {
		user = jsonbOf(e.User)
	}
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}

	return p.db.QueryRowContext(ctx, q,
		string(e.Area), e.Name, e.Success, e.Timestamp, e.SchemaVersion,
		nullStr(serverID), nullStr(e.SessionID()), nullStr(userID),
		server, client, session, user, jsonbOf(data), e.ReceivedAt,
		string(e.EventType), nullStr(e.OrgID), nullStr(e.UserName),
		nullStr(e.ToolName), nullStr(e.CompanyName), nullStr(e.ErrorMessage),
		nullStr(e.ParentSessionID),
	).Scan(&e.ID, &e.CreatedAt)
}

func (p *Postgres) UpsertOrg(ctx context.Context, serverID, companyName string) error {
	if serverID == "" || companyName == "" {
		return nil
	}
	const q = `
INSERT INTO orgs (server_id, company_name)
VALUES ($1, $2)
ON CONFLICT (server_id)
DO UPDATE SET company_name = EXCLUDED.company_name, updated_at = now()
`
	_, err := p.db.ExecContext(ctx, q, serverID, companyName)
	return err
}

func (p *Postgres) AppendDiscarded(ctx context.Context, rawPayload []byte, reason string, receivedAt time.Time) error {
	const q = `INSERT INTO discarded_events (raw_payload, reason, received_at) VALUES ($1, $2, $3)`
	_, err := p.db.ExecContext(ctx, q, string(rawPayload), reason, receivedAt)
	return err
}

// eventColumns is the shared SELECT list for full event rows.
const eventColumns = `
id, area, event_name, success, timestamp, schema_version,
server, client, session, user_info, data, received_at,
event_type, org_id, user_name, tool_name, company_name, error_message,
parent_session_id, created_at, deleted_at
`

func scanEvent(row interface{ Scan(...any) error }) (*event.Event, error) {
	var (
		e                                      event.Event
		area, eventType                        string
		server, client, session, user, data    []byte
		orgID, userName, toolName              sql.NullString
		companyName, errorMessage, parentSID   sql.NullString
		deletedAt                              sql.NullTime
	)
	err := row.Scan(
		&e.ID, &area, &e.Name, &e.Success, &e.Timestamp, &e.SchemaVersion,
		&server, &client, &session, &user, &data, &e.ReceivedAt,
		&eventType, &orgID, &userName, &toolName, &companyName, &errorMessage,
		&parentSID, &e.CreatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Area = event.Area(area)
	e.EventType = event.Type(eventType)
	if len(server) > 0 {
		e.Server = &event.ServerInfo{}
		_ = json.Unmarshal(server, e.Server)
	}
	if len(client) > 0 {
		e.Client = &event.ClientInfo{}
		_ = json.Unmarshal(client, e.Client)
	}
	if len(session) > 0 {
		e.Session = &event.SessionInfo{}
		_ = json.Unmarshal(session, e.Session)
	}
	if len(user) > 0 {
		e.User = &event.UserInfo{}
		_ = json.Unmarshal(user, e.User)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &e.Data)
	}
	e.OrgID = strOfNull(orgID)
	e.UserName = strOfNull(userName)
	e.ToolName = strOfNull(toolName)
	e.CompanyName = strOfNull(companyName)
	e.ErrorMessage = strOfNull(errorMessage)
	e.ParentSessionID = strOfNull(parentSID)
	if deletedAt.Valid {
		t := deletedAt.Time
		e.DeletedAt = &t
	}
	return &e, nil
}

func (p *Postgres) LastSessionStart(ctx context.Context, serverID, userID string, before time.Time) (*event.Event, error) {
	q := `
SELECT ` + eventColumns + `
FROM events
WHERE deleted_at IS NULL
  AND event_type = 'session_start'
  AND session_id IS NOT NULL
  AND server_id = $1 AND user_id = $2
`
	args := []any{serverID, userID}
	if !before.IsZero() {
		q += ` AND timestamp <= $3`
		args = append(args, before)
	}
	q += ` ORDER BY timestamp DESC, id DESC LIMIT 1`

	e, err := scanEvent(p.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (p *Postgres) LatestParentForSession(ctx context.Context, sessionID string) (string, error) {
	const q = `
SELECT parent_session_id
FROM events
WHERE deleted_at IS NULL AND session_id = $1 AND parent_session_id IS NOT NULL
ORDER BY id DESC
LIMIT 1
`
	var parent string
	err := p.db.QueryRowContext(ctx, q, sessionID).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return parent, err
}

func (p *Postgres) SessionStartForSession(ctx context.Context, sessionID string) (*event.Event, error) {
	q := `
SELECT ` + eventColumns + `
FROM events
WHERE deleted_at IS NULL AND event_type = 'session_start' AND session_id = $1
ORDER BY id DESC
LIMIT 1
`
	e, err := scanEvent(p.db.QueryRowContext(ctx, q, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (p *Postgres) GetEvent(ctx context.Context, id int64) (*event.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE id = $1 AND deleted_at IS NULL`
	e, err := scanEvent(p.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func buildEventWhere(f EventFilter) (string, []any) {
	clauses := []string{"deleted_at IS NULL"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.SessionID != "" {
		clauses = append(clauses, "COALESCE(parent_session_id, session_id) = "+arg(f.SessionID))
	}
	if f.PhysicalSessionID != "" {
		clauses = append(clauses, "session_id = "+arg(f.PhysicalSessionID))
	}
	if len(f.EventTypes) > 0 {
		clauses = append(clauses, "event_type = ANY("+arg(f.EventTypes)+")")
	}
	if len(f.Areas) > 0 {
		clauses = append(clauses, "area = ANY("+arg(f.Areas)+")")
	}
	if len(f.UserIDs) > 0 {
		clauses = append(clauses, "user_id = ANY("+arg(f.UserIDs)+")")
	}
	if f.OrgID != "" {
		clauses = append(clauses, "org_id = "+arg(f.OrgID))
	}
	if f.ServerID != "" {
		clauses = append(clauses, "server_id = "+arg(f.ServerID))
	}
	if !f.Start.IsZero() {
		clauses = append(clauses, "timestamp >= "+arg(f.Start))
	}
	if !f.End.IsZero() {
		clauses = append(clauses, "timestamp <= "+arg(f.End))
	}
	return strings.Join(clauses, " AND "), args
}

func (p *Postgres) ListEvents(ctx context.Context, f EventFilter) ([]*event.Event, int64, error) {
	where, args := buildEventWhere(f)

	orderCol := "created_at"
	if f.OrderBy == "timestamp" {
		orderCol = "timestamp"
	}
	dir := "DESC"
	tieDir := "DESC"
	if strings.EqualFold(f.Order, "asc") {
		dir, tieDir = "ASC", "ASC"
	}

	q := `SELECT ` + eventColumns + ` FROM events WHERE ` + where +
		fmt.Sprintf(" ORDER BY %s %s, id %s", orderCol, dir, tieDir)
	listArgs := args
	if f.Limit > 0 {
		listArgs = append(listArgs, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(listArgs))
	}
	if f.Offset > 0 {
		listArgs = append(listArgs, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(listArgs))
	}

	rows, err := p.db.QueryContext(ctx, q, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*event.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	total := int64(-1)
	if !f.SkipTotal {
		countQ := `SELECT COUNT(*) FROM events WHERE ` + where
		if err := p.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func (p *Postgres) LatestEventForUser(ctx context.Context, userID string) (*event.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE deleted_at IS NULL AND user_id = $1 ORDER BY id DESC LIMIT 1`
	e, err := scanEvent(p.db.QueryRowContext(ctx, q, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *Postgres) ListUserIDs(ctx context.Context) ([]string, error) {
	q := `SELECT DISTINCT user_id FROM events WHERE deleted_at IS NULL AND user_id IS NOT NULL ORDER BY user_id ASC`
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *Postgres) EventTypeStats(ctx context.Context, sessionID string, userIDs []string) ([]EventTypeCount, error) {
	clauses := []string{"deleted_at IS NULL"}
	args := []any{}
	if sessionID != "" {
		args = append(args, sessionID)
		clauses = append(clauses, fmt.Sprintf("COALESCE(parent_session_id, session_id) = $%d", len(args)))
	}
	if len(userIDs) > 0 {
		args = append(args, userIDs)
		clauses = append(clauses, fmt.Sprintf("user_id = ANY($%d)", len(args)))
	}
	q := `
SELECT event_name, COUNT(*)::bigint
FROM events
WHERE ` + strings.Join(clauses, " AND ") + `
GROUP BY event_name
ORDER BY COUNT(*) DESC, event_name ASC
`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []EventTypeCount{}
	for rows.Next() {
		var c EventTypeCount
		if err := rows.Scan(&c.Event, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSessions(ctx context.Context, f SessionFilter) ([]SessionSummary, error) {
	clauses := []string{
		"deleted_at IS NULL",
		"COALESCE(parent_session_id, session_id) IS NOT NULL",
	}
	args := []any{}
	having := ""
	if f.UserID != "" {
		args = append(args, f.UserID)
		having = fmt.Sprintf("HAVING (array_agg(user_id ORDER BY id) FILTER (WHERE user_id IS NOT NULL))[1] = $%d", len(args))
	}

	q := `
SELECT
    COALESCE(parent_session_id, session_id) AS sid,
    COUNT(*)::bigint,
    MIN(timestamp),
    MAX(timestamp),
    COALESCE((array_agg(user_id ORDER BY id) FILTER (WHERE user_id IS NOT NULL))[1], ''),
    COALESCE((array_agg(user_name ORDER BY id) FILTER (WHERE user_name IS NOT NULL))[1], ''),
    bool_or(event_type = 'session_start'),
    bool_or(event_type = 'session_end'),
    (array_agg(data ORDER BY id) FILTER (WHERE event_type = 'session_start'))[1]
FROM events
WHERE ` + strings.Join(clauses, " AND ") + `
GROUP BY sid
` + having + `
ORDER BY MAX(timestamp) DESC, sid ASC
`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SessionSummary{}
	for rows.Next() {
		var (
			s         SessionSummary
			startData []byte
		)
		if err := rows.Scan(&s.SessionID, &s.Count, &s.FirstEvent, &s.LastEvent,
			&s.UserID, &s.UserName, &s.HasStart, &s.HasEnd, &startData); err != nil {
			return nil, err
		}
		if len(startData) > 0 {
			_ = json.Unmarshal(startData, &s.StartData)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UsersWithoutSessions(ctx context.Context) ([]UserActivity, error) {
	const q = `
SELECT user_id, COUNT(*)::bigint, MIN(timestamp), MAX(timestamp)
FROM events
WHERE deleted_at IS NULL AND session_id IS NULL AND user_id IS NOT NULL
GROUP BY user_id
ORDER BY user_id ASC
`
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []UserActivity{}
	for rows.Next() {
		var a UserActivity
		if err := rows.Scan(&a.UserID, &a.Count, &a.FirstEvent, &a.LastEvent); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) DailyCounts(ctx context.Context, since time.Time) ([]DailyCount, error) {
	// Bucketing is strictly by UTC calendar day to avoid DST drift.
	const q = `
SELECT to_char(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)::bigint
FROM events
WHERE deleted_at IS NULL AND timestamp >= $1
GROUP BY day
ORDER BY day ASC
`
	rows, err := p.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []DailyCount{}
	for rows.Next() {
		var d DailyCount
		if err := rows.Scan(&d.Date, &d.Count); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) DailyCountsByType(ctx context.Context, since time.Time) ([]DailyTypeCount, error) {
	const q = `
SELECT
    to_char(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
    COUNT(*) FILTER (WHERE event_type = 'session_start')::bigint,
    COUNT(*) FILTER (WHERE event_type IN ('tool_call','tool_error'))::bigint,
    COUNT(*) FILTER (WHERE event_type = 'tool_error')::bigint
FROM events
WHERE deleted_at IS NULL AND timestamp >= $1
GROUP BY day
ORDER BY day ASC
`
	rows, err := p.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []DailyTypeCount{}
	for rows.Next() {
		var d DailyTypeCount
		if err := rows.Scan(&d.Date, &d.SessionStarts, &d.ToolEvents, &d.ErrorEvents); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) TopUsers(ctx context.Context, since time.Time, limit int) ([]UserCount, error) {
	const q = `
SELECT user_id, COUNT(*)::bigint AS n
FROM events
WHERE deleted_at IS NULL AND user_id IS NOT NULL AND timestamp >= $1
GROUP BY user_id
ORDER BY n DESC, user_id ASC
LIMIT $2
`
	rows, err := p.db.QueryContext(ctx, q, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []UserCount{}
	for rows.Next() {
		var u UserCount
		if err := rows.Scan(&u.UserID, &u.Count); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *Postgres) OrgCounts(ctx context.Context, since time.Time) ([]OrgCount, error) {
	const q = `
SELECT org_id, COUNT(*)::bigint AS n
FROM events
WHERE deleted_at IS NULL AND org_id IS NOT NULL AND timestamp >= $1
GROUP BY org_id
ORDER BY n DESC, org_id ASC
`
	rows, err := p.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []OrgCount{}
	for rows.Next() {
		var o OrgCount
		if err := rows.Scan(&o.OrgID, &o.Count); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) ToolUsage(ctx context.Context, since time.Time) ([]ToolUsage, error) {
	const q = `
SELECT
    tool_name,
    COUNT(*) FILTER (WHERE event_type = 'tool_call')::bigint AS successes,
    COUNT(*) FILTER (WHERE event_type = 'tool_error')::bigint AS errors
FROM events
WHERE deleted_at IS NULL AND tool_name IS NOT NULL AND timestamp >= $1
GROUP BY tool_name
ORDER BY (COUNT(*) FILTER (WHERE event_type = 'tool_call') + COUNT(*) FILTER (WHERE event_type = 'tool_error')) DESC, tool_name ASC
`
	rows, err := p.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ToolUsage{}
	for rows.Next() {
		var u ToolUsage
		if err := rows.Scan(&u.ToolName, &u.Successes, &u.Errors); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *Postgres) TotalEvents(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE deleted_at IS NULL`).Scan(&n)
	return n, err
}

func (p *Postgres) DatabaseSize(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT pg_database_size(current_database())`).Scan(&n)
	return n, err
}

func (p *Postgres) SoftDeleteEvent(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE events SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SoftDeleteSession(ctx context.Context, logicalSessionID string) (int64, error) {
	const q = `
UPDATE events SET deleted_at = now()
WHERE deleted_at IS NULL AND COALESCE(parent_session_id, session_id) = $1
`
	res, err := p.db.ExecContext(ctx, q, logicalSessionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Postgres) SoftDeleteAll(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE events SET deleted_at = now() WHERE deleted_at IS NULL`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Postgres) ListDeleted(ctx context.Context, limit, offset int) ([]*event.Event, int64, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE deleted_at IS NOT NULL ORDER BY deleted_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := []*event.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	var total int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE deleted_at IS NOT NULL`).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (p *Postgres) PurgeDeleted(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM events WHERE id = $1 AND deleted_at IS NOT NULL`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) EmptyTrash(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM events WHERE deleted_at IS NOT NULL`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Postgres) CleanupTrash(ctx context.Context, olderThan time.Duration) (int64, error) {
	const q = `DELETE FROM events WHERE deleted_at IS NOT NULL AND deleted_at < now() - $1::interval`
	res, err := p.db.ExecContext(ctx, q, fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BackfillDerived recomputes the denormalized columns for rows that were
// written before derivation existed. Intended as a one-off startup
// migration, not a hot path. The select-then-update runs in one
// transaction so an interrupted backfill leaves no half-derived rows.
func (p *Postgres) BackfillDerived(ctx context.Context) (int64, error) {
	const sel = `
SELECT ` + eventColumns + `
FROM events
WHERE org_id IS NULL AND user_name IS NULL AND tool_name IS NULL
  AND company_name IS NULL AND error_message IS NULL
  AND data <> '{}'::jsonb
`
	const upd = `
UPDATE events
SET event_type = $2, org_id = $3, user_name = $4, tool_name = $5, company_name = $6, error_message = $7
WHERE id = $1
`
	var n int64
	err := utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, sel)
		if err != nil {
			return err
		}
		stale := []*event.Event{}
		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			stale = append(stale, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range stale {
			event.Derive(e)
			if _, err := tx.ExecContext(ctx, upd, e.ID,
				string(e.EventType), nullStr(e.OrgID), nullStr(e.UserName),
				nullStr(e.ToolName), nullStr(e.CompanyName), nullStr(e.ErrorMessage)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Postgres) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (p *Postgres) SetSetting(ctx context.Context, key, value string) error {
	const q = `
INSERT INTO settings (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
`
	_, err := p.db.ExecContext(ctx, q, key, value)
	return err
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
