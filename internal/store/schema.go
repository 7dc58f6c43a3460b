package store

// Postgres DDL, applied idempotently at startup.
//
// Structural sub-objects are kept as JSONB for fidelity; the ids and
// derived fields the dashboard filters on are split into indexed columns.
// Covering composite indexes subsume the simple per-column ones, so only
// the composites are created.

const eventsSchemaSQL = `
CREATE TABLE IF NOT EXISTS events (
    id                BIGSERIAL PRIMARY KEY,
    area              TEXT NOT NULL,
    event_name        TEXT NOT NULL,
    success           BOOLEAN NOT NULL,
    timestamp         TIMESTAMPTZ NOT NULL,
    schema_version    INT NOT NULL DEFAULT 2,
    server_id         TEXT,
    session_id        TEXT,
    user_id           TEXT,
    server            JSONB,
    client            JSONB,
    session           JSONB,
    user_info         JSONB,
    data              JSONB NOT NULL DEFAULT '{}'::jsonb,
    received_at       TIMESTAMPTZ NOT NULL,

    event_type        TEXT NOT NULL,
    org_id            TEXT,
    user_name         TEXT,
    tool_name         TEXT,
    company_name      TEXT,
    error_message     TEXT,

    parent_session_id TEXT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at        TIMESTAMPTZ
);
`

const eventsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_events_name_created        ON events (event_name, created_at);
CREATE INDEX IF NOT EXISTS idx_events_type_created        ON events (event_type, created_at);
CREATE INDEX IF NOT EXISTS idx_events_user_created        ON events (user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_org_created         ON events (org_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_tool_created        ON events (tool_name, created_at);
CREATE INDEX IF NOT EXISTS idx_events_session_ts          ON events (session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_parent_session_ts   ON events (parent_session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_deleted_created     ON events (deleted_at, created_at);
CREATE INDEX IF NOT EXISTS idx_events_data_gin            ON events USING GIN (data);
`

const orgsSchemaSQL = `
CREATE TABLE IF NOT EXISTS orgs (
    server_id    TEXT PRIMARY KEY,
    company_name TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const discardedSchemaSQL = `
CREATE TABLE IF NOT EXISTS discarded_events (
    id          BIGSERIAL PRIMARY KEY,
    raw_payload TEXT NOT NULL,
    reason      TEXT NOT NULL,
    received_at TIMESTAMPTZ NOT NULL
);
`

const settingsSchemaSQL = `
CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

var schemaStatements = []string{
	eventsSchemaSQL,
	eventsIndexSQL,
	orgsSchemaSQL,
	discardedSchemaSQL,
	settingsSchemaSQL,
}
