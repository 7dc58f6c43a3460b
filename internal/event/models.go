package event

import "time"

// Area is the high-level category of an event.
type Area string

const (
	AreaTool    Area = "tool"
	AreaSession Area = "session"
	AreaGeneral Area = "general"
)

// ValidArea reports whether a is one of the three closed area values.
func ValidArea(a Area) bool {
	switch a {
	case AreaTool, AreaSession, AreaGeneral:
		return true
	default:
		return false
	}
}

// Type is the legacy-compatible event classification derived from
// (area, event, success). Dashboards filter on it, so it is persisted
// as its own indexed column.
type Type string

const (
	TypeToolCall     Type = "tool_call"
	TypeToolError    Type = "tool_error"
	TypeSessionStart Type = "session_start"
	TypeSessionEnd   Type = "session_end"
	TypeError        Type = "error"
	TypeCustom       Type = "custom"
)

// Well-known event names within an area.
const (
	NameExecution     = "execution"
	NameResponse      = "response"
	NameValidation    = "validation"
	NameSessionStart  = "session_start"
	NameSessionEnd    = "session_end"
	NameServerBoot    = "server_boot"
	NameClientConnect = "client_connect"
	NameErrorOccurred = "error_occurred"
	NameCustom        = "custom"
)

type ServerInfo struct {
	ID           string         `json:"id"`
	Version      string         `json:"version,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

type ClientInfo struct {
	Name         string         `json:"name"`
	Version      string         `json:"version,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

type SessionInfo struct {
	ID              string `json:"id"`
	Transport       string `json:"transport,omitempty"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
}

type UserInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Event is the canonical telemetry event. Structural fields mirror the v2
// wire shape; derived fields are denormalized at parse time so the store
// can index them. The free-form Data payload is kept verbatim.
type Event struct {
	ID int64 `json:"id,omitempty"`

	// Structural.
	Area          Area           `json:"area"`
	Name          string         `json:"event"`
	Success       bool           `json:"success"`
	Timestamp     time.Time      `json:"timestamp"`
	SchemaVersion int            `json:"telemetrySchemaVersion"`
	Server        *ServerInfo    `json:"server,omitempty"`
	Client        *ClientInfo    `json:"client,omitempty"`
	Session       *SessionInfo   `json:"session,omitempty"`
	User          *UserInfo      `json:"user,omitempty"`
	Data          map[string]any `json:"data"`
	ReceivedAt    time.Time      `json:"receivedAt"`

	// Derived (see derive.go). Empty string means "not present".
	EventType    Type   `json:"eventType"`
	OrgID        string `json:"orgId,omitempty"`
	UserName     string `json:"userName,omitempty"`
	ToolName     string `json:"toolName,omitempty"`
	CompanyName  string `json:"companyName,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	// Set by the store / stitcher.
	ParentSessionID string     `json:"parentSessionId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt,omitempty"`
	DeletedAt       *time.Time `json:"deletedAt,omitempty"`
}

// SessionID returns the physical session id, or "" when the event carries
// no session object.
func (e *Event) SessionID() string {
	if e.Session == nil {
		return ""
	}
	return e.Session.ID
}

// LogicalSessionID is the stitched session identity:
// COALESCE(parent_session_id, session.id).
func (e *Event) LogicalSessionID() string {
	if e.ParentSessionID != "" {
		return e.ParentSessionID
	}
	return e.SessionID()
}

// HasUserIdentity reports whether the event carries any user identity
// usable by the ingest gate: a derived user name or a raw user id.
func (e *Event) HasUserIdentity() bool {
	if e.UserName != "" {
		return true
	}
	return e.User != nil && e.User.ID != ""
}
