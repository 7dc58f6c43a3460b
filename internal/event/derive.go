package event

import "strings"

// Derive populates the denormalized fields of e from its structural fields
// and Data payload. It is a pure computation: malformed or missing shapes
// inside Data yield empty values, never an error.
//
// The store persists these as indexed columns; the backfill routine calls
// Derive again for legacy rows, so the mapping here is the single source
// of truth for derived data.
func Derive(e *Event) {
	e.EventType = DeriveType(e.Area, e.Name, e.Success)
	e.OrgID = deriveOrgID(e.Data)
	e.UserName = deriveUserName(e.Data, e.User)
	e.ToolName = deriveToolName(e.Data, e.EventType)
	e.CompanyName = deriveCompanyName(e.Data)
	e.ErrorMessage = deriveErrorMessage(e.Data)
}

// DeriveType maps (area, event, success) onto the legacy event type.
func DeriveType(area Area, name string, success bool) Type {
	switch area {
	case AreaTool:
		switch name {
		case NameExecution, NameResponse:
			if success {
				return TypeToolCall
			}
			return TypeToolError
		case NameValidation:
			// Validation is a rejection by definition, success flag or not.
			return TypeToolError
		}
	case AreaSession:
		switch name {
		case NameSessionStart, NameServerBoot, NameClientConnect:
			return TypeSessionStart
		case NameSessionEnd:
			return TypeSessionEnd
		}
	case AreaGeneral:
		if name == NameErrorOccurred {
			return TypeError
		}
	}
	return TypeCustom
}

func deriveOrgID(data map[string]any) string {
	if v := trimmed(lookupString(data, "state", "org", "id")); v != "" {
		return v
	}
	return trimmed(lookupString(data, "orgId"))
}

// UserNameFromData applies the user-name extraction rules to a raw data
// payload. The session listing uses it to label groups whose stored rows
// predate derived columns.
func UserNameFromData(data map[string]any) string {
	return deriveUserName(data, nil)
}

func deriveUserName(data map[string]any, user *UserInfo) string {
	for _, v := range []string{
		lookupString(data, "userName"),
		lookupString(data, "user_name"),
		lookupString(data, "user", "name"),
	} {
		if t := trimmed(v); t != "" {
			return t
		}
	}
	if user != nil {
		if t := trimmed(user.Name); t != "" {
			return t
		}
		// An id that looks like a human name (not an opaque token) is
		// accepted as a display name. Pinned by tests.
		if id := trimmed(user.ID); looksLikeName(id) {
			return id
		}
	}
	return ""
}

// looksLikeName is the heuristic separating "jane.doe@corp" or "Jane Doe"
// from opaque ids like "u-3f9a".
func looksLikeName(id string) bool {
	if id == "" {
		return false
	}
	return strings.Contains(id, " ") || strings.Contains(id, "@") || len(id) > 20
}

func deriveToolName(data map[string]any, t Type) string {
	if v := trimmed(lookupString(data, "toolName")); v != "" {
		return v
	}
	if v := trimmed(lookupString(data, "tool")); v != "" {
		return v
	}
	if t == TypeToolError || t == TypeError {
		if v := trimmed(lookupString(data, "error", "toolName")); v != "" {
			return v
		}
		return trimmed(lookupString(data, "error", "tool"))
	}
	return ""
}

func deriveCompanyName(data map[string]any) string {
	if v := trimmed(lookupString(data, "state", "org", "companyDetails", "Name")); v != "" {
		return v
	}
	return trimmed(lookupString(data, "companyDetails", "Name"))
}

func deriveErrorMessage(data map[string]any) string {
	if v := trimmed(lookupString(data, "errorMessage")); v != "" {
		return v
	}
	return trimmed(lookupString(data, "error", "message"))
}

// lookupString walks a path of nested objects and returns the string leaf,
// or "" when any step is missing or has the wrong type.
func lookupString(m map[string]any, path ...string) string {
	cur := m
	for i, key := range path {
		if cur == nil {
			return ""
		}
		if i == len(path)-1 {
			s, _ := cur[key].(string)
			return s
		}
		next, _ := cur[key].(map[string]any)
		cur = next
	}
	return ""
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
