package event

import (
	"errors"
	"fmt"
	"time"
)

// ErrParse marks payloads that are valid JSON but structurally inconsistent.
// Callers wrap it into an HTTP 400 and a discard-log entry.
var ErrParse = errors.New("event: parse failed")

// Parse turns a decoded JSON payload into a canonical Event.
//
// Dispatch is on the wire schemaVersion: version 2 payloads already have the
// canonical shape; anything else is treated as the legacy v1 shape and mapped.
// Derived fields are populated before returning, so callers get a fully
// materialized event.
func Parse(raw map[string]any) (*Event, error) {
	var (
		e   *Event
		err error
	)
	if intField(raw, "schemaVersion") == 2 {
		e, err = parseV2(raw)
	} else {
		e, err = parseV1(raw)
	}
	if err != nil {
		return nil, err
	}
	Derive(e)
	return e, nil
}

func parseV2(raw map[string]any) (*Event, error) {
	area, ok := stringField(raw, "area")
	if !ok {
		return nil, fmt.Errorf("%w: area is required", ErrParse)
	}
	if !ValidArea(Area(area)) {
		return nil, fmt.Errorf("%w: area must be one of tool, session, general, got %q", ErrParse, area)
	}
	name, ok := stringField(raw, "event")
	if !ok {
		return nil, fmt.Errorf("%w: event is required", ErrParse)
	}
	success, ok := raw["success"].(bool)
	if !ok {
		return nil, fmt.Errorf("%w: success must be a boolean", ErrParse)
	}
	ts, err := parseTimestamp(raw)
	if err != nil {
		return nil, err
	}

	e := &Event{
		Area:          Area(area),
		Name:          name,
		Success:       success,
		Timestamp:     ts,
		SchemaVersion: 2,
		Data:          mapField(raw, "data"),
	}
	if m := mapField(raw, "server"); m != nil {
		e.Server = &ServerInfo{
			ID:           stringOr(m, "id"),
			Version:      stringOr(m, "version"),
			Capabilities: mapField(m, "capabilities"),
		}
	}
	if m := mapField(raw, "client"); m != nil {
		e.Client = &ClientInfo{
			Name:         stringOr(m, "name"),
			Version:      stringOr(m, "version"),
			Capabilities: mapField(m, "capabilities"),
		}
	}
	if m := mapField(raw, "session"); m != nil {
		e.Session = &SessionInfo{
			ID:              stringOr(m, "id"),
			Transport:       stringOr(m, "transport"),
			ProtocolVersion: stringOr(m, "protocolVersion"),
		}
	}
	if m := mapField(raw, "user"); m != nil {
		e.User = &UserInfo{ID: stringOr(m, "id"), Name: stringOr(m, "name")}
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	return e, nil
}

// legacyNames is the closed set of v1 event names.
var legacyNames = map[string]bool{
	"tool_call":     true,
	"tool_error":    true,
	"session_start": true,
	"session_end":   true,
	"error":         true,
	"custom":        true,
}

func parseV1(raw map[string]any) (*Event, error) {
	legacy, ok := stringField(raw, "event")
	if !ok {
		return nil, fmt.Errorf("%w: event is required", ErrParse)
	}
	if !legacyNames[legacy] {
		return nil, fmt.Errorf("%w: unknown v1 event %q", ErrParse, legacy)
	}
	ts, err := parseTimestamp(raw)
	if err != nil {
		return nil, err
	}

	data := mapField(raw, "data")
	if data == nil {
		data = map[string]any{}
	}

	e := &Event{
		Timestamp:     ts,
		SchemaVersion: 1,
		Data:          data,
	}

	switch legacy {
	case "tool_call":
		e.Area, e.Name, e.Success = AreaTool, NameExecution, true
	case "tool_error":
		e.Area, e.Success = AreaTool, false
		if isValidationError(data) {
			e.Name = NameValidation
		} else {
			e.Name = NameExecution
		}
	case "session_start", "session_end":
		e.Area, e.Name, e.Success = AreaSession, legacy, true
	case "error":
		e.Area, e.Name, e.Success = AreaGeneral, NameErrorOccurred, false
	case "custom":
		e.Area, e.Name = AreaGeneral, NameCustom
		// Successful unless the payload explicitly says otherwise.
		e.Success = data["success"] != false
	}

	if id, ok := stringField(raw, "serverId"); ok {
		e.Server = &ServerInfo{ID: id, Version: stringOr(raw, "version")}
	}
	if id, ok := stringField(raw, "sessionId"); ok {
		e.Session = &SessionInfo{ID: id, Transport: stringOr(data, "transport")}
	}
	if id, ok := stringField(raw, "userId"); ok {
		e.User = &UserInfo{ID: id}
	}
	return e, nil
}

// isValidationError classifies a v1 tool_error payload as a validation
// failure (schema/argument rejection) rather than an execution failure.
func isValidationError(data map[string]any) bool {
	if data["isValidationError"] == true {
		return true
	}
	return stringOr(data, "errorType") == "ZodError"
}

func parseTimestamp(raw map[string]any) (time.Time, error) {
	s, ok := stringField(raw, "timestamp")
	if !ok {
		return time.Time{}, fmt.Errorf("%w: timestamp is required", ErrParse)
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrParse, s)
	}
	return ts.UTC(), nil
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func stringField(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func stringOr(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func mapField(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}
