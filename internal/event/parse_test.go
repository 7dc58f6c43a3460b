package event

import (
	"encoding/json"
	"errors"
	"testing"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("bad test payload: %v", err)
	}
	return m
}

func TestParse_V1ToolCall(t *testing.T) {
	raw := decode(t, `{
		"event":"tool_call",
		"timestamp":"2024-01-01T10:00:00Z",
		"serverId":"s1",
		"sessionId":"x",
		"userId":"u1",
		"data":{"toolName":"q"}
	}`)
	e, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if e.Area != AreaTool || e.Name != NameExecution || !e.Success {
		t.Fatalf("unexpected mapping: area=%s event=%s success=%v", e.Area, e.Name, e.Success)
	}
	if e.EventType != TypeToolCall {
		t.Fatalf("expected tool_call, got %s", e.EventType)
	}
	if e.ToolName != "q" {
		t.Fatalf("expected toolName q, got %q", e.ToolName)
	}
	if e.SessionID() != "x" || e.Server.ID != "s1" || e.User.ID != "u1" {
		t.Fatalf("structured objects not mapped: %+v", e)
	}
	if e.SchemaVersion != 1 {
		t.Fatalf("expected schema version 1, got %d", e.SchemaVersion)
	}
}

func TestParse_V1ToolErrorValidation(t *testing.T) {
	raw := decode(t, `{
		"event":"tool_error",
		"timestamp":"2024-01-01T10:00:00Z",
		"data":{"errorType":"ZodError","toolName":"t"}
	}`)
	e, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if e.Area != AreaTool || e.Name != NameValidation {
		t.Fatalf("expected tool/validation, got %s/%s", e.Area, e.Name)
	}
	if e.EventType != TypeToolError {
		t.Fatalf("expected tool_error, got %s", e.EventType)
	}
	if e.Success {
		t.Fatalf("tool_error must not be successful")
	}
}

func TestParse_V1ToolErrorExecution(t *testing.T) {
	raw := decode(t, `{"event":"tool_error","timestamp":"2024-01-01T10:00:00Z","data":{"toolName":"t"}}`)
	e, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if e.Name != NameExecution {
		t.Fatalf("expected execution, got %s", e.Name)
	}
}

func TestParse_V1CustomSuccessDefault(t *testing.T) {
	e, err := Parse(decode(t, `{"event":"custom","timestamp":"2024-01-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !e.Success {
		t.Fatalf("custom without explicit success=false must be successful")
	}

	e, err = Parse(decode(t, `{"event":"custom","timestamp":"2024-01-01T10:00:00Z","data":{"success":false}}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if e.Success {
		t.Fatalf("data.success=false must map to success=false")
	}
}

func TestParse_V2(t *testing.T) {
	raw := decode(t, `{
		"schemaVersion":2,
		"area":"session",
		"event":"session_start",
		"success":true,
		"timestamp":"2024-05-05T00:00:00.000Z",
		"server":{"id":"s1","version":"1.2.3"},
		"client":{"name":"ide","version":"9"},
		"session":{"id":"abc","transport":"stdio","protocolVersion":"2024-11-05"},
		"user":{"id":"u1","name":"Jane"},
		"data":{"k":"v"}
	}`)
	e, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if e.SchemaVersion != 2 || e.Area != AreaSession || e.EventType != TypeSessionStart {
		t.Fatalf("unexpected event: %+v", e)
	}
	if e.Session.Transport != "stdio" || e.Client.Name != "ide" || e.User.Name != "Jane" {
		t.Fatalf("structured objects not copied: %+v", e)
	}
	if e.Data["k"] != "v" {
		t.Fatalf("data payload not preserved")
	}
}

func TestParse_V2MissingDataDefaultsToEmpty(t *testing.T) {
	raw := decode(t, `{"schemaVersion":2,"area":"general","event":"custom","success":true,"timestamp":"2024-05-05T00:00:00Z"}`)
	e, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if e.Data == nil {
		t.Fatalf("data must default to an empty map")
	}
}

func TestParse_Rejections(t *testing.T) {
	cases := []string{
		`{"schemaVersion":2,"event":"x","success":true,"timestamp":"2024-01-01T00:00:00Z"}`,      // missing area
		`{"schemaVersion":2,"area":"nope","event":"x","success":true,"timestamp":"2024-01-01T00:00:00Z"}`, // bad area
		`{"schemaVersion":2,"area":"tool","event":"x","success":"yes","timestamp":"2024-01-01T00:00:00Z"}`, // non-bool success
		`{"schemaVersion":2,"area":"tool","event":"x","success":true}`,                           // missing timestamp
		`{"event":"totally_unknown","timestamp":"2024-01-01T00:00:00Z"}`,                         // unknown v1 event
		`{"event":"tool_call","timestamp":"yesterday"}`,                                          // unparseable timestamp
		`{"timestamp":"2024-01-01T00:00:00Z"}`,                                                   // missing event
	}
	for _, c := range cases {
		if _, err := Parse(decode(t, c)); !errors.Is(err, ErrParse) {
			t.Fatalf("expected ErrParse for %s, got %v", c, err)
		}
	}
}

// TestDeriveType_Mapping walks the full classification grid.
func TestDeriveType_Mapping(t *testing.T) {
	areas := []Area{AreaTool, AreaSession, AreaGeneral}
	names := []string{
		NameExecution, NameResponse, NameValidation,
		NameSessionStart, NameSessionEnd, NameServerBoot, NameClientConnect,
		NameErrorOccurred, NameCustom, "something_else",
	}
	for _, area := range areas {
		for _, name := range names {
			for _, success := range []bool{true, false} {
				got := DeriveType(area, name, success)
				want := TypeCustom
				switch {
				case area == AreaTool && (name == NameExecution || name == NameResponse):
					if success {
						want = TypeToolCall
					} else {
						want = TypeToolError
					}
				case area == AreaTool && name == NameValidation:
					want = TypeToolError
				case area == AreaSession && (name == NameSessionStart || name == NameServerBoot || name == NameClientConnect):
					want = TypeSessionStart
				case area == AreaSession && name == NameSessionEnd:
					want = TypeSessionEnd
				case area == AreaGeneral && name == NameErrorOccurred:
					want = TypeError
				}
				if got != want {
					t.Fatalf("DeriveType(%s,%s,%v) = %s, want %s", area, name, success, got, want)
				}
			}
		}
	}
}
