// Package schema validates incoming telemetry payloads against the fixed
// wire schema. The schema is embedded and compiled exactly once at startup.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

//go:embed telemetry_schema.json
var telemetrySchemaJSON []byte

// FieldError describes a single validation failure, addressed to the
// offending field so clients can fix their payloads.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validator checks decoded payloads against the compiled telemetry schema.
//
// In debug mode every detectable problem is reported; in production the
// first failure short-circuits so a hostile payload cannot burn CPU on
// error accumulation.
type Validator struct {
	resolved *jsonschema.Resolved
	debug    bool
}

// New compiles the embedded schema. Compilation failure is a programming
// error and should abort process startup.
func New(debug bool) (*Validator, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(telemetrySchemaJSON, &s); err != nil {
		return nil, fmt.Errorf("schema: unmarshal embedded schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("schema: resolve: %w", err)
	}
	return &Validator{resolved: resolved, debug: debug}, nil
}

// Validate reports whether payload conforms to the telemetry schema.
// A nil error slice means the payload is valid.
func (v *Validator) Validate(payload map[string]any) (bool, []FieldError) {
	var errs []FieldError

	add := func(field, msg string) bool {
		errs = append(errs, FieldError{Field: field, Message: msg})
		return v.debug // keep collecting only in debug mode
	}

	// Cheap targeted checks first so debug mode reports them all even when
	// the schema engine stops at its first failure.
	if _, ok := payload["timestamp"].(string); !ok {
		if !add("timestamp", "timestamp is required and must be a string") {
			return false, errs
		}
	}
	if _, ok := payload["event"].(string); !ok {
		if !add("event", "event is required and must be a string") {
			return false, errs
		}
	}
	if d, present := payload["data"]; present {
		if _, ok := d.(map[string]any); !ok {
			if !add("data", "data must be an object") {
				return false, errs
			}
		}
	}

	if err := v.resolved.Validate(payload); err != nil {
		errs = append(errs, FieldError{Field: "payload", Message: err.Error()})
	}
	return len(errs) == 0, errs
}
