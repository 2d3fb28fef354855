package statechart

import (
	"fmt"

	"github.com/actorkit/backend/internal/core"
)

// Field is one payload field requirement.
type Field struct {
	Name     string
	Kind     string // "string", "number", "bool", "object", "array", "" = any
	Required bool
}

func RequiredString(name string) Field { return Field{Name: name, Kind: "string", Required: true} }
func RequiredNumber(name string) Field { return Field{Name: name, Kind: "number", Required: true} }
func OptionalString(name string) Field { return Field{Name: name, Kind: "string"} }
func OptionalBool(name string) Field   { return Field{Name: name, Kind: "bool"} }

// Schema builds a Validator that checks the listed fields for presence and
// JSON kind. Fields not listed pass through untouched.
func Schema(fields ...Field) Validator {
	return func(ev core.Event) error {
		for _, f := range fields {
			val, ok := ev.Payload[f.Name]
			if !ok {
				if f.Required {
					return fmt.Errorf("event %s: missing field %q", ev.Type, f.Name)
				}
				continue
			}
			if f.Kind == "" || val == nil {
				continue
			}
			if !kindMatches(f.Kind, val) {
				return fmt.Errorf("event %s: field %q is not a %s", ev.Type, f.Name, f.Kind)
			}
		}
		return nil
	}
}

func kindMatches(kind string, val any) bool {
	switch kind {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		_, ok := val.(float64)
		return ok
	case "bool":
		_, ok := val.(bool)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	}
	return true
}
