// Package schema compiles and applies the JSON-Schema-shaped records carried
// by workflow and task definitions (inputSchema, stateSchema, outputSchema).
package schema

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wonderhq/wonder/pkg/errors"
)

// Schema is a compiled JSON Schema. The zero value (or a nil *Schema)
// accepts every document, which is how optional schemas behave.
type Schema struct {
	raw      map[string]any
	compiled *jsonschema.Schema
}

// Compile compiles a raw schema document. A nil document compiles to a
// schema that accepts everything.
func Compile(raw map[string]any) (*Schema, error) {
	if raw == nil {
		return &Schema{}, nil
	}

	compiler := jsonschema.NewCompiler()
	const url = "inline://schema.json"
	if err := compiler.AddResource(url, normalize(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &Schema{raw: raw, compiled: compiled}, nil
}

// MustCompile compiles a raw schema and panics on error. For tests.
func MustCompile(raw map[string]any) *Schema {
	s, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Raw returns the original schema document, or nil for the accept-all schema.
func (s *Schema) Raw() map[string]any {
	if s == nil {
		return nil
	}
	return s.raw
}

// Validate checks value against the schema. Violations are returned as
// *errors.ValidationError carrying the offending field.
func (s *Schema) Validate(field string, value any) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	if err := s.compiled.Validate(normalize(value)); err != nil {
		return &errors.ValidationError{
			Field:      field,
			Message:    err.Error(),
			Suggestion: "check the value against the declared schema",
		}
	}
	return nil
}

// normalize rewrites a JSON-shaped value into the form the validator
// expects: map[string]any / []any / float64 / string / bool / nil. Values
// originating from yaml.v3 can carry map[string]any already but ints where
// JSON would have float64.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
