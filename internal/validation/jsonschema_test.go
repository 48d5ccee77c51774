package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func newJSV(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func validDoc() map[string]any {
	return map[string]any{
		"name":     "sync",
		"tags":     []any{"mail"},
		"schedule": "*/5 * * * *",
		"inputs": map[string]any{
			"folder": "string",
			"limit":  map[string]any{"type": "number", "default": 10},
			"any":    nil,
		},
		"steps": []any{
			map[string]any{"id": "a", "action": "value", "params": map[string]any{"value": 1}},
			map[string]any{
				"id":             "b",
				"action":         "jq",
				"condition":      "inputs.limit > 0",
				"retries":        2,
				"retry_delay_ms": 0,
				"on_error":       map[string]any{"value": nil},
			},
		},
	}
}

func paths(r *schema.ValidationResult) []string {
	var out []string
	for _, is := range r.Issues {
		out = append(out, is.Path)
	}
	return out
}

func TestValidateDocument_Valid(t *testing.T) {
	r := newJSV(t).ValidateDocument(validDoc())
	assert.True(t, r.Valid(), "%v", r.Issues)
}

func TestValidateDocument_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d map[string]any)
		path   string
	}{
		{"missing name", func(d map[string]any) { delete(d, "name") }, "/"},
		{"empty steps", func(d map[string]any) { d["steps"] = []any{} }, "/steps"},
		{"unknown field", func(d map[string]any) { d["timeout"] = "5s" }, "/"},
		{"step without action", func(d map[string]any) {
			d["steps"] = []any{map[string]any{"id": "a"}}
		}, "/steps/0"},
		{"negative retries", func(d map[string]any) {
			d["steps"] = []any{map[string]any{"id": "a", "action": "value", "retries": -1}}
		}, "/steps/0/retries"},
		{"fractional delay", func(d map[string]any) {
			d["steps"] = []any{map[string]any{"id": "a", "action": "value", "retry_delay_ms": 1.5}}
		}, "/steps/0/retry_delay_ms"},
		{"on_error with value and action", func(d map[string]any) {
			d["steps"] = []any{map[string]any{
				"id": "a", "action": "value",
				"on_error": map[string]any{"value": 1, "action": "log"},
			}}
		}, "/steps/0/on_error"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := validDoc()
			tc.mutate(d)
			r := newJSV(t).ValidateDocument(d)
			require.False(t, r.Valid())
			found := false
			for _, p := range paths(r) {
				if strings.HasPrefix(p, tc.path) {
					found = true
				}
			}
			assert.True(t, found, "expected an issue under %s, got %v", tc.path, r.Issues)
		})
	}
}

func TestValidateData(t *testing.T) {
	v := newJSV(t)
	userSchema := map[string]any{
		"type":     "object",
		"required": []any{"email"},
		"properties": map[string]any{
			"email": map[string]any{"type": "string"},
			"age":   map[string]any{"type": "integer", "minimum": 0},
		},
	}

	assert.NoError(t, v.ValidateData(map[string]any{"email": "a@b.c", "age": 3}, userSchema))

	err := v.ValidateData(map[string]any{"age": -1}, userSchema)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "validation errors")

	assert.NoError(t, v.ValidateData([]any{1, 2}, map[string]any{"type": "array"}))
	assert.Error(t, v.ValidateData("x", map[string]any{"type": 7}))
}
