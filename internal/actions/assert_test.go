package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

func TestAssertEquals(t *testing.T) {
	a := &assertEqualsAction{}

	tests := []struct {
		name             string
		expected, actual any
		pass             bool
	}{
		{"equal strings", "a", "a", true},
		{"int and float", 1, 1.0, true},
		{"nested", map[string]any{"n": []any{1}}, map[string]any{"n": []any{int64(1)}}, true},
		{"different", "a", "b", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := execute(t, a, map[string]any{"expected": tc.expected, "actual": tc.actual}, nil)
			if tc.pass {
				require.NoError(t, err)
				assert.Equal(t, true, out)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "not equal")
		})
	}

	_, err := execute(t, a, map[string]any{"expected": 1, "actual": 2, "message": "count mismatch"}, nil)
	assert.ErrorContains(t, err, "count mismatch")
	assert.Error(t, a.Validate(map[string]any{"expected": 1}))
}

func TestAssertSchema(t *testing.T) {
	jsv, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	a := &assertSchemaAction{validator: jsv}

	userSchema := map[string]any{
		"type":     "object",
		"required": []any{"id"},
	}

	out, err := execute(t, a, map[string]any{"data": map[string]any{"id": 1}, "schema": userSchema}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	_, err = execute(t, a, map[string]any{"data": map[string]any{}, "schema": userSchema}, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
	assert.Contains(t, err.Error(), "does not match schema")

	_, err = (&assertSchemaAction{}).Execute(context.Background(), Input{
		Params: map[string]any{"data": 1, "schema": userSchema},
	})
	assert.ErrorContains(t, err, "no schema validator")
}
