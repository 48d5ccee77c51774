package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/expressions"
)

func scopedInput(params map[string]any) Input {
	return Input{
		Params: params,
		Scope: expressions.Scope{
			Workflow: "orders",
			Steps:    map[string]any{"fetch": map[string]any{"items": []any{3, 1, 2}}},
			Inputs:   map[string]any{"factor": 2},
		},
	}
}

func TestExprAction(t *testing.T) {
	a := ExprActions()[0]
	require.Equal(t, "expr", a.Name())

	out, err := a.Execute(context.Background(), scopedInput(map[string]any{
		"expression": `steps.fetch.items[0] * inputs.factor`,
	}))
	require.NoError(t, err)
	assert.Equal(t, 6, out)

	out, err = a.Execute(context.Background(), scopedInput(map[string]any{
		"expression": `data.a + 1`,
		"data":       map[string]any{"a": 41},
	}))
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	assert.Error(t, a.Validate(map[string]any{}))
	assert.Error(t, a.Validate(map[string]any{"expression": "1 +"}))
	assert.NoError(t, a.Validate(map[string]any{"expression": "inputs.factor > 1"}))
}

func TestJQAction(t *testing.T) {
	a := ExprActions()[1]
	require.Equal(t, "jq", a.Name())

	out, err := a.Execute(context.Background(), scopedInput(map[string]any{
		"query": `.steps.fetch.items | sort`,
	}))
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, out)

	out, err = a.Execute(context.Background(), scopedInput(map[string]any{
		"query": `map(.name)`,
		"data":  []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}},
	}))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	assert.Error(t, a.Validate(map[string]any{"query": ""}))
	assert.Error(t, a.Validate(map[string]any{"query": ".["}))
}
