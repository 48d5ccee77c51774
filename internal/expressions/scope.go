package expressions

import (
	"context"
	"encoding/json"
	"math"
)

// SecretResolver looks up a secret value by key. Satisfied by secrets.Vault.
type SecretResolver interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// Scope is the data a step sees when its condition, params, or expression
// are evaluated. Map renders it under the top-level names steps, inputs,
// state, and workflow.
//
// Secrets are only reachable through ${{ secrets.KEY }} interpolation and are
// never part of Map, so conditions and expressions cannot read them.
type Scope struct {
	Workflow string
	RunID    string
	Steps    map[string]any
	Inputs   map[string]any
	State    map[string]any
	Secrets  SecretResolver
}

// Map returns the scope as expression data. Nil maps become empty maps so
// that references to absent keys fail cleanly instead of dereferencing nil.
func (s Scope) Map() map[string]any {
	return map[string]any{
		"steps":  orEmpty(s.Steps),
		"inputs": orEmpty(s.Inputs),
		"state":  orEmpty(s.State),
		"workflow": map[string]any{
			"name":   s.Workflow,
			"run_id": s.RunID,
		},
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Normalize converts a Go value into the plain JSON shapes (map[string]any,
// []any, string, bool, int, float64, nil) understood by every engine.
// Values of other types take a JSON round trip.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64, int:
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case int8:
		return int(val)
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		if val >= math.MinInt && val <= math.MaxInt {
			return int(val)
		}
		return float64(val)
	case uint8:
		return int(val)
	case uint16:
		return int(val)
	case uint32:
		return int(val)
	case uint:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return Normalize(i)
		}
		f, _ := val.Float64()
		return f
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
