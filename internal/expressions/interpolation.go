package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

const (
	openMarker  = "${{"
	closeMarker = "}}"
)

const secretsNamespace = "secrets"

var namespaces = []string{"steps", "inputs", "state", "workflow", secretsNamespace}

// Interpolate resolves ${{ ... }} references inside params against scope.
// Maps and slices are walked recursively and a new value is returned; params
// is never modified. A string that consists of a single reference takes the
// referenced value with its type intact. References embedded in longer
// strings are rendered as text.
//
// Supported references: steps.<id>[.path], inputs.<name>[.path],
// state.<key>[.path], workflow.name, workflow.run_id and secrets.<KEY>. Path
// segments index into maps by key and into lists by position. Secrets resolve
// through scope.Secrets as strings.
func Interpolate(ctx context.Context, params any, scope Scope) (any, error) {
	r := &resolver{ctx: ctx, data: scope.Map(), secrets: scope.Secrets}
	return r.value(params)
}

type resolver struct {
	ctx     context.Context
	data    map[string]any
	secrets SecretResolver
}

func (r *resolver) value(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.str(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.value(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.value(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *resolver) str(s string) (any, error) {
	if !strings.Contains(s, openMarker) {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openMarker) && strings.HasSuffix(trimmed, closeMarker) &&
		strings.Count(trimmed, openMarker) == 1 {
		ref := strings.TrimSpace(trimmed[len(openMarker) : len(trimmed)-len(closeMarker)])
		return r.ref(ref)
	}

	var b strings.Builder
	b.Grow(len(s))
	rest := s
	for {
		idx := strings.Index(rest, openMarker)
		if idx == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		start := idx + len(openMarker)

		end := strings.Index(rest[start:], closeMarker)
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "unclosed %s in %q", openMarker, s)
		}
		end += start

		val, err := r.ref(strings.TrimSpace(rest[start:end]))
		if err != nil {
			return nil, err
		}
		b.WriteString(inline(val))
		rest = rest[end+len(closeMarker):]
	}
	return b.String(), nil
}

func (r *resolver) ref(ref string) (any, error) {
	if ref == "" {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "empty reference ${{ }}")
	}
	if strings.Contains(ref, openMarker) {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "nested reference in %q", ref)
	}

	segments := strings.Split(ref, ".")
	if segments[0] == secretsNamespace {
		return r.secret(ref)
	}
	root, ok := r.data[segments[0]]
	if !ok || !slices.Contains(namespaces, segments[0]) {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", segments[0], ref, strings.Join(namespaces, ", ")).
			WithDetails(map[string]any{"expression": ref})
	}
	if len(segments) == 1 {
		return root, nil
	}
	return traversePath(root, segments[1:], ref)
}

func (r *resolver) secret(ref string) (any, error) {
	_, key, _ := strings.Cut(ref, ".")
	if key == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid secret reference %q: expected secrets.<KEY>", ref).
			WithDetails(map[string]any{"expression": ref})
	}
	if r.secrets == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", key).
			WithDetails(map[string]any{"expression": ref})
	}
	val, err := r.secrets.Resolve(r.ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q: %s", key, err.Error()).
			WithDetails(map[string]any{"expression": ref}).WithCause(err)
	}
	return string(val), nil
}

func traversePath(root any, segments []string, ref string) (any, error) {
	current := root
	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment at position %d in %q", i+1, ref).
				WithDetails(map[string]any{"expression": ref})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				keys := sortedKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"%q not found in ${{%s}}; available: [%s]", seg, ref, strings.Join(keys, ", ")).
					WithDetails(map[string]any{"expression": ref, "available": keys})
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"index %q out of range in ${{%s}} (length %d)", seg, ref, len(v)).
					WithDetails(map[string]any{"expression": ref})
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot index %T with %q in ${{%s}}", current, seg, ref).
				WithDetails(map[string]any{"expression": ref})
		}
	}
	return current, nil
}

// inline renders a resolved value inside a longer string.
func inline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool, int, int64, float64:
		return fmt.Sprint(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// StepRefs returns the ids of steps referenced through ${{ steps.<id> }}
// anywhere inside v, in first-seen order.
func StepRefs(v any) []string {
	var refs []string
	collectStepRefs(v, &refs)
	return refs
}

func collectStepRefs(v any, refs *[]string) {
	switch val := v.(type) {
	case string:
		rest := val
		for {
			idx := strings.Index(rest, openMarker)
			if idx == -1 {
				return
			}
			rest = rest[idx+len(openMarker):]
			end := strings.Index(rest, closeMarker)
			if end == -1 {
				return
			}
			ref := strings.TrimSpace(rest[:end])
			rest = rest[end+len(closeMarker):]

			id, ok := strings.CutPrefix(ref, "steps.")
			if !ok {
				continue
			}
			id, _, _ = strings.Cut(id, ".")
			if id != "" && !slices.Contains(*refs, id) {
				*refs = append(*refs, id)
			}
		}
	case map[string]any:
		for _, k := range sortedKeys(val) {
			collectStepRefs(val[k], refs)
		}
	case []any:
		for _, item := range val {
			collectStepRefs(item, refs)
		}
	}
}

// ContainsRefs reports whether any string inside v holds a ${{ reference.
func ContainsRefs(v any) bool {
	switch val := v.(type) {
	case string:
		return strings.Contains(val, openMarker)
	case map[string]any:
		for _, item := range val {
			if ContainsRefs(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if ContainsRefs(item) {
				return true
			}
		}
	}
	return false
}
