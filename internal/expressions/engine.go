package expressions

import "context"

// Engine evaluates expressions against a run scope.
// Three implementations: CEL (conditions), Expr (computed values), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
