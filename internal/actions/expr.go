package actions

import (
	"context"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// ExprActions returns the expression-backed actions.
func ExprActions() []Action {
	return []Action{
		&exprAction{engine: expressions.NewExprEngine()},
		&jqAction{engine: expressions.NewGoJQEngine()},
	}
}

// evalData is the run scope, plus params.data under "data" when given.
func evalData(input Input) map[string]any {
	data := input.Scope.Map()
	if d, ok := input.Params["data"]; ok {
		data["data"] = d
	}
	return data
}

// --- expr ---

type exprAction struct {
	engine *expressions.ExprEngine
}

func (a *exprAction) Name() string { return "expr" }

func (a *exprAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate an expr-lang expression against steps, inputs, state and workflow",
		Params:      []string{"expression", "data"},
	}
}

func (a *exprAction) Validate(params map[string]any) error {
	expr := stringParam(params, "expression", "")
	if expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr requires a non-empty 'expression' string")
	}
	return a.engine.Compile(expr)
}

func (a *exprAction) Execute(ctx context.Context, input Input) (any, error) {
	return a.engine.Evaluate(ctx, stringParam(input.Params, "expression", ""), evalData(input))
}

// --- jq ---

type jqAction struct {
	engine *expressions.GoJQEngine
}

func (a *jqAction) Name() string { return "jq" }

func (a *jqAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run a jq query; the input is params.data when given, otherwise the run scope",
		Params:      []string{"query", "data"},
	}
}

func (a *jqAction) Validate(params map[string]any) error {
	query := stringParam(params, "query", "")
	if query == "" {
		return schema.NewError(schema.ErrCodeValidation, "jq requires a non-empty 'query' string")
	}
	return a.engine.Compile(query)
}

func (a *jqAction) Execute(ctx context.Context, input Input) (any, error) {
	query := stringParam(input.Params, "query", "")
	if d, ok := input.Params["data"]; ok {
		return a.engine.EvaluateValue(ctx, query, d)
	}
	return a.engine.Evaluate(ctx, query, input.Scope.Map())
}
