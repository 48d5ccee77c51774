package actions

import (
	"context"
	"reflect"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// AssertActions returns the assertion actions. assert.schema needs a
// validator; without one it fails every attempt.
func AssertActions(validator *validation.JSONSchemaValidator) []Action {
	return []Action{
		&assertEqualsAction{},
		&assertSchemaAction{validator: validator},
	}
}

func messageOr(params map[string]any, fallback string) string {
	if m := stringParam(params, "message", ""); m != "" {
		return m
	}
	return fallback
}

// --- assert.equals ---

type assertEqualsAction struct{}

func (a *assertEqualsAction) Name() string { return "assert.equals" }

func (a *assertEqualsAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Fail unless expected and actual are deeply equal",
		Params:      []string{"expected", "actual", "message"},
	}
}

func (a *assertEqualsAction) Validate(params map[string]any) error {
	for _, key := range []string{"expected", "actual"} {
		if _, ok := params[key]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "assert.equals requires '%s'", key)
		}
	}
	return nil
}

func (a *assertEqualsAction) Execute(_ context.Context, input Input) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	expected := expressions.Normalize(input.Params["expected"])
	actual := expressions.Normalize(input.Params["actual"])

	if numbersEqual(expected, actual) || reflect.DeepEqual(expected, actual) {
		return true, nil
	}
	return nil, schema.NewError(schema.ErrCodeExecution, messageOr(input.Params, "assertion failed: values are not equal")).
		WithDetails(map[string]any{"expected": expected, "actual": actual})
}

// numbersEqual treats 1 and 1.0 as equal; YAML and JSON disagree on which
// one they produce.
func numbersEqual(a, b any) bool {
	fa, okA := asFloat(a)
	fb, okB := asFloat(b)
	return okA && okB && fa == fb
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// --- assert.schema ---

type assertSchemaAction struct {
	validator *validation.JSONSchemaValidator
}

func (a *assertSchemaAction) Name() string { return "assert.schema" }

func (a *assertSchemaAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Fail unless data conforms to a JSON Schema",
		Params:      []string{"data", "schema", "message"},
	}
}

func (a *assertSchemaAction) Validate(params map[string]any) error {
	if _, ok := params["data"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'data'")
	}
	if _, ok := params["schema"].(map[string]any); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires a 'schema' object")
	}
	return nil
}

func (a *assertSchemaAction) Execute(_ context.Context, input Input) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	if a.validator == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "assert.schema: no schema validator configured")
	}

	if err := a.validator.ValidateData(input.Params["data"], input.Params["schema"]); err != nil {
		details := map[string]any{"error": err.Error()}
		if se, ok := err.(*schema.Error); ok && se.Details != nil {
			details["issues"] = se.Details["issues"]
		}
		return nil, schema.NewError(schema.ErrCodeExecution, messageOr(input.Params, "assertion failed: data does not match schema")).
			WithCause(err).
			WithDetails(details)
	}
	return true, nil
}
