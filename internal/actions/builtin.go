package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// BuiltinDeps are the collaborators some built-in actions need. Nil fields
// disable the actions that depend on them at execution time.
type BuiltinDeps struct {
	Logger    *slog.Logger
	Validator *validation.JSONSchemaValidator
	Runner    WorkflowRunner
	Hub       streaming.EventHub
	HTTP      HTTPConfig
	Shell     *ShellConfig // nil leaves shell.exec unregistered
	FS        *FSConfig    // nil leaves fs.* unregistered
}

// RegisterBuiltins registers every built-in action.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}

	all := []Action{
		&valueAction{},
		&stateSetAction{},
		&logAction{logger: deps.Logger},
		&failAction{},
		&sleepAction{},
	}
	all = append(all, ExprActions()...)
	all = append(all, AssertActions(deps.Validator)...)
	all = append(all, CryptoActions()...)
	all = append(all, HTTPActions(deps.HTTP)...)
	all = append(all, WorkflowActions(deps.Runner, deps.Hub)...)
	if deps.Shell != nil {
		all = append(all, ShellActions(*deps.Shell)...)
	}
	if deps.FS != nil {
		all = append(all, FSActions(*deps.FS)...)
	}

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// --- value ---

type valueAction struct{}

func (a *valueAction) Name() string { return "value" }

func (a *valueAction) Schema() ActionSchema {
	return ActionSchema{Description: "Return params.value as the step result", Params: []string{"value"}}
}

func (a *valueAction) Validate(map[string]any) error { return nil }

func (a *valueAction) Execute(_ context.Context, input Input) (any, error) {
	return input.Params["value"], nil
}

// --- state.set ---

type stateSetAction struct{}

func (a *stateSetAction) Name() string { return "state.set" }

func (a *stateSetAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Write to the run state: a single key/value, or every entry of values",
		Params:      []string{"key", "value", "values"},
	}
}

func (a *stateSetAction) Validate(params map[string]any) error {
	_, hasKey := params["key"]
	_, hasValues := params["values"]
	switch {
	case hasKey && hasValues:
		return schema.NewError(schema.ErrCodeValidation, "state.set takes either 'key' or 'values', not both")
	case hasKey:
		if stringParam(params, "key", "") == "" {
			return schema.NewError(schema.ErrCodeValidation, "state.set 'key' must be a non-empty string")
		}
	case hasValues:
		if _, ok := params["values"].(map[string]any); !ok {
			return schema.NewError(schema.ErrCodeValidation, "state.set 'values' must be an object")
		}
	default:
		return schema.NewError(schema.ErrCodeValidation, "state.set requires 'key' or 'values'")
	}
	return nil
}

func (a *stateSetAction) Execute(_ context.Context, input Input) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	if input.State == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "state.set: no run state")
	}

	if values, ok := input.Params["values"].(map[string]any); ok {
		maps.Copy(input.State, values)
		return values, nil
	}
	key := stringParam(input.Params, "key", "")
	input.State[key] = input.Params["value"]
	return input.Params["value"], nil
}

// --- log ---

type logAction struct {
	logger *slog.Logger
}

func (a *logAction) Name() string { return "log" }

func (a *logAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Append a message to the run log and the service log",
		Params:      []string{"message", "level", "data"},
	}
}

func (a *logAction) Validate(params map[string]any) error {
	if stringParam(params, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "log requires a non-empty 'message' string")
	}
	switch stringParam(params, "level", "info") {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "log 'level' must be debug, info, warn or error")
	}
}

func (a *logAction) Execute(ctx context.Context, input Input) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	message := stringParam(input.Params, "message", "")
	input.logf("%s", message)

	var attrs []any
	if data, ok := input.Params["data"]; ok {
		attrs = append(attrs, slog.Any("data", data))
	}
	switch stringParam(input.Params, "level", "info") {
	case "debug":
		a.logger.DebugContext(ctx, message, attrs...)
	case "warn":
		a.logger.WarnContext(ctx, message, attrs...)
	case "error":
		a.logger.ErrorContext(ctx, message, attrs...)
	default:
		a.logger.InfoContext(ctx, message, attrs...)
	}
	return message, nil
}

// --- fail ---

type failAction struct{}

func (a *failAction) Name() string { return "fail" }

func (a *failAction) Schema() ActionSchema {
	return ActionSchema{Description: "Fail the attempt with params.message", Params: []string{"message"}}
}

func (a *failAction) Validate(map[string]any) error { return nil }

func (a *failAction) Execute(_ context.Context, input Input) (any, error) {
	return nil, errors.New(stringParam(input.Params, "message", "fail action invoked"))
}

// --- sleep ---

type sleepAction struct{}

func (a *sleepAction) Name() string { return "sleep" }

func (a *sleepAction) Schema() ActionSchema {
	return ActionSchema{Description: "Pause for params.ms milliseconds", Params: []string{"ms"}}
}

func (a *sleepAction) Validate(params map[string]any) error {
	if _, ok := millisParam(params, "ms"); !ok {
		return schema.NewError(schema.ErrCodeValidation, "sleep requires a non-negative integer 'ms'")
	}
	return nil
}

func (a *sleepAction) Execute(ctx context.Context, input Input) (any, error) {
	d, ok := millisParam(input.Params, "ms")
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "sleep requires a non-negative integer 'ms'")
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return d.Milliseconds(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}
}
