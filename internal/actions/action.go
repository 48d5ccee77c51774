package actions

import (
	"context"

	"github.com/rendis/stepflow/internal/expressions"
)

// Action is a named, reusable unit of work a declarative step can invoke.
type Action interface {
	Name() string
	Schema() ActionSchema
	Validate(params map[string]any) error
	Execute(ctx context.Context, input Input) (any, error)
}

// ActionSchema describes an action for listings.
type ActionSchema struct {
	Description string   `json:"description,omitempty"`
	Params      []string `json:"params,omitempty"`
}

// Input is what an action receives for one attempt. Params are already
// interpolated against Scope.
type Input struct {
	StepID string
	Params map[string]any
	Scope  expressions.Scope
	// State is the live run state; writes are visible to later steps.
	State map[string]any
	// Log appends a line to the run's log trail.
	Log func(format string, args ...any)
}

func (in Input) logf(format string, args ...any) {
	if in.Log != nil {
		in.Log(format, args...)
	}
}

// ActionInfo summarises a registered action.
type ActionInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Params      []string `json:"params,omitempty"`
}
