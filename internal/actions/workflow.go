package actions

import (
	"context"
	"time"

	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// MaxNestingDepth bounds how deeply workflow.run may nest child runs.
const MaxNestingDepth = 8

// WorkflowRunner runs a registered workflow to completion. The engine
// satisfies it; it is bound after construction.
type WorkflowRunner interface {
	Run(ctx context.Context, name string, inputs map[string]any) *schema.WorkflowResult
}

type depthKey struct{}

func nestingDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// WorkflowActions returns the actions that interact with other runs.
func WorkflowActions(runner WorkflowRunner, hub streaming.EventHub) []Action {
	return []Action{
		&workflowRunAction{runner: runner},
		&workflowEmitAction{hub: hub},
	}
}

// --- workflow.run ---

type workflowRunAction struct {
	runner WorkflowRunner
}

func (a *workflowRunAction) Name() string { return "workflow.run" }

func (a *workflowRunAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run another registered workflow and return its step results",
		Params:      []string{"workflow", "inputs"},
	}
}

func (a *workflowRunAction) Validate(params map[string]any) error {
	if stringParam(params, "workflow", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow.run requires a 'workflow' name")
	}
	if raw, ok := params["inputs"]; ok {
		if _, ok := raw.(map[string]any); !ok {
			return schema.NewError(schema.ErrCodeValidation, "workflow.run 'inputs' must be an object")
		}
	}
	return nil
}

func (a *workflowRunAction) Execute(ctx context.Context, input Input) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	if a.runner == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "workflow.run: no workflow runner configured")
	}

	depth := nestingDepth(ctx)
	if depth >= MaxNestingDepth {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "workflow.run: nesting deeper than %d runs", MaxNestingDepth)
	}

	name := stringParam(input.Params, "workflow", "")
	inputs, _ := input.Params["inputs"].(map[string]any)

	input.logf("Running child workflow: %s", name)
	res := a.runner.Run(context.WithValue(ctx, depthKey{}, depth+1), name, inputs)
	if !res.Success {
		err := schema.NewErrorf(schema.ErrCodeExecution, "child workflow %s failed", name).
			WithDetails(map[string]any{"child_run_id": res.RunID, "failed_step": res.FailedStep, "error": res.Error})
		if res.FailedStep != "" {
			err.Message += " at step " + res.FailedStep
		}
		if res.Error != "" {
			err.Message += ": " + res.Error
		}
		return nil, err
	}
	return res.StepResults, nil
}

// --- workflow.emit ---

type workflowEmitAction struct {
	hub streaming.EventHub
}

func (a *workflowEmitAction) Name() string { return "workflow.emit" }

func (a *workflowEmitAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Publish a custom event to run event subscribers",
		Params:      []string{"event_type", "payload"},
	}
}

func (a *workflowEmitAction) Validate(params map[string]any) error {
	if stringParam(params, "event_type", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow.emit requires an 'event_type'")
	}
	return nil
}

func (a *workflowEmitAction) Execute(ctx context.Context, input Input) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	if a.hub == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "workflow.emit: no event hub configured")
	}

	eventType := stringParam(input.Params, "event_type", "")
	err := a.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     input.Scope.RunID,
		Workflow:  input.Scope.Workflow,
		StepID:    input.StepID,
		EventType: eventType,
		Payload:   input.Params["payload"],
		Time:      time.Now(),
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "workflow.emit: %s", err.Error()).WithCause(err)
	}
	return eventType, nil
}
