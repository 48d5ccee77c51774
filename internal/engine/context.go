package engine

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

const logTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// WorkflowContext is the scratch space of a single run, passed to every
// step. It belongs to exactly one run and is not safe for concurrent use;
// steps of a run never execute concurrently.
type WorkflowContext struct {
	workflow string
	runID    string
	inputs   map[string]any
	results  map[string]any
	order    []string
	state    map[string]any
	logs     []string
	now      func() time.Time
}

func newWorkflowContext(workflow, runID string, inputs map[string]any, now func() time.Time) *WorkflowContext {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &WorkflowContext{
		workflow: workflow,
		runID:    runID,
		inputs:   inputs,
		results:  make(map[string]any),
		state:    make(map[string]any),
		now:      now,
	}
}

// Workflow returns the name of the running workflow.
func (c *WorkflowContext) Workflow() string { return c.workflow }

// RunID returns the id of the current run.
func (c *WorkflowContext) RunID() string { return c.runID }

// Input returns a resolved input value.
func (c *WorkflowContext) Input(name string) (any, bool) {
	v, ok := c.inputs[name]
	return v, ok
}

// Inputs returns a copy of the resolved inputs.
func (c *WorkflowContext) Inputs() map[string]any {
	return maps.Clone(c.inputs)
}

// Result returns the value produced by an earlier step.
func (c *WorkflowContext) Result(stepID string) (any, bool) {
	v, ok := c.results[stepID]
	return v, ok
}

// Results returns a copy of all step results recorded so far.
func (c *WorkflowContext) Results() map[string]any {
	return maps.Clone(c.results)
}

// ResultOrder returns the ids of recorded results in execution order.
func (c *WorkflowContext) ResultOrder() []string {
	return slices.Clone(c.order)
}

// State is free-form storage steps use to hand data to later steps. The
// returned map is live.
func (c *WorkflowContext) State() map[string]any {
	return c.state
}

// Log appends a timestamped line to the run's log trail.
func (c *WorkflowContext) Log(format string, args ...any) {
	line := fmt.Sprintf("[%s] %s", c.now().UTC().Format(logTimeFormat), fmt.Sprintf(format, args...))
	c.logs = append(c.logs, line)
}

// Logs returns a copy of the log trail.
func (c *WorkflowContext) Logs() []string {
	return slices.Clone(c.logs)
}

func (c *WorkflowContext) setResult(stepID string, v any) {
	if _, exists := c.results[stepID]; !exists {
		c.order = append(c.order, stepID)
	}
	c.results[stepID] = v
}
