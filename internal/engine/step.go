package engine

import (
	"context"
	"time"
)

// DefaultRetryDelay is the pause between attempts applied by NewStep.
const DefaultRetryDelay = time.Second

// StepAction is the work a step performs. It may fail; the engine retries it
// according to the step's policy.
type StepAction interface {
	Execute(ctx context.Context, wc *WorkflowContext) (any, error)
}

// ActionFunc adapts a function to StepAction.
type ActionFunc func(ctx context.Context, wc *WorkflowContext) (any, error)

func (f ActionFunc) Execute(ctx context.Context, wc *WorkflowContext) (any, error) {
	return f(ctx, wc)
}

// Condition decides whether a step runs. It is evaluated synchronously and
// must not have side effects.
type Condition interface {
	Evaluate(wc *WorkflowContext) bool
}

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(wc *WorkflowContext) bool

func (f ConditionFunc) Evaluate(wc *WorkflowContext) bool {
	return f(wc)
}

// ErrorHandler supplies a fallback result once all attempts of a step have
// failed. Its return value is stored as the step result.
type ErrorHandler interface {
	Recover(ctx context.Context, err error, wc *WorkflowContext) (any, error)
}

// ErrorHandlerFunc adapts a function to ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, err error, wc *WorkflowContext) (any, error)

func (f ErrorHandlerFunc) Recover(ctx context.Context, err error, wc *WorkflowContext) (any, error) {
	return f(ctx, err, wc)
}

// Step is one unit of work within a Definition.
//
// Retries counts additional attempts after the first. RetryDelay is a fixed
// pause between attempts; a Step literal uses exactly the value written,
// NewStep defaults it to DefaultRetryDelay.
type Step struct {
	ID          string
	Description string
	Action      StepAction
	Condition   Condition
	OnError     ErrorHandler
	Retries     int
	RetryDelay  time.Duration
}

// StepOption configures a Step built by NewStep.
type StepOption func(*Step)

// NewStep builds a step with the default retry delay.
func NewStep(id string, action StepAction, opts ...StepOption) Step {
	s := Step{
		ID:         id,
		Action:     action,
		RetryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func WithDescription(d string) StepOption {
	return func(s *Step) { s.Description = d }
}

func WithRetries(n int) StepOption {
	return func(s *Step) { s.Retries = n }
}

func WithRetryDelay(d time.Duration) StepOption {
	return func(s *Step) { s.RetryDelay = d }
}

func WithCondition(c Condition) StepOption {
	return func(s *Step) { s.Condition = c }
}

func WithOnError(h ErrorHandler) StepOption {
	return func(s *Step) { s.OnError = h }
}

func (s *Step) maxAttempts() int {
	return s.Retries + 1
}
