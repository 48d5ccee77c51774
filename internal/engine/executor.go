package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/stepflow/pkg/schema"
)

// shouldRun evaluates the step condition. Steps without one always run. A
// panicking condition is reported as an error.
func shouldRun(step *Step, wc *WorkflowContext) (ok bool, err error) {
	if step.Condition == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = schema.NewErrorf(schema.ErrCodeExecution, "condition panicked: %v", r).WithStep(step.ID)
		}
	}()
	return step.Condition.Evaluate(wc), nil
}

// executeStep runs one step under its retry policy. A nil error means the
// step produced a result, either directly or through its error handler.
// Returned errors are always *schema.Error carrying the step id.
func (e *Engine) executeStep(ctx context.Context, step *Step, wc *WorkflowContext) (any, error) {
	maxAttempts := step.maxAttempts()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := invokeAction(ctx, step, wc)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		wc.Log("Step %s failed: %v. Retrying (attempt %d/%d) in %dms",
			step.ID, err, attempt+1, maxAttempts, step.RetryDelay.Milliseconds())
		e.logger.WarnContext(ctx, "step attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", err.Error()),
		)
		e.publish(ctx, wc, schema.EventStepRetrying, step.ID, map[string]any{
			"attempt":      attempt + 1,
			"max_attempts": maxAttempts,
			"error":        err.Error(),
		})

		if waitErr := WaitForBackoff(ctx, step.RetryDelay); waitErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "retry wait interrupted: %s", waitErr.Error()).
				WithStep(step.ID).
				WithCause(waitErr).
				WithDetails(map[string]any{"attempts": attempt, "last_error": err.Error()})
		}
	}

	if step.OnError != nil {
		wc.Log("Step %s failed after %s, invoking error handler: %v", step.ID, describeAttempts(maxAttempts), lastErr)
		out, herr := invokeHandler(ctx, step, lastErr, wc)
		if herr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeErrorHandlerFailed, "error handler failed: %s", herr.Error()).
				WithStep(step.ID).
				WithCause(herr).
				WithDetails(map[string]any{"attempts": maxAttempts, "original_error": lastErr.Error()})
		}
		e.publish(ctx, wc, schema.EventStepRecovered, step.ID, map[string]any{
			"error": lastErr.Error(),
		})
		return out, nil
	}

	code := schema.ErrCodeStepFailed
	if step.Retries > 0 {
		code = schema.ErrCodeRetryExhausted
	}
	return nil, schema.NewError(code, lastErr.Error()).
		WithStep(step.ID).
		WithCause(lastErr).
		WithDetails(map[string]any{"attempts": maxAttempts})
}

// invokeAction calls the step action once, turning a panic into an error so
// one misbehaving action cannot take down the goroutine driving the run.
func invokeAction(ctx context.Context, step *Step, wc *WorkflowContext) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return step.Action.Execute(ctx, wc)
}

func invokeHandler(ctx context.Context, step *Step, cause error, wc *WorkflowContext) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return step.OnError.Recover(ctx, cause, wc)
}

// failureFields extracts the result fields of a step failure.
func failureFields(err error) (message, code string) {
	if se, ok := err.(*schema.Error); ok {
		return se.Message, se.Code
	}
	return err.Error(), schema.ErrCodeStepFailed
}

func describeAttempts(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", n)
}
