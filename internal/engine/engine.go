package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// RunArchive receives a copy of every run once it reaches a terminal state.
// Archive failures are logged and never affect the run.
type RunArchive interface {
	ArchiveRun(ctx context.Context, run *schema.WorkflowRun) error
}

// Config holds optional engine collaborators and limits.
type Config struct {
	HistoryCapacity int                // retained runs (default 200)
	PoolSize        int                // concurrent runs dispatched by Go (default 10)
	Logger          *slog.Logger       // nil = discard
	Hub             streaming.EventHub // nil = no events
	Archive         RunArchive         // nil = no archive
	NewID           func() string      // run id generator (default uuid)
	Clock           func() time.Time   // default time.Now
}

// Engine registers workflow definitions and runs them. Runs may execute
// concurrently; the steps of one run always execute sequentially.
type Engine struct {
	registry *Registry
	history  *History
	pool     *WorkerPool
	logger   *slog.Logger
	hub      streaming.EventHub
	archive  RunArchive
	newID    func() string
	now      func() time.Time
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		registry: NewRegistry(),
		history:  NewHistory(cfg.HistoryCapacity),
		pool:     NewWorkerPool(cfg.PoolSize),
		logger:   cfg.Logger,
		hub:      cfg.Hub,
		archive:  cfg.Archive,
		newID:    cfg.NewID,
		now:      cfg.Clock,
	}
}

// Register validates and stores a definition, replacing any definition with
// the same name.
func (e *Engine) Register(def *Definition) error {
	if err := e.registry.Register(def); err != nil {
		return err
	}
	e.logger.Debug("workflow registered", slog.String("workflow", def.Name), slog.Int("steps", len(def.Steps)))
	return nil
}

// Unregister removes a definition and reports whether it existed.
func (e *Engine) Unregister(name string) bool {
	return e.registry.Unregister(name)
}

// Get returns a copy of the named definition.
func (e *Engine) Get(name string) (*Definition, bool) {
	return e.registry.Get(name)
}

// List returns all definitions in registration order.
func (e *Engine) List() []*Definition {
	return e.registry.List()
}

// History returns copies of the retained runs, most recent first.
func (e *Engine) History() []*schema.WorkflowRun {
	return e.history.Snapshot()
}

// RunRecord returns a copy of one retained run.
func (e *Engine) RunRecord(runID string) (*schema.WorkflowRun, bool) {
	return e.history.Get(runID)
}

// Stats aggregates the retained history.
func (e *Engine) Stats() schema.Stats {
	return ComputeStats(e.history.Snapshot())
}

// PoolMetrics reports the async dispatch counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Run executes the named workflow and blocks until it finishes. Failures are
// reported in the result; Run does not return an error. A name that is not
// registered yields a failed result without a history record.
func (e *Engine) Run(ctx context.Context, name string, inputs map[string]any) *schema.WorkflowResult {
	def, ok := e.registry.lookup(name)
	if !ok {
		e.logger.WarnContext(ctx, "workflow not found", slog.String("workflow", name))
		return &schema.WorkflowResult{
			Success:     false,
			Workflow:    name,
			StepResults: map[string]any{},
			Logs:        []string{},
			Error:       fmt.Sprintf("workflow %q not found", name),
			ErrorCode:   schema.ErrCodeNotFound,
		}
	}
	return e.execute(ctx, def, inputs)
}

var errRunFailed = errors.New("run failed")

// Go dispatches a run onto the worker pool and returns a channel that
// receives its result. It blocks while the pool is saturated; TryGo does not. The run uses
// ctx, so pass a context that outlives the caller when needed.
func (e *Engine) Go(ctx context.Context, name string, inputs map[string]any) (<-chan *schema.WorkflowResult, error) {
	ch, fn := e.dispatch(name, inputs)
	if err := e.pool.Submit(ctx, fn); err != nil {
		return nil, err
	}
	return ch, nil
}

// TryGo is Go without waiting for a free slot. It returns ErrPoolSaturated
// when the pool is full.
func (e *Engine) TryGo(ctx context.Context, name string, inputs map[string]any) (<-chan *schema.WorkflowResult, error) {
	ch, fn := e.dispatch(name, inputs)
	if err := e.pool.TrySubmit(ctx, fn); err != nil {
		return nil, err
	}
	return ch, nil
}

func (e *Engine) dispatch(name string, inputs map[string]any) (<-chan *schema.WorkflowResult, func(context.Context) error) {
	ch := make(chan *schema.WorkflowResult, 1)
	return ch, func(ctx context.Context) error {
		defer close(ch)
		res := e.Run(ctx, name, inputs)
		ch <- res
		if !res.Success {
			return errRunFailed
		}
		return nil
	}
}

// Close stops accepting async runs and waits for dispatched ones.
func (e *Engine) Close() {
	e.pool.Shutdown()
}

func (e *Engine) execute(ctx context.Context, def *Definition, inputs map[string]any) (result *schema.WorkflowResult) {
	start := e.now()
	runID := e.newID()
	ctx = logging.WithRun(ctx, runID, def.Name)

	run := &schema.WorkflowRun{
		ID:        runID,
		Workflow:  def.Name,
		Status:    schema.RunStatusRunning,
		StartedAt: start,
		Inputs:    schema.CloneMap(inputs),
	}
	if evicted := e.history.insert(run); evicted != nil && evicted.Status == schema.RunStatusRunning {
		e.logger.WarnContext(ctx, "in-flight run evicted from history", slog.String("evicted_run_id", evicted.ID))
	}

	wc := newWorkflowContext(def.Name, runID, resolveInputs(def.Inputs, inputs), e.now)
	wc.Log("Starting workflow: %s", def.Name)
	e.logger.InfoContext(ctx, "run started", slog.Int("steps", len(def.Steps)))
	e.publish(ctx, wc, schema.EventRunStarted, "", nil)

	// The record must leave the running state however the run ends.
	var current string
	defer func() {
		if r := recover(); r != nil {
			err := schema.NewErrorf(schema.ErrCodeExecution, "run panicked: %v", r).WithStep(current)
			wc.Log("Step %s failed: %s", current, err.Message)
			result = e.finishFailed(ctx, wc, start, current, err)
		}
	}()

	for i := range def.Steps {
		step := &def.Steps[i]
		current = step.ID
		stepCtx := logging.WithStepID(ctx, step.ID)

		if err := ctx.Err(); err != nil {
			cerr := schema.NewErrorf(schema.ErrCodeCancelled, "run cancelled before step %s: %v", step.ID, err).
				WithStep(step.ID).
				WithCause(err)
			wc.Log("Step %s failed: %s", step.ID, cerr.Message)
			return e.finishFailed(stepCtx, wc, start, step.ID, cerr)
		}

		ok, err := shouldRun(step, wc)
		if err != nil {
			msg, _ := failureFields(err)
			wc.Log("Step %s failed: %s", step.ID, msg)
			return e.finishFailed(stepCtx, wc, start, step.ID, err)
		}
		if !ok {
			wc.Log("Skipping step %s: condition not met", step.ID)
			e.logger.DebugContext(stepCtx, "step skipped")
			e.publish(stepCtx, wc, schema.EventStepSkipped, step.ID, nil)
			continue
		}

		out, err := e.executeStep(stepCtx, step, wc)
		if err != nil {
			msg, _ := failureFields(err)
			wc.Log("Step %s failed: %s", step.ID, msg)
			return e.finishFailed(stepCtx, wc, start, step.ID, err)
		}

		wc.setResult(step.ID, out)
		wc.Log("Completed step: %s", step.ID)
		e.logger.DebugContext(stepCtx, "step completed")
		e.publish(stepCtx, wc, schema.EventStepCompleted, step.ID, nil)
	}

	wc.Log("Workflow completed: %s", def.Name)
	result = e.buildResult(wc, true)
	e.finish(ctx, wc, start, schema.RunStatusSuccess, result)
	return result
}

func (e *Engine) finishFailed(ctx context.Context, wc *WorkflowContext, start time.Time, stepID string, err error) *schema.WorkflowResult {
	result := e.buildResult(wc, false)
	result.Error, result.ErrorCode = failureFields(err)
	result.FailedStep = stepID
	e.finish(ctx, wc, start, schema.RunStatusFailed, result)
	return result
}

func (e *Engine) buildResult(wc *WorkflowContext, success bool) *schema.WorkflowResult {
	return &schema.WorkflowResult{
		Success:     success,
		Workflow:    wc.Workflow(),
		RunID:       wc.RunID(),
		StepResults: wc.Results(),
		StepOrder:   wc.ResultOrder(),
		Logs:        wc.Logs(),
	}
}

// finish stamps the duration on result and moves the history record to its
// terminal state.
func (e *Engine) finish(ctx context.Context, wc *WorkflowContext, start time.Time, status schema.RunStatus, result *schema.WorkflowResult) {
	completedAt := e.now()
	result.DurationMs = completedAt.Sub(start).Milliseconds()

	record, err := e.history.complete(wc.RunID(), status, completedAt, result.DurationMs, result)
	if err != nil {
		e.logger.WarnContext(ctx, "run record not updated", slog.String("error", err.Error()))
	}

	attrs := []any{
		slog.String("status", string(status)),
		slog.Int64("duration_ms", result.DurationMs),
	}
	eventType := schema.EventRunCompleted
	if status == schema.RunStatusFailed {
		eventType = schema.EventRunFailed
		attrs = append(attrs, slog.String("failed_step", result.FailedStep), slog.String("error", result.Error))
	}
	e.logger.InfoContext(ctx, "run finished", attrs...)
	e.publish(ctx, wc, eventType, result.FailedStep, map[string]any{
		"duration_ms": result.DurationMs,
		"error":       result.Error,
	})

	if e.archive != nil && record != nil {
		if err := e.archive.ArchiveRun(context.WithoutCancel(ctx), record); err != nil {
			e.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) publish(ctx context.Context, wc *WorkflowContext, eventType, stepID string, payload map[string]any) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     wc.RunID(),
		Workflow:  wc.Workflow(),
		StepID:    stepID,
		EventType: eventType,
		Payload:   payload,
		Time:      e.now(),
	})
}

// resolveInputs overlays declared defaults onto the supplied inputs. Inputs
// marked Required are not enforced here.
func resolveInputs(specs map[string]schema.InputSpec, supplied map[string]any) map[string]any {
	out := make(map[string]any, len(supplied)+len(specs))
	maps.Copy(out, supplied)
	for name, spec := range specs {
		if _, ok := out[name]; ok {
			continue
		}
		if spec.Default != nil {
			out[name] = spec.Default
		}
	}
	return out
}
