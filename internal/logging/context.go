package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey struct{}

// ids holds the correlation attributes carried by a context.
type ids struct {
	runID    string
	workflow string
	stepID   string
}

func fromContext(ctx context.Context) ids {
	v, _ := ctx.Value(ctxKey{}).(ids)
	return v
}

// WithRunID returns a context carrying the run ID.
func WithRunID(ctx context.Context, id string) context.Context {
	v := fromContext(ctx)
	v.runID = id
	return context.WithValue(ctx, ctxKey{}, v)
}

// WithWorkflow returns a context carrying the workflow name.
func WithWorkflow(ctx context.Context, name string) context.Context {
	v := fromContext(ctx)
	v.workflow = name
	return context.WithValue(ctx, ctxKey{}, v)
}

// WithStepID returns a context carrying the step ID.
func WithStepID(ctx context.Context, id string) context.Context {
	v := fromContext(ctx)
	v.stepID = id
	return context.WithValue(ctx, ctxKey{}, v)
}

// WithRun sets the run ID and workflow name at once.
func WithRun(ctx context.Context, runID, workflow string) context.Context {
	v := fromContext(ctx)
	v.runID = runID
	v.workflow = workflow
	return context.WithValue(ctx, ctxKey{}, v)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string { return fromContext(ctx).runID }

// Workflow extracts the workflow name from the context, or "" if absent.
func Workflow(ctx context.Context) string { return fromContext(ctx).workflow }

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string { return fromContext(ctx).stepID }

func (v ids) attrs() []slog.Attr {
	var out []slog.Attr
	if v.runID != "" {
		out = append(out, slog.String("run_id", v.runID))
	}
	if v.workflow != "" {
		out = append(out, slog.String("workflow", v.workflow))
	}
	if v.stepID != "" {
		out = append(out, slog.String("step_id", v.stepID))
	}
	return out
}

// CorrelationHandler wraps an slog.Handler and adds the correlation
// attributes found in the record's context.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(fromContext(ctx).attrs()...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug|info|warn|error to a slog level; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a JSON logger with correlation injection.
func New(w io.Writer, level string) *slog.Logger {
	inner := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewCorrelationHandler(inner))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
