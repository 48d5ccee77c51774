package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/loader"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

type fixture struct {
	server  *Server
	engine  *engine.Engine
	archive *store.LibSQLStore
	events  *store.EventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	events := store.NewEventLog(db)

	hub := streaming.NewMemoryHub(64)
	eng := engine.New(engine.Config{Hub: hub, Archive: db})
	t.Cleanup(eng.Close)

	reg := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg, actions.BuiltinDeps{Runner: eng, Hub: hub}))
	ld, err := loader.New(reg, nil)
	require.NoError(t, err)

	s := NewServer(ServerDeps{
		Runtime:   eng,
		Loader:    ld,
		Actions:   reg,
		Archive:   db,
		Events:    events,
		Scheduler: scheduler.New(eng, scheduler.Options{}),
	})
	return &fixture{server: s, engine: eng, archive: db, events: events}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.False(t, result.IsError, extractText(t, result))
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

var greetDefinition = map[string]any{
	"name":     "greet",
	"category": "demo",
	"inputs":   map[string]any{"who": map[string]any{"type": "string", "default": "world"}},
	"schedule": "@hourly",
	"steps": []any{
		map[string]any{"id": "msg", "action": "value", "params": map[string]any{"value": "hello ${{ inputs.who }}"}},
		map[string]any{"id": "check", "action": "assert.equals", "condition": "inputs.who != 'skip'",
			"params": map[string]any{"expected": "hello world", "actual": "${{ steps.msg }}"}},
	},
}

func (f *fixture) define(t *testing.T) {
	t.Helper()
	res, err := f.server.handleDefine(context.Background(), buildRequest("stepflow.define", map[string]any{
		"definition": greetDefinition,
	}))
	require.NoError(t, err)

	var out map[string]any
	unmarshalResult(t, res, &out)
	assert.Equal(t, "greet", out["name"])
	assert.Equal(t, []any{"msg", "check"}, out["steps"])
	assert.NotEmpty(t, out["next_run_at"])
}

func (f *fixture) run(t *testing.T, inputs map[string]any) schema.WorkflowResult {
	t.Helper()
	res, err := f.server.handleRun(context.Background(), buildRequest("stepflow.run", map[string]any{
		"workflow": "greet",
		"inputs":   inputs,
	}))
	require.NoError(t, err)
	var out schema.WorkflowResult
	unmarshalResult(t, res, &out)
	return out
}

func TestDefineAndRun(t *testing.T) {
	f := newFixture(t)
	f.define(t)

	ok := f.run(t, nil)
	assert.True(t, ok.Success, ok.Error)
	assert.Equal(t, "hello world", ok.StepResults["msg"])
	assert.NotEmpty(t, ok.RunID)

	failed := f.run(t, map[string]any{"who": "ana"})
	assert.False(t, failed.Success)
	assert.Equal(t, "check", failed.FailedStep)
	assert.Equal(t, schema.ErrCodeStepFailed, failed.ErrorCode)
}

func TestRun_Errors(t *testing.T) {
	f := newFixture(t)

	res, err := f.server.handleRun(context.Background(), buildRequest("stepflow.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = f.server.handleRun(context.Background(), buildRequest("stepflow.run", map[string]any{"workflow": "nope"}))
	require.NoError(t, err)
	var out schema.WorkflowResult
	unmarshalResult(t, res, &out)
	assert.False(t, out.Success)
	assert.Equal(t, schema.ErrCodeNotFound, out.ErrorCode)
}

func TestRun_Async(t *testing.T) {
	f := newFixture(t)
	f.define(t)

	res, err := f.server.handleRun(context.Background(), buildRequest("stepflow.run", map[string]any{
		"workflow": "greet",
		"async":    true,
	}))
	require.NoError(t, err)

	var out map[string]any
	unmarshalResult(t, res, &out)
	assert.Equal(t, true, out["accepted"])
	assert.NotEmpty(t, out["ticket"])

	require.Eventually(t, func() bool {
		h := f.engine.History()
		return len(h) == 1 && h[0].Status == schema.RunStatusSuccess
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDefine_Invalid(t *testing.T) {
	f := newFixture(t)

	bad := map[string]any{
		"name":  "bad",
		"steps": []any{map[string]any{"id": "a", "action": "nope.missing"}},
	}

	res, err := f.server.handleDefine(context.Background(), buildRequest("stepflow.define", map[string]any{
		"definition":    bad,
		"validate_only": true,
	}))
	require.NoError(t, err)
	var out struct {
		Valid  bool                     `json:"valid"`
		Issues []schema.ValidationIssue `json:"issues"`
	}
	unmarshalResult(t, res, &out)
	assert.False(t, out.Valid)
	require.Len(t, out.Issues, 1)
	assert.Equal(t, "/steps/0/action", out.Issues[0].Path)

	res, err = f.server.handleDefine(context.Background(), buildRequest("stepflow.define", map[string]any{"definition": bad}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "not registered")
	assert.Empty(t, f.engine.List())

	res, err = f.server.handleDefine(context.Background(), buildRequest("stepflow.define", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	f.define(t)

	res, err := f.server.handleList(context.Background(), buildRequest("stepflow.list", nil))
	require.NoError(t, err)
	var out struct {
		Workflows []definitionInfo `json:"workflows"`
	}
	unmarshalResult(t, res, &out)
	require.Len(t, out.Workflows, 1)

	wf := out.Workflows[0]
	assert.Equal(t, "greet", wf.Name)
	assert.Equal(t, "@hourly", wf.Schedule)
	assert.Equal(t, "world", wf.Inputs["who"].Default)
	require.Len(t, wf.Steps, 2)
	assert.True(t, wf.Steps[1].Conditional)
	assert.Equal(t, int64(1000), wf.Steps[0].RetryDelayMs)

	res, err = f.server.handleList(context.Background(), buildRequest("stepflow.list", map[string]any{"category": "other"}))
	require.NoError(t, err)
	unmarshalResult(t, res, &out)
	assert.Empty(t, out.Workflows)
}

func TestHistoryStatusStats(t *testing.T) {
	f := newFixture(t)
	f.define(t)
	ok := f.run(t, nil)
	failed := f.run(t, map[string]any{"who": "ana"})

	var hist struct {
		Source string                `json:"source"`
		Runs   []*schema.WorkflowRun `json:"runs"`
	}
	res, err := f.server.handleHistory(context.Background(), buildRequest("stepflow.history", nil))
	require.NoError(t, err)
	unmarshalResult(t, res, &hist)
	assert.Equal(t, "memory", hist.Source)
	require.Len(t, hist.Runs, 2)
	assert.Equal(t, failed.RunID, hist.Runs[0].ID)
	assert.Equal(t, ok.RunID, hist.Runs[1].ID)

	res, err = f.server.handleHistory(context.Background(), buildRequest("stepflow.history", map[string]any{"status": "success", "limit": float64(5)}))
	require.NoError(t, err)
	unmarshalResult(t, res, &hist)
	require.Len(t, hist.Runs, 1)
	assert.Equal(t, ok.RunID, hist.Runs[0].ID)

	res, err = f.server.handleHistory(context.Background(), buildRequest("stepflow.history", map[string]any{"source": "archive"}))
	require.NoError(t, err)
	unmarshalResult(t, res, &hist)
	assert.Equal(t, "archive", hist.Source)
	assert.Len(t, hist.Runs, 2)

	var status struct {
		Source string             `json:"source"`
		Run    schema.WorkflowRun `json:"run"`
	}
	res, err = f.server.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{"run_id": failed.RunID}))
	require.NoError(t, err)
	unmarshalResult(t, res, &status)
	assert.Equal(t, schema.RunStatusFailed, status.Run.Status)
	assert.Equal(t, "check", status.Run.Result.FailedStep)

	res, err = f.server.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	var stats struct {
		Stats schema.Stats       `json:"stats"`
		Pool  engine.PoolMetrics `json:"pool"`
	}
	res, err = f.server.handleStats(context.Background(), buildRequest("stepflow.stats", nil))
	require.NoError(t, err)
	unmarshalResult(t, res, &stats)
	assert.Equal(t, 2, stats.Stats.Total)
	assert.Equal(t, 1, stats.Stats.Success)
	assert.Equal(t, 1, stats.Stats.Failed)
	assert.Equal(t, 2, stats.Stats.ByWorkflow["greet"].Runs)
}

func TestStatus_FallsBackToArchive(t *testing.T) {
	f := newFixture(t)

	completed := time.Date(2026, 2, 1, 8, 0, 1, 0, time.UTC)
	require.NoError(t, f.archive.ArchiveRun(context.Background(), &schema.WorkflowRun{
		ID:          "old-run",
		Workflow:    "greet",
		Status:      schema.RunStatusSuccess,
		StartedAt:   time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
		CompletedAt: &completed,
		DurationMs:  1000,
	}))

	var status struct {
		Source string             `json:"source"`
		Run    schema.WorkflowRun `json:"run"`
	}
	res, err := f.server.handleStatus(context.Background(), buildRequest("stepflow.status", map[string]any{"run_id": "old-run"}))
	require.NoError(t, err)
	unmarshalResult(t, res, &status)
	assert.Equal(t, "archive", status.Source)
	assert.Equal(t, "greet", status.Run.Workflow)
}

func TestEventsAndTraces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, e := range []streaming.StreamEvent{
		{RunID: "r1", Workflow: "greet", EventType: schema.EventRunStarted},
		{RunID: "r1", Workflow: "greet", StepID: "msg", EventType: schema.EventStepCompleted},
	} {
		_, err := f.events.AppendEvent(ctx, e)
		require.NoError(t, err)
	}

	var out struct {
		Events []store.Event `json:"events"`
	}
	res, err := f.server.handleEvents(ctx, buildRequest("stepflow.events", map[string]any{"run_id": "r1", "since": float64(1)}))
	require.NoError(t, err)
	unmarshalResult(t, res, &out)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "msg", out.Events[0].StepID)

	res, err = f.server.handleEvents(ctx, buildRequest("stepflow.events", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestDiagram(t *testing.T) {
	f := newFixture(t)
	f.define(t)
	ctx := context.Background()

	for _, e := range []streaming.StreamEvent{
		{RunID: "r1", Workflow: "greet", EventType: schema.EventRunStarted},
		{RunID: "r1", Workflow: "greet", StepID: "msg", EventType: schema.EventStepCompleted},
		{RunID: "r1", Workflow: "greet", StepID: "check", EventType: schema.EventStepSkipped},
	} {
		_, err := f.events.AppendEvent(ctx, e)
		require.NoError(t, err)
	}

	res, err := f.server.handleDiagram(ctx, buildRequest("stepflow.diagram", map[string]any{
		"workflow": "greet",
		"format":   "ascii",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, extractText(t, res), "=== greet ===")

	res, err = f.server.handleDiagram(ctx, buildRequest("stepflow.diagram", map[string]any{
		"workflow": "greet",
		"format":   "mermaid",
		"run_id":   "r1",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	text := extractText(t, res)
	assert.Contains(t, text, "class msg completed")
	assert.Contains(t, text, "class check skipped")
	assert.Contains(t, text, "msg -.->|skip| __end__")

	for name, args := range map[string]map[string]any{
		"missing format":   {"workflow": "greet"},
		"bad format":       {"workflow": "greet", "format": "svg"},
		"unknown workflow": {"workflow": "nope", "format": "ascii"},
		"unknown run":      {"workflow": "greet", "format": "ascii", "run_id": "r9"},
	} {
		res, err := f.server.handleDiagram(ctx, buildRequest("stepflow.diagram", args))
		require.NoError(t, err, name)
		assert.True(t, res.IsError, name)
	}
}

func TestActions(t *testing.T) {
	f := newFixture(t)

	var out struct {
		Actions []actions.ActionInfo `json:"actions"`
	}
	res, err := f.server.handleActions(context.Background(), buildRequest("stepflow.actions", nil))
	require.NoError(t, err)
	unmarshalResult(t, res, &out)

	var names []string
	for _, a := range out.Actions {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "workflow.run")
	assert.Contains(t, names, "jq")
}

func TestUnconfiguredDependencies(t *testing.T) {
	s := NewServer(ServerDeps{Runtime: engine.New(engine.Config{})})
	ctx := context.Background()

	for name, call := range map[string]func() (*mcp.CallToolResult, error){
		"define": func() (*mcp.CallToolResult, error) {
			return s.handleDefine(ctx, buildRequest("", map[string]any{"definition": greetDefinition}))
		},
		"actions": func() (*mcp.CallToolResult, error) { return s.handleActions(ctx, buildRequest("", nil)) },
		"events": func() (*mcp.CallToolResult, error) {
			return s.handleEvents(ctx, buildRequest("", map[string]any{"run_id": "x"}))
		},
		"archive": func() (*mcp.CallToolResult, error) {
			return s.handleHistory(ctx, buildRequest("", map[string]any{"source": "archive"}))
		},
	} {
		res, err := call()
		require.NoError(t, err, name)
		assert.True(t, res.IsError, name)
	}
}

func TestExtractInt(t *testing.T) {
	args := map[string]any{"f": float64(3), "i": 4, "s": "5", "bad": "x"}
	assert.Equal(t, 3, extractInt(args, "f", 0))
	assert.Equal(t, 4, extractInt(args, "i", 0))
	assert.Equal(t, 5, extractInt(args, "s", 0))
	assert.Equal(t, 9, extractInt(args, "bad", 9))
	assert.Equal(t, 9, extractInt(nil, "missing", 9))
}
