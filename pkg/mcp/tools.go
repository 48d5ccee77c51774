package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

const (
	defaultHistoryLimit = 50
	sourceMemory        = "memory"
	sourceArchive       = "archive"
)

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Run a registered workflow and return its result"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name of the workflow to run")),
		mcp.WithObject("inputs", mcp.Description("Input values for the run")),
		mcp.WithBoolean("async", mcp.Description("Return a ticket immediately and push the result as a notification when the run finishes")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("stepflow.define",
		mcp.WithDescription("Validate and register a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Definition document: name, steps, and optional inputs, schedule, tags")),
		mcp.WithBoolean("validate_only", mcp.Description("Only report validation issues; do not register")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("stepflow.list",
		mcp.WithDescription("List registered workflows"),
		mcp.WithString("category", mcp.Description("Only list workflows in this category")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("stepflow.history",
		mcp.WithDescription("List recent runs, most recent first"),
		mcp.WithString("workflow", mcp.Description("Only runs of this workflow")),
		mcp.WithString("status", mcp.Enum("running", "success", "failed"), mcp.Description("Only runs in this status")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 50)")),
		mcp.WithString("source", mcp.Enum(sourceMemory, sourceArchive), mcp.Description("memory (default) or the persistent archive")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get one run record, with per-step traces when events are persisted"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("stepflow.stats",
		mcp.WithDescription("Aggregate outcomes of the retained run history"),
	)
}

func actionsTool() mcp.Tool {
	return mcp.NewTool("stepflow.actions",
		mcp.WithDescription("List the actions workflow steps can use"),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("stepflow.events",
		mcp.WithDescription("List the persisted events of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithNumber("since", mcp.Description("Only events with a greater sequence number")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stepflow.diagram",
		mcp.WithDescription("Generate a visual diagram of a workflow. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG image"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name of the registered workflow")),
		mcp.WithString("run_id", mcp.Description("Overlay the step outcomes recorded for this run")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}

// --- Handlers ---

// handleRun runs a workflow synchronously, or dispatches it and returns a
// ticket when async is set.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	if !boolArg(req.GetArguments(), "async") {
		return marshalResult(s.runtime.Run(ctx, name, inputs))
	}

	ticket := uuid.NewString()
	ch, goErr := s.runtime.Go(context.WithoutCancel(ctx), name, inputs)
	if goErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("dispatch failed: %v", goErr)), nil
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(ticket, session.SessionID())
	}
	go s.deliver(ticket, ch)

	return marshalResult(map[string]any{
		"accepted": true,
		"ticket":   ticket,
		"workflow": name,
	})
}

func (s *Server) deliver(ticket string, ch <-chan *schema.WorkflowResult) {
	res, ok := <-ch
	if !ok {
		s.sessions.Release(ticket)
		return
	}
	if err := s.notifier.Notify(context.Background(), ticket, map[string]any{
		"ticket": ticket,
		"result": res,
	}); err != nil {
		s.logger.Warn("async run notification failed", slog.String("ticket", ticket), slog.String("error", err.Error()))
	}
}

// handleDefine parses a definition document and registers it.
func (s *Server) handleDefine(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.loader == nil {
		return mcp.NewToolResultError("defining workflows is not available"), nil
	}
	doc := mcp.ParseStringMap(req, "definition", nil)
	if doc == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	if boolArg(req.GetArguments(), "validate_only") {
		result := s.loader.Validate(data)
		return marshalResult(map[string]any{
			"valid":  result.Valid(),
			"issues": result.Issues,
		})
	}

	loaded, err := s.loader.Parse(data)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	def := loaded.Definition
	if err := s.runtime.Register(def); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out := map[string]any{
		"name":  def.Name,
		"steps": def.StepIDs(),
	}
	if loaded.Schedule != "" && s.scheduler != nil {
		job, err := s.scheduler.Add(def.Name, loaded.Schedule, nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("registered, but scheduling failed: %v", err)), nil
		}
		out["next_run_at"] = job.NextRunAt
	}
	return marshalResult(out)
}

type stepInfo struct {
	ID           string `json:"id"`
	Description  string `json:"description,omitempty"`
	Retries      int    `json:"retries,omitempty"`
	RetryDelayMs int64  `json:"retry_delay_ms"`
	Conditional  bool   `json:"conditional,omitempty"`
	OnError      bool   `json:"on_error,omitempty"`
}

type definitionInfo struct {
	Name        string                      `json:"name"`
	Description string                      `json:"description,omitempty"`
	Category    string                      `json:"category,omitempty"`
	Tags        []string                    `json:"tags,omitempty"`
	Inputs      map[string]schema.InputSpec `json:"inputs,omitempty"`
	Steps       []stepInfo                  `json:"steps"`
	Schedule    string                      `json:"schedule,omitempty"`
}

func describe(def *engine.Definition) definitionInfo {
	info := definitionInfo{
		Name:        def.Name,
		Description: def.Description,
		Category:    def.Category,
		Tags:        def.Tags,
		Inputs:      def.Inputs,
		Steps:       make([]stepInfo, len(def.Steps)),
	}
	for i, st := range def.Steps {
		info.Steps[i] = stepInfo{
			ID:           st.ID,
			Description:  st.Description,
			Retries:      st.Retries,
			RetryDelayMs: st.RetryDelay.Milliseconds(),
			Conditional:  st.Condition != nil,
			OnError:      st.OnError != nil,
		}
	}
	return info
}

// handleList describes every registered workflow in registration order.
func (s *Server) handleList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	category := req.GetString("category", "")

	schedules := make(map[string]string)
	if s.scheduler != nil {
		for _, job := range s.scheduler.Jobs() {
			schedules[job.Workflow] = job.Expression
		}
	}

	workflows := make([]definitionInfo, 0)
	for _, def := range s.runtime.List() {
		if category != "" && def.Category != category {
			continue
		}
		info := describe(def)
		info.Schedule = schedules[def.Name]
		workflows = append(workflows, info)
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

// handleHistory lists runs from memory or from the archive.
func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow := req.GetString("workflow", "")
	status := schema.RunStatus(req.GetString("status", ""))
	limit := extractInt(req.GetArguments(), "limit", defaultHistoryLimit)

	switch source := req.GetString("source", sourceMemory); source {
	case sourceMemory:
		runs := make([]*schema.WorkflowRun, 0)
		for _, run := range s.runtime.History() {
			if workflow != "" && run.Workflow != workflow {
				continue
			}
			if status != "" && run.Status != status {
				continue
			}
			runs = append(runs, run)
			if limit > 0 && len(runs) == limit {
				break
			}
		}
		return marshalResult(map[string]any{"source": source, "runs": runs})

	case sourceArchive:
		if s.archive == nil {
			return mcp.NewToolResultError("run archive is not configured"), nil
		}
		runs, err := s.archive.ListRuns(ctx, store.RunFilter{Workflow: workflow, Status: status, Limit: limit})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		if runs == nil {
			runs = []*schema.WorkflowRun{}
		}
		return marshalResult(map[string]any{"source": source, "runs": runs})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown source: %s", source)), nil
	}
}

// handleStatus looks a run up in memory first, then in the archive.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, ok := s.runtime.RunRecord(runID)
	source := sourceMemory
	if !ok && s.archive != nil {
		archived, getErr := s.archive.GetRun(ctx, runID)
		if getErr != nil && !schema.IsCode(getErr, schema.ErrCodeNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
		}
		run, ok, source = archived, archived != nil, sourceArchive
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("run %q not found", runID)), nil
	}

	out := map[string]any{"source": source, "run": run}
	if s.events != nil {
		traces, traceErr := s.events.ReplayEvents(ctx, runID)
		if traceErr != nil {
			s.logger.WarnContext(ctx, "replay events failed", slog.String("run_id", runID), slog.String("error", traceErr.Error()))
		} else if len(traces) > 0 {
			out["steps"] = traces
		}
	}
	return marshalResult(out)
}

func (s *Server) handleStats(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{
		"stats": s.runtime.Stats(),
		"pool":  s.runtime.PoolMetrics(),
	})
}

func (s *Server) handleActions(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.actions == nil {
		return mcp.NewToolResultError("action registry is not configured"), nil
	}
	return marshalResult(map[string]any{"actions": s.actions.List()})
}

func (s *Server) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.events == nil {
		return mcp.NewToolResultError("event persistence is not configured"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	since := extractInt(req.GetArguments(), "since", 0)

	events, err := s.events.GetEvents(ctx, runID, int64(since))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(map[string]any{"events": events})
}

// handleDiagram renders a registered workflow, optionally with the outcome
// of one of its runs.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	def, ok := s.runtime.Get(name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %q not found", name)), nil
	}

	var traces map[string]*store.StepTrace
	if runID := req.GetString("run_id", ""); runID != "" {
		if s.events == nil {
			return mcp.NewToolResultError("event persistence is not configured"), nil
		}
		traces, err = s.events.ReplayEvents(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("replay failed: %v", err)), nil
		}
		if len(traces) == 0 {
			return mcp.NewToolResultError(fmt.Sprintf("no events recorded for run %q", runID)), nil
		}
	}

	model, err := diagram.Build(def, traces)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Internal helpers ---

// extractInt reads an integer argument; JSON numbers arrive as float64.
func extractInt(args map[string]any, key string, defaultVal int) int {
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func boolArg(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		return slices.Contains([]string{"true", "1", "yes"}, v)
	}
	return false
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
