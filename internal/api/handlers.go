package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

const defaultRunLimit = 50

type stepView struct {
	ID           string `json:"id"`
	Description  string `json:"description,omitempty"`
	Retries      int    `json:"retries,omitempty"`
	RetryDelayMs int64  `json:"retry_delay_ms"`
	Conditional  bool   `json:"conditional,omitempty"`
	OnError      bool   `json:"on_error,omitempty"`
}

type workflowView struct {
	Name        string                      `json:"name"`
	Description string                      `json:"description,omitempty"`
	Category    string                      `json:"category,omitempty"`
	Tags        []string                    `json:"tags,omitempty"`
	Inputs      map[string]schema.InputSpec `json:"inputs,omitempty"`
	Steps       []stepView                  `json:"steps"`
	Schedule    string                      `json:"schedule,omitempty"`
}

func viewOf(def *engine.Definition, schedules map[string]string) workflowView {
	v := workflowView{
		Name:        def.Name,
		Description: def.Description,
		Category:    def.Category,
		Tags:        def.Tags,
		Inputs:      def.Inputs,
		Steps:       make([]stepView, len(def.Steps)),
		Schedule:    schedules[def.Name],
	}
	for i, st := range def.Steps {
		v.Steps[i] = stepView{
			ID:           st.ID,
			Description:  st.Description,
			Retries:      st.Retries,
			RetryDelayMs: st.RetryDelay.Milliseconds(),
			Conditional:  st.Condition != nil,
			OnError:      st.OnError != nil,
		}
	}
	return v
}

func (s *Server) schedules() map[string]string {
	out := make(map[string]string)
	if s.deps.Scheduler == nil {
		return out
	}
	for _, job := range s.deps.Scheduler.Jobs() {
		out[job.Workflow] = job.Expression
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "workflows": len(s.deps.Runtime.List())})
}

// --- Workflows ---

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	schedules := s.schedules()

	workflows := make([]workflowView, 0)
	for _, def := range s.deps.Runtime.List() {
		if category != "" && def.Category != category {
			continue
		}
		workflows = append(workflows, viewOf(def, schedules))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	def, ok := s.deps.Runtime.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("workflow %q not found", name))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(def, s.schedules()))
}

type runRequest struct {
	Inputs map[string]any `json:"inputs"`
	Async  bool           `json:"async"`
}

// handleRunWorkflow runs a workflow and returns its result. With async set
// it dispatches the run and answers 202, or 503 when the run pool is full;
// follow it on /sse/events.
func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var body runRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if _, ok := s.deps.Runtime.Get(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("workflow %q not found", name))
		return
	}

	if body.Async {
		if _, err := s.deps.Runtime.TryGo(context.WithoutCancel(r.Context()), name, body.Inputs); err != nil {
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("dispatch failed: %v", err))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "workflow": name})
		return
	}
	s.writeResult(w, s.deps.Runtime.Run(r.Context(), name, body.Inputs))
}

func (s *Server) writeResult(w http.ResponseWriter, res *schema.WorkflowResult) {
	status := http.StatusOK
	if res.ErrorCode == schema.ErrCodeNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, res)
}

// --- Runs ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workflow := q.Get("workflow")
	status := schema.RunStatus(q.Get("status"))
	limit := queryInt(r, "limit", defaultRunLimit)

	switch source := q.Get("source"); source {
	case "", "memory":
		runs := make([]*schema.WorkflowRun, 0)
		for _, run := range s.deps.Runtime.History() {
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
		writeJSON(w, http.StatusOK, map[string]any{"source": "memory", "runs": runs})

	case "archive":
		if s.deps.Archive == nil {
			writeError(w, http.StatusNotImplemented, "run archive is not configured")
			return
		}
		runs, err := s.deps.Archive.ListRuns(r.Context(), store.RunFilter{Workflow: workflow, Status: status, Limit: limit})
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
			return
		}
		if runs == nil {
			runs = []*schema.WorkflowRun{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"source": "archive", "runs": runs})

	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", source))
	}
}

// lookupRun checks the in-memory history first, then the archive.
func (s *Server) lookupRun(ctx context.Context, id string) (*schema.WorkflowRun, error) {
	if run, ok := s.deps.Runtime.RunRecord(id); ok {
		return run, nil
	}
	if s.deps.Archive == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	return s.deps.Archive.GetRun(ctx, id)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.lookupRun(r.Context(), id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	out := map[string]any{"run": run}
	if s.deps.Events != nil {
		traces, err := s.deps.Events.ReplayEvents(r.Context(), id)
		if err != nil {
			s.deps.Logger.WarnContext(r.Context(), "replay events failed", slog.String("run_id", id), slog.String("error", err.Error()))
		} else if len(traces) > 0 {
			out["steps"] = traces
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusNotImplemented, "event persistence is not configured")
		return
	}
	events, err := s.deps.Events.GetEvents(r.Context(), r.PathValue("id"), int64(queryInt(r, "since", 0)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleRerun runs a recorded run's workflow again with the same inputs.
func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	original, err := s.lookupRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	s.writeResult(w, s.deps.Runtime.Run(r.Context(), original.Workflow, original.Inputs))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": s.deps.Runtime.Stats(),
		"pool":  s.deps.Runtime.PoolMetrics(),
	})
}

// --- Schedules ---

func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotImplemented, "scheduler is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Scheduler.Jobs()})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotImplemented, "scheduler is not configured")
		return
	}
	var body struct {
		Workflow   string         `json:"workflow"`
		Expression string         `json:"expression"`
		Inputs     map[string]any `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Workflow == "" || body.Expression == "" {
		writeError(w, http.StatusBadRequest, "workflow and expression are required")
		return
	}
	if _, ok := s.deps.Runtime.Get(body.Workflow); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("workflow %q not found", body.Workflow))
		return
	}

	job, err := s.deps.Scheduler.Add(body.Workflow, body.Expression, body.Inputs)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotImplemented, "scheduler is not configured")
		return
	}
	workflow := r.PathValue("workflow")
	if !s.deps.Scheduler.Remove(workflow) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no schedule for %q", workflow))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
