package schema

import (
	"time"
)

// WorkflowResult is the outcome of one run. It is never mutated after the
// run that produced it returns.
type WorkflowResult struct {
	Success     bool           `json:"success"`
	Workflow    string         `json:"workflow"`
	RunID       string         `json:"run_id,omitempty"`
	StepResults map[string]any `json:"step_results"`
	StepOrder   []string       `json:"step_order,omitempty"` // execution order of StepResults keys
	Logs        []string       `json:"logs"`
	DurationMs  int64          `json:"duration_ms"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	FailedStep  string         `json:"failed_step,omitempty"`
}

// Clone returns a copy that shares no maps or slices with r.
func (r *WorkflowResult) Clone() *WorkflowResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.StepResults = CloneMap(r.StepResults)
	cp.StepOrder = append([]string(nil), r.StepOrder...)
	cp.Logs = append([]string(nil), r.Logs...)
	return &cp
}

// WorkflowRun is a history record. It is created in the running state and
// updated in place once, when the run reaches a terminal state.
type WorkflowRun struct {
	ID          string          `json:"id"`
	Workflow    string          `json:"workflow"`
	Status      RunStatus       `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	Inputs      map[string]any  `json:"inputs,omitempty"`
	Result      *WorkflowResult `json:"result,omitempty"`
}

// Clone returns a copy that shares no mutable state with r.
func (r *WorkflowRun) Clone() *WorkflowRun {
	if r == nil {
		return nil
	}
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Inputs = CloneMap(r.Inputs)
	cp.Result = r.Result.Clone()
	return &cp
}

// Stats aggregates the retained run history.
type Stats struct {
	Total         int                      `json:"total"`
	Success       int                      `json:"success"`
	Failed        int                      `json:"failed"`
	Running       int                      `json:"running"`
	AvgDurationMs float64                  `json:"avg_duration_ms"`
	ByWorkflow    map[string]WorkflowStats `json:"by_workflow"`
}

// WorkflowStats is the per-workflow slice of Stats. AvgDurationMs only
// counts completed runs.
type WorkflowStats struct {
	Runs          int     `json:"runs"`
	Success       int     `json:"success"`
	Failed        int     `json:"failed"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// CloneMap deep-copies m. Nested maps and slices are copied; other values
// are shared. A nil map stays nil.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies the JSON-like containers in v.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
