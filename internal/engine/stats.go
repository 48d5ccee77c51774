package engine

import "github.com/rendis/stepflow/pkg/schema"

// ComputeStats aggregates a run history window. Running runs count toward
// totals but not toward average durations.
func ComputeStats(runs []*schema.WorkflowRun) schema.Stats {
	stats := schema.Stats{
		Total:      len(runs),
		ByWorkflow: make(map[string]schema.WorkflowStats),
	}

	type acc struct {
		sum       int64
		completed int
	}
	var overall acc
	perWorkflow := make(map[string]*acc)

	for _, run := range runs {
		ws := stats.ByWorkflow[run.Workflow]
		ws.Runs++
		a := perWorkflow[run.Workflow]
		if a == nil {
			a = &acc{}
			perWorkflow[run.Workflow] = a
		}

		switch run.Status {
		case schema.RunStatusSuccess:
			stats.Success++
			ws.Success++
		case schema.RunStatusFailed:
			stats.Failed++
			ws.Failed++
		default:
			stats.Running++
		}

		if run.Status.Terminal() {
			overall.sum += run.DurationMs
			overall.completed++
			a.sum += run.DurationMs
			a.completed++
		}
		stats.ByWorkflow[run.Workflow] = ws
	}

	if overall.completed > 0 {
		stats.AvgDurationMs = float64(overall.sum) / float64(overall.completed)
	}
	for name, a := range perWorkflow {
		if a.completed == 0 {
			continue
		}
		ws := stats.ByWorkflow[name]
		ws.AvgDurationMs = float64(a.sum) / float64(a.completed)
		stats.ByWorkflow[name] = ws
	}
	return stats
}
