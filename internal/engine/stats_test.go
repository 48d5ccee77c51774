package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestComputeStats(t *testing.T) {
	runs := []*schema.WorkflowRun{
		{Workflow: "a", Status: schema.RunStatusSuccess, DurationMs: 10},
		{Workflow: "a", Status: schema.RunStatusFailed, DurationMs: 30},
		{Workflow: "b", Status: schema.RunStatusSuccess, DurationMs: 20},
		{Workflow: "b", Status: schema.RunStatusRunning},
	}

	stats := ComputeStats(runs)

	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Success)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Running)
	assert.InDelta(t, 20.0, stats.AvgDurationMs, 0.001)

	assert.Equal(t, schema.WorkflowStats{Runs: 2, Success: 1, Failed: 1, AvgDurationMs: 20}, stats.ByWorkflow["a"])
	assert.Equal(t, schema.WorkflowStats{Runs: 2, Success: 1, AvgDurationMs: 20}, stats.ByWorkflow["b"])
}

func TestComputeStats_Empty(t *testing.T) {
	stats := ComputeStats(nil)
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.AvgDurationMs)
	assert.Empty(t, stats.ByWorkflow)
}

func TestComputeStats_OnlyRunning(t *testing.T) {
	stats := ComputeStats([]*schema.WorkflowRun{{Workflow: "a", Status: schema.RunStatusRunning}})
	assert.Equal(t, 1, stats.Running)
	assert.Zero(t, stats.AvgDurationMs)
	assert.Zero(t, stats.ByWorkflow["a"].AvgDurationMs)
}
