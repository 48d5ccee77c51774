package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func runningRun(id string) *schema.WorkflowRun {
	return &schema.WorkflowRun{ID: id, Workflow: "w", Status: schema.RunStatusRunning, StartedAt: time.Now()}
}

func ids(runs []*schema.WorkflowRun) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}

func TestHistory_MostRecentFirst(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 3; i++ {
		assert.Nil(t, h.insert(runningRun(fmt.Sprintf("r%d", i))))
	}
	assert.Equal(t, []string{"r3", "r2", "r1"}, ids(h.Snapshot()))
	assert.Equal(t, 3, h.Len())
}

func TestHistory_EvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		evicted := h.insert(runningRun(fmt.Sprintf("r%d", i)))
		if i > 3 {
			require.NotNil(t, evicted)
			assert.Equal(t, fmt.Sprintf("r%d", i-3), evicted.ID)
		}
	}

	assert.Equal(t, []string{"r5", "r4", "r3"}, ids(h.Snapshot()))
	assert.Equal(t, 3, h.Len())
	_, ok := h.Get("r1")
	assert.False(t, ok)
}

func TestHistory_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultHistoryCapacity, NewHistory(0).Capacity())
	assert.Equal(t, 5, NewHistory(5).Capacity())
}

func TestHistory_Complete(t *testing.T) {
	h := NewHistory(10)
	h.insert(runningRun("r1"))

	at := time.Now()
	res := &schema.WorkflowResult{Success: true, StepResults: map[string]any{"a": 1}}
	rec, err := h.complete("r1", schema.RunStatusSuccess, at, 42, res)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, rec.Status)
	assert.Equal(t, int64(42), rec.DurationMs)
	require.NotNil(t, rec.CompletedAt)
	assert.True(t, rec.CompletedAt.Equal(at))

	res.StepResults["a"] = 2
	got, _ := h.Get("r1")
	assert.Equal(t, 1, got.Result.StepResults["a"], "history keeps its own copy of the result")

	_, err = h.complete("r1", schema.RunStatusFailed, at, 1, res)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

func TestHistory_CompleteEvicted(t *testing.T) {
	h := NewHistory(1)
	h.insert(runningRun("r1"))
	h.insert(runningRun("r2"))

	_, err := h.complete("r1", schema.RunStatusSuccess, time.Now(), 1, &schema.WorkflowResult{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
