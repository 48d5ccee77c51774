package engine

import (
	"sync"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultHistoryCapacity is the number of runs retained by default.
const DefaultHistoryCapacity = 200

// History is a fixed-capacity ring of run records. Once full, inserting a
// run evicts the oldest one. It is safe for concurrent use.
type History struct {
	mu    sync.RWMutex
	buf   []*schema.WorkflowRun
	head  int // slot of the most recent record
	size  int
	index map[string]*schema.WorkflowRun
}

// NewHistory creates a History retaining at most capacity runs.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{
		buf:   make([]*schema.WorkflowRun, capacity),
		head:  capacity - 1,
		index: make(map[string]*schema.WorkflowRun, capacity),
	}
}

// Capacity returns the maximum number of retained runs.
func (h *History) Capacity() int {
	return len(h.buf)
}

// Len returns the number of retained runs.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// insert stores run as the most recent record and returns the evicted
// record, if any. The history takes ownership of run.
func (h *History) insert(run *schema.WorkflowRun) *schema.WorkflowRun {
	h.mu.Lock()
	defer h.mu.Unlock()

	slot := (h.head + 1) % len(h.buf)
	evicted := h.buf[slot]
	if evicted != nil {
		delete(h.index, evicted.ID)
	}

	h.buf[slot] = run
	h.head = slot
	h.index[run.ID] = run
	if h.size < len(h.buf) {
		h.size++
	}
	return evicted
}

// complete moves a running record to its terminal state and returns a copy
// of the updated record. It fails with NOT_FOUND if the record was evicted
// while the run was in flight.
func (h *History) complete(runID string, status schema.RunStatus, completedAt time.Time, durationMs int64, result *schema.WorkflowResult) (*schema.WorkflowRun, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	run, ok := h.index[runID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s is no longer retained", runID)
	}
	if err := ValidateRunTransition(runID, run.Status, status); err != nil {
		return nil, err
	}

	run.Status = status
	run.CompletedAt = &completedAt
	run.DurationMs = durationMs
	run.Result = result.Clone()
	return run.Clone(), nil
}

// Get returns a copy of a retained run.
func (h *History) Get(runID string) (*schema.WorkflowRun, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	run, ok := h.index[runID]
	if !ok {
		return nil, false
	}
	return run.Clone(), true
}

// Snapshot returns copies of the retained runs, most recent first.
func (h *History) Snapshot() []*schema.WorkflowRun {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.buf)
	out := make([]*schema.WorkflowRun, 0, h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, h.buf[(h.head-i+n)%n].Clone())
	}
	return out
}
