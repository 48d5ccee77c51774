package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

type mockRunner struct {
	mu      sync.Mutex
	calls   []string
	inputs  []map[string]any
	block   chan struct{}
	fail    bool
	running atomic.Int32
}

func (m *mockRunner) Run(_ context.Context, name string, inputs map[string]any) *schema.WorkflowResult {
	m.running.Add(1)
	defer m.running.Add(-1)
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.inputs = append(m.inputs, inputs)
	n := len(m.calls)
	m.mu.Unlock()

	if m.fail {
		return &schema.WorkflowResult{Success: false, Workflow: name, RunID: "run-fail", Error: "boom"}
	}
	return &schema.WorkflowResult{Success: true, Workflow: name, RunID: "run-" + string(rune('0'+n))}
}

func (m *mockRunner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(r Runner) (*Scheduler, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 10, 0, 30, 0, time.UTC)}
	return New(r, Options{Clock: clock.Now}), clock
}

func TestCalculateNextRun(t *testing.T) {
	s, _ := newTestScheduler(&mockRunner{})
	from := time.Date(2026, 1, 1, 10, 7, 0, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/15 * * * *", time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)},
		{"0 9 * * *", time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := s.CalculateNextRun(tc.expr, from)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := s.CalculateNextRun("not a cron", from)
	assert.Error(t, err)
}

func TestAdd(t *testing.T) {
	s, _ := newTestScheduler(&mockRunner{})

	job, err := s.Add("orders", "*/5 * * * *", map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC), job.NextRunAt)

	_, err = s.Add("orders", "bad", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = s.Add("", "* * * * *", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = s.Add("billing", "@daily", nil)
	require.NoError(t, err)
	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "billing", jobs[0].Workflow)
	assert.Equal(t, "orders", jobs[1].Workflow)

	assert.True(t, s.Remove("billing"))
	assert.False(t, s.Remove("billing"))
	assert.Len(t, s.Jobs(), 1)
}

func TestTick_RunsDueJobs(t *testing.T) {
	runner := &mockRunner{}
	s, clock := newTestScheduler(runner)
	ctx := context.Background()

	_, err := s.Add("orders", "*/5 * * * *", map[string]any{"n": 1})
	require.NoError(t, err)

	s.tick(ctx)
	s.wg.Wait()
	assert.Equal(t, 0, runner.callCount())

	clock.Advance(5 * time.Minute)
	s.tick(ctx)
	s.wg.Wait()
	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, map[string]any{"n": 1}, runner.inputs[0])

	job := s.Jobs()[0]
	assert.Equal(t, time.Date(2026, 1, 1, 10, 10, 0, 0, time.UTC), job.NextRunAt)
	require.NotNil(t, job.LastRunAt)
	assert.Equal(t, "run-1", job.LastRunID)
	assert.Equal(t, "success", job.LastRunStatus)

	s.tick(ctx)
	s.wg.Wait()
	assert.Equal(t, 1, runner.callCount())
}

func TestTick_RecordsFailure(t *testing.T) {
	runner := &mockRunner{fail: true}
	s, clock := newTestScheduler(runner)

	_, err := s.Add("orders", "* * * * *", nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	s.tick(context.Background())
	s.wg.Wait()

	assert.Equal(t, "failed", s.Jobs()[0].LastRunStatus)
}

func TestTick_SkipsOverlappingRuns(t *testing.T) {
	runner := &mockRunner{block: make(chan struct{})}
	s, clock := newTestScheduler(runner)
	ctx := context.Background()

	_, err := s.Add("orders", "* * * * *", nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	s.tick(ctx)
	require.Eventually(t, func() bool { return runner.running.Load() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(time.Minute)
	s.tick(ctx)

	close(runner.block)
	s.wg.Wait()
	assert.Equal(t, 1, runner.callCount())
}

func TestStartStop(t *testing.T) {
	runner := &mockRunner{}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	s := New(runner, Options{Clock: clock.Now, Interval: 10 * time.Millisecond})

	_, err := s.Add("orders", "* * * * *", nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
}
