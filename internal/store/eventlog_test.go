package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

func event(runID, eventType, stepID string) streaming.StreamEvent {
	return streaming.StreamEvent{
		RunID:     runID,
		Workflow:  "orders",
		StepID:    stepID,
		EventType: eventType,
		Time:      baseTime,
	}
}

func TestAppendEvent_Sequence(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	first, err := el.AppendEvent(ctx, event("run-1", schema.EventRunStarted, ""))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence)

	evt := event("run-1", schema.EventStepRetrying, "fetch")
	evt.Payload = map[string]any{"attempt": 2, "error": "timeout"}
	second, err := el.AppendEvent(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Sequence)

	other, err := el.AppendEvent(ctx, event("run-2", schema.EventRunStarted, ""))
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Sequence)

	events, err := el.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventStepRetrying, events[1].Type)
	assert.Equal(t, "fetch", events[1].StepID)
	assert.Equal(t, map[string]any{"attempt": float64(2), "error": "timeout"}, events[1].Payload)
	assert.True(t, baseTime.Equal(events[1].Timestamp))

	tail, err := el.GetEvents(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(2), tail[0].Sequence)
}

func TestAppendEvent_NonObjectPayload(t *testing.T) {
	el := NewEventLog(newTestStore(t))

	evt := event("run-1", "order_ready", "notify")
	evt.Payload = []any{"a", "b"}
	out, err := el.AppendEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": []any{"a", "b"}}, out.Payload)
}

func TestAppendEvent_RequiresRunID(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	_, err := el.AppendEvent(context.Background(), streaming.StreamEvent{EventType: "x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestAppendEvent_Concurrent(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := el.AppendEvent(ctx, event("run-1", schema.EventStepCompleted, "a"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := el.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestReplayEvents(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	ctx := context.Background()

	retry := event("run-1", schema.EventStepRetrying, "fetch")
	retry.Payload = map[string]any{"error": "timeout"}
	recovered := event("run-1", schema.EventStepRecovered, "fetch")
	recovered.Payload = map[string]any{"error": "timeout again"}
	failed := event("run-1", schema.EventRunFailed, "save")
	failed.Payload = map[string]any{"error": "disk full"}

	for _, e := range []streaming.StreamEvent{
		event("run-1", schema.EventRunStarted, ""),
		retry,
		recovered,
		event("run-1", schema.EventStepCompleted, "fetch"),
		event("run-1", schema.EventStepSkipped, "notify"),
		failed,
	} {
		_, err := el.AppendEvent(ctx, e)
		require.NoError(t, err)
	}

	traces, err := el.ReplayEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, traces, 3)

	assert.Equal(t, &StepTrace{StepID: "fetch", Status: TraceCompleted, Retries: 1, Recovered: true, LastError: "timeout again"}, traces["fetch"])
	assert.Equal(t, TraceSkipped, traces["notify"].Status)
	assert.Equal(t, &StepTrace{StepID: "save", Status: TraceFailed, LastError: "disk full"}, traces["save"])
}

func TestReplayEvents_SequenceGap(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := el.AppendEvent(ctx, event("run-1", schema.EventStepCompleted, "a"))
		require.NoError(t, err)
	}
	_, err := s.DB().Exec(`DELETE FROM run_events WHERE run_id = 'run-1' AND sequence = 2`)
	require.NoError(t, err)

	_, err = el.ReplayEvents(ctx, "run-1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestRecord(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	hub := streaming.NewMemoryHub(16)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- el.Record(ctx, hub, logging.Discard()) }()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Publish(ctx, event("run-9", schema.EventRunStarted, "")))
	require.NoError(t, hub.Publish(ctx, event("run-9", schema.EventRunCompleted, "")))

	require.Eventually(t, func() bool {
		events, err := el.GetEvents(context.Background(), "run-9", 0)
		return err == nil && len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Record did not return after cancel")
	}
}
