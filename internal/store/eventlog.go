package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// EventLog persists engine stream events on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent stores event with the next per-run sequence number.
func (el *EventLog) AppendEvent(ctx context.Context, event streaming.StreamEvent) (*Event, error) {
	if event.RunID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event run id is required")
	}

	payload, err := marshalPayload(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	ts := event.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("begin append", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return nil, storeError("next sequence", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, workflow, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Workflow, nullStr(event.StepID), event.EventType, payload, ts.UTC(), seq,
	)
	if err != nil {
		return nil, storeError("insert event", err)
	}
	id, _ := res.LastInsertId()
	if err := tx.Commit(); err != nil {
		return nil, storeError("commit event", err)
	}

	out := &Event{
		ID:        id,
		RunID:     event.RunID,
		Workflow:  event.Workflow,
		StepID:    event.StepID,
		Type:      event.EventType,
		Timestamp: ts.UTC(),
		Sequence:  seq,
	}
	out.Payload, _ = payloadMap(payload)
	return out, nil
}

// GetEvents returns the events of a run with sequence > since, in order.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := el.store.DB().QueryContext(ctx,
		`SELECT id, run_id, workflow, step_id, event_type, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, storeError("get events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Workflow, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeError("scan event", err)
		}
		e.StepID = stepID.String
		if payload.Valid {
			if e.Payload, err = payloadMap(payload.String); err != nil {
				return nil, fmt.Errorf("unmarshal payload of event %d: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ReplayEvents rebuilds per-step traces from a run's events. A gap in the
// sequence is reported as a store error.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*StepTrace, error) {
	events, err := el.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}

	traces := make(map[string]*StepTrace)
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
		if e.StepID == "" {
			continue
		}

		tr, ok := traces[e.StepID]
		if !ok {
			tr = &StepTrace{StepID: e.StepID}
			traces[e.StepID] = tr
		}

		switch e.Type {
		case schema.EventStepCompleted:
			tr.Status = TraceCompleted
		case schema.EventStepSkipped:
			tr.Status = TraceSkipped
		case schema.EventStepRetrying:
			tr.Status = TraceRetrying
			tr.Retries++
			tr.LastError, _ = e.Payload["error"].(string)
		case schema.EventStepRecovered:
			tr.Recovered = true
			tr.LastError, _ = e.Payload["error"].(string)
		case schema.EventRunFailed:
			tr.Status = TraceFailed
			if msg, _ := e.Payload["error"].(string); msg != "" {
				tr.LastError = msg
			}
		}
	}
	return traces, nil
}

// Record subscribes to hub and appends every event it delivers until ctx is
// done. Append failures are logged and skipped.
func (el *EventLog) Record(ctx context.Context, hub streaming.EventHub, logger *slog.Logger) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := el.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
				logger.ErrorContext(ctx, "persist event failed",
					slog.String("run_id", evt.RunID),
					slog.String("event_type", evt.EventType),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func marshalPayload(p any) (any, error) {
	if p == nil {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// payloadMap decodes a stored payload. Payloads that are not objects are
// kept under "value".
func payloadMap(stored any) (map[string]any, error) {
	s, ok := stored.(string)
	if !ok || s == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"value": v}, nil
}
