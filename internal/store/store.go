// Package store persists finished runs with their event streams to libSQL,
// alongside the vault's encrypted secrets. The engine's in-memory history
// stays authoritative for listing and stats; the archive keeps runs after
// they are evicted from it.
package store

import (
	"context"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Archive is the persistence contract for finished runs.
// Implementations must be safe for concurrent use.
type Archive interface {
	ArchiveRun(ctx context.Context, run *schema.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*schema.WorkflowRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.WorkflowRun, error)
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	Migrate(ctx context.Context) error
	Close() error
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	Workflow string
	Status   schema.RunStatus
	Since    *time.Time
	Limit    int
}

// Event is one persisted stream event. Sequence increases by one per run,
// starting at 1.
type Event struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Workflow  string         `json:"workflow"`
	StepID    string         `json:"step_id,omitempty"`
	Type      string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  int64          `json:"sequence"`
}

// StepTrace is the per-step view rebuilt from a run's events.
type StepTrace struct {
	StepID    string `json:"step_id"`
	Status    string `json:"status"`
	Retries   int    `json:"retries"`
	Recovered bool   `json:"recovered,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Step trace statuses.
const (
	TraceCompleted = "completed"
	TraceSkipped   = "skipped"
	TraceRetrying  = "retrying"
	TraceFailed    = "failed"
)
