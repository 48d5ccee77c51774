package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
)

// LibSQLStore implements Archive using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Archive = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database. dbPath is a file URI such as
// "file:/var/lib/stepflow/runs.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open libsql %s: %s", dbPath, err.Error()).WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB, shared with the event log.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return schema.NewError(schema.ErrCodeStore, err.Error()).WithCause(err)
	}
	return nil
}

// ArchiveRun upserts a run record. Archiving the same run twice keeps the
// latest copy.
func (s *LibSQLStore) ArchiveRun(ctx context.Context, run *schema.WorkflowRun) error {
	if run == nil || run.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run id is required")
	}

	inputs, err := marshalMapOrDefault(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	var result any
	var errMsg, failedStep string
	if run.Result != nil {
		raw, err := json.Marshal(run.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		result = string(raw)
		errMsg, failedStep = run.Result.Error, run.Result.FailedStep
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow, status, started_at, completed_at, duration_ms, inputs, result, error, failed_step)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, completed_at=excluded.completed_at, duration_ms=excluded.duration_ms,
			result=excluded.result, error=excluded.error, failed_step=excluded.failed_step,
			archived_at=CURRENT_TIMESTAMP`,
		run.ID, run.Workflow, string(run.Status), run.StartedAt.UTC(), nullTime(run.CompletedAt), run.DurationMs,
		string(inputs), result, nullStr(errMsg), nullStr(failedStep),
	)
	if err != nil {
		return storeError("archive run "+run.ID, err)
	}
	return nil
}

const runColumns = `id, workflow, status, started_at, completed_at, duration_ms, inputs, result`

// GetRun returns one archived run.
func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	if err != nil {
		return nil, storeError("get run "+id, err)
	}
	return run, nil
}

// ListRuns returns archived runs, most recently started first.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var where []string
	var args []any

	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list runs", err)
	}
	defer rows.Close()

	var runs []*schema.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storeError("scan run", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PruneRuns deletes runs started before the cutoff, with their events, and
// returns how many runs were removed.
func (s *LibSQLStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("begin prune", err)
	}
	defer tx.Rollback()

	cutoff := before.UTC()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_events WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`, cutoff); err != nil {
		return 0, storeError("prune events", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, storeError("prune runs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("prune runs", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("commit prune", err)
	}
	return n, nil
}

// --- Secrets ---

// StoreSecret upserts an already-encrypted secret value.
func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	if err != nil {
		return storeError("store secret "+key, err)
	}
	return nil
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	if err != nil {
		return nil, storeError("get secret "+key, err)
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return storeError("delete secret "+key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return nil
}

// ListSecrets returns the stored keys in order.
func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, storeError("list secrets", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, storeError("scan secret", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list secrets", err)
	}
	return keys, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*schema.WorkflowRun, error) {
	run := &schema.WorkflowRun{}
	var (
		status      string
		completedAt sql.NullTime
		inputsJSON  string
		resultJSON  sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Workflow, &status, &run.StartedAt, &completedAt, &run.DurationMs, &inputsJSON, &resultJSON); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(inputsJSON), &run.Inputs); err != nil {
		return nil, fmt.Errorf("unmarshal inputs of run %s: %w", run.ID, err)
	}
	if len(run.Inputs) == 0 {
		run.Inputs = nil
	}
	if resultJSON.Valid && resultJSON.String != "" {
		run.Result = &schema.WorkflowResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), run.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result of run %s: %w", run.ID, err)
		}
	}
	return run, nil
}

// --- Helpers ---

func storeError(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMapOrDefault(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
