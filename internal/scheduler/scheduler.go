// Package scheduler triggers workflow runs from cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultInterval is how often the scheduler checks for due jobs.
const DefaultInterval = 30 * time.Second

// Runner starts workflow runs. The engine satisfies it.
type Runner interface {
	Run(ctx context.Context, name string, inputs map[string]any) *schema.WorkflowResult
}

// Job is a workflow bound to a cron expression.
type Job struct {
	Workflow   string         `json:"workflow"`
	Expression string         `json:"expression"`
	Inputs     map[string]any `json:"inputs,omitempty"`

	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration    // default DefaultInterval
	Logger   *slog.Logger     // nil = discard
	Clock    func() time.Time // default time.Now
}

// Scheduler keeps one job per workflow and runs those that are due on every
// tick. A job that is still running when it becomes due again is skipped.
type Scheduler struct {
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	jobs   map[string]*Job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
	wg         sync.WaitGroup
}

// New creates a Scheduler that dispatches to runner.
func New(runner Runner, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   opts.Logger,
		interval: opts.Interval,
		now:      opts.Clock,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
}

// Add schedules workflow, replacing any job it already has.
func (s *Scheduler) Add(workflow, expression string, inputs map[string]any) (*Job, error) {
	if workflow == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule requires a workflow name")
	}
	next, err := s.CalculateNextRun(expression, s.now())
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	job := &Job{
		Workflow:   workflow,
		Expression: expression,
		Inputs:     maps.Clone(inputs),
		NextRunAt:  next,
	}
	s.mu.Lock()
	s.jobs[workflow] = job
	s.mu.Unlock()

	s.logger.Info("workflow scheduled",
		slog.String("workflow", workflow),
		slog.String("expression", expression),
		slog.Time("next_run_at", next),
	)
	cp := *job
	return &cp, nil
}

// Remove unschedules workflow and reports whether it had a job.
func (s *Scheduler) Remove(workflow string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[workflow]
	delete(s.jobs, workflow)
	return ok
}

// Jobs returns copies of all jobs ordered by workflow name.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	slices.SortFunc(out, func(a, b Job) int {
		switch {
		case a.Workflow < b.Workflow:
			return -1
		case a.Workflow > b.Workflow:
			return 1
		}
		return 0
	})
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick dispatches every due job and advances its next run time.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []Job
	for _, job := range s.jobs {
		if job.NextRunAt.After(now) {
			continue
		}
		next, err := s.CalculateNextRun(job.Expression, now)
		if err != nil {
			s.logger.Error("invalid schedule", slog.String("workflow", job.Workflow), slog.String("error", err.Error()))
			continue
		}
		job.NextRunAt = next
		due = append(due, *job)
	}
	s.mu.Unlock()

	for _, job := range due {
		if !s.tryAcquire(job.Workflow) {
			s.logger.Warn("scheduled run skipped, previous run still in progress", slog.String("workflow", job.Workflow))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.releaseJob(job.Workflow)
			s.runJob(ctx, job, now)
		}()
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job, now time.Time) {
	s.logger.InfoContext(ctx, "running scheduled workflow", slog.String("workflow", job.Workflow))

	res := s.runner.Run(ctx, job.Workflow, maps.Clone(job.Inputs))
	status := string(schema.RunStatusSuccess)
	if !res.Success {
		status = string(schema.RunStatusFailed)
		s.logger.ErrorContext(ctx, "scheduled run failed",
			slog.String("workflow", job.Workflow),
			slog.String("run_id", res.RunID),
			slog.String("error", res.Error),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[job.Workflow]; ok {
		j.LastRunAt = &now
		j.LastRunID = res.RunID
		j.LastRunStatus = status
	}
}

func (s *Scheduler) tryAcquire(workflow string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[workflow]; ok {
		return false
	}
	s.inflight[workflow] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(workflow string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, workflow)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(expression string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expression, err)
	}
	return sched.Next(from), nil
}

// Stop ends the loop and waits for dispatched runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}
