package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultPoolSize bounds the runs dispatched through Engine.Go.
const DefaultPoolSize = 10

// ErrPoolShutdown is returned when work is submitted to a closed pool.
var ErrPoolShutdown = errors.New("run pool is shut down")

// ErrPoolSaturated is returned by TrySubmit when no slot is free.
var ErrPoolSaturated = errors.New("run pool is saturated")

// PoolMetrics counts work handled by a WorkerPool.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool runs submitted functions on at most size goroutines at a time.
type WorkerPool struct {
	slots chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool with the given concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// Submit blocks until a slot is free, then runs fn on its own goroutine.
// It returns ctx.Err() if ctx ends while waiting, and ErrPoolShutdown once
// Shutdown has been called.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}
	return p.start(ctx, fn)
}

// TrySubmit is Submit without waiting: it fails with ErrPoolSaturated when
// every slot is taken.
func (p *WorkerPool) TrySubmit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-p.done:
		return ErrPoolShutdown
	default:
	}
	select {
	case p.slots <- struct{}{}:
	default:
		return ErrPoolSaturated
	}
	return p.start(ctx, fn)
}

// start runs fn on a slot the caller already holds.
func (p *WorkerPool) start(ctx context.Context, fn func(ctx context.Context) error) error {

	// wg.Add must happen under mu so Shutdown never waits on a stale count.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
			}
			p.active.Add(-1)
			<-p.slots
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
			return
		}
		p.completed.Add(1)
	}()
	return nil
}

// Wait blocks until all submitted work has finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new work and waits for running work to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
