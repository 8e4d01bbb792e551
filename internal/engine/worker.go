package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks run pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when a run is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("run pool is shut down")

// RunPool bounds the number of workflow runs executing asynchronously.
// Runs keep going after the submitting context ends; only the context passed
// to Submit's admission wait is honoured.
type RunPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	logger  *slog.Logger

	mu     sync.Mutex
	done   chan struct{}
	closed bool
	active map[string]struct{}
}

// NewRunPool creates a pool admitting at most size concurrent runs.
func NewRunPool(size int, logger *slog.Logger) *RunPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunPool{
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
		logger: logger,
		active: make(map[string]struct{}),
	}
}

// Submit waits for a free slot, then runs fn in its own goroutine under
// runID. It blocks while the pool is full and gives up when ctx ends or the
// pool shuts down.
func (p *RunPool) Submit(ctx context.Context, runID string, fn func() error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under mu so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active[runID] = struct{}{}
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				p.logger.Error("workflow run panicked",
					slog.String("workflow_id", runID),
					slog.String("panic", fmt.Sprint(r)),
					slog.String("stack", string(debug.Stack())))
			}
			p.mu.Lock()
			delete(p.active, runID)
			p.mu.Unlock()
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			return
		}
		atomic.AddInt64(&p.metrics.Completed, 1)
	}()
	return nil
}

// Active returns the ids of runs currently executing, sorted.
func (p *RunPool) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until all submitted runs complete.
func (p *RunPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops admissions and waits for running work to finish.
func (p *RunPool) Shutdown() {
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
func (p *RunPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
