package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rendis/flowrun/pkg/schema"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds how many node callables execute at once.
// A size of zero or less means unbounded.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	p := &WorkerPool{done: make(chan struct{})}
	if size > 0 {
		p.sem = make(chan struct{}, size)
	}
	return p
}

// Size returns the concurrency bound, or 0 when unbounded.
func (p *WorkerPool) Size() int { return cap(p.sem) }

// Do acquires a slot, runs fn on the calling goroutine and releases the slot.
// It blocks while the pool is at capacity and returns ctx.Err() or
// ErrPoolShutdown without running fn when it cannot get a slot.
// A panic in fn is recovered and returned as a TASK_EXECUTION_ERROR.
func (p *WorkerPool) Do(ctx context.Context, fn func() error) error {
	release, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	err = safeCall(fn)
	release(err)
	return err
}

// Acquire takes a slot for work the caller runs itself, possibly on another
// goroutine. The slot stays taken until release is called with the outcome of
// that work. Calls to release after the first are no-ops.
func (p *WorkerPool) Acquire(ctx context.Context) (release func(error), err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	}
	p.mu.Unlock()

	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, ErrPoolShutdown
		}
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.release()
		return nil, ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	var once sync.Once
	return func(err error) {
		once.Do(func() {
			switch {
			case err == nil:
				atomic.AddInt64(&p.metrics.Completed, 1)
			case isPanic(err):
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			default:
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			p.release()
			p.wg.Done()
		})
	}, nil
}

func (p *WorkerPool) release() {
	if p.sem != nil {
		<-p.sem
	}
}

// Wait blocks until all work in progress completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new work and waits for active work to complete.
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

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

// panicError marks an error produced by a recovered panic.
type panicError struct {
	*schema.FlowError
}

func (e *panicError) Unwrap() error { return e.FlowError }

func isPanic(err error) bool {
	var pe *panicError
	return errors.As(err, &pe)
}

// safeCall runs fn and converts a panic into an error carrying the stack.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{schema.NewErrorf(schema.ErrCodeTaskExecution, "panic: %v", r).
				WithDetails(map[string]any{"stack": string(debug.Stack())}).
				WithCause(fmt.Errorf("panic: %v", r))}
		}
	}()
	return fn()
}
