package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/rendis/replaykit/internal/durable"
)

// PoolMetrics is a snapshot of worker pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned for work offered to a pool after Shutdown.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds how many activity attempts and deferred tasks run at
// once.
type WorkerPool struct {
	slots *semaphore.Weighted
	life  context.Context
	stop  context.CancelFunc

	mu     sync.RWMutex // guards closed and orders wg.Add before Shutdown's Wait
	closed bool
	wg     sync.WaitGroup

	active, completed, failed, panics atomic.Int64
}

func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	life, stop := context.WithCancel(context.Background())
	return &WorkerPool{slots: semaphore.NewWeighted(int64(size)), life: life, stop: stop}
}

// Submit runs fn on a pool goroutine. It blocks while every slot is taken
// and gives up when ctx is done or the pool shuts down. A panic in fn is
// recovered and counted as a failure.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.start(ctx, fn, nil)
}

// Call runs fn on the pool and waits for its result. A panic in fn comes
// back as an error.
func (p *WorkerPool) Call(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	var data []byte
	result := make(chan error, 1)
	err := p.start(ctx, func(ctx context.Context) (err error) {
		data, err = fn(ctx)
		return err
	}, func(err error) { result <- err })
	if err != nil {
		return nil, err
	}
	if err := <-result; err != nil {
		return nil, err
	}
	return data, nil
}

func (p *WorkerPool) start(ctx context.Context, fn func(context.Context) error, report func(error)) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	acquireCtx, cancel := context.WithCancel(ctx)
	unhook := context.AfterFunc(p.life, cancel)
	err := p.slots.Acquire(acquireCtx, 1)
	unhook()
	cancel()
	if err != nil {
		p.wg.Done()
		if p.life.Err() != nil {
			return ErrPoolShutdown
		}
		return ctx.Err()
	}

	p.active.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.slots.Release(1)
		defer p.active.Add(-1)

		err := p.guard(ctx, fn)
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		if report != nil {
			report(err)
		}
	}()
	return nil
}

func (p *WorkerPool) guard(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Submitter adapts the pool to durable.Submitter for deferred tasks. Work
// the pool refuses runs on its own goroutine.
func (p *WorkerPool) Submitter(ctx context.Context, logger *slog.Logger) durable.Submitter {
	return func(fn func()) {
		err := p.Submit(ctx, func(context.Context) error {
			fn()
			return nil
		})
		if err != nil {
			logger.Debug("worker pool refused deferred task", slog.String("error", err.Error()))
			go fn()
		}
	}
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown refuses new work, abandons callers still waiting for a slot and
// waits for running work to finish. It is idempotent.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.stop()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
