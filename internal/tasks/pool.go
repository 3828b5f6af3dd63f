// Package tasks runs background work on a bounded pool and hands out handles
// callers can wait on.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is the default number of tasks running at once
const DefaultSize = 4

// ErrClosed is returned by handles of tasks submitted after Close
var ErrClosed = errors.New("task pool is closed")

// Handle tracks one submitted task.
type Handle struct {
	name string
	done chan struct{}
	err  error
}

// Name returns the task name
func (h *Handle) Name() string {
	return h.name
}

// Done is closed when the task finished
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task finished and returns its error
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Err returns the task error once finished, nil before
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Pool runs tasks with bounded concurrency.
type Pool struct {
	sem *semaphore.Weighted
	ctx context.Context

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool running at most size tasks at once
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules fn and returns immediately. Tasks submitted after Close
// finish at once with ErrClosed.
func (p *Pool) Submit(name string, fn func(ctx context.Context) error) *Handle {
	h := &Handle{name: name, done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.finish(ErrClosed)
		return h
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			h.finish(ErrClosed)
			return
		}
		defer p.sem.Release(1)

		h.finish(p.run(name, fn))
	}()
	return h
}

func (p *Pool) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Task panicked", "task", name, "panic", r)
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
	}()

	slog.Debug("Task started", "task", name)
	err = fn(context.WithoutCancel(p.ctx))
	if err != nil {
		slog.Debug("Task failed", "task", name, "error", err)
	}
	return err
}

// Close rejects new tasks and waits for every submitted task. Tasks still
// queued for a slot run to completion; nothing is cancelled.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}
