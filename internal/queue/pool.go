package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Pool runs queued tasks on a fixed number of workers, in submission order.
type Pool struct {
	queue   *InMemoryQueue
	workers int
	running atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

type Stats struct {
	Workers int `json:"workers"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:   NewInMemoryQueue(),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With("component", "scheduler"),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("scheduler started", "workers", workers)
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		task, err := p.queue.Pop(p.ctx)
		if err != nil {
			return
		}

		p.running.Add(1)
		p.logger.Debug("task started", "worker", id, "task_id", task.ID, "task", task.Name,
			"queued_for", time.Since(task.CreatedAt))
		p.execute(task)
		p.running.Add(-1)
	}
}

func (p *Pool) execute(task *Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "task_id", task.ID, "task", task.Name, "panic", r)
		}
	}()
	task.Run(p.ctx)
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers: p.workers,
		Queued:  p.queue.Size(),
		Running: int(p.running.Load()),
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish. If ctx
// expires first, running tasks see their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Future is the pending result of a submitted task.
type Future[T any] struct {
	ID    string
	done  chan struct{}
	value T
	err   error
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes or ctx ends. Giving up on a future does
// not cancel the task.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit queues fn on the pool. The task runs with the pool's context, not
// the submitter's, so it outlives the request that admitted it. A panic in fn
// completes the future with ErrTaskPanic.
func Submit[T any](p *Pool, name string, fn func(ctx context.Context) (T, error)) (*Future[T], error) {
	f := &Future[T]{
		ID:   uuid.New().String(),
		done: make(chan struct{}),
	}

	task := &Task{
		ID:        f.ID,
		Name:      name,
		CreatedAt: time.Now(),
		Run: func(ctx context.Context) {
			defer close(f.done)
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("task panicked", "task_id", f.ID, "task", name, "panic", r,
						"stack", string(debug.Stack()))
					f.err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
				}
			}()
			f.value, f.err = fn(ctx)
		},
	}

	if err := p.queue.Push(task); err != nil {
		return nil, err
	}
	return f, nil
}
