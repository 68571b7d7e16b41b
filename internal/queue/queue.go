// Package queue runs background tasks on a fixed pool of workers.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the backlog is at capacity.
	ErrQueueFull = eris.New("queue: full")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = eris.New("queue: closed")
)

// TaskFunc is the unit of work. ctx is the pool's base context, canceled
// when Shutdown gives up waiting.
type TaskFunc func(ctx context.Context) error

type task struct {
	id   string
	name string
	fn   TaskFunc
}

// Queue is a bounded task queue served by a fixed worker pool. Tasks run in
// no particular order.
type Queue struct {
	tasks  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// New starts a queue with the given number of workers and backlog size.
func New(workers, size int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if size < 0 {
		size = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		tasks:  make(chan task, size),
		ctx:    ctx,
		cancel: cancel,
		log:    zap.L().With(zap.String("component", "queue")),
	}
	for i := range workers {
		q.wg.Add(1)
		go q.worker(i)
	}
	return q
}

// Submit enqueues fn without blocking and returns the task id.
func (q *Queue) Submit(name string, fn TaskFunc) (string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", ErrClosed
	}

	t := task{id: uuid.NewString(), name: name, fn: fn}
	select {
	case q.tasks <- t:
		q.log.Debug("queue: task submitted", zap.String("task_id", t.id), zap.String("task", name))
		return t.id, nil
	default:
		return "", ErrQueueFull
	}
}

// Pending returns the number of queued tasks not yet picked up.
func (q *Queue) Pending() int {
	return len(q.tasks)
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish. If ctx expires first, the base context is canceled and ctx's error
// is returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return eris.Wrap(ctx.Err(), "queue: shutdown")
	}
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	for t := range q.tasks {
		q.run(n, t)
	}
}

func (q *Queue) run(worker int, t task) {
	log := q.log.With(zap.String("task_id", t.id), zap.String("task", t.name), zap.Int("worker", worker))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("queue: task panicked", zap.Any("panic", r))
		}
	}()

	if err := t.fn(q.ctx); err != nil {
		log.Error("queue: task failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	log.Info("queue: task done", zap.Duration("elapsed", time.Since(start)))
}
