// SPDX-License-Identifier:Apache-2.0

// Package scheduler runs the work of a device session on a single
// goroutine, so that nothing the engine owns needs locking.
package scheduler

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Task is a unit of work that may need several turns to complete.
type Task interface {
	// Run does a bounded amount of work and reports whether the task
	// is finished. An unfinished task is queued again behind whatever
	// was enqueued in the meantime.
	Run() bool
}

// Scheduler accepts work to be run by the owner of a session.
type Scheduler interface {
	Enqueue(fn func())
	EnqueueYieldingTask(t Task)
}

// Queue is an unbounded FIFO of closures drained by Run.
type Queue struct {
	logger log.Logger

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
}

// New returns an empty queue. Nothing runs until Run is called.
func New(l log.Logger) *Queue {
	return &Queue{
		logger: l,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue appends fn to the queue. It is safe to call from any goroutine,
// including from inside a function the queue is running.
func (q *Queue) Enqueue(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// EnqueueYieldingTask queues t and keeps requeueing it until it reports
// completion.
func (q *Queue) EnqueueYieldingTask(t Task) {
	q.Enqueue(func() {
		if !t.Run() {
			q.EnqueueYieldingTask(t)
		}
	})
}

// Len returns the number of queued functions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run executes queued functions in order until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	level.Debug(q.logger).Log("op", "scheduler", "msg", "queue started")
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return nil
			}
			fn()
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			level.Debug(q.logger).Log("op", "scheduler", "msg", "queue stopped")
			return nil
		case <-q.wake:
		}
	}
}

// Call runs fn on the queue and waits for it to return.
func (q *Queue) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	q.Enqueue(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
