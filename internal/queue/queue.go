// Package queue provides a generic in-memory task queue with at-least-once
// delivery. Tasks are executed by a fixed pool of workers; transient
// failures are redelivered with exponential backoff up to a small retry
// budget, and retry exhaustion surfaces through the failure callback.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// ErrClosed is returned when enqueueing after the queue has shut down.
var ErrClosed = errors.New("task queue is closed")

// cancelMarkTTL bounds how long a per-job cancellation mark is retained.
const cancelMarkTTL = 10 * time.Minute

// TransientError marks a task failure as retryable. Any other error is
// treated as a permanent computation failure and is not retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the queue will retry the task.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// Task is one unit of dispatched work: a chunk of a job's numeric range.
// The range is half-open: [Start, End).
type Task struct {
	JobID string
	Index int
	Start int64
	End   int64
}

// Handler executes a task. Returning an error wrapped by Transient requests
// redelivery; any other error is permanent.
type Handler func(ctx context.Context, t Task) error

// FailureFunc is invoked once per task whose delivery has permanently
// failed, either because the handler returned a non-transient error or
// because the retry budget was exhausted.
type FailureFunc func(t Task, err error)

// Options configures the queue.
type Options struct {
	Workers    int           // worker pool size
	Depth      int           // buffered channel capacity
	MaxRetries int           // redeliveries after the first attempt
	Backoff    time.Duration // base backoff, doubled per attempt
}

// Queue is an in-memory at-least-once task queue.
type Queue struct {
	opts      Options
	handler   Handler
	onFailure FailureFunc
	logger    *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	tasks   chan delivery
	wg      sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	cancelled map[string]time.Time
}

type delivery struct {
	task    Task
	attempt int
}

// New creates a queue and starts its worker pool. The handler runs
// concurrently on up to opts.Workers goroutines.
func New(opts Options, handler Handler, onFailure FailureFunc, logger *slog.Logger) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Depth <= 0 {
		opts.Depth = 256
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		opts:      opts,
		handler:   handler,
		onFailure: onFailure,
		logger:    logger,
		baseCtx:   ctx,
		cancel:    cancel,
		tasks:     make(chan delivery, opts.Depth),
		cancelled: make(map[string]time.Time),
	}

	for i := 0; i < opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue submits a task for execution. It blocks while the queue is full
// and returns ErrClosed after Close.
func (q *Queue) Enqueue(ctx context.Context, t Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	select {
	case q.tasks <- delivery{task: t}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.baseCtx.Done():
		return ErrClosed
	}
}

// CancelJob marks a job cancelled so its not-yet-started tasks are dropped
// instead of executed. Already-running tasks are not preempted.
func (q *Queue) CancelJob(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	q.cancelled[jobID] = now
	for id, at := range q.cancelled {
		if now.Sub(at) > cancelMarkTTL {
			delete(q.cancelled, id)
		}
	}
}

// Close stops accepting tasks, aborts in-flight handler contexts, and waits
// for all workers to exit. Queued tasks that have not started are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.baseCtx.Done():
			return
		case d := <-q.tasks:
			if q.isCancelled(d.task.JobID) {
				continue
			}
			q.run(d)
		}
	}
}

func (q *Queue) run(d delivery) {
	err := q.handler(q.baseCtx, d.task)
	if err == nil {
		return
	}

	var transient *TransientError
	if errors.As(err, &transient) && d.attempt < q.opts.MaxRetries {
		q.redeliver(d, err)
		return
	}

	if errors.As(err, &transient) {
		err = fmt.Errorf("retry budget exhausted after %d attempts: %w", d.attempt+1, err)
	}
	q.logger.Warn("task failed permanently",
		"job_id", d.task.JobID,
		"chunk", d.task.Index,
		"attempt", d.attempt+1,
		"error", err,
	)
	if q.onFailure != nil {
		q.onFailure(d.task, err)
	}
}

// redeliver schedules the task again after an exponential backoff with
// jitter, mirroring the broker's retry policy.
func (q *Queue) redeliver(d delivery, cause error) {
	backoff := q.opts.Backoff << uint(d.attempt)
	backoff += time.Duration(rand.Int63n(int64(q.opts.Backoff)))

	q.logger.Debug("retrying task",
		"job_id", d.task.JobID,
		"chunk", d.task.Index,
		"attempt", d.attempt+1,
		"backoff", backoff,
		"error", cause,
	)

	next := delivery{task: d.task, attempt: d.attempt + 1}
	time.AfterFunc(backoff, func() {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.tasks <- next:
		case <-q.baseCtx.Done():
		}
	})
}

func (q *Queue) isCancelled(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.cancelled[jobID]
	return ok
}
