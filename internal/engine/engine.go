// Package engine runs range-sum jobs end to end: chunk dispatch through the
// worker queue, single-writer aggregation of chunk completions per job, and
// status fan-out to stream subscribers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgelabs/sumforge/internal/chunker"
	"github.com/forgelabs/sumforge/internal/history"
	"github.com/forgelabs/sumforge/internal/model"
	"github.com/forgelabs/sumforge/internal/queue"
	"github.com/forgelabs/sumforge/internal/store"
)

// Default option values applied when the corresponding field is zero.
const (
	DefaultJobTimeout = 5 * time.Minute
	DefaultRetention  = 24 * time.Hour
)

// ctxCheckInterval is how many values a chunk sums between shutdown checks.
const ctxCheckInterval = 1 << 16

var (
	errTerminal      = errors.New("job is in a terminal state")
	errDuplicate     = errors.New("duplicate chunk completion")
	errUnknownChunk  = errors.New("unknown chunk index")
	errBadTransition = errors.New("invalid status transition")
)

// Options configures the engine.
type Options struct {
	Workers      int           // chunk worker pool size
	MaxRetries   int           // transient-failure redeliveries per chunk
	RetryBackoff time.Duration // base redelivery backoff
	JobTimeout   time.Duration // hard wall-clock limit per job
	Retention    time.Duration // job expiry window
}

// Engine orchestrates distributed range-sum jobs: it splits work into
// chunks, dispatches them to the task queue, aggregates completions into
// job-level progress, and broadcasts state changes.
type Engine struct {
	store   *store.Store
	history history.Store
	broker  *Broker
	queue   *queue.Queue
	logger  *slog.Logger
	opts    Options

	// compute produces the partial sum for one chunk. Replaced in tests to
	// simulate slow and failing chunks.
	compute func(ctx context.Context, start, end int64) (int64, error)

	ctx      context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	running map[string]*jobRuntime
}

// jobRuntime carries the per-job aggregation state while a job is live.
// The events channel is the single path by which chunk outcomes reach the
// aggregation loop; done is closed when the loop exits so late deliveries
// never block.
type jobRuntime struct {
	owner       string
	n           int64
	totalChunks int
	events      chan chunkEvent
	cancel      chan struct{}
	cancelOnce  sync.Once
	done        chan struct{}
}

type chunkEvent struct {
	index int
	sum   int64
	err   error
}

// New creates an engine and starts its chunk worker pool.
func New(s *store.Store, hist history.Store, logger *slog.Logger, opts Options) *Engine {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    s,
		history:  hist,
		broker:   NewBroker(),
		compute:  sumRange,
		logger:   logger,
		opts:     opts,
		ctx:      ctx,
		shutdown: cancel,
		running:  make(map[string]*jobRuntime),
	}

	e.queue = queue.New(queue.Options{
		Workers:    opts.Workers,
		Depth:      opts.Workers * 64,
		MaxRetries: opts.MaxRetries,
		Backoff:    opts.RetryBackoff,
	}, e.executeChunk, e.chunkFailed, logger)

	return e
}

// Broker returns the engine's status broker for stream subscription.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// Submit creates a job for summing [1, n] across the given chunk count and
// starts asynchronous execution. The returned snapshot reflects the stored
// pending state; Submit never blocks on chunk execution. Owner is empty for
// anonymous demo jobs.
func (e *Engine) Submit(ctx context.Context, owner string, n int64, chunks int) (model.Snapshot, error) {
	ranges, err := chunker.Split(n, chunks)
	if err != nil {
		return model.Snapshot{}, err
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:          model.NewID(),
		Owner:       owner,
		N:           n,
		TotalChunks: chunks,
		Status:      model.StatusPending,
		Detail:      "Job accepted and waiting for workers.",
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.opts.Retention),
		Chunks:      make([]model.Chunk, chunks),
	}
	for i, r := range ranges {
		job.Chunks[i] = model.Chunk{Index: i, Start: r.Start, End: r.End, Status: model.ChunkPending}
	}

	if err := e.store.Create(job); err != nil {
		return model.Snapshot{}, fmt.Errorf("create job: %w", err)
	}

	e.appendHistory(job)
	jobsCreated.Inc()
	activeJobs.Inc()

	// The events buffer holds every possible delivery so chunk workers are
	// never blocked by a slow aggregation loop.
	rt := &jobRuntime{
		owner:       owner,
		n:           n,
		totalChunks: chunks,
		events:      make(chan chunkEvent, chunks*(e.opts.MaxRetries+2)),
		cancel:      make(chan struct{}),
		done:        make(chan struct{}),
	}

	e.mu.Lock()
	e.running[job.ID] = rt
	e.mu.Unlock()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.aggregate(job.ID, rt)
	}()
	go func() {
		defer e.wg.Done()
		e.dispatch(job.ID, ranges)
	}()

	return job.Snapshot(), nil
}

// SubmitCached records an instantly-completed job for a work specification
// whose result is already known from the result cache. No chunks are
// dispatched.
func (e *Engine) SubmitCached(ctx context.Context, owner string, n int64, chunks int, cached *history.CachedResult) (model.Snapshot, error) {
	ranges, err := chunker.Split(n, chunks)
	if err != nil {
		return model.Snapshot{}, err
	}

	now := time.Now().UTC()
	result := cached.Result
	job := &model.Job{
		ID:              model.NewID(),
		Owner:           owner,
		N:               n,
		TotalChunks:     chunks,
		CompletedChunks: chunks,
		Status:          model.StatusCompleted,
		Partial:         result,
		Result:          &result,
		Detail:          "Result returned from cache.",
		Cached:          true,
		CreatedAt:       now,
		StartedAt:       &now,
		FinishedAt:      &now,
		ExpiresAt:       now.Add(e.opts.Retention),
		Chunks:          make([]model.Chunk, chunks),
	}
	for i, r := range ranges {
		job.Chunks[i] = model.Chunk{Index: i, Start: r.Start, End: r.End, Status: model.ChunkCompleted, Sum: r.Sum()}
	}

	if err := e.store.Create(job); err != nil {
		return model.Snapshot{}, fmt.Errorf("create cached job: %w", err)
	}

	e.appendHistory(job)
	jobsCreated.Inc()
	jobsCompleted.Inc()

	// Terminal from birth: late subscribers must see a closed stream.
	e.broker.Close(job.ID)

	return job.Snapshot(), nil
}

// Cancel requests owner-initiated cancellation. Unstarted chunks are
// dropped best-effort; already-dispatched chunks may finish but their
// results are discarded. Cancelling a terminal job is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	snap, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if model.IsTerminal(snap.Status) {
		return nil
	}

	e.queue.CancelJob(id)

	e.mu.Lock()
	rt := e.running[id]
	e.mu.Unlock()
	if rt != nil {
		rt.cancelOnce.Do(func() { close(rt.cancel) })
	}
	return nil
}

// Close shuts down the engine: new submissions fail, in-flight chunk
// handlers are aborted, and all aggregation loops exit.
func (e *Engine) Close() {
	e.shutdown()
	e.queue.Close()
	e.wg.Wait()
}

// RunSweeper periodically evicts expired jobs and their stream state until
// ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := e.sweepExpired(now); n > 0 {
				e.logger.Info("evicted expired jobs", "count", n)
			}
		}
	}
}

// sweepExpired drops expired jobs from the store and the matching broker
// topics, so closed-stream markers never outlive their job records.
func (e *Engine) sweepExpired(now time.Time) int {
	ids := e.store.Sweep(now)
	if len(ids) > 0 {
		e.broker.Evict(ids...)
	}
	return len(ids)
}

// dispatch hands every chunk to the task queue. An enqueue failure is
// surfaced as a chunk failure so the aggregation loop fails the job.
func (e *Engine) dispatch(jobID string, ranges []chunker.Range) {
	for i, r := range ranges {
		t := queue.Task{JobID: jobID, Index: i, Start: r.Start, End: r.End}
		if err := e.queue.Enqueue(e.ctx, t); err != nil {
			e.logger.Error("enqueue chunk", "job_id", jobID, "chunk", i, "error", err)
			e.deliver(jobID, chunkEvent{index: i, err: errors.New("dispatch failed")})
			return
		}
	}
}

// executeChunk is the task-queue handler: it computes the partial sum for
// one chunk and delivers the outcome to the job's aggregation loop.
func (e *Engine) executeChunk(ctx context.Context, t queue.Task) error {
	snap, err := e.store.Get(t.JobID)
	if err != nil || model.IsTerminal(snap.Status) {
		// Job gone or finished; redelivered work is dropped.
		return nil
	}

	_, _ = e.store.Apply(t.JobID, func(j *model.Job) error {
		if t.Index >= 0 && t.Index < len(j.Chunks) && j.Chunks[t.Index].Status == model.ChunkPending {
			j.Chunks[t.Index].Status = model.ChunkRunning
		}
		return nil
	})

	sum, err := e.compute(ctx, t.Start, t.End)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Shutdown or job abort; not worth a retry.
			return err
		}
		return queue.Transient(err)
	}

	e.deliver(t.JobID, chunkEvent{index: t.Index, sum: sum})
	return nil
}

// chunkFailed is the task-queue failure callback: retry-exhausted or
// permanently failed chunks fail the parent job through the aggregation loop.
func (e *Engine) chunkFailed(t queue.Task, err error) {
	e.deliver(t.JobID, chunkEvent{index: t.Index, err: err})
}

// deliver routes a chunk outcome to the job's aggregation loop. Events for
// jobs whose loop has exited are discarded; that is the expected fate of
// late completions for terminal jobs.
func (e *Engine) deliver(jobID string, ev chunkEvent) {
	e.mu.Lock()
	rt := e.running[jobID]
	e.mu.Unlock()
	if rt == nil {
		return
	}

	select {
	case rt.events <- ev:
	case <-rt.done:
	}
}

// aggregate is the single writer for one job's counters and status. It
// consumes chunk outcomes until the job reaches a terminal state, the hard
// time limit elapses, or the owner cancels.
func (e *Engine) aggregate(jobID string, rt *jobRuntime) {
	defer func() {
		e.mu.Lock()
		delete(e.running, jobID)
		e.mu.Unlock()
		close(rt.done)
		e.broker.Close(jobID)
	}()

	timer := time.NewTimer(e.opts.JobTimeout)
	defer timer.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return

		case <-rt.cancel:
			e.finishTerminal(jobID, rt, model.StatusCancelled, "Job cancelled by owner.")
			return

		case <-timer.C:
			e.queue.CancelJob(jobID)
			e.finishTerminal(jobID, rt, model.StatusFailed,
				fmt.Sprintf("Job exceeded the %s time limit.", e.opts.JobTimeout))
			return

		case ev := <-rt.events:
			if ev.err != nil {
				e.queue.CancelJob(jobID)
				e.finishTerminal(jobID, rt, model.StatusFailed,
					fmt.Sprintf("Chunk %d of %d failed: %v", ev.index+1, rt.totalChunks, ev.err))
				return
			}

			snap, terminal, err := e.applyCompletion(jobID, ev)
			if err != nil {
				// Duplicate delivery or a job already terminal: discard.
				continue
			}
			e.broker.Publish(jobID, snap)
			if terminal {
				e.recordFinished(jobID, rt, snap)
				return
			}
		}
	}
}

// applyCompletion folds one chunk completion into the job under the store's
// per-job lock. It reports whether the job just completed.
func (e *Engine) applyCompletion(jobID string, ev chunkEvent) (model.Snapshot, bool, error) {
	terminal := false
	snap, err := e.store.Apply(jobID, func(j *model.Job) error {
		if model.IsTerminal(j.Status) {
			return errTerminal
		}
		if ev.index < 0 || ev.index >= len(j.Chunks) {
			return errUnknownChunk
		}
		c := &j.Chunks[ev.index]
		if c.Status == model.ChunkCompleted {
			return errDuplicate
		}

		now := time.Now().UTC()
		if j.Status == model.StatusPending {
			j.Status = model.StatusRunning
			j.StartedAt = &now
		}

		c.Status = model.ChunkCompleted
		c.Sum = ev.sum
		j.CompletedChunks++
		j.Partial += ev.sum
		j.Detail = fmt.Sprintf("Processed chunk %d of %d.", j.CompletedChunks, j.TotalChunks)

		if j.CompletedChunks == j.TotalChunks {
			result := j.Partial
			j.Result = &result
			j.Status = model.StatusCompleted
			j.Detail = "Computation finished successfully."
			j.FinishedAt = &now
			terminal = true
		}
		return nil
	})
	if err != nil {
		return model.Snapshot{}, false, err
	}
	return snap, terminal, nil
}

// finishTerminal moves the job to the given terminal status, publishes the
// final snapshot, and records the outcome.
func (e *Engine) finishTerminal(jobID string, rt *jobRuntime, status, detail string) {
	snap, err := e.store.Apply(jobID, func(j *model.Job) error {
		if model.IsTerminal(j.Status) {
			return errTerminal
		}
		if !model.ValidTransition(j.Status, status) {
			return errBadTransition
		}
		now := time.Now().UTC()
		j.Status = status
		j.Detail = detail
		j.FinishedAt = &now
		return nil
	})
	if err != nil {
		if !errors.Is(err, errTerminal) && !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("finish job", "job_id", jobID, "status", status, "error", err)
		}
		return
	}

	e.broker.Publish(jobID, snap)
	e.recordFinished(jobID, rt, snap)
}

// recordFinished updates metrics and the history store after a terminal
// transition, and feeds the result cache on success.
func (e *Engine) recordFinished(jobID string, rt *jobRuntime, snap model.Snapshot) {
	activeJobs.Dec()
	switch snap.Status {
	case model.StatusCompleted:
		jobsCompleted.Inc()
	case model.StatusFailed:
		jobsFailed.Inc()
	case model.StatusCancelled:
		jobsCancelled.Inc()
	}

	durationMS := 0
	if snap.DurationMS != nil {
		durationMS = *snap.DurationMS
		jobDuration.Observe(float64(durationMS) / 1000)
	}

	rec := &history.Record{
		ID:         jobID,
		Owner:      rt.owner,
		N:          rt.n,
		Chunks:     rt.totalChunks,
		Status:     snap.Status,
		Result:     snap.Result,
		Detail:     snap.Detail,
		DurationMS: snap.DurationMS,
		CreatedAt:  snap.CreatedAt,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
	}
	if err := e.history.Finish(context.Background(), rec); err != nil {
		e.logger.Warn("record job outcome", "job_id", jobID, "error", err)
	}

	if snap.Status == model.StatusCompleted && snap.Result != nil {
		if err := e.history.SaveCachedResult(context.Background(), rt.n, rt.totalChunks, *snap.Result, durationMS); err != nil {
			e.logger.Warn("save cached result", "job_id", jobID, "error", err)
		}
	}
}

// appendHistory writes the creation-time history row. History failures are
// non-critical; execution proceeds on the in-memory store.
func (e *Engine) appendHistory(j *model.Job) {
	rec := &history.Record{
		ID:        j.ID,
		Owner:     j.Owner,
		N:         j.N,
		Chunks:    j.TotalChunks,
		Status:    j.Status,
		Detail:    j.Detail,
		Cached:    j.Cached,
		CreatedAt: j.CreatedAt,
	}
	if j.Status == model.StatusCompleted {
		rec.Result = j.Result
		rec.StartedAt = j.StartedAt
		rec.FinishedAt = j.FinishedAt
		d := 0
		rec.DurationMS = &d
	}
	if err := e.history.Append(context.Background(), rec); err != nil {
		e.logger.Warn("append job history", "job_id", j.ID, "error", err)
	}
}

// sumRange computes the sum of [start, end), checking for shutdown
// periodically so long chunks abort promptly.
func sumRange(ctx context.Context, start, end int64) (int64, error) {
	var sum int64
	for v := start; v < end; v++ {
		sum += v
		if (v-start)%ctxCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}
		}
	}
	return sum, nil
}
