// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware, and a Pool that
// manages concurrent worker goroutines polling for jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flumeq/flume"
	"github.com/flumeq/flume/backoff"
	"github.com/flumeq/flume/batch"
	"github.com/flumeq/flume/coro"
	"github.com/flumeq/flume/dlq"
	"github.com/flumeq/flume/ext"
	"github.com/flumeq/flume/id"
	"github.com/flumeq/flume/job"
	"github.com/flumeq/flume/lock"
	"github.com/flumeq/flume/middleware"
	"github.com/flumeq/flume/queue"
)

// uniqueLockTTL bounds a uniqueness lock with no explicit UniqueFor, so a
// crashed worker cannot block a key forever.
const uniqueLockTTL = 24 * time.Hour

// Executor runs a single reserved job through middleware and the
// registered handler, then settles the outcome: delete on success,
// release with backoff on a retryable failure, failure store plus batch
// and chain bookkeeping on a terminal one.
type Executor struct {
	registry   *job.Registry
	extensions *ext.Registry
	backend    queue.Backend
	batches    *batch.Coordinator
	failures   *dlq.Service
	locks      lock.Store
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	extensions *ext.Registry,
	backend queue.Backend,
	batches *batch.Coordinator,
	failures *dlq.Service,
	locks lock.Store,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:   registry,
		extensions: extensions,
		backend:    backend,
		batches:    batches,
		failures:   failures,
		locks:      locks,
		backoff:    bo,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute runs a reserved job to its settled outcome. The returned error
// reports executor-level problems (store failures, missing handler); a
// handler error that was settled by a release or a failure-store record
// returns nil.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Name)
	if !ok {
		// No retry can fix an unregistered name.
		return e.failJob(ctx, j, fmt.Errorf("%w: %s", flume.ErrNoHandler, j.Name))
	}

	// Members of a cancelled batch drain without running.
	if e.memberOfCancelledBatch(ctx, j) {
		return e.skipJob(ctx, j)
	}

	j.Attempts++
	j.State = job.StateRunning
	if err := e.backend.Update(ctx, j); err != nil {
		return fmt.Errorf("worker: mark running: %w", err)
	}

	// A job unique only until processing frees its key as soon as the
	// handler starts, allowing the next duplicate to be dispatched.
	if j.UniqueUntilProcessing {
		e.releaseUniqueLock(ctx, j)
	}

	e.extensions.EmitJobStarted(ctx, j)

	start := time.Now()
	err := e.runHandler(ctx, j, handler)
	elapsed := time.Since(start)

	if err != nil {
		return e.handleFailure(ctx, j, err)
	}
	return e.handleSuccess(ctx, j, elapsed)
}

// runHandler invokes the handler inside a spawned task, through the
// middleware chain. The task carries the job so handlers can use
// task-scoped values and defers; defers run even when the surrounding
// context is cancelled by a timeout.
func (e *Executor) runHandler(ctx context.Context, j *job.Job, handler job.HandlerFunc) error {
	ctx = job.NewContext(ctx, j)
	terminal := func(ctx context.Context) error {
		task := coro.Spawn(ctx, func(ctx context.Context) error {
			return handler(ctx, j.Payload)
		})
		return task.Wait(ctx)
	}
	return e.mw(ctx, j, terminal)
}

// ──────────────────────────────────────────────────
// Success path
// ──────────────────────────────────────────────────

func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	if err := e.backend.Delete(ctx, j.ID); err != nil {
		e.logger.Error("failed to delete job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("error", err.Error()),
		)
		return err
	}
	j.State = job.StateCompleted

	if !j.UniqueUntilProcessing {
		e.releaseUniqueLock(ctx, j)
	}

	e.reportBatch(ctx, j.BatchID, batch.OutcomeSuccess, nil)
	e.advanceChain(ctx, j)

	e.extensions.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

// advanceChain dispatches the next link of the job's chain, if any.
func (e *Executor) advanceChain(ctx context.Context, j *job.Job) {
	if len(j.Chain) == 0 {
		return
	}

	next := buildChainLink(j, e.registry)
	if err := e.backend.Enqueue(ctx, next); err != nil {
		e.logger.Error("failed to dispatch next chain link",
			slog.String("chain_id", j.ChainID.String()),
			slog.String("job_name", next.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	e.extensions.EmitJobEnqueued(ctx, next)
}

// buildChainLink turns the head of j's remaining chain into a dispatchable
// job carrying the rest of the chain. The link's registered defaults apply
// first and its own overrides layer on top, the same merge a direct
// dispatch gets, so a job type behaves identically as a link. Routing is
// inherited from the predecessor, not the defaults: the chain stays on its
// connection and queue.
func buildChainLink(j *job.Job, registry *job.Registry) *job.Job {
	link := j.Chain[0]
	defaults := registry.Defaults(link.Name)

	next := &job.Job{
		Entity:            flume.NewEntity(),
		ID:                id.NewJobID(),
		Name:              link.Name,
		Connection:        j.Connection,
		Queue:             j.Queue,
		Payload:           link.Payload,
		State:             job.StatePending,
		Tries:             defaults.Tries,
		MaxExceptions:     defaults.MaxExceptions,
		Timeout:           defaults.Timeout,
		FailOnTimeout:     defaults.FailOnTimeout,
		Backoff:           defaults.Backoff,
		DeleteWhenMissing: defaults.DeleteWhenMissing,
		BatchID:           j.BatchID,
		ChainID:           j.ChainID,
		Chain:             j.Chain[1:],
		AvailableAt:       time.Now().UTC(),
	}
	if !defaults.RetryUntil.IsZero() {
		retryUntil := defaults.RetryUntil
		next.RetryUntil = &retryUntil
	}
	if link.Tries > 0 {
		next.Tries = link.Tries
	}
	if link.Timeout > 0 {
		next.Timeout = link.Timeout
	}
	if len(link.Backoff) > 0 {
		next.Backoff = link.Backoff
	}
	return next
}

// ──────────────────────────────────────────────────
// Failure path
// ──────────────────────────────────────────────────

func (e *Executor) handleFailure(ctx context.Context, j *job.Job, handlerErr error) error {
	now := time.Now().UTC()
	j.LastError = handlerErr.Error()

	// Manual release: consumes an attempt, never an exception.
	if re, ok := job.AsRelease(handlerErr); ok {
		if j.Exhausted(now) {
			return e.failJob(ctx, j, fmt.Errorf("worker: job %s released after final attempt: %w", j.Name, handlerErr))
		}
		return e.releaseJob(ctx, j, re.Delay)
	}

	// The entity this job references is gone; nothing to retry.
	if errors.Is(handlerErr, job.ErrMissingEntity) && j.DeleteWhenMissing {
		return e.skipJob(ctx, j)
	}

	// A timeout fails outright only when the job opts in.
	if errors.Is(handlerErr, context.DeadlineExceeded) && j.FailOnTimeout {
		return e.failJob(ctx, j, handlerErr)
	}

	j.Exceptions++
	if j.Exhausted(now) {
		return e.failJob(ctx, j, handlerErr)
	}

	delay, ok := j.NextBackoff(j.Attempts)
	if !ok {
		delay = e.backoff.Delay(j.Attempts)
	}
	return e.releaseJob(ctx, j, delay)
}

// releaseJob puts the job back on the queue, visible after delay.
func (e *Executor) releaseJob(ctx context.Context, j *job.Job, delay time.Duration) error {
	if err := e.backend.Release(ctx, j, delay); err != nil {
		e.logger.Error("failed to release job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.extensions.EmitJobReleased(ctx, j, delay)

	e.logger.Info("job released for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("attempt", j.Attempts),
		slog.Int("tries", j.Tries),
		slog.Duration("delay", delay),
	)
	return nil
}

// failJob settles a terminal failure: the job is removed from the queue,
// recorded in the failure store, and its batch and chain are informed.
func (e *Executor) failJob(ctx context.Context, j *job.Job, jobErr error) error {
	if err := e.backend.Delete(ctx, j.ID); err != nil && !errors.Is(err, flume.ErrJobNotFound) {
		e.logger.Error("failed to delete job after terminal failure",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	j.State = job.StateFailed

	e.releaseUniqueLock(ctx, j)

	if e.failures != nil {
		if recordErr := e.failures.Record(ctx, j, jobErr); recordErr != nil {
			e.logger.Error("failed to record job in failure store",
				slog.String("job_id", j.ID.String()),
				slog.String("error", recordErr.Error()),
			)
		}
	}

	// The failed member reports a failure; the chain remainder that will
	// never run drains as skipped so the batch still finishes.
	e.reportBatch(ctx, j.BatchID, batch.OutcomeFailure, jobErr)
	e.drainChainAsSkipped(ctx, j)
	if !j.ChainID.IsNil() && e.batches != nil {
		e.batches.ReportChainFailure(j.ChainID, jobErr)
	}

	e.extensions.EmitJobFailed(ctx, j, jobErr)

	e.logger.Warn("job failed terminally",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("attempts", j.Attempts),
		slog.String("error", jobErr.Error()),
	)
	return nil
}

// skipJob settles a job that must not run: a cancelled batch member or a
// missing-entity delete. The job is removed without recording a failure.
func (e *Executor) skipJob(ctx context.Context, j *job.Job) error {
	if err := e.backend.Delete(ctx, j.ID); err != nil && !errors.Is(err, flume.ErrJobNotFound) {
		e.logger.Error("failed to delete skipped job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.releaseUniqueLock(ctx, j)
	e.reportBatch(ctx, j.BatchID, batch.OutcomeSkipped, nil)
	e.drainChainAsSkipped(ctx, j)
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (e *Executor) memberOfCancelledBatch(ctx context.Context, j *job.Job) bool {
	if j.BatchID.IsNil() || e.batches == nil {
		return false
	}
	cancelled, err := e.batches.Cancelled(ctx, j.BatchID)
	if err != nil {
		e.logger.Warn("failed to check batch cancellation",
			slog.String("batch_id", j.BatchID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return cancelled
}

// reportBatch applies one member outcome and emits BatchFinished when the
// last member has reported.
func (e *Executor) reportBatch(ctx context.Context, batchID id.BatchID, outcome batch.Outcome, jobErr error) {
	if batchID.IsNil() || e.batches == nil {
		return
	}
	b, err := e.batches.ReportOutcome(ctx, batchID, outcome, jobErr)
	if err != nil {
		e.logger.Error("failed to report batch outcome",
			slog.String("batch_id", batchID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if b.Finished() {
		e.extensions.EmitBatchFinished(ctx, b)
	}
}

// drainChainAsSkipped reports every never-to-run remaining chain link to
// the batch, so pending still reaches zero.
func (e *Executor) drainChainAsSkipped(ctx context.Context, j *job.Job) {
	if j.BatchID.IsNil() {
		return
	}
	for range j.Chain {
		e.reportBatch(ctx, j.BatchID, batch.OutcomeSkipped, nil)
	}
}

func (e *Executor) releaseUniqueLock(ctx context.Context, j *job.Job) {
	key := j.UniqueLockKey()
	if key == "" || e.locks == nil {
		return
	}
	if err := e.locks.ReleaseLock(ctx, key, j.ID.String()); err != nil {
		e.logger.Warn("failed to release uniqueness lock",
			slog.String("job_id", j.ID.String()),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// UniqueLockTTL returns the lock lifetime for a unique job: UniqueFor
// when set, a generous fallback otherwise.
func UniqueLockTTL(j *job.Job) time.Duration {
	if j.UniqueFor > 0 {
		return j.UniqueFor
	}
	return uniqueLockTTL
}
