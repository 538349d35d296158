package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
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
	"github.com/flumeq/flume/store/memory"
	"github.com/flumeq/flume/worker"
)

const visibility = 90 * time.Second

type fixture struct {
	store    *memory.Store
	registry *job.Registry
	ext      *ext.Registry
	batches  *batch.Coordinator
	failures *dlq.Service
	locks    *lock.Memory
	exec     *worker.Executor
}

func newFixture(mws ...middleware.Middleware) *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	reg := job.NewRegistry()
	exts := ext.NewRegistry(logger)
	coord := batch.NewCoordinator(st, logger)
	fails := dlq.NewService(st, st)
	locks := lock.NewMemory()

	return &fixture{
		store:    st,
		registry: reg,
		ext:      exts,
		batches:  coord,
		failures: fails,
		locks:    locks,
		exec: worker.NewExecutor(
			reg, exts, st, coord, fails, locks,
			backoff.NewConstant(0), logger, mws...,
		),
	}
}

func (f *fixture) handle(name string, handler func(ctx context.Context, payload struct{}) error) {
	job.RegisterDefinition(f.registry, job.NewDefinition(name, handler))
}

func newJob(name string) *job.Job {
	return &job.Job{
		Entity:      flume.NewEntity(),
		ID:          id.NewJobID(),
		Name:        name,
		Connection:  "default",
		Queue:       "default",
		State:       job.StatePending,
		Tries:       3,
		AvailableAt: time.Now().UTC().Add(-time.Second),
	}
}

// reserve enqueues the job and reserves it back, mirroring the pool's path
// to the executor.
func (f *fixture) reserve(t *testing.T, j *job.Job) *job.Job {
	t.Helper()
	ctx := context.Background()
	if err := f.store.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	reserved, err := f.store.Reserve(ctx, j.Queue, visibility)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserved == nil {
		t.Fatal("expected a reservable job")
	}
	return reserved
}

func (f *fixture) queueSize(t *testing.T, queue string) int64 {
	t.Helper()
	n, err := f.store.Size(context.Background(), queue)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	return n
}

func (f *fixture) failureCount(t *testing.T) int64 {
	t.Helper()
	n, err := f.store.CountFailures(context.Background())
	if err != nil {
		t.Fatalf("count failures: %v", err)
	}
	return n
}

func TestExecuteSuccessDeletesJob(t *testing.T) {
	f := newFixture()
	ran := false
	f.handle("send-email", func(_ context.Context, _ struct{}) error {
		ran = true
		return nil
	})

	j := f.reserve(t, newJob("send-email"))
	if err := f.exec.Execute(context.Background(), j); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if !ran {
		t.Fatal("handler never ran")
	}
	if n := f.queueSize(t, "default"); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
	if n := f.failureCount(t); n != 0 {
		t.Fatalf("expected no failure entries, got %d", n)
	}
}

func TestExecuteFailureReleasesForRetry(t *testing.T) {
	f := newFixture()
	f.handle("flaky", func(_ context.Context, _ struct{}) error {
		return errors.New("boom")
	})

	j := f.reserve(t, newJob("flaky"))
	if err := f.exec.Execute(context.Background(), j); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if n := f.queueSize(t, "default"); n != 1 {
		t.Fatalf("expected job back on queue, size %d", n)
	}
	if n := f.failureCount(t); n != 0 {
		t.Fatalf("premature failure entry, got %d", n)
	}

	// Zero backoff: eligible immediately, attempt counter carried over.
	again, err := f.store.Reserve(context.Background(), "default", visibility)
	if err != nil {
		t.Fatalf("re-reserve: %v", err)
	}
	if again == nil {
		t.Fatal("expected the released job to be reservable")
	}
	if again.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", again.Attempts)
	}
}

func TestExecuteExhaustionRecordsFailure(t *testing.T) {
	f := newFixture()
	handlerErr := errors.New("permanent breakage")
	f.handle("doomed", func(_ context.Context, _ struct{}) error {
		return handlerErr
	})

	j := newJob("doomed")
	j.Tries = 1
	j = f.reserve(t, j)
	if err := f.exec.Execute(context.Background(), j); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if n := f.queueSize(t, "default"); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
	if n := f.failureCount(t); n != 1 {
		t.Fatalf("expected 1 failure entry, got %d", n)
	}

	entries, err := f.store.ListFailures(context.Background(), dlq.ListOpts{})
	if err != nil {
		t.Fatalf("list failures: %v", err)
	}
	if entries[0].JobName != "doomed" {
		t.Fatalf("entry job name = %q", entries[0].JobName)
	}
	if entries[0].Exception != handlerErr.Error() {
		t.Fatalf("entry exception = %q", entries[0].Exception)
	}
}

func TestManualReleaseConsumesAttemptNotException(t *testing.T) {
	f := newFixture()
	f.handle("poller", func(_ context.Context, _ struct{}) error {
		return job.Release(0)
	})

	j := newJob("poller")
	j.Tries = 2
	j.MaxExceptions = 1
	j = f.reserve(t, j)

	// First attempt: released, not an exception, so MaxExceptions is not
	// tripped.
	if err := f.exec.Execute(context.Background(), j); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if n := f.failureCount(t); n != 0 {
		t.Fatalf("release wrongly recorded a failure, got %d entries", n)
	}

	// Second (final) attempt releasing again is exhaustion.
	again, err := f.store.Reserve(context.Background(), "default", visibility)
	if err != nil || again == nil {
		t.Fatalf("re-reserve: job=%v err=%v", again, err)
	}
	if err := f.exec.Execute(context.Background(), again); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if n := f.failureCount(t); n != 1 {
		t.Fatalf("expected exhaustion failure entry, got %d", n)
	}
}

func TestMissingEntityDeletesSilently(t *testing.T) {
	f := newFixture()
	f.handle("notify-user", func(_ context.Context, _ struct{}) error {
		return job.ErrMissingEntity
	})

	j := newJob("notify-user")
	j.DeleteWhenMissing = true
	j = f.reserve(t, j)
	if err := f.exec.Execute(context.Background(), j); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if n := f.queueSize(t, "default"); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
	if n := f.failureCount(t); n != 0 {
		t.Fatalf("missing entity wrongly recorded a failure, got %d", n)
	}
}

func TestMissingEntityWithoutOptInRetries(t *testing.T) {
	f := newFixture()
	f.handle("notify-user", func(_ context.Context, _ struct{}) error {
		return job.ErrMissingEntity
	})

	j := f.reserve(t, newJob("notify-user"))
	if err := f.exec.Execute(context.Background(), j); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if n := f.queueSize(t, "default"); n != 1 {
		t.Fatalf("expected a retry on queue, size %d", n)
	}
}

func TestUnregisteredJobFailsTerminally(t *testing.T) {
	f := newFixture()

	j := f.reserve(t, newJob("no-such-job"))
	err := f.exec.Execute(context.Background(), j)
	if !errors.Is(err, flume.ErrNoHandler) {
		t.Fatalf("err = %v, want ErrNoHandler", err)
	}

	if n := f.queueSize(t, "default"); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
	if n := f.failureCount(t); n != 1 {
		t.Fatalf("expected 1 failure entry, got %d", n)
	}
}

func TestPerJobBackoffOverridesStrategy(t *testing.T) {
	f := newFixture()
	f.handle("flaky", func(_ context.Context, _ struct{}) error {
		return errors.New("boom")
	})

	j := newJob("flaky")
	j.Backoff = []time.Duration{time.Hour}
	j = f.reserve(t, j)
	if err := f.exec.Execute(context.Background(), j); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Released an hour out, so nothing is reservable now.
	again, err := f.store.Reserve(context.Background(), "default", visibility)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if again != nil {
		t.Fatalf("job reservable before its backoff elapsed: %+v", again)
	}
	if n := f.queueSize(t, "default"); n != 1 {
		t.Fatalf("expected delayed job on queue, size %d", n)
	}
}

// ──────────────────────────────────────────────────
// Batches
// ──────────────────────────────────────────────────

func (f *fixture) createBatch(t *testing.T, total int, allowFailures bool, cbs batch.Callbacks) *batch.Batch {
	t.Helper()
	b := &batch.Batch{
		Entity:        flume.NewEntity(),
		ID:            id.NewBatchID(),
		Name:          "import",
		Connection:    "default",
		Queue:         "default",
		Total:         total,
		Pending:       total,
		AllowFailures: allowFailures,
	}
	if err := f.batches.Create(context.Background(), b, cbs); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return b
}

func TestBatchFirstFailureFiresCatchAndCancels(t *testing.T) {
	f := newFixture()
	f.handle("ok", func(_ context.Context, _ struct{}) error { return nil })
	f.handle("bad", func(_ context.Context, _ struct{}) error { return errors.New("boom") })

	var caught []error
	var finallyRuns int
	b := f.createBatch(t, 2, false, batch.Callbacks{
		Catch:   func(_ *batch.Batch, err error) { caught = append(caught, err) },
		Finally: func(_ *batch.Batch) { finallyRuns++ },
	})

	bad := newJob("bad")
	bad.Tries = 1
	bad.BatchID = b.ID
	if err := f.exec.Execute(context.Background(), f.reserve(t, bad)); err != nil {
		t.Fatalf("execute bad: %v", err)
	}

	if len(caught) != 1 {
		t.Fatalf("Catch fired %d times, want 1", len(caught))
	}

	cancelled, err := f.batches.Cancelled(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("cancelled: %v", err)
	}
	if !cancelled {
		t.Fatal("first failure did not cancel the batch")
	}

	// The second member now drains as skipped without running.
	ok := newJob("ok")
	ok.BatchID = b.ID
	if err := f.exec.Execute(context.Background(), f.reserve(t, ok)); err != nil {
		t.Fatalf("execute ok: %v", err)
	}

	snap, err := f.batches.Store().GetBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if snap.Pending != 0 {
		t.Fatalf("Pending = %d, want 0", snap.Pending)
	}
	if !snap.Finished() {
		t.Fatal("batch did not finish")
	}
	if finallyRuns != 1 {
		t.Fatalf("Finally fired %d times, want 1", finallyRuns)
	}
}

func TestBatchAllowFailuresRunsEveryMember(t *testing.T) {
	f := newFixture()
	var ran int
	f.handle("bad", func(_ context.Context, _ struct{}) error {
		ran++
		return errors.New("boom")
	})

	var thenRuns int
	b := f.createBatch(t, 2, true, batch.Callbacks{
		Then: func(_ *batch.Batch) { thenRuns++ },
	})

	for range 2 {
		j := newJob("bad")
		j.Tries = 1
		j.BatchID = b.ID
		if err := f.exec.Execute(context.Background(), f.reserve(t, j)); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}

	if ran != 2 {
		t.Fatalf("handler ran %d times, want 2", ran)
	}

	snap, err := f.batches.Store().GetBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if snap.Failed != 2 || snap.Cancelled {
		t.Fatalf("Failed = %d Cancelled = %v, want 2/false", snap.Failed, snap.Cancelled)
	}
	// A tolerant batch still finished "successfully": Then fires.
	if thenRuns != 1 {
		t.Fatalf("Then fired %d times, want 1", thenRuns)
	}
}

// ──────────────────────────────────────────────────
// Chains
// ──────────────────────────────────────────────────

func TestChainAdvancesOnSuccess(t *testing.T) {
	f := newFixture()
	var order []string
	f.handle("first", func(_ context.Context, _ struct{}) error {
		order = append(order, "first")
		return nil
	})
	f.handle("second", func(_ context.Context, _ struct{}) error {
		order = append(order, "second")
		return nil
	})

	head := newJob("first")
	head.ChainID = id.NewChainID()
	head.Chain = []job.Link{{Name: "second", Tries: 5}}

	if err := f.exec.Execute(context.Background(), f.reserve(t, head)); err != nil {
		t.Fatalf("execute head: %v", err)
	}

	next, err := f.store.Reserve(context.Background(), "default", visibility)
	if err != nil {
		t.Fatalf("reserve next link: %v", err)
	}
	if next == nil {
		t.Fatal("next chain link was not dispatched")
	}
	if next.Name != "second" {
		t.Fatalf("next link name = %q, want %q", next.Name, "second")
	}
	if next.Tries != 5 {
		t.Fatalf("next link Tries = %d, want 5", next.Tries)
	}
	if next.ChainID != head.ChainID {
		t.Fatal("chain ID not inherited")
	}
	if len(next.Chain) != 0 {
		t.Fatalf("remaining chain = %d links, want 0", len(next.Chain))
	}

	if err := f.exec.Execute(context.Background(), next); err != nil {
		t.Fatalf("execute next: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("execution order = %v", order)
	}
}

func TestChainLinkCarriesRegisteredDefaults(t *testing.T) {
	f := newFixture()
	f.handle("first", func(_ context.Context, _ struct{}) error { return nil })
	job.RegisterDefinition(f.registry, job.NewDefinition("cleanup",
		func(_ context.Context, _ struct{}) error { return job.ErrMissingEntity },
		job.WithDeleteWhenMissing(),
		job.WithFailOnTimeout(),
		job.WithMaxExceptions(2),
	))

	head := newJob("first")
	head.ChainID = id.NewChainID()
	head.Chain = []job.Link{{Name: "cleanup"}}

	if err := f.exec.Execute(context.Background(), f.reserve(t, head)); err != nil {
		t.Fatalf("execute head: %v", err)
	}

	next, err := f.store.Reserve(context.Background(), "default", visibility)
	if err != nil {
		t.Fatalf("reserve next link: %v", err)
	}
	if next == nil {
		t.Fatal("next chain link was not dispatched")
	}
	if !next.DeleteWhenMissing {
		t.Fatal("link dropped its registered DeleteWhenMissing")
	}
	if !next.FailOnTimeout {
		t.Fatal("link dropped its registered FailOnTimeout")
	}
	if next.MaxExceptions != 2 {
		t.Fatalf("link MaxExceptions = %d, want 2", next.MaxExceptions)
	}

	// The missing-entity return settles silently, as it would when the
	// same job type is dispatched directly.
	if err := f.exec.Execute(context.Background(), next); err != nil {
		t.Fatalf("execute link: %v", err)
	}
	if n := f.failureCount(t); n != 0 {
		t.Fatalf("failure entries = %d, want 0", n)
	}
	if n := f.queueSize(t, "default"); n != 0 {
		t.Fatalf("queue size = %d, want 0", n)
	}
}

func TestChainHaltsOnFailureAndDrainsBatch(t *testing.T) {
	f := newFixture()
	f.handle("bad", func(_ context.Context, _ struct{}) error {
		return errors.New("boom")
	})
	laterRan := false
	f.handle("later", func(_ context.Context, _ struct{}) error {
		laterRan = true
		return nil
	})

	var chainErrs []error
	b := f.createBatch(t, 3, true, batch.Callbacks{})
	chainID := id.NewChainID()
	f.batches.RegisterChainCatch(chainID, func(err error) {
		chainErrs = append(chainErrs, err)
	})

	head := newJob("bad")
	head.Tries = 1
	head.BatchID = b.ID
	head.ChainID = chainID
	head.Chain = []job.Link{{Name: "later"}, {Name: "later"}}

	if err := f.exec.Execute(context.Background(), f.reserve(t, head)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if laterRan {
		t.Fatal("halted chain link ran anyway")
	}
	if len(chainErrs) != 1 {
		t.Fatalf("chain catch fired %d times, want 1", len(chainErrs))
	}
	if n := f.queueSize(t, "default"); n != 0 {
		t.Fatalf("halted links left on queue, size %d", n)
	}

	// The two never-run links drained as skipped so the batch finished.
	snap, err := f.batches.Store().GetBatch(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if snap.Pending != 0 || snap.Failed != 1 {
		t.Fatalf("Pending = %d Failed = %d, want 0/1", snap.Pending, snap.Failed)
	}
	if !snap.Finished() {
		t.Fatal("batch did not finish")
	}
}

// ──────────────────────────────────────────────────
// Uniqueness
// ──────────────────────────────────────────────────

func TestUniqueLockReleasedOnCompletion(t *testing.T) {
	f := newFixture()
	f.handle("report", func(_ context.Context, _ struct{}) error { return nil })

	j := newJob("report")
	j.UniqueKey = "acct-42"
	ctx := context.Background()

	// Dispatch would have taken the lock for this job.
	ok, err := f.locks.AcquireLock(ctx, j.UniqueLockKey(), j.ID.String(), time.Hour)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	if err := f.exec.Execute(ctx, f.reserve(t, j)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// The key is free again for the next dispatch.
	ok, err = f.locks.AcquireLock(ctx, j.UniqueLockKey(), "someone-else", time.Hour)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if !ok {
		t.Fatal("uniqueness lock still held after completion")
	}
}

func TestUniqueUntilProcessingReleasesBeforeHandler(t *testing.T) {
	f := newFixture()
	var acquiredDuringRun bool
	var mu sync.Mutex

	j := newJob("report")
	j.UniqueKey = "acct-42"
	j.UniqueUntilProcessing = true

	f.handle("report", func(ctx context.Context, _ struct{}) error {
		ok, err := f.locks.AcquireLock(ctx, j.UniqueLockKey(), "next-dispatch", time.Hour)
		mu.Lock()
		acquiredDuringRun = ok && err == nil
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	ok, err := f.locks.AcquireLock(ctx, j.UniqueLockKey(), j.ID.String(), time.Hour)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	if err := f.exec.Execute(ctx, f.reserve(t, j)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !acquiredDuringRun {
		t.Fatal("lock was still held while the handler ran")
	}
}

// ──────────────────────────────────────────────────
// Coroutine integration
// ──────────────────────────────────────────────────

func TestHandlerPanicIsRetried(t *testing.T) {
	f := newFixture(middleware.Recover(slog.New(slog.NewTextHandler(io.Discard, nil))))
	f.handle("panicky", func(_ context.Context, _ struct{}) error {
		panic("kaboom")
	})

	j := f.reserve(t, newJob("panicky"))
	if err := f.exec.Execute(context.Background(), j); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if n := f.queueSize(t, "default"); n != 1 {
		t.Fatalf("expected panicked job back on queue, size %d", n)
	}
}

func TestTaskDefersRunOnTimeout(t *testing.T) {
	f := newFixture(middleware.Timeout(slog.New(slog.NewTextHandler(io.Discard, nil))))

	deferRan := make(chan struct{})
	f.handle("slow", func(ctx context.Context, _ struct{}) error {
		coro.Defer(ctx, func() { close(deferRan) })
		<-ctx.Done()
		return ctx.Err()
	})

	j := newJob("slow")
	j.Timeout = 10 * time.Millisecond
	j.Tries = 1
	j.FailOnTimeout = true
	j = f.reserve(t, j)

	if err := f.exec.Execute(context.Background(), j); err != nil {
		t.Fatalf("execute: %v", err)
	}

	select {
	case <-deferRan:
	case <-time.After(time.Second):
		t.Fatal("task defer never ran after timeout")
	}

	if n := f.failureCount(t); n != 1 {
		t.Fatalf("FailOnTimeout did not record a failure, entries = %d", n)
	}
}
