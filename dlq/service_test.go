package dlq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flumeq/flume"
	"github.com/flumeq/flume/dlq"
	"github.com/flumeq/flume/id"
	"github.com/flumeq/flume/job"
	"github.com/flumeq/flume/store/memory"
)

type captureEnqueuer struct {
	jobs []*job.Job
	err  error
}

func (c *captureEnqueuer) Enqueue(_ context.Context, j *job.Job) error {
	if c.err != nil {
		return c.err
	}
	c.jobs = append(c.jobs, j)
	return nil
}

func failedJob() *job.Job {
	return &job.Job{
		Entity:     flume.NewEntity(),
		ID:         id.NewJobID(),
		Name:       "mail.send",
		Connection: "default",
		Queue:      "mail",
		Payload:    []byte(`{"to":"ops@example.com"}`),
		Attempts:   3,
		Tries:      3,
	}
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	svc := dlq.NewService(memory.New(), &captureEnqueuer{})

	j := failedJob()
	if err := svc.Record(ctx, j, errors.New("smtp: connection refused")); err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := svc.Store().ListFailures(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.JobID != j.ID || e.JobName != "mail.send" || e.Queue != "mail" {
		t.Fatalf("entry does not mirror the job: %+v", e)
	}
	if e.Exception != "smtp: connection refused" {
		t.Fatalf("exception = %q", e.Exception)
	}
	if e.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", e.Attempts)
	}
}

func TestRetryReEnqueuesFresh(t *testing.T) {
	ctx := context.Background()
	enq := &captureEnqueuer{}
	svc := dlq.NewService(memory.New(), enq)

	orig := failedJob()
	if err := svc.Record(ctx, orig, errors.New("boom")); err != nil {
		t.Fatalf("record: %v", err)
	}
	entries, _ := svc.Store().ListFailures(ctx, dlq.ListOpts{})

	retried, err := svc.Retry(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.ID == orig.ID {
		t.Fatal("retried job must get a fresh ID")
	}
	if retried.Attempts != 0 {
		t.Fatal("retried job must start with a clean attempt budget")
	}
	if retried.Queue != orig.Queue || retried.Name != orig.Name {
		t.Fatalf("routing lost on retry: %+v", retried)
	}
	if len(enq.jobs) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(enq.jobs))
	}

	e, _ := svc.Store().GetFailure(ctx, entries[0].ID)
	if e.RetriedAt == nil {
		t.Fatal("entry must be stamped retried")
	}
}

func TestRetryPreservesRetryPolicy(t *testing.T) {
	ctx := context.Background()
	enq := &captureEnqueuer{}
	svc := dlq.NewService(memory.New(), enq)

	orig := failedJob()
	orig.MaxExceptions = 2
	orig.Timeout = 45 * time.Second
	orig.FailOnTimeout = true
	orig.Backoff = []time.Duration{time.Second, 5 * time.Second}
	if err := svc.Record(ctx, orig, errors.New("boom")); err != nil {
		t.Fatalf("record: %v", err)
	}
	entries, _ := svc.Store().ListFailures(ctx, dlq.ListOpts{})

	retried, err := svc.Retry(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.MaxExceptions != 2 {
		t.Fatalf("max exceptions = %d, want 2", retried.MaxExceptions)
	}
	if retried.Timeout != 45*time.Second {
		t.Fatalf("timeout = %v, want 45s", retried.Timeout)
	}
	if !retried.FailOnTimeout {
		t.Fatal("fail-on-timeout lost on retry")
	}
	if len(retried.Backoff) != 2 || retried.Backoff[1] != 5*time.Second {
		t.Fatalf("backoff lost on retry: %v", retried.Backoff)
	}
}

func TestRetryAllSkipsAlreadyRetried(t *testing.T) {
	ctx := context.Background()
	enq := &captureEnqueuer{}
	svc := dlq.NewService(memory.New(), enq)

	for range 3 {
		if err := svc.Record(ctx, failedJob(), errors.New("boom")); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	entries, _ := svc.Store().ListFailures(ctx, dlq.ListOpts{})
	if _, err := svc.Retry(ctx, entries[0].ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	n, err := svc.RetryAll(ctx)
	if err != nil {
		t.Fatalf("retry all: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 retried, got %d", n)
	}
	if len(enq.jobs) != 3 {
		t.Fatalf("expected 3 total enqueues, got %d", len(enq.jobs))
	}
}

func TestRetryEnqueueFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	enq := &captureEnqueuer{err: errors.New("backend down")}
	svc := dlq.NewService(memory.New(), enq)

	if err := svc.Record(ctx, failedJob(), errors.New("boom")); err != nil {
		t.Fatalf("record: %v", err)
	}
	entries, _ := svc.Store().ListFailures(ctx, dlq.ListOpts{})

	if _, err := svc.Retry(ctx, entries[0].ID); err == nil {
		t.Fatal("enqueue failure must surface")
	}
	// The entry must not be stamped retried.
	e, _ := svc.Store().GetFailure(ctx, entries[0].ID)
	if e.RetriedAt != nil {
		t.Fatal("failed retry must leave the entry unretried")
	}
}

func TestForgetAndFlush(t *testing.T) {
	ctx := context.Background()
	svc := dlq.NewService(memory.New(), &captureEnqueuer{})

	for range 2 {
		if err := svc.Record(ctx, failedJob(), errors.New("boom")); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	entries, _ := svc.Store().ListFailures(ctx, dlq.ListOpts{})

	if err := svc.Forget(ctx, entries[0].ID); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if err := svc.Forget(ctx, entries[0].ID); !errors.Is(err, flume.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}

	// Zero age flushes everything recorded so far.
	time.Sleep(time.Millisecond)
	n, err := svc.Flush(ctx, 0)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 flushed, got %d", n)
	}
	if total, _ := svc.Store().CountFailures(ctx); total != 0 {
		t.Fatalf("expected empty store, got %d", total)
	}
}
