package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/flumeq/flume"
	"github.com/flumeq/flume/id"
	"github.com/flumeq/flume/job"
)

// Enqueuer puts a job back on its queue. queue.Backend satisfies it; the
// engine injects a wrapper that routes on the entry's connection.
type Enqueuer interface {
	Enqueue(ctx context.Context, j *job.Job) error
}

// Service provides the operator-facing failure store operations over a
// Store: record, retry, forget, flush.
type Service struct {
	store    Store
	enqueuer Enqueuer
}

// NewService creates a failure store service.
func NewService(store Store, enqueuer Enqueuer) *Service {
	return &Service{store: store, enqueuer: enqueuer}
}

// Record persists a terminally failed job.
func (s *Service) Record(ctx context.Context, j *job.Job, jobErr error) error {
	return s.store.RecordFailure(ctx, newEntry(j, jobErr))
}

// Retry re-enqueues a failed entry as a fresh pending job with reset
// attempt counters but the original retry policy, then stamps the entry
// as retried.
func (s *Service) Retry(ctx context.Context, entryID id.FailedID) (*job.Job, error) {
	entry, err := s.store.GetFailure(ctx, entryID)
	if err != nil {
		return nil, err
	}

	j := &job.Job{
		Entity:        flume.NewEntity(),
		ID:            id.NewJobID(),
		Name:          entry.JobName,
		Connection:    entry.Connection,
		Queue:         entry.Queue,
		Payload:       entry.Payload,
		State:         job.StatePending,
		Tries:         entry.Tries,
		MaxExceptions: entry.MaxExceptions,
		Timeout:       entry.Timeout,
		FailOnTimeout: entry.FailOnTimeout,
		Backoff:       entry.Backoff,
		AvailableAt:   time.Now().UTC(),
	}

	if err := s.enqueuer.Enqueue(ctx, j); err != nil {
		return nil, fmt.Errorf("dlq: re-enqueue entry %s: %w", entryID, err)
	}

	if err := s.store.MarkRetried(ctx, entryID); err != nil {
		// The job is already enqueued; surface the bookkeeping error but
		// hand the job back.
		return j, err
	}
	return j, nil
}

// RetryAll re-enqueues every entry not yet retried, returning how many
// jobs were dispatched. Entries that fail to re-enqueue stop the sweep.
func (s *Service) RetryAll(ctx context.Context) (int, error) {
	entries, err := s.store.ListFailures(ctx, ListOpts{})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, entry := range entries {
		if entry.RetriedAt != nil {
			continue
		}
		if _, err := s.Retry(ctx, entry.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Forget permanently removes one entry.
func (s *Service) Forget(ctx context.Context, entryID id.FailedID) error {
	return s.store.ForgetFailure(ctx, entryID)
}

// Flush removes entries older than the given age. A zero age removes
// everything.
func (s *Service) Flush(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.store.FlushFailures(ctx, time.Now().UTC().Add(-olderThan))
}

// Store returns the underlying failure store for direct list/get/count
// access.
func (s *Service) Store() Store { return s.store }
