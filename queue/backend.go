// Package queue defines the durable queue backend abstraction and the
// per-queue rate limiting and concurrency manager applied by the worker
// pool.
package queue

import (
	"context"
	"time"

	"github.com/flumeq/flume/id"
	"github.com/flumeq/flume/job"
)

// Backend is the pluggable durable storage for pending, delayed, and
// reserved jobs. Delivery is at-least-once: a job reserved but never
// deleted or released becomes reservable again once its visibility
// timeout elapses, so duplicate execution is possible and handlers must
// be idempotent or guarded by uniqueness locks.
type Backend interface {
	// Enqueue stores the job as pending under its queue, honouring
	// j.AvailableAt for delayed jobs.
	Enqueue(ctx context.Context, j *job.Job) error

	// Reserve atomically claims the oldest eligible pending job on the
	// queue and hides it for the visibility window. Jobs whose previous
	// reservation has expired are eligible again. Returns (nil, nil) when
	// no job is eligible; the caller should sleep and poll.
	Reserve(ctx context.Context, queue string, visibility time.Duration) (*job.Job, error)

	// Update persists attempt counters and bookkeeping for a reserved job
	// without changing its queue position.
	Update(ctx context.Context, j *job.Job) error

	// Delete permanently removes a reserved job (success path).
	Delete(ctx context.Context, jobID id.JobID) error

	// Release returns a reserved job to pending, visible again after
	// delay (failure/retry path).
	Release(ctx context.Context, j *job.Job, delay time.Duration) error

	// Size returns the approximate number of pending plus reserved jobs
	// on the queue, used for monitoring thresholds.
	Size(ctx context.Context, queue string) (int64, error)
}
