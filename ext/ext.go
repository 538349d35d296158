// Package ext defines the extension system for Flume.
// Extensions are notified of lifecycle events (job enqueued, completed,
// failed, etc.) and can react to them — logging, metrics, alerting, etc.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/flumeq/flume/batch"
	"github.com/flumeq/flume/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobReleased is called when a job fails or is released and will be
// retried after the given delay.
type JobReleased interface {
	OnJobReleased(ctx context.Context, j *job.Job, delay time.Duration) error
}

// JobFailed is called when a job fails terminally (no more retries) and
// is recorded in the failure store.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// ──────────────────────────────────────────────────
// Batch lifecycle hooks
// ──────────────────────────────────────────────────

// BatchFinished is called when the last member of a batch reports its
// outcome.
type BatchFinished interface {
	OnBatchFinished(ctx context.Context, b *batch.Batch) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// QueueOverflow is called by the queue monitor when a queue's depth
// crosses its configured threshold.
type QueueOverflow interface {
	OnQueueOverflow(ctx context.Context, connection, queue string, size int64) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
