package batch

import (
	"context"
	"time"

	"github.com/flumeq/flume/id"
)

// Store defines the persistence contract for batch metadata. Counter
// mutations are atomic read-modify-write operations: two workers
// reporting outcomes concurrently must never lose an update, and the
// first-failure flag must be handed to exactly one of them.
type Store interface {
	// CreateBatch persists a new batch. A batch created with Total == 0
	// is stored already finished (vacuous completion).
	CreateBatch(ctx context.Context, b *Batch) error

	// GetBatch retrieves a batch by ID.
	GetBatch(ctx context.Context, batchID id.BatchID) (*Batch, error)

	// ReportOutcome atomically decrements pending, increments failed on
	// OutcomeFailure, flips cancelled on the first failure when failures
	// are not allowed, and stamps FinishedAt when pending reaches zero.
	// It returns the updated snapshot and whether this call was the
	// first failure. Reporting on a finished batch returns
	// flume.ErrBatchFinished (programmer error).
	ReportOutcome(ctx context.Context, batchID id.BatchID, outcome Outcome) (*Batch, bool, error)

	// CancelBatch sets cancelled=true (idempotent, monotonic) and returns
	// the updated snapshot. Pending members still drain; cancellation is
	// advisory for running handlers.
	CancelBatch(ctx context.Context, batchID id.BatchID) (*Batch, error)

	// GrowBatch adds n to both total and pending before the new jobs are
	// dispatched, so the batch cannot be observed finished prematurely.
	// Growing a finished batch returns flume.ErrBatchFinished.
	GrowBatch(ctx context.Context, batchID id.BatchID, n int) (*Batch, error)

	// PruneBatches removes batches finished before the given time,
	// returning the number removed.
	PruneBatches(ctx context.Context, finishedBefore time.Time) (int64, error)
}
