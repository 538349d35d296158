package dlq

import (
	"context"
	"time"

	"github.com/flumeq/flume/id"
)

// ListOpts controls pagination and filtering for failure store queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
}

// Store defines the persistence contract for the failure store. It is
// deliberately independent of queue.Backend so failures can live in a
// different system than the live queue.
type Store interface {
	// RecordFailure adds a failed job entry.
	RecordFailure(ctx context.Context, entry *Entry) error

	// ListFailures returns entries matching the given options, newest
	// first.
	ListFailures(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetFailure retrieves an entry by ID.
	GetFailure(ctx context.Context, entryID id.FailedID) (*Entry, error)

	// MarkRetried stamps RetriedAt on an entry. The re-enqueue itself is
	// handled at the service layer.
	MarkRetried(ctx context.Context, entryID id.FailedID) error

	// ForgetFailure removes a single entry.
	ForgetFailure(ctx context.Context, entryID id.FailedID) error

	// FlushFailures removes entries with FailedAt before the given time,
	// returning the number removed.
	FlushFailures(ctx context.Context, before time.Time) (int64, error)

	// CountFailures returns the total number of entries.
	CountFailures(ctx context.Context) (int64, error)
}
