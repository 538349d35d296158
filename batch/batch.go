// Package batch tracks groups of jobs dispatched together: aggregate
// completion and failure counts, lifecycle callbacks, cancellation,
// dynamic growth, and chain failure handling.
package batch

import (
	"time"

	"github.com/flumeq/flume"
	"github.com/flumeq/flume/id"
	"github.com/flumeq/flume/job"
)

// Batch is the persisted aggregate state of a job group. Counter updates
// happen atomically in the Store; the invariant Pending + Processed ==
// Total holds at every observable instant.
type Batch struct {
	flume.Entity

	ID         id.BatchID `json:"id"`
	Name       string     `json:"name"`
	Connection string     `json:"connection"`
	Queue      string     `json:"queue"`

	Total   int `json:"total"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`

	// Cancelled is monotonic: once true it never reverts.
	Cancelled     bool `json:"cancelled"`
	AllowFailures bool `json:"allow_failures"`

	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Processed returns the number of jobs that have reported an outcome.
func (b *Batch) Processed() int { return b.Total - b.Pending }

// Succeeded returns the number of processed jobs that did not fail.
// Skipped members of a cancelled batch count here; they are processed
// without failing.
func (b *Batch) Succeeded() int { return b.Total - b.Pending - b.Failed }

// Finished reports whether the batch has reached its terminal state:
// every member has reported an outcome.
func (b *Batch) Finished() bool { return b.FinishedAt != nil }

// Outcome classifies one member job's terminal report.
type Outcome int

const (
	// OutcomeSuccess is a member that completed normally.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure is a member that failed permanently.
	OutcomeFailure
	// OutcomeSkipped is a member drained without running (cancelled batch,
	// halted chain remainder, or a missing-entity delete).
	OutcomeSkipped
)

// Spec describes a batch to be created. Items holds the member jobs; an
// item with multiple links is a chain whose links run sequentially, and
// every link counts toward the batch total.
type Spec struct {
	Name          string
	Connection    string
	Queue         string
	AllowFailures bool
	Items         []Item
}

// Item is one batch member: a single job (one link) or a chain.
type Item struct {
	Links []job.Link
}

// TotalJobs returns the flattened job count, including chain members.
func (s *Spec) TotalJobs() int {
	n := 0
	for _, it := range s.Items {
		n += len(it.Links)
	}
	return n
}
