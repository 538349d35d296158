// Package job defines the unit of deferred work processed by the engine:
// the Job model and its lifecycle states, per-job options, typed handler
// definitions, and the handler registry.
package job

import (
	"fmt"
	"time"

	"github.com/flumeq/flume"
	"github.com/flumeq/flume/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting (or delayed) in the backend.
	StatePending State = "pending"
	// StateReserved means a worker has claimed the job; it is invisible to
	// other workers until its visibility timeout elapses.
	StateReserved State = "reserved"
	// StateRunning means a handler is currently executing the job.
	StateRunning State = "running"
	// StateCompleted means the job finished successfully and was deleted.
	StateCompleted State = "completed"
	// StateFailed means the job exhausted its retries and was moved to the
	// failure store.
	StateFailed State = "failed"
)

// Job represents a unit of deferred work.
type Job struct {
	flume.Entity

	ID         id.JobID `json:"id"`
	Name       string   `json:"name"`
	Connection string   `json:"connection"`
	Queue      string   `json:"queue"`
	Payload    []byte   `json:"payload"`
	State      State    `json:"state"`

	// Attempt accounting. Attempts counts reservations handed to a
	// handler; Exceptions counts only failures caused by a handler error,
	// not manual releases.
	Attempts      int        `json:"attempts"`
	Tries         int        `json:"tries"`
	MaxExceptions int        `json:"max_exceptions,omitempty"`
	Exceptions    int        `json:"exceptions,omitempty"`
	RetryUntil    *time.Time `json:"retry_until,omitempty"`

	// Execution policy.
	Timeout       time.Duration   `json:"timeout,omitempty"`
	FailOnTimeout bool            `json:"fail_on_timeout,omitempty"`
	Backoff       []time.Duration `json:"backoff,omitempty"`

	// Uniqueness.
	UniqueKey             string        `json:"unique_key,omitempty"`
	UniqueFor             time.Duration `json:"unique_for,omitempty"`
	UniqueUntilProcessing bool          `json:"unique_until_processing,omitempty"`

	// DeleteWhenMissing silently deletes the job, recording no failure,
	// when the handler reports ErrMissingEntity.
	DeleteWhenMissing bool `json:"delete_when_missing,omitempty"`

	// Batch / chain membership.
	BatchID id.BatchID `json:"batch_id,omitempty"`
	ChainID id.ChainID `json:"chain_id,omitempty"`
	Chain   []Link     `json:"chain,omitempty"`

	// Scheduling.
	AvailableAt   time.Time  `json:"available_at"`
	ReservedUntil *time.Time `json:"reserved_until,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// Link is one remaining member of a job chain, dispatched only after the
// preceding link completes successfully. Links inherit the chain's
// connection and queue.
type Link struct {
	Name    string          `json:"name"`
	Payload []byte          `json:"payload"`
	Tries   int             `json:"tries,omitempty"`
	Timeout time.Duration   `json:"timeout,omitempty"`
	Backoff []time.Duration `json:"backoff,omitempty"`
}

// Exhausted reports whether the job has no retries left: its attempt
// budget is spent (Tries > 0), its retry deadline has passed, or its
// exception budget is spent. A job with Tries == 0 retries indefinitely
// and is bounded only by RetryUntil.
func (j *Job) Exhausted(now time.Time) bool {
	if j.Tries > 0 && j.Attempts >= j.Tries {
		return true
	}
	if j.RetryUntil != nil && now.After(*j.RetryUntil) {
		return true
	}
	if j.MaxExceptions > 0 && j.Exceptions >= j.MaxExceptions {
		return true
	}
	return false
}

// UniqueLockKey returns the lock-store key guarding this job's uniqueness,
// or the empty string for non-unique jobs. The key is scoped by job name
// so distinct job types never contend.
func (j *Job) UniqueLockKey() string {
	if j.UniqueKey == "" {
		return ""
	}
	return fmt.Sprintf("unique:%s:%s", j.Name, j.UniqueKey)
}

// NextBackoff returns the delay before attempt number attempt (1-indexed)
// becomes eligible again, indexing into the job's backoff sequence and
// clamping to the last element once the sequence is exhausted. ok is false
// when the job carries no sequence and the caller should fall back to the
// worker's strategy.
func (j *Job) NextBackoff(attempt int) (time.Duration, bool) {
	if len(j.Backoff) == 0 {
		return 0, false
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(j.Backoff) {
		idx = len(j.Backoff) - 1
	}
	return j.Backoff[idx], true
}
