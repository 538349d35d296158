package dlq

import (
	"time"

	"github.com/flumeq/flume/id"
	"github.com/flumeq/flume/job"
)

// Entry is one failed job: the payload, routing, and retry policy needed
// to re-enqueue it, plus the exception that exhausted it.
type Entry struct {
	ID         id.FailedID `json:"id"`
	JobID      id.JobID    `json:"job_id"`
	JobName    string      `json:"job_name"`
	Connection string      `json:"connection"`
	Queue      string      `json:"queue"`
	Payload    []byte      `json:"payload"`
	Exception  string      `json:"exception"`
	Attempts   int         `json:"attempts"`
	Tries      int         `json:"tries"`

	// Policy fields captured so a retried job keeps behaving like the
	// original dispatch.
	MaxExceptions int             `json:"max_exceptions,omitempty"`
	Timeout       time.Duration   `json:"timeout,omitempty"`
	FailOnTimeout bool            `json:"fail_on_timeout,omitempty"`
	Backoff       []time.Duration `json:"backoff,omitempty"`

	FailedAt  time.Time  `json:"failed_at"`
	RetriedAt *time.Time `json:"retried_at,omitempty"`
}

// newEntry builds an Entry from a terminally failed job.
func newEntry(j *job.Job, jobErr error) *Entry {
	return &Entry{
		ID:            id.NewFailedID(),
		JobID:         j.ID,
		JobName:       j.Name,
		Connection:    j.Connection,
		Queue:         j.Queue,
		Payload:       j.Payload,
		Exception:     jobErr.Error(),
		Attempts:      j.Attempts,
		Tries:         j.Tries,
		MaxExceptions: j.MaxExceptions,
		Timeout:       j.Timeout,
		FailOnTimeout: j.FailOnTimeout,
		Backoff:       j.Backoff,
		FailedAt:      time.Now().UTC(),
	}
}
