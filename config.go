package flume

import (
	"fmt"
	"time"
)

// Config holds the operator-facing worker configuration.
type Config struct {
	// Connection is the name of the queue backend this worker drains.
	Connection string

	// Queues is the list of queues to poll, in priority order. The worker
	// always tries the leftmost queue first.
	Queues []string

	// Concurrency is the maximum number of jobs processed concurrently by
	// one worker process.
	Concurrency int

	// Tries is the default attempt budget for jobs that do not set their
	// own. Zero means unlimited, bounded only by a job's RetryUntil.
	Tries int

	// Backoff is the default fixed delay before a failed job becomes
	// eligible again, used when the job carries no backoff sequence and the
	// pool has no strategy configured.
	Backoff time.Duration

	// Timeout is the default per-job execution deadline. It must be
	// strictly less than RetryAfter or the same job can run twice.
	Timeout time.Duration

	// RetryAfter is the visibility timeout: how long a reserved job stays
	// hidden before it becomes reservable again.
	RetryAfter time.Duration

	// Sleep is how long a worker sleeps when every queue is empty.
	Sleep time.Duration

	// MaxJobs stops the worker gracefully after processing this many jobs.
	// Zero means no limit.
	MaxJobs int

	// MaxTime stops the worker gracefully after it has been running this
	// long. Zero means no limit.
	MaxTime time.Duration

	// StopWhenEmpty stops the worker once all queues are drained.
	StopWhenEmpty bool

	// Once processes at most a single job and then stops.
	Once bool

	// MonitorInterval is how often queue sizes are checked for the
	// overflow event. Zero disables monitoring.
	MonitorInterval time.Duration

	// MonitorThreshold is the pending+reserved size above which a queue
	// overflow event is emitted.
	MonitorThreshold int64

	// ShutdownTimeout is the maximum time to wait for in-flight jobs
	// during graceful shutdown before their contexts are cancelled.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Connection:       "default",
		Queues:           []string{"default"},
		Concurrency:      10,
		Tries:            3,
		Backoff:          3 * time.Second,
		Timeout:          60 * time.Second,
		RetryAfter:       90 * time.Second,
		Sleep:            time.Second,
		MonitorThreshold: 1000,
		ShutdownTimeout:  30 * time.Second,
	}
}

// Validate checks invariants that cannot be enforced at runtime. In
// particular Timeout must be strictly less than RetryAfter: a job whose
// handler is still running when its reservation expires would be handed to
// a second worker.
func (c Config) Validate() error {
	if len(c.Queues) == 0 {
		return fmt.Errorf("%w: at least one queue is required", ErrInvalidConfig)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive, got %d", ErrInvalidConfig, c.Concurrency)
	}
	if c.RetryAfter <= 0 {
		return fmt.Errorf("%w: retry_after must be positive, got %s", ErrInvalidConfig, c.RetryAfter)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidConfig, c.Timeout)
	}
	if c.Timeout >= c.RetryAfter {
		return fmt.Errorf("%w: timeout (%s) must be strictly less than retry_after (%s) to avoid double execution",
			ErrInvalidConfig, c.Timeout, c.RetryAfter)
	}
	if c.Tries < 0 {
		return fmt.Errorf("%w: tries must not be negative, got %d", ErrInvalidConfig, c.Tries)
	}
	return nil
}
