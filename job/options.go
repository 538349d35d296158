package job

import "time"

// Options configures per-job behavior: routing, retry policy, timeouts,
// and uniqueness.
type Options struct {
	// Connection is the named queue backend the job is enqueued on.
	Connection string

	// Queue is the queue name within the connection.
	Queue string

	// Tries is the maximum number of attempts. Zero means unlimited,
	// bounded only by RetryUntil.
	Tries int

	// MaxExceptions caps failures caused by handler errors; manual
	// releases do not count. Zero disables the cap.
	MaxExceptions int

	// RetryUntil is the wall-clock deadline after which the job is no
	// longer retried. Zero means no deadline.
	RetryUntil time.Time

	// Timeout is the per-job execution deadline. Zero falls back to the
	// worker default.
	Timeout time.Duration

	// FailOnTimeout sends a timed-out job to the failure store instead of
	// releasing it for retry.
	FailOnTimeout bool

	// Backoff is an ordered per-attempt delay sequence; the last element
	// repeats once the sequence is exhausted. Empty falls back to the
	// worker's strategy.
	Backoff []time.Duration

	// Delay postpones the job's first availability.
	Delay time.Duration

	// UniqueKey suppresses dispatch while an identically keyed job is
	// outstanding. UniqueFor bounds the suppression window. By default the
	// uniqueness lock is held until the job completes or fails
	// permanently; UniqueUntilProcessing releases it as execution begins.
	UniqueKey             string
	UniqueFor             time.Duration
	UniqueUntilProcessing bool

	// DeleteWhenMissing silently deletes the job when its referenced
	// entity is gone (handler returns ErrMissingEntity).
	DeleteWhenMissing bool
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Connection: "default",
		Queue:      "default",
		Tries:      3,
	}
}

// Option is a functional option for configuring a job at dispatch time.
type Option func(*Options)

// OnConnection routes the job to a named queue backend.
func OnConnection(name string) Option {
	return func(o *Options) { o.Connection = name }
}

// OnQueue sets the queue name for the job.
func OnQueue(q string) Option {
	return func(o *Options) { o.Queue = q }
}

// WithTries sets the maximum number of attempts. Zero means unlimited.
func WithTries(n int) Option {
	return func(o *Options) { o.Tries = n }
}

// WithMaxExceptions caps handler-error failures independently of Tries.
func WithMaxExceptions(n int) Option {
	return func(o *Options) { o.MaxExceptions = n }
}

// WithRetryUntil sets the wall-clock retry deadline.
func WithRetryUntil(t time.Time) Option {
	return func(o *Options) { o.RetryUntil = t }
}

// WithTimeout sets the per-job execution deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithFailOnTimeout makes a timeout a permanent failure instead of a
// retryable release.
func WithFailOnTimeout() Option {
	return func(o *Options) { o.FailOnTimeout = true }
}

// WithBackoff sets the ordered per-attempt delay sequence. A single value
// gives a fixed backoff; the last element repeats once exhausted.
func WithBackoff(delays ...time.Duration) Option {
	return func(o *Options) { o.Backoff = delays }
}

// WithDelay postpones the job's first availability.
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// WithUnique suppresses dispatch while an identically keyed job is
// outstanding, for at most lockFor.
func WithUnique(key string, lockFor time.Duration) Option {
	return func(o *Options) {
		o.UniqueKey = key
		o.UniqueFor = lockFor
	}
}

// WithUniqueUntilProcessing releases the uniqueness lock when execution
// begins rather than at terminal completion.
func WithUniqueUntilProcessing() Option {
	return func(o *Options) { o.UniqueUntilProcessing = true }
}

// WithDeleteWhenMissing silently deletes the job when its referenced
// entity no longer exists.
func WithDeleteWhenMissing() Option {
	return func(o *Options) { o.DeleteWhenMissing = true }
}
