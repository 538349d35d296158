package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/flumeq/flume/job"
	"github.com/flumeq/flume/lock"
)

const (
	// defaultOverlapTTL bounds how long an overlap lock can outlive a
	// crashed worker before the key becomes runnable again.
	defaultOverlapTTL = 15 * time.Minute

	// defaultOverlapRelease is the delay before a blocked job retries.
	defaultOverlapRelease = 10 * time.Second
)

type overlapConfig struct {
	ttl         time.Duration
	releaseFor  time.Duration
	dontRelease bool
	shared      bool
}

// OverlapOption configures WithoutOverlapping.
type OverlapOption func(*overlapConfig)

// OverlapExpireAfter bounds the lock lifetime. The lock is normally
// released when the holding job finishes; the TTL only matters when the
// holder crashes before releasing.
func OverlapExpireAfter(ttl time.Duration) OverlapOption {
	return func(c *overlapConfig) { c.ttl = ttl }
}

// OverlapReleaseAfter sets how long a blocked job waits before its next
// attempt.
func OverlapReleaseAfter(d time.Duration) OverlapOption {
	return func(c *overlapConfig) { c.releaseFor = d }
}

// OverlapDontRelease drops a blocked job instead of retrying it. The job
// completes without running its handler; batch membership is still
// reported so batches drain.
func OverlapDontRelease() OverlapOption {
	return func(c *overlapConfig) { c.dontRelease = true }
}

// OverlapShared drops the per-job-name scoping so jobs of different
// types sharing a unique key contend on the same lock.
func OverlapShared() OverlapOption {
	return func(c *overlapConfig) { c.shared = true }
}

// WithoutOverlapping returns middleware that lets at most one job per
// overlap key run at a time, across all worker processes sharing the lock
// store. The key combines the job name and its unique key, so two
// distinct job types never block each other unless OverlapShared is set.
//
// A blocked job is released back to the queue (or dropped, with
// OverlapDontRelease). The lock is owned by the job ID and released when
// the handler returns, including on error or panic escaping through the
// chain.
func WithoutOverlapping(locks lock.Store, opts ...OverlapOption) Middleware {
	cfg := overlapConfig{
		ttl:        defaultOverlapTTL,
		releaseFor: defaultOverlapRelease,
	}
	for _, o := range opts {
		o(&cfg)
	}

	return func(ctx context.Context, j *job.Job, next Handler) error {
		key := overlapKey(&cfg, j)
		owner := j.ID.String()

		ok, err := locks.AcquireLock(ctx, key, owner, cfg.ttl)
		if err != nil {
			return fmt.Errorf("middleware: overlap lock %s: %w", key, err)
		}
		if !ok {
			if cfg.dontRelease {
				// Treated as a success: the job is deleted without running.
				return nil
			}
			return job.Release(cfg.releaseFor)
		}
		defer func() {
			// Best effort; an expired lock release is a no-op.
			_ = locks.ReleaseLock(context.WithoutCancel(ctx), key, owner)
		}()

		return next(ctx)
	}
}

// overlapKey scopes the lock by job name so distinct job types never
// contend, mirroring the unique-job key scheme. OverlapShared removes
// the name from the key.
func overlapKey(cfg *overlapConfig, j *job.Job) string {
	if cfg.shared {
		return fmt.Sprintf("overlap:%s", j.UniqueKey)
	}
	return fmt.Sprintf("overlap:%s:%s", j.Name, j.UniqueKey)
}
