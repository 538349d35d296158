package middleware

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/flumeq/flume/job"
)

// RateLimited returns middleware that releases jobs back to the queue
// when the shared limiter has no token available. A released job does not
// count as an exception, only as an attempt, so a sustained rate limit
// eventually exhausts the attempt budget unless the job sets RetryUntil.
//
// Jobs of different names may share one limiter; all executions passing
// through this middleware draw tokens from the same bucket.
func RateLimited(limiter *rate.Limiter, retryAfter time.Duration) Middleware {
	return func(ctx context.Context, _ *job.Job, next Handler) error {
		if !limiter.Allow() {
			return job.Release(retryAfter)
		}
		return next(ctx)
	}
}
