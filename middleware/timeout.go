package middleware

import (
	"context"
	"log/slog"

	"github.com/flumeq/flume/job"
)

// Timeout returns middleware that bounds the handler with the job's
// Timeout, when set. Cancellation is cooperative: the handler is
// expected to watch ctx.Done() and return ctx.Err(), and its deferred
// cleanup still runs. Whether a timeout releases the job for retry or
// fails it outright is decided afterwards by the executor, based on
// the job's FailOnTimeout flag.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout <= 0 {
			return next(ctx)
		}
		logger.Debug("job timeout set",
			slog.String("job_id", j.ID.String()),
			slog.Duration("timeout", j.Timeout),
		)
		ctx, cancel := context.WithTimeout(ctx, j.Timeout)
		defer cancel()
		return next(ctx)
	}
}
