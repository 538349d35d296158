package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/flumeq/flume/job"
)

// Logging returns middleware that writes one line when a job begins and
// one when it settles, tagged with the job identity and attempt count.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		attrs := []any{
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("queue", j.Queue),
			slog.Int("attempt", j.Attempts),
		}
		logger.Info("processing job", attrs...)

		start := time.Now()
		err := next(ctx)
		attrs = append(attrs, slog.Duration("elapsed", time.Since(start)))

		if err != nil {
			logger.Error("job handler errored", append(attrs, slog.String("error", err.Error()))...)
			return err
		}
		logger.Info("job processed", attrs...)
		return nil
	}
}
