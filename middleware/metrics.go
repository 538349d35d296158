package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/flumeq/flume/job"
)

// meterName is the instrumentation scope for flume metrics.
const meterName = "github.com/flumeq/flume"

// Metrics returns middleware recording execution metrics through the
// global MeterProvider. Without a configured provider the instruments
// are noops and the middleware is a pass-through.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter is the injectable form of [Metrics], used when a
// MeterProvider is supplied explicitly and by tests.
//
// Two instruments are updated per settled handler call, both tagged
// with job_name, queue, and status ("ok" or "error"):
//
//	flume.job.duration   histogram, seconds
//	flume.job.executions counter
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Instrument constructors leave usable noop instruments behind on
	// error, so the errors can be dropped.
	duration, _ := meter.Float64Histogram(
		"flume.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"flume.job.executions",
		metric.WithDescription("Total number of job executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("job_name", j.Name),
			attribute.String("queue", j.Queue),
			attribute.String("status", status),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		executions.Add(ctx, 1, attrs)
		return err
	}
}
