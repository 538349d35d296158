package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flumeq/flume/job"
)

// tracerName is the instrumentation scope for flume tracing.
const tracerName = "github.com/flumeq/flume"

// Tracing returns middleware that wraps each execution in an
// OpenTelemetry span named "flume.job.execute". Without a global
// TracerProvider the noop tracer makes this a pass-through.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer is the injectable form of [Tracing], used when a
// TracerProvider is supplied explicitly and by tests.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		attrs := []attribute.KeyValue{
			attribute.String("flume.job.id", j.ID.String()),
			attribute.String("flume.job.name", j.Name),
			attribute.String("flume.queue", j.Queue),
			attribute.Int("flume.attempt", j.Attempts),
		}
		if !j.BatchID.IsNil() {
			attrs = append(attrs, attribute.String("flume.batch.id", j.BatchID.String()))
		}
		if !j.ChainID.IsNil() {
			attrs = append(attrs, attribute.String("flume.chain.id", j.ChainID.String()))
		}

		ctx, span := tracer.Start(ctx, "flume.job.execute",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}
}
