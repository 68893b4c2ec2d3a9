package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxpipe/voxpipe/envelope"
)

// tracerName is the instrumentation scope name for voxpipe tracing.
const tracerName = "github.com/voxpipe/voxpipe"

// Tracing returns middleware that wraps attempt execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a pass-through
// with zero overhead.
//
// Span attributes include: voxpipe.task.id, voxpipe.batch.id,
// voxpipe.job_type, voxpipe.class, voxpipe.attempt.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, e *envelope.Envelope, next Handler) error {
		ctx, span := tracer.Start(ctx, "voxpipe.task.execute",
			trace.WithAttributes(
				attribute.String("voxpipe.task.id", e.TaskID.String()),
				attribute.String("voxpipe.batch.id", e.BatchID.String()),
				attribute.String("voxpipe.job_type", string(e.JobType)),
				attribute.String("voxpipe.class", e.Class),
				attribute.Int("voxpipe.attempt", e.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
