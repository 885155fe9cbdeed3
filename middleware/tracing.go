package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/transport"
)

// tracerName is the instrumentation scope name for mailq tracing.
const tracerName = "github.com/xraph/mailq"

// Tracing returns middleware that wraps each attempt in an OpenTelemetry
// span using the global TracerProvider. Without one it is a pass-through.
//
// Span attributes: mailq.job.id, mailq.transport, mailq.attempt,
// mailq.max_attempts. Failed attempts also get mailq.failure_class and an
// Error status.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "mailq.attempt",
			trace.WithAttributes(
				attribute.String("mailq.job.id", j.ID.String()),
				attribute.String("mailq.transport", j.Transport),
				attribute.Int("mailq.attempt", attempt(j)),
				attribute.Int("mailq.max_attempts", j.MaxAttempts),
			),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.SetAttributes(attribute.String("mailq.failure_class", string(transport.Classify(err))))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
