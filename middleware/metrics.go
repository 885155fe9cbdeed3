package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/transport"
)

// meterName is the instrumentation scope name for mailq metrics.
const meterName = "github.com/xraph/mailq"

// Metrics returns middleware that records per-attempt metrics using the
// global MeterProvider. Without one the instruments are noops.
//
// Instruments:
//   - mailq.attempt.duration (Float64Histogram): seconds, by transport and status
//   - mailq.attempt.count (Int64Counter): attempts, by transport and status
//
// status is "ok", "transient" or "permanent".
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API hands back noop instruments.
	duration, _ := meter.Float64Histogram(
		"mailq.attempt.duration",
		metric.WithDescription("Duration of dispatch attempts in seconds"),
		metric.WithUnit("s"),
	)
	attempts, _ := meter.Int64Counter(
		"mailq.attempt.count",
		metric.WithDescription("Total number of dispatch attempts"),
		metric.WithUnit("{attempt}"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = string(transport.Classify(err))
		}

		attrs := metric.WithAttributes(
			attribute.String("transport", j.Transport),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		attempts.Add(ctx, 1, attrs)

		return err
	}
}
