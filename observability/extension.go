package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/mailq/ext"
	"github.com/xraph/mailq/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*MetricsExtension)(nil)
	_ ext.JobEnqueued   = (*MetricsExtension)(nil)
	_ ext.JobSucceeded  = (*MetricsExtension)(nil)
	_ ext.JobRetrying   = (*MetricsExtension)(nil)
	_ ext.JobFailed     = (*MetricsExtension)(nil)
	_ ext.JobCancelled  = (*MetricsExtension)(nil)
	_ ext.JobsRecovered = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/mailq/observability"

// MetricsExtension records lifecycle metrics through an OTel meter.
// Every instrument carries a transport attribute.
type MetricsExtension struct {
	JobEnqueued  metric.Int64Counter
	JobSucceeded metric.Int64Counter
	JobRetried   metric.Int64Counter
	JobFailed    metric.Int64Counter
	JobCancelled metric.Int64Counter
	JobRecovered metric.Int64Counter

	// DeliveryLatency is seconds from enqueue to successful delivery.
	DeliveryLatency metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{job}"))
		return c
	}
	latency, _ := meter.Float64Histogram("mailq.job.delivery_latency",
		metric.WithDescription("Seconds from enqueue to successful delivery"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		JobEnqueued:     counter("mailq.job.enqueued", "Jobs accepted by enqueue"),
		JobSucceeded:    counter("mailq.job.succeeded", "Jobs delivered"),
		JobRetried:      counter("mailq.job.retried", "Failed attempts scheduled for retry"),
		JobFailed:       counter("mailq.job.failed", "Jobs that failed terminally"),
		JobCancelled:    counter("mailq.job.cancelled", "Jobs cancelled before delivery"),
		JobRecovered:    counter("mailq.job.recovered", "Running jobs reconciled at startup"),
		DeliveryLatency: latency,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func byTransport(j *job.Job) metric.AddOption {
	return metric.WithAttributes(attribute.String("transport", j.Transport))
}

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.JobEnqueued.Add(ctx, 1, byTransport(j))
	return nil
}

// OnJobSucceeded implements ext.JobSucceeded.
func (m *MetricsExtension) OnJobSucceeded(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.JobSucceeded.Add(ctx, 1, byTransport(j))
	if !j.CreatedAt.IsZero() && j.FinishedAt != nil {
		m.DeliveryLatency.Record(ctx, j.FinishedAt.Sub(j.CreatedAt).Seconds(),
			metric.WithAttributes(attribute.String("transport", j.Transport)))
	}
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.JobRetried.Add(ctx, 1, byTransport(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.JobFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", j.Transport),
		attribute.String("class", string(j.LastErrorClass)),
	))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.JobCancelled.Add(ctx, 1, byTransport(j))
	return nil
}

// OnJobsRecovered implements ext.JobsRecovered.
func (m *MetricsExtension) OnJobsRecovered(ctx context.Context, jobs []*job.Job) error {
	for _, j := range jobs {
		m.JobRecovered.Add(ctx, 1, byTransport(j))
	}
	return nil
}
