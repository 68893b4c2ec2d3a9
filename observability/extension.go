package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/hook"
)

// meterName is the instrumentation scope name for voxpipe metrics.
const meterName = "github.com/voxpipe/voxpipe/observability"

// Compile-time interface checks.
var (
	_ hook.Extension     = (*MetricsExtension)(nil)
	_ hook.TaskQueued    = (*MetricsExtension)(nil)
	_ hook.TaskCompleted = (*MetricsExtension)(nil)
	_ hook.TaskFailed    = (*MetricsExtension)(nil)
	_ hook.TaskRetrying  = (*MetricsExtension)(nil)
	_ hook.TaskDLQ       = (*MetricsExtension)(nil)
	_ hook.BatchTerminal = (*MetricsExtension)(nil)
	_ hook.CleanupRan    = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters via OTel.
// Register it as an extension to automatically track queue rates,
// completion counts, failure rates, retry counts, DLQ entries, batch
// outcomes, and janitor sweeps.
type MetricsExtension struct {
	taskQueued     metric.Int64Counter
	taskCompleted  metric.Int64Counter
	taskFailed     metric.Int64Counter
	taskRetried    metric.Int64Counter
	taskDLQ        metric.Int64Counter
	batchTerminal  metric.Int64Counter
	batchesCleaned metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider. With no provider configured the instruments are noops.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Use this variant to inject a test MeterProvider.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	// On error the OTel API returns noop instruments, so the extension
	// degrades gracefully.
	m.taskQueued, _ = meter.Int64Counter("voxpipe.task.queued",
		metric.WithDescription("Tasks pushed to a queue class"))
	m.taskCompleted, _ = meter.Int64Counter("voxpipe.task.completed",
		metric.WithDescription("Tasks that finished successfully"))
	m.taskFailed, _ = meter.Int64Counter("voxpipe.task.failed",
		metric.WithDescription("Tasks that failed terminally"))
	m.taskRetried, _ = meter.Int64Counter("voxpipe.task.retried",
		metric.WithDescription("Task attempts scheduled for retry"))
	m.taskDLQ, _ = meter.Int64Counter("voxpipe.task.dlq",
		metric.WithDescription("Tasks moved to the dead letter queue"))
	m.batchTerminal, _ = meter.Int64Counter("voxpipe.batch.terminal",
		metric.WithDescription("Batches that reached a terminal status"))
	m.batchesCleaned, _ = meter.Int64Counter("voxpipe.batch.cleaned",
		metric.WithDescription("Expired batches removed by the janitor"))
	return m
}

// Name implements hook.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Task lifecycle hooks ────────────────────────────

// OnTaskQueued implements hook.TaskQueued.
func (m *MetricsExtension) OnTaskQueued(ctx context.Context, _ *batch.Task, class string) error {
	m.taskQueued.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
	return nil
}

// OnTaskCompleted implements hook.TaskCompleted.
func (m *MetricsExtension) OnTaskCompleted(ctx context.Context, t *batch.Task, _ time.Duration) error {
	m.taskCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("model", t.ModelUsed)))
	return nil
}

// OnTaskFailed implements hook.TaskFailed.
func (m *MetricsExtension) OnTaskFailed(ctx context.Context, _ *batch.Task, _ error) error {
	m.taskFailed.Add(ctx, 1)
	return nil
}

// OnTaskRetrying implements hook.TaskRetrying.
func (m *MetricsExtension) OnTaskRetrying(ctx context.Context, _ *batch.Task, _ int, _ time.Time) error {
	m.taskRetried.Add(ctx, 1)
	return nil
}

// OnTaskDLQ implements hook.TaskDLQ.
func (m *MetricsExtension) OnTaskDLQ(ctx context.Context, _ *batch.Task, _ error) error {
	m.taskDLQ.Add(ctx, 1)
	return nil
}

// ── Batch lifecycle hooks ───────────────────────────

// OnBatchTerminal implements hook.BatchTerminal.
func (m *MetricsExtension) OnBatchTerminal(ctx context.Context, b *batch.Batch) error {
	m.batchTerminal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(b.Status))))
	return nil
}

// ── Janitor hooks ───────────────────────────────────

// OnCleanupRan implements hook.CleanupRan.
func (m *MetricsExtension) OnCleanupRan(ctx context.Context, removed int) error {
	m.batchesCleaned.Add(ctx, int64(removed))
	return nil
}
