// Package hook defines the extension system for voxpipe.
// Extensions are notified of lifecycle events (task started, completed,
// batch reaching a terminal state, etc.) and can react to them —
// logging, metrics, webhook delivery.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/voxpipe/voxpipe/batch"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskQueued is called after a task envelope is pushed to its queue.
type TaskQueued interface {
	OnTaskQueued(ctx context.Context, t *batch.Task, class string) error
}

// TaskStarted is called when a worker begins executing a task.
type TaskStarted interface {
	OnTaskStarted(ctx context.Context, t *batch.Task) error
}

// TaskCompleted is called after a task finishes successfully.
type TaskCompleted interface {
	OnTaskCompleted(ctx context.Context, t *batch.Task, elapsed time.Duration) error
}

// TaskFailed is called when a task fails terminally (no more retries).
type TaskFailed interface {
	OnTaskFailed(ctx context.Context, t *batch.Task, err error) error
}

// TaskRetrying is called when a task fails but is scheduled for retry.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, t *batch.Task, attempt int, nextRunAt time.Time) error
}

// TaskDLQ is called when a task is moved to the dead letter queue.
type TaskDLQ interface {
	OnTaskDLQ(ctx context.Context, t *batch.Task, err error) error
}

// ──────────────────────────────────────────────────
// Batch lifecycle hooks
// ──────────────────────────────────────────────────

// BatchCreated is called after a batch and its tasks are persisted.
type BatchCreated interface {
	OnBatchCreated(ctx context.Context, b *batch.Batch) error
}

// BatchTerminal is called exactly once per batch, when its last task
// reaches a terminal state and the batch status flips to completed,
// failed, or partial.
type BatchTerminal interface {
	OnBatchTerminal(ctx context.Context, b *batch.Batch) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// CleanupRan is called after a janitor sweep removes expired batches.
type CleanupRan interface {
	OnCleanupRan(ctx context.Context, removed int) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
