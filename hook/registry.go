package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxpipe/voxpipe/batch"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type taskQueuedEntry struct {
	name string
	hook TaskQueued
}

type taskStartedEntry struct {
	name string
	hook TaskStarted
}

type taskCompletedEntry struct {
	name string
	hook TaskCompleted
}

type taskFailedEntry struct {
	name string
	hook TaskFailed
}

type taskRetryingEntry struct {
	name string
	hook TaskRetrying
}

type taskDLQEntry struct {
	name string
	hook TaskDLQ
}

type batchCreatedEntry struct {
	name string
	hook BatchCreated
}

type batchTerminalEntry struct {
	name string
	hook BatchTerminal
}

type cleanupRanEntry struct {
	name string
	hook CleanupRan
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	taskQueued    []taskQueuedEntry
	taskStarted   []taskStartedEntry
	taskCompleted []taskCompletedEntry
	taskFailed    []taskFailedEntry
	taskRetrying  []taskRetryingEntry
	taskDLQ       []taskDLQEntry
	batchCreated  []batchCreatedEntry
	batchTerminal []batchTerminalEntry
	cleanupRan    []cleanupRanEntry
	shutdown      []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(TaskQueued); ok {
		r.taskQueued = append(r.taskQueued, taskQueuedEntry{name, h})
	}
	if h, ok := e.(TaskStarted); ok {
		r.taskStarted = append(r.taskStarted, taskStartedEntry{name, h})
	}
	if h, ok := e.(TaskCompleted); ok {
		r.taskCompleted = append(r.taskCompleted, taskCompletedEntry{name, h})
	}
	if h, ok := e.(TaskFailed); ok {
		r.taskFailed = append(r.taskFailed, taskFailedEntry{name, h})
	}
	if h, ok := e.(TaskRetrying); ok {
		r.taskRetrying = append(r.taskRetrying, taskRetryingEntry{name, h})
	}
	if h, ok := e.(TaskDLQ); ok {
		r.taskDLQ = append(r.taskDLQ, taskDLQEntry{name, h})
	}
	if h, ok := e.(BatchCreated); ok {
		r.batchCreated = append(r.batchCreated, batchCreatedEntry{name, h})
	}
	if h, ok := e.(BatchTerminal); ok {
		r.batchTerminal = append(r.batchTerminal, batchTerminalEntry{name, h})
	}
	if h, ok := e.(CleanupRan); ok {
		r.cleanupRan = append(r.cleanupRan, cleanupRanEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Task event emitters
// ──────────────────────────────────────────────────

// EmitTaskQueued notifies all extensions that implement TaskQueued.
func (r *Registry) EmitTaskQueued(ctx context.Context, t *batch.Task, class string) {
	for _, e := range r.taskQueued {
		if err := e.hook.OnTaskQueued(ctx, t, class); err != nil {
			r.logHookError("OnTaskQueued", e.name, err)
		}
	}
}

// EmitTaskStarted notifies all extensions that implement TaskStarted.
func (r *Registry) EmitTaskStarted(ctx context.Context, t *batch.Task) {
	for _, e := range r.taskStarted {
		if err := e.hook.OnTaskStarted(ctx, t); err != nil {
			r.logHookError("OnTaskStarted", e.name, err)
		}
	}
}

// EmitTaskCompleted notifies all extensions that implement TaskCompleted.
func (r *Registry) EmitTaskCompleted(ctx context.Context, t *batch.Task, elapsed time.Duration) {
	for _, e := range r.taskCompleted {
		if err := e.hook.OnTaskCompleted(ctx, t, elapsed); err != nil {
			r.logHookError("OnTaskCompleted", e.name, err)
		}
	}
}

// EmitTaskFailed notifies all extensions that implement TaskFailed.
func (r *Registry) EmitTaskFailed(ctx context.Context, t *batch.Task, taskErr error) {
	for _, e := range r.taskFailed {
		if err := e.hook.OnTaskFailed(ctx, t, taskErr); err != nil {
			r.logHookError("OnTaskFailed", e.name, err)
		}
	}
}

// EmitTaskRetrying notifies all extensions that implement TaskRetrying.
func (r *Registry) EmitTaskRetrying(ctx context.Context, t *batch.Task, attempt int, nextRunAt time.Time) {
	for _, e := range r.taskRetrying {
		if err := e.hook.OnTaskRetrying(ctx, t, attempt, nextRunAt); err != nil {
			r.logHookError("OnTaskRetrying", e.name, err)
		}
	}
}

// EmitTaskDLQ notifies all extensions that implement TaskDLQ.
func (r *Registry) EmitTaskDLQ(ctx context.Context, t *batch.Task, taskErr error) {
	for _, e := range r.taskDLQ {
		if err := e.hook.OnTaskDLQ(ctx, t, taskErr); err != nil {
			r.logHookError("OnTaskDLQ", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Batch event emitters
// ──────────────────────────────────────────────────

// EmitBatchCreated notifies all extensions that implement BatchCreated.
func (r *Registry) EmitBatchCreated(ctx context.Context, b *batch.Batch) {
	for _, e := range r.batchCreated {
		if err := e.hook.OnBatchCreated(ctx, b); err != nil {
			r.logHookError("OnBatchCreated", e.name, err)
		}
	}
}

// EmitBatchTerminal notifies all extensions that implement BatchTerminal.
func (r *Registry) EmitBatchTerminal(ctx context.Context, b *batch.Batch) {
	for _, e := range r.batchTerminal {
		if err := e.hook.OnBatchTerminal(ctx, b); err != nil {
			r.logHookError("OnBatchTerminal", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitCleanupRan notifies all extensions that implement CleanupRan.
func (r *Registry) EmitCleanupRan(ctx context.Context, removed int) {
	for _, e := range r.cleanupRan {
		if err := e.hook.OnCleanupRan(ctx, removed); err != nil {
			r.logHookError("OnCleanupRan", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
