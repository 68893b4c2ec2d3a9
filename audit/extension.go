package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/hook"
)

// Compile-time interface checks.
var (
	_ hook.Extension     = (*Extension)(nil)
	_ hook.TaskQueued    = (*Extension)(nil)
	_ hook.TaskStarted   = (*Extension)(nil)
	_ hook.TaskCompleted = (*Extension)(nil)
	_ hook.TaskFailed    = (*Extension)(nil)
	_ hook.TaskRetrying  = (*Extension)(nil)
	_ hook.TaskDLQ       = (*Extension)(nil)
	_ hook.BatchCreated  = (*Extension)(nil)
	_ hook.BatchTerminal = (*Extension)(nil)
	_ hook.CleanupRan    = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// It is defined locally so that the audit package does not depend on any
// particular trail store — callers inject the concrete backend at wiring
// time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// Event is one entry in the audit trail.
type Event struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges voxpipe lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements hook.Extension.
func (e *Extension) Name() string { return "audit" }

// ── Task lifecycle hooks ─────────────────────────────

// OnTaskQueued implements hook.TaskQueued.
func (e *Extension) OnTaskQueued(ctx context.Context, t *batch.Task, class string) error {
	return e.record(ctx, ActionTaskQueued, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"batch_id", t.BatchID.String(),
		"class", class,
	)
}

// OnTaskStarted implements hook.TaskStarted.
func (e *Extension) OnTaskStarted(ctx context.Context, t *batch.Task) error {
	return e.record(ctx, ActionTaskStarted, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"batch_id", t.BatchID.String(),
		"attempt", t.AttemptCount,
	)
}

// OnTaskCompleted implements hook.TaskCompleted.
func (e *Extension) OnTaskCompleted(ctx context.Context, t *batch.Task, elapsed time.Duration) error {
	return e.record(ctx, ActionTaskCompleted, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"batch_id", t.BatchID.String(),
		"model", t.ModelUsed,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnTaskFailed implements hook.TaskFailed.
func (e *Extension) OnTaskFailed(ctx context.Context, t *batch.Task, taskErr error) error {
	return e.record(ctx, ActionTaskFailed, SeverityCritical, OutcomeFailure,
		ResourceTask, t.ID.String(), CategoryTask, taskErr,
		"batch_id", t.BatchID.String(),
		"attempt_count", t.AttemptCount,
		"max_attempts", t.MaxAttempts,
	)
}

// OnTaskRetrying implements hook.TaskRetrying.
func (e *Extension) OnTaskRetrying(ctx context.Context, t *batch.Task, attempt int, nextRunAt time.Time) error {
	return e.record(ctx, ActionTaskRetrying, SeverityWarning, OutcomeFailure,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"batch_id", t.BatchID.String(),
		"attempt", attempt,
		"next_run_at", nextRunAt.Format(time.RFC3339),
	)
}

// OnTaskDLQ implements hook.TaskDLQ.
func (e *Extension) OnTaskDLQ(ctx context.Context, t *batch.Task, taskErr error) error {
	return e.record(ctx, ActionTaskDLQ, SeverityCritical, OutcomeFailure,
		ResourceTask, t.ID.String(), CategoryTask, taskErr,
		"batch_id", t.BatchID.String(),
		"attempt_count", t.AttemptCount,
	)
}

// ── Batch lifecycle hooks ────────────────────────────

// OnBatchCreated implements hook.BatchCreated.
func (e *Extension) OnBatchCreated(ctx context.Context, b *batch.Batch) error {
	return e.record(ctx, ActionBatchCreated, SeverityInfo, OutcomeSuccess,
		ResourceBatch, b.ID.String(), CategoryBatch, nil,
		"owner", b.Owner,
		"job_type", string(b.JobType),
		"total_tasks", b.TotalTasks,
		"priority", b.Priority,
	)
}

// OnBatchTerminal implements hook.BatchTerminal. Severity follows the
// terminal status: completed is info, partial is warning, failed is
// critical.
func (e *Extension) OnBatchTerminal(ctx context.Context, b *batch.Batch) error {
	severity, outcome := SeverityInfo, OutcomeSuccess
	switch b.Status {
	case batch.StatusFailed:
		severity, outcome = SeverityCritical, OutcomeFailure
	case batch.StatusPartial:
		severity, outcome = SeverityWarning, OutcomeFailure
	}
	return e.record(ctx, ActionBatchTerminal, severity, outcome,
		ResourceBatch, b.ID.String(), CategoryBatch, nil,
		"owner", b.Owner,
		"status", string(b.Status),
		"completed_tasks", b.CompletedTasks,
		"failed_tasks", b.FailedTasks,
		"total_tasks", b.TotalTasks,
	)
}

// ── Janitor lifecycle hooks ──────────────────────────

// OnCleanupRan implements hook.CleanupRan.
func (e *Extension) OnCleanupRan(ctx context.Context, removed int) error {
	return e.record(ctx, ActionCleanupRan, SeverityInfo, OutcomeSuccess,
		ResourceJanitor, "sweep", CategoryJanitor, nil,
		"removed", removed,
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
