package audit

// Audit event actions. Each constant corresponds to one lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionTaskQueued    = "task.queued"
	ActionTaskStarted   = "task.started"
	ActionTaskCompleted = "task.completed"
	ActionTaskFailed    = "task.failed"
	ActionTaskRetrying  = "task.retrying"
	ActionTaskDLQ       = "task.dlq"
	ActionBatchCreated  = "batch.created"
	ActionBatchTerminal = "batch.terminal"
	ActionCleanupRan    = "cleanup.ran"
)

// Audit event categories group related actions.
const (
	CategoryTask    = "voxpipe.task"
	CategoryBatch   = "voxpipe.batch"
	CategoryJanitor = "voxpipe.janitor"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceTask    = "task"
	ResourceBatch   = "batch"
	ResourceJanitor = "janitor"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionTaskQueued,
		ActionTaskStarted,
		ActionTaskCompleted,
		ActionTaskFailed,
		ActionTaskRetrying,
		ActionTaskDLQ,
		ActionBatchCreated,
		ActionBatchTerminal,
		ActionCleanupRan,
	}
}
