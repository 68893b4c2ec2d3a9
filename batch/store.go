package batch

import (
	"context"
	"time"

	"github.com/voxpipe/voxpipe/id"
)

// Counts is a consistent snapshot of a batch's terminal task counts.
type Counts struct {
	Completed int
	Failed    int
	Total     int
}

// ListOpts controls filtering and pagination for batch list queries.
type ListOpts struct {
	// Owner filters by the submitting owner. Empty means all owners.
	Owner string
	// Status filters by batch status. Empty means all statuses.
	Status Status
	// CompletedBefore filters to batches whose CompletedAt is set and
	// earlier than the given time. Zero disables the filter.
	CompletedBefore time.Time
	// Limit is the maximum number of batches to return. Zero means no limit.
	Limit int
	// Offset is the number of batches to skip.
	Offset int
}

// Store defines the persistence contract for batches and their tasks.
//
// CreateBatch is atomic: either the batch and all its tasks are
// persisted or nothing is. DeleteBatch cascades to the batch's tasks.
// CountTaskStates must be a single consistent read — the Tracker's
// recompute correctness depends on it.
type Store interface {
	// CreateBatch persists a new batch together with its task set.
	CreateBatch(ctx context.Context, b *Batch, tasks []*Task) error

	// GetBatch retrieves a batch by ID.
	GetBatch(ctx context.Context, batchID id.BatchID) (*Batch, error)

	// UpdateBatch persists changes to an existing batch.
	UpdateBatch(ctx context.Context, b *Batch) error

	// DeleteBatch removes a batch and, first, all tasks referencing it.
	DeleteBatch(ctx context.Context, batchID id.BatchID) error

	// ListBatches returns batches matching opts plus the total count
	// before pagination, ordered by creation time descending.
	ListBatches(ctx context.Context, opts ListOpts) ([]*Batch, int, error)

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)

	// UpdateTask persists changes to an existing task.
	UpdateTask(ctx context.Context, t *Task) error

	// ListTasks returns all tasks of a batch ordered by creation time.
	ListTasks(ctx context.Context, batchID id.BatchID) ([]*Task, error)

	// CountTaskStates returns the batch's terminal task counts and the
	// total task count under a single consistent read.
	CountTaskStates(ctx context.Context, batchID id.BatchID) (Counts, error)
}

// TerminalClaimer is an optional Store capability for deployments where
// several processes share one database. ClaimBatchTerminal persists a
// batch whose derived status is terminal only when the stored row is
// not yet terminal, and reports whether this call performed the flip.
// The Tracker prefers it over UpdateBatch for the terminal write, which
// extends the first-terminal exactly-once guarantee from one process to
// every process sharing the store.
type TerminalClaimer interface {
	ClaimBatchTerminal(ctx context.Context, b *Batch) (bool, error)
}
