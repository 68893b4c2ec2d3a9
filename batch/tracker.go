package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/id"
)

// Recompute is the result of re-deriving a batch's status from its task
// counts. FirstTerminal is true on exactly one recompute per batch: the
// one that transitions the stored status from non-terminal to terminal.
// That flag, together with CallbackURL, is the sole webhook trigger.
type Recompute struct {
	Status        Status
	Counts        Counts
	FirstTerminal bool
	CallbackURL   string
}

// Tracker owns every write to tasks and batch counters. Workers report
// attempt outcomes through it; each write synchronously recomputes the
// owning batch's status under a per-batch lock, so concurrent sibling
// completions can never double-fire the terminal transition or corrupt
// the counters. Locks are per batch id — batches never contend with
// each other.
type Tracker struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*batchLock
}

type batchLock struct {
	mu   sync.Mutex
	refs int
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the Tracker's logger.
func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates a Tracker over the given store.
func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:  store,
		logger: slog.Default(),
		locks:  make(map[string]*batchLock),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// lockBatch serializes all task writes and recomputes for one batch id.
// The returned func releases the lock and drops the entry once unused.
func (t *Tracker) lockBatch(batchID id.BatchID) func() {
	key := batchID.String()

	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &batchLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}

// MarkQueued transitions a task to queued. Valid from pending (initial
// enqueue) and retrying (re-entry after a failed attempt).
func (t *Tracker) MarkQueued(ctx context.Context, taskID id.TaskID) (*Task, error) {
	return t.transition(ctx, taskID, func(task *Task) error {
		switch task.Status {
		case TaskPending, TaskRetrying:
			task.Status = TaskQueued
			return nil
		case TaskQueued:
			// Duplicate enqueue of the same task is a no-op.
			return nil
		default:
			return fmt.Errorf("mark queued from %q: %w", task.Status, voxpipe.ErrInvalidTransition)
		}
	})
}

// MarkProcessing starts an attempt: sets the task to processing, stamps
// StartedAt, and consumes one attempt from the budget. Terminal tasks
// and tasks already processing are rejected with ErrInvalidTransition —
// the latter guards against double delivery of one attempt.
func (t *Tracker) MarkProcessing(ctx context.Context, taskID id.TaskID) (*Task, error) {
	return t.transition(ctx, taskID, func(task *Task) error {
		switch task.Status {
		case TaskPending, TaskQueued:
			now := time.Now().UTC()
			task.Status = TaskProcessing
			task.StartedAt = &now
			task.AttemptCount++
			return nil
		default:
			return fmt.Errorf("mark processing from %q: %w", task.Status, voxpipe.ErrInvalidTransition)
		}
	})
}

// MarkRetrying records a failed attempt that will be retried. Valid only
// from processing.
func (t *Tracker) MarkRetrying(ctx context.Context, taskID id.TaskID, errMsg string) (*Task, error) {
	return t.transition(ctx, taskID, func(task *Task) error {
		if task.Status != TaskProcessing {
			return fmt.Errorf("mark retrying from %q: %w", task.Status, voxpipe.ErrInvalidTransition)
		}
		task.Status = TaskRetrying
		task.ErrorMessage = errMsg
		return nil
	})
}

// MarkTerminal records a worker-reported terminal outcome and recomputes
// the owning batch. A duplicate identical terminal report for an
// already-terminal task is accepted as a no-op so at-least-once delivery
// from the dispatch layer never surfaces spurious errors; a conflicting
// report is an ErrInvalidTransition.
func (t *Tracker) MarkTerminal(ctx context.Context, taskID id.TaskID, out Outcome) (*Task, Recompute, error) {
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, Recompute{}, err
	}

	unlock := t.lockBatch(task.BatchID)
	defer unlock()

	// Re-read under the lock; a sibling writer may have raced us.
	task, err = t.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, Recompute{}, err
	}

	target := TaskFailed
	if out.Success {
		target = TaskCompleted
	}

	if task.Status.Terminal() {
		if task.Status == target {
			// Duplicate delivery of the same terminal report.
			rec, recErr := t.recomputeLocked(ctx, task.BatchID)
			return task, rec, recErr
		}
		return nil, Recompute{}, fmt.Errorf("mark terminal %q over %q: %w",
			target, task.Status, voxpipe.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	task.Status = target
	task.CompletedAt = &now
	task.ProcessingTime = out.Elapsed
	if out.Success {
		task.Transcript = out.Transcript
		task.Translation = out.Translation
		task.ErrorMessage = ""
	} else {
		task.ErrorMessage = out.ErrorMessage
	}
	if out.DetectedLang != "" {
		task.DetectedLang = out.DetectedLang
	}
	if out.ModelUsed != "" {
		task.ModelUsed = out.ModelUsed
	}
	if out.ResultPath != "" {
		task.ResultPath = out.ResultPath
	}

	if err := t.store.UpdateTask(ctx, task); err != nil {
		return nil, Recompute{}, err
	}

	rec, err := t.recomputeLocked(ctx, task.BatchID)
	return task, rec, err
}

// RecomputeBatch re-derives the batch status from stored task counts
// under the per-batch lock. Safe to call concurrently from any number
// of writers; FirstTerminal is reported to exactly one of them.
func (t *Tracker) RecomputeBatch(ctx context.Context, batchID id.BatchID) (Recompute, error) {
	unlock := t.lockBatch(batchID)
	defer unlock()
	return t.recomputeLocked(ctx, batchID)
}

// transition applies fn to the task under the per-batch lock, persists
// it, then recomputes the batch.
func (t *Tracker) transition(ctx context.Context, taskID id.TaskID, fn func(*Task) error) (*Task, error) {
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	unlock := t.lockBatch(task.BatchID)
	defer unlock()

	task, err = t.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	before := task.Status
	if err := fn(task); err != nil {
		return nil, err
	}
	if task.Status != before {
		if err := t.store.UpdateTask(ctx, task); err != nil {
			return nil, err
		}
	}

	if _, err := t.recomputeLocked(ctx, task.BatchID); err != nil {
		return nil, err
	}
	return task, nil
}

// recomputeLocked derives and persists the batch status. Caller must
// hold the batch lock: the read of the previous status and the write of
// the new one form the check-then-act that decides FirstTerminal.
func (t *Tracker) recomputeLocked(ctx context.Context, batchID id.BatchID) (Recompute, error) {
	counts, err := t.store.CountTaskStates(ctx, batchID)
	if err != nil {
		return Recompute{}, err
	}

	b, err := t.store.GetBatch(ctx, batchID)
	if err != nil {
		return Recompute{}, err
	}

	prev := b.Status
	next := Derive(counts)

	now := time.Now().UTC()
	b.CompletedTasks = counts.Completed
	b.FailedTasks = counts.Failed
	b.Status = next
	if prev == StatusPending && next == StatusProcessing {
		b.StartedAt = &now
	}

	first := !prev.Terminal() && next.Terminal()
	if first {
		// Set only on the transition into a terminal status, never
		// overwritten afterwards.
		b.CompletedAt = &now
	}

	if claimer, ok := t.store.(TerminalClaimer); ok && first {
		won, err := claimer.ClaimBatchTerminal(ctx, b)
		if err != nil {
			return Recompute{}, err
		}
		// When the guarded write touched no row, another process
		// flipped the batch first and owns the terminal transition.
		first = won
	} else if err := t.store.UpdateBatch(ctx, b); err != nil {
		return Recompute{}, err
	}

	if first {
		t.logger.Info("batch reached terminal status",
			slog.String("batch_id", batchID.String()),
			slog.String("status", string(next)),
			slog.Int("completed", counts.Completed),
			slog.Int("failed", counts.Failed),
			slog.Int("total", counts.Total),
		)
	}

	return Recompute{
		Status:        next,
		Counts:        counts,
		FirstTerminal: first,
		CallbackURL:   b.CallbackURL,
	}, nil
}

// Derive computes a batch status from terminal task counts. It is the
// single source of truth for the status rule:
//
//	completed+failed < total            → processing
//	completed+failed == total, failed=0 → completed
//	completed+failed == total, none ok  → failed
//	otherwise                           → partial
func Derive(c Counts) Status {
	switch {
	case c.Completed+c.Failed < c.Total:
		return StatusProcessing
	case c.Failed == 0:
		return StatusCompleted
	case c.Completed == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}
