// Package memory provides a fully in-memory store.Store backend. Safe
// for concurrent access; intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/dlq"
	"github.com/voxpipe/voxpipe/envelope"
	"github.com/voxpipe/voxpipe/id"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ batch.Store    = (*Store)(nil)
	_ envelope.Queue = (*Store)(nil)
	_ dlq.Store      = (*Store)(nil)
)

// queued wraps an envelope with its enqueue time so that Pull can break
// priority ties in arrival order.
type queued struct {
	env        *envelope.Envelope
	enqueuedAt time.Time
}

// Store is an in-memory implementation of the aggregate store.
type Store struct {
	mu sync.RWMutex

	batches map[string]*batch.Batch
	tasks   map[string]*batch.Task

	// envelopes holds queued and claimed envelopes keyed by task id.
	// A claimed envelope has ClaimedAt set.
	envelopes map[string]*queued

	dlqs map[string]*dlq.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		batches:   make(map[string]*batch.Batch),
		tasks:     make(map[string]*batch.Task),
		envelopes: make(map[string]*queued),
		dlqs:      make(map[string]*dlq.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Batch Store
// ──────────────────────────────────────────────────

// CreateBatch persists a batch together with its task set. The write is
// all-or-nothing.
func (m *Store) CreateBatch(_ context.Context, b *batch.Batch, tasks []*batch.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := b.ID.String()
	if _, exists := m.batches[key]; exists {
		return voxpipe.ErrBatchAlreadyExists
	}

	cp := *b
	m.batches[key] = &cp
	for _, t := range tasks {
		tcp := *t
		m.tasks[t.ID.String()] = &tcp
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (m *Store) GetBatch(_ context.Context, batchID id.BatchID) (*batch.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.batches[batchID.String()]
	if !ok {
		return nil, voxpipe.ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

// UpdateBatch persists changes to an existing batch.
func (m *Store) UpdateBatch(_ context.Context, b *batch.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := b.ID.String()
	if _, ok := m.batches[key]; !ok {
		return voxpipe.ErrBatchNotFound
	}
	cp := *b
	cp.UpdatedAt = time.Now().UTC()
	m.batches[key] = &cp
	return nil
}

// DeleteBatch removes a batch and all its tasks.
func (m *Store) DeleteBatch(_ context.Context, batchID id.BatchID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := batchID.String()
	if _, ok := m.batches[key]; !ok {
		return voxpipe.ErrBatchNotFound
	}
	delete(m.batches, key)
	for tk, t := range m.tasks {
		if t.BatchID == batchID {
			delete(m.tasks, tk)
		}
	}
	return nil
}

// ListBatches returns batches matching opts plus the total count before
// pagination, ordered by creation time descending.
func (m *Store) ListBatches(_ context.Context, opts batch.ListOpts) ([]*batch.Batch, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*batch.Batch, 0, len(m.batches))
	for _, b := range m.batches {
		if opts.Owner != "" && b.Owner != opts.Owner {
			continue
		}
		if opts.Status != "" && b.Status != opts.Status {
			continue
		}
		if !opts.CompletedBefore.IsZero() {
			if b.CompletedAt == nil || !b.CompletedAt.Before(opts.CompletedBefore) {
				continue
			}
		}
		cp := *b
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	total := len(result)
	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, total, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, total, nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*batch.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, voxpipe.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateTask persists changes to an existing task.
func (m *Store) UpdateTask(_ context.Context, t *batch.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, ok := m.tasks[key]; !ok {
		return voxpipe.ErrTaskNotFound
	}
	cp := *t
	cp.UpdatedAt = time.Now().UTC()
	m.tasks[key] = &cp
	return nil
}

// ListTasks returns all tasks of a batch ordered by creation time.
func (m *Store) ListTasks(_ context.Context, batchID id.BatchID) ([]*batch.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*batch.Task, 0)
	for _, t := range m.tasks {
		if t.BatchID != batchID {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return result, nil
}

// CountTaskStates returns the batch's terminal task counts and the total
// task count under one lock acquisition.
func (m *Store) CountTaskStates(_ context.Context, batchID id.BatchID) (batch.Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var c batch.Counts
	for _, t := range m.tasks {
		if t.BatchID != batchID {
			continue
		}
		c.Total++
		switch t.Status {
		case batch.TaskCompleted:
			c.Completed++
		case batch.TaskFailed:
			c.Failed++
		}
	}
	return c, nil
}

// ──────────────────────────────────────────────────
// Envelope Queue
// ──────────────────────────────────────────────────

// Push enqueues an envelope into its queue class. Pushing a task that
// already has a queued or claimed envelope is a no-op.
func (m *Store) Push(_ context.Context, e *envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.TaskID.String()
	if _, exists := m.envelopes[key]; exists {
		return nil
	}
	cp := *e
	cp.ClaimedAt = nil
	m.envelopes[key] = &queued{env: &cp, enqueuedAt: time.Now().UTC()}
	return nil
}

// Pull claims up to limit deliverable envelopes from the given classes,
// lower numeric priority first, then enqueue time.
func (m *Store) Pull(_ context.Context, classes []string, limit int) ([]*envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	classSet := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		classSet[c] = struct{}{}
	}

	now := time.Now().UTC()

	candidates := make([]*queued, 0, len(m.envelopes))
	for _, q := range m.envelopes {
		if q.env.ClaimedAt != nil {
			continue
		}
		if !q.env.NotBefore.IsZero() && q.env.NotBefore.After(now) {
			continue
		}
		if len(classSet) > 0 {
			if _, ok := classSet[q.env.Class]; !ok {
				continue
			}
		}
		candidates = append(candidates, q)
	}

	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].env.Priority != candidates[k].env.Priority {
			return candidates[i].env.Priority < candidates[k].env.Priority
		}
		return candidates[i].enqueuedAt.Before(candidates[k].enqueuedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*envelope.Envelope, len(candidates))
	for i, q := range candidates {
		n := now
		q.env.ClaimedAt = &n
		cp := *q.env
		result[i] = &cp
	}

	return result, nil
}

// Ack removes a claimed envelope.
func (m *Store) Ack(_ context.Context, taskID id.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := taskID.String()
	if _, ok := m.envelopes[key]; !ok {
		return voxpipe.ErrEnvelopeNotFound
	}
	delete(m.envelopes, key)
	return nil
}

// Nack returns a claimed envelope to its class for redelivery no earlier
// than now+delay, with Attempt advanced.
func (m *Store) Nack(_ context.Context, taskID id.TaskID, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.envelopes[taskID.String()]
	if !ok {
		return voxpipe.ErrEnvelopeNotFound
	}
	q.env.ClaimedAt = nil
	q.env.Attempt++
	q.env.NotBefore = time.Now().UTC().Add(delay)
	return nil
}

// Reap requeues claimed envelopes whose claim is older than threshold
// and returns them.
func (m *Store) Reap(_ context.Context, threshold time.Duration) ([]*envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var reclaimed []*envelope.Envelope
	for _, q := range m.envelopes {
		if q.env.ClaimedAt == nil || !q.env.ClaimedAt.Before(cutoff) {
			continue
		}
		q.env.ClaimedAt = nil
		q.env.NotBefore = time.Time{}
		cp := *q.env
		reclaimed = append(reclaimed, &cp)
	}
	return reclaimed, nil
}

// Depth returns the number of queued (unclaimed) envelopes in a class.
func (m *Store) Depth(_ context.Context, class string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int
	for _, q := range m.envelopes {
		if q.env.Class == class && q.env.ClaimedAt == nil {
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ adds a failed task entry to the dead letter queue.
func (m *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.dlqs[entry.ID.String()] = &cp
	return nil
}

// ListDLQ returns DLQ entries matching the given options, newest failure
// first.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if opts.Class != "" && e.Class != opts.Class {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.After(result[k].FailedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, voxpipe.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (m *Store) ReplayDLQ(_ context.Context, entryID id.DLQID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return voxpipe.ErrDLQNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, key)
			removed++
		}
	}
	return removed, nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (m *Store) CountDLQ(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.dlqs)), nil
}
