package dlq

import (
	"context"
	"time"

	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/envelope"
	"github.com/voxpipe/voxpipe/id"
)

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store   Store
	batches batch.Store
	queue   envelope.Queue
}

// NewService creates a DLQ service. batches and queue are needed only
// for Replay and may be nil in inspect-only deployments.
func NewService(store Store, batches batch.Store, queue envelope.Queue) *Service {
	return &Service{store: store, batches: batches, queue: queue}
}

// Push builds a DLQ Entry from a terminally failed task and persists it.
// The envelope is serialized as-is so Replay can reconstruct the exact
// work item.
func (s *Service) Push(ctx context.Context, t *batch.Task, env *envelope.Envelope, taskErr error) error {
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	entry := &Entry{
		ID:           id.NewDLQID(),
		TaskID:       t.ID,
		BatchID:      t.BatchID,
		JobType:      env.JobType,
		Class:        env.Class,
		Envelope:     raw,
		Error:        taskErr.Error(),
		AttemptCount: t.AttemptCount,
		MaxAttempts:  t.MaxAttempts,
		FailedAt:     now,
		CreatedAt:    now,
	}
	return s.store.PushDLQ(ctx, entry)
}

// DLQStore returns the underlying DLQ store for direct access
// to List, Get, Purge, and Count operations.
func (s *Service) DLQStore() Store {
	return s.store
}
