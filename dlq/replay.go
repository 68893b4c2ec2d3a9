package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/envelope"
	"github.com/voxpipe/voxpipe/id"
)

// Replay re-dispatches a DLQ entry. The original task is reset to
// pending with a fresh attempt budget and a new envelope is pushed onto
// the original queue class. The entry is then marked as replayed.
//
// The parent batch keeps its current status until the replayed task
// reaches a terminal state again; the aggregate is re-derived at that
// point. A batch that already fired its completion webhook will not fire
// it a second time.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*batch.Task, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	env, err := envelope.Decode(entry.Envelope)
	if err != nil {
		return nil, fmt.Errorf("dlq: decode envelope for %s: %w", entryID, err)
	}

	t, err := s.batches.GetTask(ctx, entry.TaskID)
	if err != nil {
		return nil, err
	}

	t.Status = batch.TaskPending
	t.AttemptCount = 0
	t.ErrorMessage = ""
	t.StartedAt = nil
	t.CompletedAt = nil
	if err := s.batches.UpdateTask(ctx, t); err != nil {
		return nil, err
	}

	env.Attempt = 1
	env.NotBefore = time.Now().UTC()
	env.ClaimedAt = nil
	if err := s.queue.Push(ctx, env); err != nil {
		return nil, err
	}

	if err := s.store.ReplayDLQ(ctx, entryID); err != nil {
		// The task is already re-dispatched. Surface the marking error
		// but keep the task.
		return t, err
	}
	return t, nil
}
