package envelope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/hook"
	"github.com/voxpipe/voxpipe/id"
)

// Dispatcher fans a batch's tasks into routed, prioritized envelopes.
// Enqueue is idempotent: envelopes are keyed by task id, so calling it
// twice for the same batch pushes nothing new while the originals are
// still in flight.
type Dispatcher struct {
	queue      Queue
	store      batch.Store
	tracker    *batch.Tracker
	extensions *hook.Registry
	logger     *slog.Logger
	timeout    time.Duration
	fanout     int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the Dispatcher's logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithAttemptTimeout sets the hard wall-clock limit stamped on each
// envelope.
func WithAttemptTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithFanout bounds how many envelopes are pushed concurrently.
func WithFanout(n int) DispatcherOption {
	return func(d *Dispatcher) { d.fanout = n }
}

// WithDispatcherExtensions sets the registry notified as tasks are
// queued.
func WithDispatcherExtensions(r *hook.Registry) DispatcherOption {
	return func(d *Dispatcher) { d.extensions = r }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(queue Queue, store batch.Store, tracker *batch.Tracker, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:   queue,
		store:   store,
		tracker: tracker,
		logger:  slog.Default(),
		timeout: 10 * time.Minute,
		fanout:  8,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue pushes one envelope per task of the batch and marks each task
// queued. Tasks already past pending are skipped, making the call safe
// to repeat.
func (d *Dispatcher) Enqueue(ctx context.Context, batchID id.BatchID) error {
	b, err := d.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	tasks, err := d.store.ListTasks(ctx, batchID)
	if err != nil {
		return err
	}

	class := Route(b.JobType, b.Priority)
	priority := QueuePriority(b.Priority)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.fanout)

	for _, task := range tasks {
		if task.Status != batch.TaskPending {
			continue
		}

		g.Go(func() error {
			e := &Envelope{
				TaskID:    task.ID,
				BatchID:   b.ID,
				JobType:   b.JobType,
				Input:     task.Input,
				SrcLang:   task.SrcLang,
				TgtLang:   task.TgtLang,
				Class:     class,
				Priority:  priority,
				Attempt:   1,
				NotBefore: time.Now().UTC(),
				Timeout:   d.timeout,
			}
			if err := d.queue.Push(gctx, e); err != nil {
				return fmt.Errorf("push task %s: %w", task.ID.String(), err)
			}
			queued, err := d.tracker.MarkQueued(gctx, task.ID)
			if err != nil {
				// A worker can claim the envelope and advance the task
				// past queued before this write lands. The envelope is
				// in flight either way, so that is not a failure.
				if errors.Is(err, voxpipe.ErrInvalidTransition) {
					return nil
				}
				return fmt.Errorf("mark queued %s: %w", task.ID.String(), err)
			}
			if d.extensions != nil {
				d.extensions.EmitTaskQueued(gctx, queued, class)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	d.logger.Info("batch enqueued",
		slog.String("batch_id", batchID.String()),
		slog.String("class", class),
		slog.Int("queue_priority", priority),
		slog.Int("tasks", len(tasks)),
	)

	return nil
}
