// Package worker provides the task execution engine — an Executor that
// runs envelopes through middleware and the registered pipeline, and a
// Pool that manages concurrent worker goroutines polling the queues.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/backoff"
	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/dlq"
	"github.com/voxpipe/voxpipe/envelope"
	"github.com/voxpipe/voxpipe/hook"
	"github.com/voxpipe/voxpipe/middleware"
	"github.com/voxpipe/voxpipe/storage"
)

// Executor runs a single envelope through middleware and the registered
// pipeline, then handles retry logic, DLQ push, state updates, and
// lifecycle events. Every path through Execute settles the envelope:
// Ack when the task is done or undeliverable, Nack when it should be
// redelivered after a backoff delay.
type Executor struct {
	pipelines  *Registry
	tracker    *batch.Tracker
	batches    batch.Store
	queue      envelope.Queue
	extensions *hook.Registry
	dlqService *dlq.Service
	blobs      storage.Store
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies. blobs and
// dlqService may be nil; result documents and DLQ entries are then
// skipped.
func NewExecutor(
	pipelines *Registry,
	tracker *batch.Tracker,
	batches batch.Store,
	queue envelope.Queue,
	extensions *hook.Registry,
	dlqService *dlq.Service,
	blobs storage.Store,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		pipelines:  pipelines,
		tracker:    tracker,
		batches:    batches,
		queue:      queue,
		extensions: extensions,
		dlqService: dlqService,
		blobs:      blobs,
		backoff:    bo,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute runs one claimed envelope.
// On success: marks the task completed, acks, emits TaskCompleted.
// On failure with attempts remaining: marks retrying, nacks with
// backoff, emits TaskRetrying.
// On failure with attempts exhausted: marks failed, pushes to DLQ, acks,
// emits TaskFailed + TaskDLQ.
// Whenever a terminal task write flips its batch to a terminal status
// for the first time, BatchTerminal is emitted exactly once.
func (e *Executor) Execute(ctx context.Context, env *envelope.Envelope) error {
	task, err := e.tracker.MarkProcessing(ctx, env.TaskID)
	if err != nil {
		return e.handleClaimError(ctx, env, err)
	}

	e.extensions.EmitTaskStarted(ctx, task)

	pipeline, ok := e.pipelines.Get(env.JobType)
	if !ok {
		err := fmt.Errorf("job type %q: %w", env.JobType, voxpipe.ErrNoPipeline)
		return e.handleFailure(ctx, env, task, err)
	}

	start := time.Now()

	var out *batch.Outcome
	terminal := func(ctx context.Context) error {
		var runErr error
		out, runErr = pipeline(ctx, env)
		return runErr
	}

	runErr := e.mw(ctx, env, terminal)
	elapsed := time.Since(start)

	if runErr != nil {
		return e.handleFailure(ctx, env, task, runErr)
	}
	if out == nil {
		err := fmt.Errorf("job type %q: pipeline returned no outcome and no error", env.JobType)
		return e.handleFailure(ctx, env, task, err)
	}

	out.Elapsed = elapsed
	return e.handleSuccess(ctx, env, out, elapsed)
}

// handleClaimError settles an envelope whose task could not be moved to
// processing. Duplicate deliveries and deleted tasks are acked away;
// anything else is redelivered.
func (e *Executor) handleClaimError(ctx context.Context, env *envelope.Envelope, err error) error {
	switch {
	case errors.Is(err, voxpipe.ErrInvalidTransition):
		if e.redeliverLiveTask(ctx, env) {
			return nil
		}
		// Another delivery of this task already ran (or is running).
		e.logger.Warn("duplicate envelope delivery dropped",
			slog.String("task_id", env.TaskID.String()),
			slog.String("error", err.Error()),
		)
		e.ack(ctx, env)
		return nil
	case errors.Is(err, voxpipe.ErrTaskNotFound):
		e.logger.Warn("envelope for deleted task dropped",
			slog.String("task_id", env.TaskID.String()),
		)
		e.ack(ctx, env)
		return nil
	default:
		if nackErr := e.queue.Nack(ctx, env.TaskID, e.backoff.Delay(env.Attempt)); nackErr != nil {
			e.logger.Error("nack failed",
				slog.String("task_id", env.TaskID.String()),
				slog.String("error", nackErr.Error()),
			)
		}
		return err
	}
}

// redeliverLiveTask nacks the envelope back onto the queue when its
// task is still waiting for an attempt. A delivery can race the retry
// bookkeeping of the previous attempt and find the task retrying or
// queued instead of claimable; acking it away there would strand the
// task with no envelope left. Returns true when the envelope was
// redelivered.
func (e *Executor) redeliverLiveTask(ctx context.Context, env *envelope.Envelope) bool {
	task, err := e.batches.GetTask(ctx, env.TaskID)
	if err != nil {
		return false
	}
	if task.Status != batch.TaskRetrying && task.Status != batch.TaskQueued {
		return false
	}
	if task.Status == batch.TaskRetrying {
		// Heal the half-finished retry so the next delivery can claim.
		if _, qErr := e.tracker.MarkQueued(ctx, env.TaskID); qErr != nil {
			e.logger.Warn("failed to re-queue task state",
				slog.String("task_id", env.TaskID.String()),
				slog.String("error", qErr.Error()),
			)
		}
	}
	if nackErr := e.queue.Nack(ctx, env.TaskID, e.backoff.Delay(env.Attempt)); nackErr != nil {
		e.logger.Error("nack failed",
			slog.String("task_id", env.TaskID.String()),
			slog.String("error", nackErr.Error()),
		)
	}
	return true
}

// handleSuccess uploads the result document, marks the task completed,
// and settles the envelope.
func (e *Executor) handleSuccess(ctx context.Context, env *envelope.Envelope, out *batch.Outcome, elapsed time.Duration) error {
	e.uploadResult(ctx, env, out)

	task, rec, err := e.tracker.MarkTerminal(ctx, env.TaskID, *out)
	if err != nil {
		e.logger.Error("failed to record task success",
			slog.String("task_id", env.TaskID.String()),
			slog.String("error", err.Error()),
		)
		if nackErr := e.queue.Nack(ctx, env.TaskID, e.backoff.Delay(env.Attempt)); nackErr != nil {
			e.logger.Error("nack failed", slog.String("task_id", env.TaskID.String()), slog.String("error", nackErr.Error()))
		}
		return err
	}

	e.ack(ctx, env)
	e.extensions.EmitTaskCompleted(ctx, task, elapsed)
	e.emitBatchTerminal(ctx, env, rec)
	return nil
}

// handleFailure routes a failed attempt to retry or the DLQ.
func (e *Executor) handleFailure(ctx context.Context, env *envelope.Envelope, task *batch.Task, attemptErr error) error {
	if task.AttemptCount < task.MaxAttempts {
		return e.scheduleRetry(ctx, env, task, attemptErr)
	}
	return e.sendToDLQ(ctx, env, attemptErr)
}

// scheduleRetry marks the task retrying and redelivers the envelope
// after a backoff delay.
func (e *Executor) scheduleRetry(ctx context.Context, env *envelope.Envelope, task *batch.Task, attemptErr error) error {
	task, err := e.tracker.MarkRetrying(ctx, env.TaskID, attemptErr.Error())
	if err != nil {
		e.logger.Error("failed to mark task retrying",
			slog.String("task_id", env.TaskID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	delay := e.backoff.Delay(task.AttemptCount)
	nextRunAt := time.Now().UTC().Add(delay)

	// Move the task back to queued before the envelope becomes
	// deliverable again. The other order loses the task: with a short
	// backoff another worker can claim the redelivery while the task is
	// still retrying, fail MarkProcessing, and settle the envelope as a
	// duplicate.
	requeued, err := e.tracker.MarkQueued(ctx, env.TaskID)
	if err != nil {
		e.logger.Error("failed to re-queue task state",
			slog.String("task_id", env.TaskID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	if err := e.queue.Nack(ctx, env.TaskID, delay); err != nil {
		e.logger.Error("nack failed",
			slog.String("task_id", env.TaskID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.extensions.EmitTaskRetrying(ctx, task, task.AttemptCount, nextRunAt)
	e.extensions.EmitTaskQueued(ctx, requeued, env.Class)

	e.logger.Info("task scheduled for retry",
		slog.String("task_id", env.TaskID.String()),
		slog.Int("attempt", task.AttemptCount),
		slog.Int("max_attempts", task.MaxAttempts),
		slog.Duration("delay", delay),
		slog.String("error", attemptErr.Error()),
	)

	return fmt.Errorf("task %s attempt %d/%d: %w", env.TaskID, task.AttemptCount, task.MaxAttempts, attemptErr)
}

// sendToDLQ records the terminal failure, pushes the envelope to the
// dead letter queue, and settles the envelope.
func (e *Executor) sendToDLQ(ctx context.Context, env *envelope.Envelope, attemptErr error) error {
	task, rec, err := e.tracker.MarkTerminal(ctx, env.TaskID, batch.Outcome{
		Success:      false,
		ErrorMessage: attemptErr.Error(),
	})
	if err != nil {
		e.logger.Error("failed to record task failure",
			slog.String("task_id", env.TaskID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	if e.dlqService != nil {
		if dlqErr := e.dlqService.Push(ctx, task, env, attemptErr); dlqErr != nil {
			e.logger.Error("failed to push task to DLQ",
				slog.String("task_id", env.TaskID.String()),
				slog.String("error", dlqErr.Error()),
			)
		}
	}

	e.ack(ctx, env)
	e.extensions.EmitTaskFailed(ctx, task, attemptErr)
	e.extensions.EmitTaskDLQ(ctx, task, attemptErr)
	e.emitBatchTerminal(ctx, env, rec)

	e.logger.Warn("task failed terminally after exhausting attempts",
		slog.String("task_id", env.TaskID.String()),
		slog.Int("attempt_count", task.AttemptCount),
		slog.String("error", attemptErr.Error()),
	)

	return attemptErr
}

// uploadResult writes the result document next to the task's input. Best
// effort: upload failures are logged and the task still completes.
func (e *Executor) uploadResult(ctx context.Context, env *envelope.Envelope, out *batch.Outcome) {
	if e.blobs == nil {
		return
	}

	doc, err := json.Marshal(map[string]any{
		"task_id":       env.TaskID.String(),
		"transcript":    out.Transcript,
		"translation":   out.Translation,
		"detected_lang": out.DetectedLang,
		"model_used":    out.ModelUsed,
	})
	if err != nil {
		return
	}

	key := storage.ResultKey(env.BatchID.String(), env.TaskID.String())
	if err := e.blobs.Put(ctx, key, doc, "application/json"); err != nil {
		e.logger.Warn("result upload failed",
			slog.String("task_id", env.TaskID.String()),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}
	out.ResultPath = key
}

// emitBatchTerminal fires BatchTerminal exactly once per batch, on the
// recompute that first flipped it to a terminal status.
func (e *Executor) emitBatchTerminal(ctx context.Context, env *envelope.Envelope, rec batch.Recompute) {
	if !rec.FirstTerminal {
		return
	}
	b, err := e.batches.GetBatch(ctx, env.BatchID)
	if err != nil {
		e.logger.Error("failed to load terminal batch",
			slog.String("batch_id", env.BatchID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	e.extensions.EmitBatchTerminal(ctx, b)
}

func (e *Executor) ack(ctx context.Context, env *envelope.Envelope) {
	if err := e.queue.Ack(ctx, env.TaskID); err != nil {
		e.logger.Error("ack failed",
			slog.String("task_id", env.TaskID.String()),
			slog.String("error", err.Error()),
		)
	}
}
