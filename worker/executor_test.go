package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/backoff"
	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/dlq"
	"github.com/voxpipe/voxpipe/envelope"
	"github.com/voxpipe/voxpipe/hook"
	"github.com/voxpipe/voxpipe/id"
	"github.com/voxpipe/voxpipe/store/memory"
	"github.com/voxpipe/voxpipe/worker"
)

// recordingExt captures lifecycle events for assertions.
type recordingExt struct {
	mu            sync.Mutex
	queued        []id.TaskID
	started       []id.TaskID
	completed     []id.TaskID
	failed        []id.TaskID
	retrying      []int
	dlq           []id.TaskID
	batchTerminal []*batch.Batch
}

func (r *recordingExt) Name() string { return "recording" }

func (r *recordingExt) OnTaskQueued(_ context.Context, t *batch.Task, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, t.ID)
	return nil
}

func (r *recordingExt) OnTaskStarted(_ context.Context, t *batch.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, t.ID)
	return nil
}

func (r *recordingExt) OnTaskCompleted(_ context.Context, t *batch.Task, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, t.ID)
	return nil
}

func (r *recordingExt) OnTaskFailed(_ context.Context, t *batch.Task, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, t.ID)
	return nil
}

func (r *recordingExt) OnTaskRetrying(_ context.Context, _ *batch.Task, attempt int, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retrying = append(r.retrying, attempt)
	return nil
}

func (r *recordingExt) OnTaskDLQ(_ context.Context, t *batch.Task, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dlq = append(r.dlq, t.ID)
	return nil
}

func (r *recordingExt) OnBatchTerminal(_ context.Context, b *batch.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchTerminal = append(r.batchTerminal, b)
	return nil
}

func (r *recordingExt) terminalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batchTerminal)
}

// harness wires an executor over the memory store with a recording
// extension and a stubbed pipeline registry.
type harness struct {
	store     *memory.Store
	tracker   *batch.Tracker
	pipelines *worker.Registry
	ext       *recordingExt
	executor  *worker.Executor
	claimed   map[id.TaskID]*envelope.Envelope
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hooks := hook.NewRegistry(logger)
	ext := &recordingExt{}
	hooks.Register(ext)

	tracker := batch.NewTracker(s)
	pipelines := worker.NewRegistry()
	dlqSvc := dlq.NewService(s, s, s)

	exec := worker.NewExecutor(
		pipelines, tracker, s, s, hooks, dlqSvc, nil,
		backoff.NewConstant(0), logger,
	)

	return &harness{
		store:     s,
		tracker:   tracker,
		pipelines: pipelines,
		ext:       ext,
		executor:  exec,
		claimed:   make(map[id.TaskID]*envelope.Envelope),
	}
}

// seed creates a batch with n queued tasks and pushes their envelopes,
// returning the batch and tasks. maxAttempts applies to every task.
func (h *harness) seed(t *testing.T, n, maxAttempts int) (*batch.Batch, []*batch.Task, []*envelope.Envelope) {
	t.Helper()
	ctx := context.Background()

	b := &batch.Batch{
		Entity:     voxpipe.NewEntity(),
		ID:         id.NewBatchID(),
		Owner:      "owner_test",
		JobType:    batch.JobTypeASR,
		Status:     batch.StatusPending,
		Priority:   5,
		TotalTasks: n,
	}

	tasks := make([]*batch.Task, n)
	envs := make([]*envelope.Envelope, n)
	for i := range n {
		tasks[i] = &batch.Task{
			Entity:      voxpipe.NewEntity(),
			ID:          id.NewTaskID(),
			BatchID:     b.ID,
			Input:       batch.Input{Kind: batch.InputAudioURL, Ref: "https://example.com/a.wav"},
			SrcLang:     "hi",
			Status:      batch.TaskQueued,
			MaxAttempts: maxAttempts,
		}
		envs[i] = &envelope.Envelope{
			TaskID:   tasks[i].ID,
			BatchID:  b.ID,
			JobType:  batch.JobTypeASR,
			Input:    tasks[i].Input,
			SrcLang:  "hi",
			Class:    voxpipe.QueueClassASR,
			Priority: 5,
			Attempt:  1,
		}
	}

	if err := h.store.CreateBatch(ctx, b, tasks); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	for _, env := range envs {
		if err := h.store.Push(ctx, env); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	return b, tasks, envs
}

// claim pulls until the given task's envelope is claimed. Envelopes for
// other tasks claimed along the way are cached for later claim calls.
func (h *harness) claim(t *testing.T, taskID id.TaskID) *envelope.Envelope {
	t.Helper()
	for range 20 {
		if env, ok := h.claimed[taskID]; ok {
			delete(h.claimed, taskID)
			return env
		}
		envs, err := h.store.Pull(context.Background(), nil, 10)
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		for _, env := range envs {
			h.claimed[env.TaskID] = env
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("envelope for task %s never became deliverable", taskID)
	return nil
}

func TestExecutor_SuccessCompletesTaskAndBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pipelines.Register(batch.JobTypeASR, func(_ context.Context, _ *envelope.Envelope) (*batch.Outcome, error) {
		return &batch.Outcome{
			Success:    true,
			Transcript: "namaste duniya",
			ModelUsed:  "whisper",
		}, nil
	})

	b, tasks, _ := h.seed(t, 1, 3)
	env := h.claim(t, tasks[0].ID)

	if err := h.executor.Execute(ctx, env); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := h.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != batch.TaskCompleted {
		t.Errorf("Status = %q, want %q", got.Status, batch.TaskCompleted)
	}
	if got.Transcript != "namaste duniya" {
		t.Errorf("Transcript = %q", got.Transcript)
	}
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
	}

	gotBatch, err := h.store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if gotBatch.Status != batch.StatusCompleted {
		t.Errorf("batch Status = %q, want %q", gotBatch.Status, batch.StatusCompleted)
	}
	if gotBatch.CompletedTasks != 1 {
		t.Errorf("CompletedTasks = %d, want 1", gotBatch.CompletedTasks)
	}

	// Envelope settled.
	depth, _ := h.store.Depth(ctx, voxpipe.QueueClassASR)
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}

	if len(h.ext.completed) != 1 || h.ext.terminalCount() != 1 {
		t.Errorf("events: completed=%d terminal=%d, want 1/1", len(h.ext.completed), h.ext.terminalCount())
	}
}

func TestExecutor_RetryThenSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls int
	h.pipelines.Register(batch.JobTypeASR, func(_ context.Context, _ *envelope.Envelope) (*batch.Outcome, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient decode error")
		}
		return &batch.Outcome{Success: true, Transcript: "third time lucky"}, nil
	})

	_, tasks, _ := h.seed(t, 1, 3)

	// Two failing attempts followed by a success.
	for range 2 {
		env := h.claim(t, tasks[0].ID)
		if err := h.executor.Execute(ctx, env); err == nil {
			t.Fatal("expected attempt error")
		}
	}
	env := h.claim(t, tasks[0].ID)
	if err := h.executor.Execute(ctx, env); err != nil {
		t.Fatalf("final Execute: %v", err)
	}

	got, err := h.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != batch.TaskCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", got.AttemptCount)
	}
	if len(h.ext.retrying) != 2 {
		t.Errorf("retrying events = %d, want 2", len(h.ext.retrying))
	}
}

func TestExecutor_ExhaustionGoesToDLQ(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pipelines.Register(batch.JobTypeASR, func(_ context.Context, _ *envelope.Envelope) (*batch.Outcome, error) {
		return nil, errors.New("permanent decode error")
	})

	b, tasks, _ := h.seed(t, 1, 2)

	for range 2 {
		env := h.claim(t, tasks[0].ID)
		if err := h.executor.Execute(ctx, env); err == nil {
			t.Fatal("expected attempt error")
		}
	}

	got, err := h.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != batch.TaskFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.ErrorMessage != "permanent decode error" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}

	count, err := h.store.CountDLQ(ctx)
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if count != 1 {
		t.Errorf("CountDLQ = %d, want 1", count)
	}

	gotBatch, err := h.store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if gotBatch.Status != batch.StatusFailed {
		t.Errorf("batch Status = %q, want failed", gotBatch.Status)
	}

	if len(h.ext.failed) != 1 || len(h.ext.dlq) != 1 {
		t.Errorf("events: failed=%d dlq=%d, want 1/1", len(h.ext.failed), len(h.ext.dlq))
	}

	depth, _ := h.store.Depth(ctx, voxpipe.QueueClassASR)
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0 after DLQ", depth)
	}
}

func TestExecutor_MixedOutcomesMakeBatchPartial(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pipelines.Register(batch.JobTypeASR, func(_ context.Context, e *envelope.Envelope) (*batch.Outcome, error) {
		if e.Input.Ref == "fail" {
			return nil, errors.New("bad audio")
		}
		return &batch.Outcome{Success: true, Transcript: "ok"}, nil
	})

	b, tasks, _ := h.seed(t, 2, 1)

	// Make the second task fail.
	tasks[1].Input.Ref = "fail"
	if err := h.store.UpdateTask(ctx, tasks[1]); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	okEnv := h.claim(t, tasks[0].ID)
	if err := h.executor.Execute(ctx, okEnv); err != nil {
		t.Fatalf("Execute ok task: %v", err)
	}

	failEnv := h.claim(t, tasks[1].ID)
	failEnv.Input.Ref = "fail"
	if err := h.executor.Execute(ctx, failEnv); err == nil {
		t.Fatal("expected failure")
	}

	gotBatch, err := h.store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if gotBatch.Status != batch.StatusPartial {
		t.Errorf("batch Status = %q, want partial", gotBatch.Status)
	}
	if gotBatch.CompletedTasks != 1 || gotBatch.FailedTasks != 1 {
		t.Errorf("counts = %d/%d, want 1/1", gotBatch.CompletedTasks, gotBatch.FailedTasks)
	}
	if h.ext.terminalCount() != 1 {
		t.Errorf("BatchTerminal fired %d times, want exactly 1", h.ext.terminalCount())
	}
}

func TestExecutor_DuplicateDeliveryDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pipelines.Register(batch.JobTypeASR, func(_ context.Context, _ *envelope.Envelope) (*batch.Outcome, error) {
		return &batch.Outcome{Success: true}, nil
	})

	_, tasks, _ := h.seed(t, 1, 3)
	env := h.claim(t, tasks[0].ID)

	if err := h.executor.Execute(ctx, env); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Redeliver the same envelope: the completed task must stay frozen
	// and the duplicate must not error.
	dup := *env
	if err := h.store.Push(ctx, &dup); err != nil {
		t.Fatalf("Push duplicate: %v", err)
	}
	redelivered := h.claim(t, tasks[0].ID)
	if err := h.executor.Execute(ctx, redelivered); err != nil {
		t.Fatalf("duplicate Execute: %v", err)
	}

	got, err := h.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1 after duplicate drop", got.AttemptCount)
	}
	if len(h.ext.completed) != 1 {
		t.Errorf("completed events = %d, want 1", len(h.ext.completed))
	}
}

func TestExecutor_RedeliveryDuringRetryWindowKeepsTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pipelines.Register(batch.JobTypeASR, func(_ context.Context, _ *envelope.Envelope) (*batch.Outcome, error) {
		return &batch.Outcome{Success: true, Transcript: "recovered"}, nil
	})

	_, tasks, _ := h.seed(t, 1, 3)
	env := h.claim(t, tasks[0].ID)

	// A previous attempt failed and its worker is mid-way through the
	// retry bookkeeping: the task is retrying and the envelope is back
	// on the queue with no delay, where another worker grabs it before
	// the task returns to queued.
	if _, err := h.tracker.MarkProcessing(ctx, tasks[0].ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if _, err := h.tracker.MarkRetrying(ctx, tasks[0].ID, "transient decode error"); err != nil {
		t.Fatalf("MarkRetrying: %v", err)
	}
	if err := h.store.Nack(ctx, env.TaskID, 0); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	redelivered := h.claim(t, tasks[0].ID)
	if err := h.executor.Execute(ctx, redelivered); err != nil {
		t.Fatalf("Execute during retry window: %v", err)
	}

	// The envelope must survive for another delivery instead of being
	// settled as a duplicate.
	depth, _ := h.store.Depth(ctx, voxpipe.QueueClassASR)
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1 after redelivery during retry window", depth)
	}

	// The next delivery completes the task normally.
	next := h.claim(t, tasks[0].ID)
	if err := h.executor.Execute(ctx, next); err != nil {
		t.Fatalf("Execute after requeue: %v", err)
	}
	got, err := h.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != batch.TaskCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	depth, _ = h.store.Depth(ctx, voxpipe.QueueClassASR)
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0 after completion", depth)
	}
}

// statusAtNack records the task's stored status at the moment the
// envelope is returned for redelivery.
type statusAtNack struct {
	envelope.Queue
	store  *memory.Store
	status batch.TaskStatus
}

func (q *statusAtNack) Nack(ctx context.Context, taskID id.TaskID, delay time.Duration) error {
	if task, err := q.store.GetTask(ctx, taskID); err == nil {
		q.status = task.Status
	}
	return q.Queue.Nack(ctx, taskID, delay)
}

func TestExecutor_RetryRequeuesTaskBeforeRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	q := &statusAtNack{Queue: h.store, store: h.store}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := worker.NewExecutor(
		h.pipelines, h.tracker, h.store, q, hook.NewRegistry(logger),
		dlq.NewService(h.store, h.store, h.store), nil,
		backoff.NewConstant(0), logger,
	)

	h.pipelines.Register(batch.JobTypeASR, func(_ context.Context, _ *envelope.Envelope) (*batch.Outcome, error) {
		return nil, errors.New("transient")
	})

	_, tasks, _ := h.seed(t, 1, 3)
	env := h.claim(t, tasks[0].ID)

	if err := exec.Execute(ctx, env); err == nil {
		t.Fatal("expected attempt error")
	}
	if q.status != batch.TaskQueued {
		t.Errorf("task status at nack = %q, want queued before the envelope is deliverable", q.status)
	}
}

func TestExecutor_NilOutcomeFailsAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pipelines.Register(batch.JobTypeASR, func(_ context.Context, _ *envelope.Envelope) (*batch.Outcome, error) {
		return nil, nil
	})

	_, tasks, _ := h.seed(t, 1, 1)
	env := h.claim(t, tasks[0].ID)

	if err := h.executor.Execute(ctx, env); err == nil {
		t.Fatal("expected error for pipeline returning neither outcome nor error")
	}

	got, err := h.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != batch.TaskFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("expected an error message on the task")
	}
}

func TestExecutor_MissingPipelineFailsTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, tasks, _ := h.seed(t, 1, 1)
	env := h.claim(t, tasks[0].ID)

	err := h.executor.Execute(ctx, env)
	if !errors.Is(err, voxpipe.ErrNoPipeline) {
		t.Fatalf("err = %v, want ErrNoPipeline", err)
	}

	got, getErr := h.store.GetTask(ctx, tasks[0].ID)
	if getErr != nil {
		t.Fatalf("GetTask: %v", getErr)
	}
	if got.Status != batch.TaskFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
}

func TestExecutor_RetryLeavesTaskQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pipelines.Register(batch.JobTypeASR, func(_ context.Context, _ *envelope.Envelope) (*batch.Outcome, error) {
		return nil, errors.New("transient")
	})

	_, tasks, _ := h.seed(t, 1, 3)
	env := h.claim(t, tasks[0].ID)

	if err := h.executor.Execute(ctx, env); err == nil {
		t.Fatal("expected attempt error")
	}

	got, err := h.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != batch.TaskQueued {
		t.Errorf("Status = %q, want queued for redelivery", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
	}

	// The envelope is still held by the queue for redelivery.
	depth, _ := h.store.Depth(ctx, voxpipe.QueueClassASR)
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
	if len(h.ext.queued) != 1 {
		t.Errorf("TaskQueued events = %d, want 1 for the requeue", len(h.ext.queued))
	}
}
