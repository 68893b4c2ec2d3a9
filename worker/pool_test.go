package worker_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/envelope"
	"github.com/voxpipe/voxpipe/worker"
)

// denyAllManager refuses every class; used to verify that rate-limited
// classes are never pulled from.
type denyAllManager struct {
	mu       sync.Mutex
	acquires int
	releases int
}

func (d *denyAllManager) Acquire(_ string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquires++
	return false
}

func (d *denyAllManager) Release(_ string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releases++
}

func newPool(h *harness, opts ...worker.PoolOption) *worker.Pool {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := []worker.PoolOption{
		worker.WithPoolConcurrency(2),
		worker.WithPollInterval(5 * time.Millisecond),
		worker.WithStaleClaimThreshold(0),
	}
	return worker.NewPool(h.store, h.executor, logger, append(base, opts...)...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestPool_ProcessesQueuedEnvelopes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pipelines.Register(batch.JobTypeASR, func(_ context.Context, _ *envelope.Envelope) (*batch.Outcome, error) {
		return &batch.Outcome{Success: true, Transcript: "ok"}, nil
	})

	b, _, _ := h.seed(t, 3, 3)

	p := newPool(h)
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := p.Stop(stopCtx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	waitFor(t, 2*time.Second, func() bool {
		got, err := h.store.GetBatch(ctx, b.ID)
		return err == nil && got.Status == batch.StatusCompleted
	})

	got, err := h.store.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.CompletedTasks != 3 || got.FailedTasks != 0 {
		t.Errorf("counts = %d/%d, want 3/0", got.CompletedTasks, got.FailedTasks)
	}
}

func TestPool_StartAndStopAreIdempotent(t *testing.T) {
	h := newHarness(t)
	p := newPool(h)

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestPool_RateLimitedClassIsNeverPulled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pipelines.Register(batch.JobTypeASR, func(_ context.Context, _ *envelope.Envelope) (*batch.Outcome, error) {
		return &batch.Outcome{Success: true}, nil
	})

	_, _, envs := h.seed(t, 1, 3)

	manager := &denyAllManager{}
	p := newPool(h, worker.WithQueueManager(manager))
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Give the pool a few poll cycles; the denied class must stay
	// untouched so the envelope keeps its attempt counter.
	time.Sleep(50 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	depth, err := h.store.Depth(ctx, voxpipe.QueueClassASR)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1 (envelope untouched)", depth)
	}

	pulled, err := h.store.Pull(ctx, []string{voxpipe.QueueClassASR}, 1)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(pulled) != 1 || pulled[0].Attempt != envs[0].Attempt {
		t.Fatalf("envelope attempt advanced while rate limited")
	}
}

func TestPool_WorkerIDAssigned(t *testing.T) {
	h := newHarness(t)
	p := newPool(h)

	if p.WorkerID().String() == "" {
		t.Fatal("expected a worker id")
	}
}
