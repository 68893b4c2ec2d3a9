//go:build integration

package bunstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/dlq"
	"github.com/voxpipe/voxpipe/envelope"
	"github.com/voxpipe/voxpipe/id"
	bunstore "github.com/voxpipe/voxpipe/store/bun"
)

// setupTestStore creates a Postgres container and returns a connected Bun Store.
func setupTestStore(t *testing.T) *bunstore.Store {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("voxpipe_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	db := bun.NewDB(sqldb, pgdialect.New())

	t.Cleanup(func() {
		_ = db.Close()
	})

	store := bunstore.New(db, bunstore.WithLogger(slog.Default()))

	if migErr := store.Migrate(ctx); migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	return store
}

func newBatch(owner string) (*batch.Batch, []*batch.Task) {
	b := &batch.Batch{
		Entity:     voxpipe.NewEntity(),
		ID:         id.NewBatchID(),
		Owner:      owner,
		JobType:    batch.JobTypeASR,
		Status:     batch.StatusPending,
		Priority:   5,
		TotalTasks: 2,
	}
	tasks := make([]*batch.Task, 0, 2)
	for i := 0; i < 2; i++ {
		tasks = append(tasks, &batch.Task{
			Entity:      voxpipe.NewEntity(),
			ID:          id.NewTaskID(),
			BatchID:     b.ID,
			Input:       batch.Input{Kind: batch.InputAudioURL, Ref: fmt.Sprintf("https://cdn.example.com/%d.wav", i)},
			Status:      batch.TaskPending,
			MaxAttempts: 3,
		})
	}
	return b, tasks
}

func newEnvelope(class string, priority int) *envelope.Envelope {
	return &envelope.Envelope{
		TaskID:    id.NewTaskID(),
		BatchID:   id.NewBatchID(),
		JobType:   batch.JobTypeASR,
		Input:     batch.Input{Kind: batch.InputAudioB64, Ref: "aGVsbG8="},
		Class:     class,
		Priority:  priority,
		Attempt:   1,
		NotBefore: time.Now().UTC(),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	// Second migrate should be a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Batch Store tests
// ──────────────────────────────────────────────────

func TestBatchStore_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	b, tasks := newBatch("team-media")
	if err := s.CreateBatch(ctx, b, tasks); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Duplicate should fail.
	if dupErr := s.CreateBatch(ctx, b, nil); !errors.Is(dupErr, voxpipe.ErrBatchAlreadyExists) {
		t.Fatalf("expected ErrBatchAlreadyExists, got: %v", dupErr)
	}

	got, err := s.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Owner != "team-media" {
		t.Fatalf("expected owner team-media, got %s", got.Owner)
	}

	listed, err := s.ListTasks(ctx, b.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(listed))
	}
}

func TestBatchStore_DeleteCascades(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	b, tasks := newBatch("owner")
	if err := s.CreateBatch(ctx, b, tasks); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.DeleteBatch(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.GetBatch(ctx, b.ID); !errors.Is(err, voxpipe.ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound, got: %v", err)
	}
	if _, err := s.GetTask(ctx, tasks[0].ID); !errors.Is(err, voxpipe.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got: %v", err)
	}
}

func TestBatchStore_ClaimTerminalSingleWinner(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	b, tasks := newBatch("owner")
	if err := s.CreateBatch(ctx, b, tasks); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	b.Status = batch.StatusCompleted
	b.CompletedTasks = 2
	b.CompletedAt = &now

	won, err := s.ClaimBatchTerminal(ctx, b)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !won {
		t.Fatal("first guarded write should win the terminal flip")
	}

	// A second writer racing the same flip must lose against the row.
	won, err = s.ClaimBatchTerminal(ctx, b)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if won {
		t.Fatal("second guarded write must not win the terminal flip")
	}

	got, err := s.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != batch.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
}

func TestBatchStore_ListFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b, tasks := newBatch("alice")
		if i == 2 {
			b.Owner = "bob"
		}
		if err := s.CreateBatch(ctx, b, tasks); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	batches, total, err := s.ListBatches(ctx, batch.ListOpts{Owner: "alice", Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 page entry, got %d", len(batches))
	}
	if total != 2 {
		t.Fatalf("expected total 2, got %d", total)
	}
}

func TestBatchStore_CountTaskStates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	b, tasks := newBatch("owner")
	tasks[0].Status = batch.TaskCompleted
	tasks[1].Status = batch.TaskFailed
	if err := s.CreateBatch(ctx, b, tasks); err != nil {
		t.Fatalf("create: %v", err)
	}

	counts, err := s.CountTaskStates(ctx, b.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts.Completed != 1 || counts.Failed != 1 || counts.Total != 2 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

// ──────────────────────────────────────────────────
// Envelope Queue tests
// ──────────────────────────────────────────────────

func TestQueue_PullOrdersByPriorityThenAge(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	low := newEnvelope(voxpipe.QueueClassASR, 5)
	high := newEnvelope(voxpipe.QueueClassASR, 1)
	for _, env := range []*envelope.Envelope{low, high} {
		if err := s.Push(ctx, env); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	pulled, err := s.Pull(ctx, []string{voxpipe.QueueClassASR}, 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(pulled) != 2 {
		t.Fatalf("expected 2, got %d", len(pulled))
	}
	if pulled[0].TaskID.String() != high.TaskID.String() {
		t.Fatalf("expected priority 1 first, got priority %d", pulled[0].Priority)
	}
	if pulled[0].ClaimedAt == nil {
		t.Fatal("expected claimed_at to be set")
	}

	// Everything is claimed now; a second pull sees nothing.
	again, err := s.Pull(ctx, []string{voxpipe.QueueClassASR}, 10)
	if err != nil {
		t.Fatalf("second pull: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected 0, got %d", len(again))
	}
}

func TestQueue_PushIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	env := newEnvelope(voxpipe.QueueClassNMT, 5)
	if err := s.Push(ctx, env); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := s.Push(ctx, env); err != nil {
		t.Fatalf("re-push: %v", err)
	}

	depth, err := s.Depth(ctx, voxpipe.QueueClassNMT)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}
}

func TestQueue_NackDelaysRedelivery(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	env := newEnvelope(voxpipe.QueueClassASR, 5)
	if err := s.Push(ctx, env); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := s.Pull(ctx, []string{voxpipe.QueueClassASR}, 1); err != nil {
		t.Fatalf("pull: %v", err)
	}

	if err := s.Nack(ctx, env.TaskID, time.Hour); err != nil {
		t.Fatalf("nack: %v", err)
	}

	// Delayed an hour out — not deliverable yet.
	pulled, err := s.Pull(ctx, []string{voxpipe.QueueClassASR}, 10)
	if err != nil {
		t.Fatalf("pull after nack: %v", err)
	}
	if len(pulled) != 0 {
		t.Fatalf("expected 0, got %d", len(pulled))
	}

	// But still counted, with the attempt advanced.
	depth, err := s.Depth(ctx, voxpipe.QueueClassASR)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}
}

func TestQueue_AckRemoves(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	env := newEnvelope(voxpipe.QueueClassASR, 5)
	if err := s.Push(ctx, env); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := s.Pull(ctx, []string{voxpipe.QueueClassASR}, 1); err != nil {
		t.Fatalf("pull: %v", err)
	}

	if err := s.Ack(ctx, env.TaskID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := s.Ack(ctx, env.TaskID); !errors.Is(err, voxpipe.ErrEnvelopeNotFound) {
		t.Fatalf("expected ErrEnvelopeNotFound, got: %v", err)
	}
}

func TestQueue_ReapReclaimsStaleClaims(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	env := newEnvelope(voxpipe.QueueClassASR, 5)
	if err := s.Push(ctx, env); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := s.Pull(ctx, []string{voxpipe.QueueClassASR}, 1); err != nil {
		t.Fatalf("pull: %v", err)
	}

	// Zero threshold treats every claim as stale.
	reaped, err := s.Reap(ctx, 0)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 1 {
		t.Fatalf("expected 1 reaped, got %d", len(reaped))
	}

	pulled, err := s.Pull(ctx, []string{voxpipe.QueueClassASR}, 1)
	if err != nil {
		t.Fatalf("pull after reap: %v", err)
	}
	if len(pulled) != 1 {
		t.Fatalf("expected redelivery, got %d", len(pulled))
	}
}

// ──────────────────────────────────────────────────
// DLQ Store tests
// ──────────────────────────────────────────────────

func TestDLQStore_PushGetReplay(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entry := &dlq.Entry{
		ID:           id.NewDLQID(),
		TaskID:       id.NewTaskID(),
		BatchID:      id.NewBatchID(),
		JobType:      batch.JobTypeASR,
		Class:        voxpipe.QueueClassASR,
		Envelope:     []byte{0x82},
		Error:        "decode failed",
		AttemptCount: 3,
		MaxAttempts:  3,
		FailedAt:     time.Now().UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.PushDLQ(ctx, entry); err != nil {
		t.Fatalf("push: %v", err)
	}

	got, err := s.GetDLQ(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Error != "decode failed" {
		t.Fatalf("expected error message, got %s", got.Error)
	}

	if err = s.ReplayDLQ(ctx, entry.ID); err != nil {
		t.Fatalf("replay: %v", err)
	}
	got, err = s.GetDLQ(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get after replay: %v", err)
	}
	if got.ReplayedAt == nil {
		t.Fatal("expected replayed_at to be set")
	}
}

func TestDLQStore_PurgeAndCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entry := &dlq.Entry{
			ID:           id.NewDLQID(),
			TaskID:       id.NewTaskID(),
			BatchID:      id.NewBatchID(),
			JobType:      batch.JobTypeASR,
			Class:        voxpipe.QueueClassASR,
			Envelope:     []byte{0x82},
			Error:        "error",
			AttemptCount: 3,
			MaxAttempts:  3,
			FailedAt:     time.Now().UTC().Add(-time.Duration(i) * time.Hour),
			CreatedAt:    time.Now().UTC(),
		}
		if err := s.PushDLQ(ctx, entry); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	purged, err := s.PurgeDLQ(ctx, time.Now().UTC().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 3 {
		t.Fatalf("expected 3 purged, got %d", purged)
	}

	count, err := s.CountDLQ(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 remaining, got %d", count)
	}
}
