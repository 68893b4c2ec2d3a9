package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/envelope"
	"github.com/voxpipe/voxpipe/id"
	"github.com/voxpipe/voxpipe/middleware"
)

func newTestEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		TaskID:   id.NewTaskID(),
		BatchID:  id.NewBatchID(),
		JobType:  batch.JobTypeASR,
		Class:    voxpipe.QueueClassASR,
		Priority: 5,
		Attempt:  1,
	}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *envelope.Envelope, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *envelope.Envelope, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	handler := func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	}

	if err := chain(context.Background(), newTestEnvelope(), handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	handler := func(_ context.Context) error {
		called = true
		return nil
	}

	if err := chain(context.Background(), newTestEnvelope(), handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	mw := func(ctx context.Context, _ *envelope.Envelope, next middleware.Handler) error {
		return next(ctx)
	}
	chain := middleware.Chain(mw)
	want := errors.New("handler error")

	err := chain(context.Background(), newTestEnvelope(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	mw := middleware.Recover(slog.Default())
	e := newTestEnvelope()

	err := mw(context.Background(), e, func(_ context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if !strings.Contains(err.Error(), "test panic") {
		t.Errorf("unexpected error message: %q", err)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	mw := middleware.Recover(slog.Default())

	called := false
	err := mw(context.Background(), newTestEnvelope(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging_Success(t *testing.T) {
	mw := middleware.Logging(slog.Default())

	called := false
	err := mw(context.Background(), newTestEnvelope(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging_Error(t *testing.T) {
	mw := middleware.Logging(slog.Default())
	want := errors.New("fail")

	err := mw(context.Background(), newTestEnvelope(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestTimeout_CancelsOnDeadline(t *testing.T) {
	mw := middleware.Timeout(0, slog.Default())
	e := newTestEnvelope()
	e.Timeout = 10 * time.Millisecond

	err := mw(context.Background(), e, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestTimeout_ZeroIsUnbounded(t *testing.T) {
	mw := middleware.Timeout(0, slog.Default())
	e := newTestEnvelope()

	err := mw(context.Background(), e, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Error("no deadline expected for zero timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTimeout_SoftDeadlineWarnsSlowAttempt(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	mw := middleware.Timeout(10*time.Millisecond, logger)

	e := newTestEnvelope()
	e.Timeout = time.Second

	err := mw(context.Background(), e, func(_ context.Context) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "soft timeout") {
		t.Errorf("expected soft timeout warning, got log %q", buf.String())
	}
}

func TestTimeout_SoftDeadlineSilentForFastAttempt(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	mw := middleware.Timeout(50*time.Millisecond, logger)

	e := newTestEnvelope()
	e.Timeout = time.Second

	err := mw(context.Background(), e, func(_ context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Give a leaked timer a chance to fire before asserting silence.
	time.Sleep(80 * time.Millisecond)
	if strings.Contains(buf.String(), "soft timeout") {
		t.Errorf("unexpected soft timeout warning for fast attempt: %q", buf.String())
	}
}
