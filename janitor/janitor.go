// Package janitor removes expired terminal batches on a cron schedule.
// A sweep deletes every completed, failed, or partial batch whose
// CompletedAt is older than the retention window, cascading to its tasks
// and its blob storage prefix.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/hook"
	"github.com/voxpipe/voxpipe/storage"
)

// terminalStatuses are the batch states eligible for cleanup.
var terminalStatuses = []batch.Status{
	batch.StatusCompleted,
	batch.StatusFailed,
	batch.StatusPartial,
}

// Janitor periodically deletes expired batches.
type Janitor struct {
	batches    batch.Store
	blobs      storage.Store
	extensions *hook.Registry
	retention  time.Duration
	schedule   string
	logger     *slog.Logger

	cron *cron.Cron
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithRetention overrides how long terminal batches are kept.
func WithRetention(d time.Duration) Option {
	return func(j *Janitor) { j.retention = d }
}

// WithSchedule overrides the cron spec for the sweep.
func WithSchedule(spec string) Option {
	return func(j *Janitor) { j.schedule = spec }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Janitor) {
		if l != nil {
			j.logger = l
		}
	}
}

// New creates a Janitor. blobs and extensions may be nil; storage
// cleanup and CleanupRan events are then skipped.
func New(batches batch.Store, blobs storage.Store, extensions *hook.Registry, opts ...Option) *Janitor {
	cfg := voxpipe.DefaultConfig()
	j := &Janitor{
		batches:    batches,
		blobs:      blobs,
		extensions: extensions,
		retention:  cfg.Retention,
		schedule:   cfg.CleanupSchedule,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start schedules the sweep and begins running it.
func (j *Janitor) Start() error {
	c := cron.New()
	_, err := c.AddFunc(j.schedule, func() {
		if _, sweepErr := j.Sweep(context.Background()); sweepErr != nil {
			j.logger.Error("cleanup sweep failed", slog.String("error", sweepErr.Error()))
		}
	})
	if err != nil {
		return err
	}
	j.cron = c
	c.Start()

	j.logger.Info("janitor started",
		slog.String("schedule", j.schedule),
		slog.Duration("retention", j.retention),
	)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.logger.Info("janitor stopped")
}

// Sweep deletes all expired terminal batches and returns how many were
// removed. A failure on one batch is logged and does not stop the sweep.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-j.retention)
	removed := 0

	for _, status := range terminalStatuses {
		expired, _, err := j.batches.ListBatches(ctx, batch.ListOpts{
			Status:          status,
			CompletedBefore: cutoff,
		})
		if err != nil {
			return removed, err
		}

		for _, b := range expired {
			if err := j.remove(ctx, b); err != nil {
				j.logger.Error("failed to remove expired batch",
					slog.String("batch_id", b.ID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		j.logger.Info("cleanup sweep removed expired batches", slog.Int("removed", removed))
	}
	if j.extensions != nil {
		j.extensions.EmitCleanupRan(ctx, removed)
	}
	return removed, nil
}

// remove deletes one batch: blobs first so a partial failure leaves the
// batch visible for the next sweep.
func (j *Janitor) remove(ctx context.Context, b *batch.Batch) error {
	if j.blobs != nil {
		if err := j.blobs.DeleteByPrefix(ctx, storage.BatchPrefix(b.ID.String())); err != nil {
			return err
		}
	}
	return j.batches.DeleteBatch(ctx, b.ID)
}
