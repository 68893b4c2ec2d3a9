package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/id"
)

// CreateBatch persists a batch together with its task set in one
// transaction. Either everything lands or nothing does.
func (s *Store) CreateBatch(ctx context.Context, b *batch.Batch, tasks []*batch.Task) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		bm := toBatchModel(b)
		if _, err := tx.NewInsert().Model(bm).Exec(ctx); err != nil {
			if isDuplicateKey(err) {
				return voxpipe.ErrBatchAlreadyExists
			}
			return fmt.Errorf("voxpipe/bun: create batch: %w", err)
		}

		if len(tasks) == 0 {
			return nil
		}

		models := make([]*taskModel, 0, len(tasks))
		for _, t := range tasks {
			models = append(models, toTaskModel(t))
		}
		if _, err := tx.NewInsert().Model(&models).Exec(ctx); err != nil {
			return fmt.Errorf("voxpipe/bun: create batch tasks: %w", err)
		}
		return nil
	})
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(ctx context.Context, batchID id.BatchID) (*batch.Batch, error) {
	m := new(batchModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", batchID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, voxpipe.ErrBatchNotFound
		}
		return nil, fmt.Errorf("voxpipe/bun: get batch: %w", err)
	}
	return fromBatchModel(m)
}

// UpdateBatch persists changes to an existing batch.
func (s *Store) UpdateBatch(ctx context.Context, b *batch.Batch) error {
	m := toBatchModel(b)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("voxpipe/bun: update batch: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return voxpipe.ErrBatchNotFound
	}
	return nil
}

// ClaimBatchTerminal persists a terminal batch update only when the
// stored row is not yet terminal. The guard runs in the database, so
// two processes recomputing the same batch concurrently cannot both
// win the flip.
func (s *Store) ClaimBatchTerminal(ctx context.Context, b *batch.Batch) (bool, error) {
	m := toBatchModel(b)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().
		Where("status NOT IN (?)", bun.In([]string{
			string(batch.StatusCompleted),
			string(batch.StatusFailed),
			string(batch.StatusPartial),
		})).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("voxpipe/bun: claim batch terminal: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// DeleteBatch removes a batch and all tasks referencing it.
func (s *Store) DeleteBatch(ctx context.Context, batchID id.BatchID) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			TableExpr("voxpipe_tasks").
			Where("batch_id = ?", batchID.String()).
			Exec(ctx); err != nil {
			return fmt.Errorf("voxpipe/bun: delete batch tasks: %w", err)
		}

		res, err := tx.NewDelete().
			TableExpr("voxpipe_batches").
			Where("id = ?", batchID.String()).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("voxpipe/bun: delete batch: %w", err)
		}
		rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
		if rows == 0 {
			return voxpipe.ErrBatchNotFound
		}
		return nil
	})
}

// ListBatches returns batches matching opts plus the total count before
// pagination, ordered by creation time descending.
func (s *Store) ListBatches(ctx context.Context, opts batch.ListOpts) ([]*batch.Batch, int, error) {
	var models []batchModel
	q := s.db.NewSelect().Model(&models)

	if opts.Owner != "" {
		q = q.Where("owner = ?", opts.Owner)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if !opts.CompletedBefore.IsZero() {
		q = q.Where("completed_at IS NOT NULL").
			Where("completed_at < ?", opts.CompletedBefore)
	}

	q = q.Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	total, err := q.ScanAndCount(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("voxpipe/bun: list batches: %w", err)
	}

	batches := make([]*batch.Batch, 0, len(models))
	for i := range models {
		b, convErr := fromBatchModel(&models[i])
		if convErr != nil {
			return nil, 0, fmt.Errorf("voxpipe/bun: list convert: %w", convErr)
		}
		batches = append(batches, b)
	}
	return batches, total, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*batch.Task, error) {
	m := new(taskModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", taskID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, voxpipe.ErrTaskNotFound
		}
		return nil, fmt.Errorf("voxpipe/bun: get task: %w", err)
	}
	return fromTaskModel(m)
}

// UpdateTask persists changes to an existing task.
func (s *Store) UpdateTask(ctx context.Context, t *batch.Task) error {
	m := toTaskModel(t)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("voxpipe/bun: update task: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return voxpipe.ErrTaskNotFound
	}
	return nil
}

// ListTasks returns all tasks of a batch ordered by creation time.
func (s *Store) ListTasks(ctx context.Context, batchID id.BatchID) ([]*batch.Task, error) {
	var models []taskModel
	err := s.db.NewSelect().Model(&models).
		Where("batch_id = ?", batchID.String()).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("voxpipe/bun: list tasks: %w", err)
	}

	tasks := make([]*batch.Task, 0, len(models))
	for i := range models {
		t, convErr := fromTaskModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("voxpipe/bun: list convert: %w", convErr)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// CountTaskStates returns the batch's terminal task counts plus the total,
// read in a single query so the snapshot is consistent.
func (s *Store) CountTaskStates(ctx context.Context, batchID id.BatchID) (batch.Counts, error) {
	var row struct {
		Completed int `bun:"completed"`
		Failed    int `bun:"failed"`
		Total     int `bun:"total"`
	}
	err := s.db.NewRaw(`
		SELECT
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed')    AS failed,
			COUNT(*)                                     AS total
		FROM voxpipe_tasks
		WHERE batch_id = ?`,
		batchID.String(),
	).Scan(ctx, &row)
	if err != nil {
		return batch.Counts{}, fmt.Errorf("voxpipe/bun: count task states: %w", err)
	}
	return batch.Counts{
		Completed: row.Completed,
		Failed:    row.Failed,
		Total:     row.Total,
	}, nil
}
