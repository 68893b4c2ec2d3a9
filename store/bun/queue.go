package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/envelope"
	"github.com/voxpipe/voxpipe/id"
)

// Push makes an envelope available for delivery. Re-pushing an envelope
// whose task is already queued is a no-op, so producers can retry safely.
func (s *Store) Push(ctx context.Context, env *envelope.Envelope) error {
	m := toEnvelopeModel(env)
	m.ClaimedAt = nil
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (task_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("voxpipe/bun: push envelope: %w", err)
	}
	return nil
}

// Pull atomically claims up to limit deliverable envelopes from the given
// classes, ordered lowest priority value first and oldest first within a
// priority. Uses FOR UPDATE SKIP LOCKED so concurrent workers never
// double-claim.
func (s *Store) Pull(ctx context.Context, classes []string, limit int) ([]*envelope.Envelope, error) {
	if limit <= 0 {
		limit = 1 << 30
	}

	var models []envelopeModel
	_, err := s.db.NewRaw(`
		WITH claimed AS (
			UPDATE voxpipe_envelopes
			SET claimed_at = NOW()
			WHERE task_id IN (
				SELECT task_id FROM voxpipe_envelopes
				WHERE claimed_at IS NULL
				  AND class = ANY(?0)
				  AND not_before <= NOW()
				ORDER BY priority ASC, created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT ?1
			)
			RETURNING *
		)
		SELECT * FROM claimed ORDER BY priority ASC, created_at ASC`,
		pgdialect.Array(classes), limit,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("voxpipe/bun: pull envelopes: %w", err)
	}

	envs := make([]*envelope.Envelope, 0, len(models))
	for i := range models {
		env, convErr := fromEnvelopeModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("voxpipe/bun: pull convert: %w", convErr)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Ack removes a delivered envelope once its attempt finished terminally.
func (s *Store) Ack(ctx context.Context, taskID id.TaskID) error {
	res, err := s.db.NewDelete().
		TableExpr("voxpipe_envelopes").
		Where("task_id = ?", taskID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("voxpipe/bun: ack envelope: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return voxpipe.ErrEnvelopeNotFound
	}
	return nil
}

// Nack returns a claimed envelope to the queue with its attempt counter
// advanced, delayed by the given backoff.
func (s *Store) Nack(ctx context.Context, taskID id.TaskID, delay time.Duration) error {
	res, err := s.db.NewUpdate().
		TableExpr("voxpipe_envelopes").
		Set("claimed_at = NULL").
		Set("attempt = attempt + 1").
		Set("not_before = NOW() + (? * interval '1 millisecond')", delay.Milliseconds()).
		Where("task_id = ?", taskID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("voxpipe/bun: nack envelope: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return voxpipe.ErrEnvelopeNotFound
	}
	return nil
}

// Reap releases envelopes whose claim is older than threshold so another
// worker can pick them up. Returns the reclaimed envelopes.
func (s *Store) Reap(ctx context.Context, threshold time.Duration) ([]*envelope.Envelope, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	var models []envelopeModel
	_, err := s.db.NewRaw(`
		UPDATE voxpipe_envelopes
		SET claimed_at = NULL, not_before = NOW()
		WHERE claimed_at IS NOT NULL AND claimed_at < ?0
		RETURNING *`,
		cutoff,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("voxpipe/bun: reap envelopes: %w", err)
	}

	envs := make([]*envelope.Envelope, 0, len(models))
	for i := range models {
		env, convErr := fromEnvelopeModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("voxpipe/bun: reap convert: %w", convErr)
		}
		env.ClaimedAt = nil
		envs = append(envs, env)
	}
	return envs, nil
}

// Depth reports the number of unclaimed envelopes in a class, including
// delayed ones not yet deliverable.
func (s *Store) Depth(ctx context.Context, class string) (int, error) {
	count, err := s.db.NewSelect().
		TableExpr("voxpipe_envelopes").
		Where("class = ?", class).
		Where("claimed_at IS NULL").
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("voxpipe/bun: queue depth: %w", err)
	}
	return count, nil
}
