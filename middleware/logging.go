package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxpipe/voxpipe/envelope"
)

// Logging returns middleware that logs attempt start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, e *envelope.Envelope, next Handler) error {
		logger.Info("task attempt started",
			slog.String("task_id", e.TaskID.String()),
			slog.String("batch_id", e.BatchID.String()),
			slog.String("class", e.Class),
			slog.Int("attempt", e.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("task attempt failed",
				slog.String("task_id", e.TaskID.String()),
				slog.String("class", e.Class),
				slog.Int("attempt", e.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("task attempt completed",
				slog.String("task_id", e.TaskID.String()),
				slog.String("class", e.Class),
				slog.Int("attempt", e.Attempt),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
