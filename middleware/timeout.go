package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxpipe/voxpipe/envelope"
)

// Timeout returns middleware that enforces a per-attempt execution
// deadline. If the envelope has a non-zero Timeout, a context.WithTimeout
// wraps the handler call. When the deadline is exceeded the context is
// cancelled and the handler should return context.DeadlineExceeded; the
// attempt then feeds the normal retry policy.
//
// soft is an advance warning ahead of the hard limit: an attempt still
// running past it is logged so slow tasks surface before they are
// killed. Zero disables the warning.
func Timeout(soft time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, e *envelope.Envelope, next Handler) error {
		if e.Timeout > 0 {
			logger.Debug("attempt timeout set",
				slog.String("task_id", e.TaskID.String()),
				slog.Duration("timeout", e.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.Timeout)
			defer cancel()
		}

		if soft > 0 && (e.Timeout <= 0 || soft < e.Timeout) {
			warn := time.AfterFunc(soft, func() {
				logger.Warn("attempt running past soft timeout",
					slog.String("task_id", e.TaskID.String()),
					slog.Duration("soft_timeout", soft),
					slog.Duration("hard_timeout", e.Timeout),
				)
			})
			defer warn.Stop()
		}

		return next(ctx)
	}
}
