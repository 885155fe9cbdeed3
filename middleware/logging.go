package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/transport"
)

// Logging returns middleware that logs attempt start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Debug("attempt started",
			slog.String("job_id", j.ID.String()),
			slog.String("transport", j.Transport),
			slog.Int("attempt", attempt(j)),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("attempt failed",
				slog.String("job_id", j.ID.String()),
				slog.String("transport", j.Transport),
				slog.Int("attempt", attempt(j)),
				slog.String("class", string(transport.Classify(err))),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("attempt delivered",
				slog.String("job_id", j.ID.String()),
				slog.String("transport", j.Transport),
				slog.Int("attempt", attempt(j)),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
