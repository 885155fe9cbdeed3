package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/transport"
)

// Timeout returns middleware that bounds each attempt to d. The rest of the
// chain runs in its own goroutine; when d elapses its context is cancelled
// and the attempt is abandoned with a transient transport.ErrAttemptTimeout,
// whether or not the transport has returned yet. A zero d disables the bound.
func Timeout(d time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}

		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- next(ctx)
		}()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				logger.Warn("attempt abandoned after timeout",
					slog.String("job_id", j.ID.String()),
					slog.String("transport", j.Transport),
					slog.Duration("timeout", d),
				)
				return transport.Transient(transport.ErrAttemptTimeout)
			}
			return transport.Transient(ctx.Err())
		}
	}
}
