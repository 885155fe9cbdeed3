package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/transport"
)

// Recover returns middleware that recovers from panics in the transport.
// A panic is logged with its stack and reported as a permanent failure:
// a transport that panics on a payload will panic again.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("transport panicked",
					slog.String("job_id", j.ID.String()),
					slog.String("transport", j.Transport),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = transport.Permanent(fmt.Errorf("panic in transport %s: %v", j.Transport, r))
			}
		}()
		return next(ctx)
	}
}
