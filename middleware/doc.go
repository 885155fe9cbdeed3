// Package middleware provides composable middleware around a single
// dispatch attempt.
//
// A [Middleware] wraps the call into the transport. Middleware are composed
// with [Chain] and applied right-to-left: the first middleware in the slice
// is the outermost wrapper. The worker installs the built-ins as
//
//	tracing → metrics → logging → timeout → recover → transport
//
// so spans and metrics observe timeouts and recovered panics as ordinary
// errors.
//
// # Built-in Middleware
//
//   - [Logging] logs job id, transport, attempt, duration and outcome
//   - [Recover] turns panics into permanent failures
//   - [Timeout] abandons attempts that outlive their deadline
//   - [Tracing] wraps the attempt in an OpenTelemetry span
//   - [Metrics] records attempt duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, j *job.Job, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
