// Package ext defines the extension system for mailq.
//
// Extensions are notified of job lifecycle events and can react to them:
// recording metrics, publishing wake-ups to other processes, writing audit
// logs. Each hook is a separate interface so extensions opt in only to the
// events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	func (e *MyExtension) OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error {
//	    log.Printf("job %s delivered in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Hooks
//
//   - [JobEnqueued] a new job was persisted
//   - [JobStarted] a worker claimed the job
//   - [JobSucceeded] the transport accepted the message
//   - [JobRetrying] an attempt failed and another is scheduled
//   - [JobFailed] the job will not be attempted again
//   - [JobCancelled] the caller withdrew the job
//   - [JobsRecovered] startup recovery returned abandoned jobs to retrying
//   - [Shutdown] the dispatcher is stopping
//
// Hook errors are logged and never affect job processing.
package ext
