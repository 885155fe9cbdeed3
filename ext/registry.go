package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/mailq/job"
)

// entry pairs a hook implementation with the extension name captured at
// registration time.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events to
// them. Extensions are type-cached at registration so emit calls iterate
// only over extensions that implement the relevant hook.
//
// Register extensions before the dispatcher starts; the registry is not
// safe for concurrent registration.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobEnqueued   []entry[JobEnqueued]
	jobStarted    []entry[JobStarted]
	jobSucceeded  []entry[JobSucceeded]
	jobRetrying   []entry[JobRetrying]
	jobFailed     []entry[JobFailed]
	jobCancelled  []entry[JobCancelled]
	jobsRecovered []entry[JobsRecovered]
	shutdown      []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and caches it for every hook it implements.
// Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobEnqueued); ok {
		r.jobEnqueued = append(r.jobEnqueued, entry[JobEnqueued]{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, entry[JobStarted]{name, h})
	}
	if h, ok := e.(JobSucceeded); ok {
		r.jobSucceeded = append(r.jobSucceeded, entry[JobSucceeded]{name, h})
	}
	if h, ok := e.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, entry[JobRetrying]{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, entry[JobFailed]{name, h})
	}
	if h, ok := e.(JobCancelled); ok {
		r.jobCancelled = append(r.jobCancelled, entry[JobCancelled]{name, h})
	}
	if h, ok := e.(JobsRecovered); ok {
		r.jobsRecovered = append(r.jobsRecovered, entry[JobsRecovered]{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, entry[Shutdown]{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Emitters
// ──────────────────────────────────────────────────

// EmitJobEnqueued notifies all extensions that implement JobEnqueued.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	for _, e := range r.jobEnqueued {
		r.check("OnJobEnqueued", e.name, e.hook.OnJobEnqueued(ctx, j))
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		r.check("OnJobStarted", e.name, e.hook.OnJobStarted(ctx, j))
	}
}

// EmitJobSucceeded notifies all extensions that implement JobSucceeded.
func (r *Registry) EmitJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobSucceeded {
		r.check("OnJobSucceeded", e.name, e.hook.OnJobSucceeded(ctx, j, elapsed))
	}
}

// EmitJobRetrying notifies all extensions that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextAttemptAt time.Time) {
	for _, e := range r.jobRetrying {
		r.check("OnJobRetrying", e.name, e.hook.OnJobRetrying(ctx, j, attempt, nextAttemptAt))
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		r.check("OnJobFailed", e.name, e.hook.OnJobFailed(ctx, j, jobErr))
	}
}

// EmitJobCancelled notifies all extensions that implement JobCancelled.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	for _, e := range r.jobCancelled {
		r.check("OnJobCancelled", e.name, e.hook.OnJobCancelled(ctx, j))
	}
}

// EmitJobsRecovered notifies all extensions that implement JobsRecovered.
// Nothing is emitted for an empty slice.
func (r *Registry) EmitJobsRecovered(ctx context.Context, jobs []*job.Job) {
	if len(jobs) == 0 {
		return
	}
	for _, e := range r.jobsRecovered {
		r.check("OnJobsRecovered", e.name, e.hook.OnJobsRecovered(ctx, jobs))
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		r.check("OnShutdown", e.name, e.hook.OnShutdown(ctx))
	}
}

func (r *Registry) check(hook, extName string, err error) {
	if err == nil {
		return
	}
	r.logger.Warn("extension hook failed",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
