package job

import (
	"context"
	"time"

	"github.com/xraph/mailq/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// State filters by job state. Empty means all states.
	State State
	// Transport filters by transport name. Empty means all transports.
	Transport string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// State filters by job state. Empty means all states.
	State State
	// Transport filters by transport name. Empty means all transports.
	Transport string
}

// Store defines the persistence contract for jobs. Every mutating method
// is a single atomic operation: a concurrent reader observes the job either
// before or after it, never in between.
type Store interface {
	// PutJob persists a new job. If the idempotency key already maps to a
	// job it returns *mailq.DuplicateKeyError carrying that job's id.
	PutJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID, or mailq.ErrNotFound.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// GetJobByKey retrieves a job by idempotency key, or mailq.ErrNotFound.
	GetJobByKey(ctx context.Context, key string) (*Job, error)

	// ListDue returns up to limit pending or retrying jobs with
	// NextAttemptAt <= now, ordered by NextAttemptAt, then CreatedAt, then ID.
	// Jobs on the skipped transports are left out before the limit applies.
	ListDue(ctx context.Context, now time.Time, limit int, skip ...string) ([]*Job, error)

	// MarkRunning atomically moves a pending or retrying job to running
	// under owner, stamps a new ClaimToken and returns the job. Any other
	// state yields mailq.ErrConflict.
	MarkRunning(ctx context.Context, jobID id.JobID, owner string, now time.Time) (*Job, error)

	// MarkResult atomically applies an attempt outcome to a running job.
	// The change is durable when MarkResult returns. An outcome whose
	// claim is no longer current yields mailq.ErrClaimLost; violations of
	// the state machine yield mailq.ErrInvalidTransition.
	MarkResult(ctx context.Context, jobID id.JobID, o Outcome) (*Job, error)

	// Unclaim atomically reverts a claim under which no attempt started,
	// restoring the state prev had. A stale claim yields mailq.ErrClaimLost.
	Unclaim(ctx context.Context, prev *Job, claim string, now time.Time) (*Job, error)

	// Cancel moves a pending or retrying job to cancelled, or returns
	// mailq.ErrConflict.
	Cancel(ctx context.Context, jobID id.JobID, now time.Time) (*Job, error)

	// Purge removes a terminal job and frees its idempotency key.
	// Non-terminal jobs yield mailq.ErrConflict.
	Purge(ctx context.Context, jobID id.JobID) error

	// InterruptRunning moves the running jobs r selects back to retrying,
	// due at now, voids their claims and returns them.
	InterruptRunning(ctx context.Context, r Reclaim, now time.Time) ([]*Job, error)

	// NextDueAt returns the earliest NextAttemptAt among pending and
	// retrying jobs. ok is false when there are none.
	NextDueAt(ctx context.Context) (t time.Time, ok bool, err error)

	// ListJobs returns jobs newest first.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// PurgeTerminalBefore removes terminal jobs last updated before the
	// cutoff and returns how many were removed.
	PurgeTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}
