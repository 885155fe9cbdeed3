package job

import (
	"time"

	"github.com/xraph/mailq"
	"github.com/xraph/mailq/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting for its first attempt.
	StatePending State = "pending"
	// StateRunning means a worker owns the job and an attempt is in flight.
	StateRunning State = "running"
	// StateSucceeded means the transport accepted the message.
	StateSucceeded State = "succeeded"
	// StateFailed means the job will not be attempted again.
	StateFailed State = "failed"
	// StateRetrying means an attempt failed and another is scheduled.
	StateRetrying State = "retrying"
	// StateCancelled means the caller withdrew the job before delivery.
	StateCancelled State = "cancelled"
)

// States lists every state in lifecycle order.
var States = []State{
	StatePending, StateRunning, StateRetrying,
	StateSucceeded, StateFailed, StateCancelled,
}

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsDispatchable reports whether a job in state s may be claimed.
func (s State) IsDispatchable() bool {
	return s == StatePending || s == StateRetrying
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// FailureClass tells the backoff policy whether retrying can help.
type FailureClass string

const (
	// ClassTransient failures may succeed on a later attempt.
	ClassTransient FailureClass = "transient"
	// ClassPermanent failures will never succeed.
	ClassPermanent FailureClass = "permanent"
)

// Job represents a single outbound message tracked by the scheduler.
type Job struct {
	mailq.Entity

	ID             id.JobID     `json:"id"`
	IdempotencyKey string       `json:"idempotency_key"`
	Transport      string       `json:"transport"`
	Payload        []byte       `json:"payload"`
	State          State        `json:"state"`
	Attempts       int          `json:"attempts"`
	MaxAttempts    int          `json:"max_attempts"`
	NextAttemptAt  time.Time    `json:"next_attempt_at"`
	LastErrorClass FailureClass `json:"last_error_class,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`

	// Owner names the scheduler instance that holds, or last held, the
	// claim. ClaimToken is set only while running and fences outcomes:
	// MarkResult accepts only the token MarkRunning handed out.
	Owner      string `json:"owner,omitempty"`
	ClaimToken string `json:"claim_token,omitempty"`
}

// New builds a pending job ready to be persisted. The caller's options
// are applied on top of maxAttempts and an immediate NextAttemptAt.
func New(key, transport string, payload []byte, maxAttempts int, opts ...Option) *Job {
	o := Options{MaxAttempts: maxAttempts}
	for _, opt := range opts {
		opt(&o)
	}

	ent := mailq.NewEntity()
	next := ent.CreatedAt
	if !o.NotBefore.IsZero() && o.NotBefore.After(next) {
		next = o.NotBefore.UTC()
	}

	return &Job{
		Entity:         ent,
		ID:             id.NewJobID(),
		IdempotencyKey: key,
		Transport:      transport,
		Payload:        payload,
		State:          StatePending,
		MaxAttempts:    o.MaxAttempts,
		NextAttemptAt:  next,
	}
}

// Clone returns a deep copy so callers cannot alias store-owned memory.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
