package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/mailq"
)

// Outcome is the result of one dispatch attempt, recorded with
// Store.MarkResult.
type Outcome struct {
	// State is the post-attempt state: succeeded, retrying or failed.
	State State
	// Attempts is the attempt count including the attempt just finished.
	Attempts int
	// NextAttemptAt is required when State is retrying.
	NextAttemptAt time.Time
	// Class and Error describe the failure, if any.
	Class FailureClass
	Error string
	// At is when the attempt finished.
	At time.Time
	// Claim is the ClaimToken of the claim the attempt ran under.
	Claim string
}

// For binds the outcome to the claim held by claimed, the job returned
// by MarkRunning.
func (o Outcome) For(claimed *Job) Outcome {
	o.Claim = claimed.ClaimToken
	return o
}

// Succeeded builds the outcome of a delivered attempt.
func Succeeded(attempts int, at time.Time) Outcome {
	return Outcome{State: StateSucceeded, Attempts: attempts, At: at}
}

// Retry builds the outcome of a failed attempt that will be retried at next.
func Retry(attempts int, next time.Time, class FailureClass, err error, at time.Time) Outcome {
	return Outcome{
		State:         StateRetrying,
		Attempts:      attempts,
		NextAttemptAt: next,
		Class:         class,
		Error:         errString(err),
		At:            at,
	}
}

// Fail builds the outcome of a failed attempt that ends the job.
func Fail(attempts int, class FailureClass, err error, at time.Time) Outcome {
	return Outcome{
		State:    StateFailed,
		Attempts: attempts,
		Class:    class,
		Error:    errString(err),
		At:       at,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Claim moves a dispatchable job to running on behalf of owner and stamps
// a fresh claim token. It returns mailq.ErrConflict when the job is in any
// other state and leaves the job untouched.
func Claim(j *Job, owner string, now time.Time) error {
	if !j.State.IsDispatchable() {
		return fmt.Errorf("%w: claim %s in state %s", mailq.ErrConflict, j.ID, j.State)
	}
	j.State = StateRunning
	t := now.UTC()
	j.StartedAt = &t
	j.UpdatedAt = t
	j.Owner = owner
	j.ClaimToken = uuid.NewString()
	return nil
}

// Apply records the outcome of an attempt on a running job. An outcome
// whose claim is not the job's current claim fails with mailq.ErrClaimLost.
// Any transition other than running → {succeeded, retrying, failed}, an
// outcome without a claim, or an attempt count that moves backwards fails
// with mailq.ErrInvalidTransition. Either way the job is left untouched.
func Apply(j *Job, o Outcome) error {
	if o.Claim == "" {
		return fmt.Errorf("%w: outcome for %s carries no claim", mailq.ErrInvalidTransition, j.ID)
	}
	if o.Claim != j.ClaimToken {
		return fmt.Errorf("%w: %s is %s under another claim", mailq.ErrClaimLost, j.ID, j.State)
	}
	if j.State != StateRunning {
		return fmt.Errorf("%w: %s is %s, not running", mailq.ErrInvalidTransition, j.ID, j.State)
	}
	switch o.State {
	case StateSucceeded, StateFailed:
	case StateRetrying:
		if o.NextAttemptAt.IsZero() {
			return fmt.Errorf("%w: retry of %s without next attempt time", mailq.ErrInvalidTransition, j.ID)
		}
	default:
		return fmt.Errorf("%w: running → %s for %s", mailq.ErrInvalidTransition, o.State, j.ID)
	}
	if o.Attempts < j.Attempts {
		return fmt.Errorf("%w: attempts for %s would drop from %d to %d",
			mailq.ErrInvalidTransition, j.ID, j.Attempts, o.Attempts)
	}

	at := o.At.UTC()
	if o.At.IsZero() {
		at = time.Now().UTC()
	}

	j.State = o.State
	j.Attempts = o.Attempts
	j.UpdatedAt = at
	j.ClaimToken = ""
	switch o.State {
	case StateSucceeded:
		j.LastErrorClass = ""
		j.LastError = ""
		j.FinishedAt = &at
	case StateRetrying:
		j.NextAttemptAt = o.NextAttemptAt.UTC()
		j.LastErrorClass = o.Class
		j.LastError = o.Error
	case StateFailed:
		j.LastErrorClass = o.Class
		j.LastError = o.Error
		j.FinishedAt = &at
	}
	return nil
}

// Cancel withdraws a job that has not started its next attempt.
// It returns mailq.ErrConflict for running and terminal jobs.
func Cancel(j *Job, now time.Time) error {
	if !j.State.IsDispatchable() {
		return fmt.Errorf("%w: cancel %s in state %s", mailq.ErrConflict, j.ID, j.State)
	}
	t := now.UTC()
	j.State = StateCancelled
	j.UpdatedAt = t
	j.FinishedAt = &t
	return nil
}

// Unclaim reverts a claim under which no attempt started. State, StartedAt
// and Owner go back to prev, the job as listed before MarkRunning; nothing
// else was touched by the claim. A claim other than the job's current one
// fails with mailq.ErrClaimLost.
func Unclaim(j *Job, prev *Job, claim string, now time.Time) error {
	if claim == "" || claim != j.ClaimToken {
		return fmt.Errorf("%w: unclaim %s in state %s", mailq.ErrClaimLost, j.ID, j.State)
	}
	if j.State != StateRunning || !prev.State.IsDispatchable() {
		return fmt.Errorf("%w: unclaim %s back to %s", mailq.ErrInvalidTransition, j.ID, prev.State)
	}
	j.State = prev.State
	j.StartedAt = nil
	if prev.StartedAt != nil {
		t := *prev.StartedAt
		j.StartedAt = &t
	}
	j.Owner = prev.Owner
	j.ClaimToken = ""
	j.UpdatedAt = now.UTC()
	return nil
}

// Reclaim selects running jobs whose claim may be taken back.
type Reclaim struct {
	// Owner matches every job claimed by this instance name. A restarted
	// instance uses it for attempts its previous process left behind.
	// Empty matches no owner.
	Owner string
	// StaleBefore matches any job claimed before it, whoever the owner.
	// Zero disables the age check.
	StaleBefore time.Time
}

// Matches reports whether j is running under a claim r selects.
func (r Reclaim) Matches(j *Job) bool {
	if j.State != StateRunning {
		return false
	}
	if r.Owner != "" && j.Owner == r.Owner {
		return true
	}
	return !r.StaleBefore.IsZero() && (j.StartedAt == nil || j.StartedAt.Before(r.StaleBefore))
}

// Interrupt returns a job abandoned in running (its scheduler died mid
// attempt) to retrying, due immediately, and voids its claim so a late
// outcome from the old attempt is rejected. Attempts are left as they were
// so only finished attempts are counted. It reports whether the job changed.
func Interrupt(j *Job, now time.Time) bool {
	if j.State != StateRunning {
		return false
	}
	t := now.UTC()
	j.State = StateRetrying
	j.NextAttemptAt = t
	j.UpdatedAt = t
	j.ClaimToken = ""
	return true
}

// CanPurge reports whether the job may be removed by an explicit purge.
func CanPurge(j *Job) error {
	if !j.State.IsTerminal() {
		return fmt.Errorf("%w: purge %s in state %s", mailq.ErrConflict, j.ID, j.State)
	}
	return nil
}
