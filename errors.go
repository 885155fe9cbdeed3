package mailq

import (
	"errors"
	"fmt"

	"github.com/xraph/mailq/id"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("mailq: no store configured")
	ErrStoreClosed = errors.New("mailq: store closed")

	// ErrNotFound is returned for an unknown job id or idempotency key.
	ErrNotFound = errors.New("mailq: job not found")

	// ErrDuplicateKey is returned by stores when the idempotency key already
	// maps to a non-purged job. Use errors.As with *DuplicateKeyError to
	// recover the existing job id.
	ErrDuplicateKey = errors.New("mailq: duplicate idempotency key")

	// ErrConflict means the operation was attempted on a job in an
	// ineligible state. Callers should re-read the job.
	ErrConflict = errors.New("mailq: job state conflict")

	// ErrInvalidTransition signals a state machine violation. It should
	// never occur in correct operation and is treated as a defect.
	ErrInvalidTransition = errors.New("mailq: invalid state transition")

	// ErrClaimLost rejects an outcome or release whose claim token no
	// longer matches the job: the claim was reclaimed and possibly taken
	// by another scheduler. The caller's attempt result is discarded.
	ErrClaimLost = errors.New("mailq: claim lost")

	// ErrInvalidJob rejects an enqueue with missing or malformed fields.
	ErrInvalidJob = errors.New("mailq: invalid job")

	// Transport errors.
	ErrNoTransport = errors.New("mailq: no transport registered")
)

// DuplicateKeyError carries the id of the job that already owns an
// idempotency key.
type DuplicateKeyError struct {
	Key string
	ID  id.JobID
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("mailq: idempotency key %q already maps to job %s", e.Key, e.ID)
}

// Unwrap lets errors.Is match ErrDuplicateKey.
func (e *DuplicateKeyError) Unwrap() error { return ErrDuplicateKey }
