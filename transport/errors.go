package transport

import (
	"errors"
	"fmt"

	"github.com/xraph/mailq/job"
)

// ErrAttemptTimeout is reported when an attempt outlives its deadline and
// is abandoned by the worker.
var ErrAttemptTimeout = errors.New("mailq: attempt timed out")

// Error attaches a failure class to a transport error.
type Error struct {
	Class job.FailureClass
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class) + " transport failure"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent marks err as a failure that will never succeed on retry:
// rejected credentials, malformed payloads, refused recipients.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: job.ClassPermanent, Err: err}
}

// Permanentf is Permanent(fmt.Errorf(format, args...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Transient marks err as a failure that may succeed later: timeouts,
// unreachable relays, throttling.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: job.ClassTransient, Err: err}
}

// Transientf is Transient(fmt.Errorf(format, args...)).
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Classify returns the failure class of err. The outermost *Error wins.
// Unclassified errors, including context cancellation, are transient.
func Classify(err error) job.FailureClass {
	var te *Error
	if errors.As(err, &te) && te.Class != "" {
		return te.Class
	}
	return job.ClassTransient
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == job.ClassPermanent
}
