package jobqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable matches any *UnavailableError via errors.Is.
	ErrUnavailable = errors.New("queue unavailable")

	// ErrLeaseLost is returned when a transition presents a lease token that
	// no longer owns the job, typically because the lease expired and the job
	// was reclaimed.
	ErrLeaseLost = errors.New("lease lost")

	// ErrNotFound is returned by Store.Get for unknown jobs.
	ErrNotFound = errors.New("job not found")

	// ErrLeaseExpired is the failure of a job whose last attempt's lease
	// ran out before the attempt finished.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrNoHandler fails jobs whose type has no registered handler.
	ErrNoHandler = errors.New("no handler registered for job type")
)

// UnavailableError reports that the backing store could not be reached.
// Enqueue callers on the real-time path log it and carry on.
type UnavailableError struct {
	Queue string
	Err   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("queue %q unavailable: %v", e.Queue, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// permanentError marks a handler failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker fails the job immediately instead of
// scheduling another attempt. Use it for malformed payloads.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
