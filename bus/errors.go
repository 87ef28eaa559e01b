package bus

import (
	"errors"
	"fmt"
)

// ErrUnavailable matches any *UnavailableError via errors.Is.
var ErrUnavailable = errors.New("bus unavailable")

// ErrClosed is wrapped by UnavailableError when the bus itself was closed.
var ErrClosed = errors.New("bus closed")

// UnavailableError reports that the shared transport could not accept or
// deliver a publish. Callers propagate it; fanout that already happened
// locally is not rolled back.
type UnavailableError struct {
	Topic string
	Err   error
}

func (e *UnavailableError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("bus unavailable: %v", e.Err)
	}
	return fmt.Sprintf("bus unavailable for topic %q: %v", e.Topic, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }
