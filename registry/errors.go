package registry

import (
	"errors"
	"fmt"
)

// ErrPrecondition matches any *PreconditionError via errors.Is.
var ErrPrecondition = errors.New("precondition failed")

// PreconditionError reports an operation attempted from a state that does
// not allow it, such as joining a room before registering.
type PreconditionError struct {
	Op     string // register, join, leave, ...
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *PreconditionError) Is(target error) bool { return target == ErrPrecondition }

func unknownConn(op string) *PreconditionError {
	return &PreconditionError{Op: op, Reason: "unknown connection"}
}

func unregistered(op string) *PreconditionError {
	return &PreconditionError{Op: op, Reason: "user must be registered first"}
}
