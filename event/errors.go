package event

import (
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned when an envelope carries a name that has no
// registered payload schema.
var ErrUnknownEvent = errors.New("unknown event")

// ValidationError indicates missing or malformed caller input. It is surfaced
// to the caller as a failed acknowledgement and never tears down the
// connection that produced it.
type ValidationError struct {
	Field  string // which field is invalid
	Reason string // why it's invalid
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid input: %s", e.Reason)
}

// Required builds a ValidationError for an absent field.
func Required(field string) *ValidationError {
	return &ValidationError{Field: field, Reason: "is required"}
}
