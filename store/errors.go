package store

import "errors"

var (
	// ErrNotFound is returned for unknown messages. Job handlers retry it,
	// since the persist job of a message may not have run yet.
	ErrNotFound = errors.New("message not found")

	// ErrForbidden is returned when a user edits or deletes for everyone a
	// message they did not send.
	ErrForbidden = errors.New("only the sender may change this message")
)
