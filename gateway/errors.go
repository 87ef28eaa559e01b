package gateway

import (
	"errors"

	"github.com/ggoodman/chatfanout/registry"
)

var (
	// ErrUnknownEvent is acknowledged when a client sends an event name the
	// gateway does not handle.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrSlowConsumer is returned by Send when a connection's outbound
	// queue is full. The connection is closed.
	ErrSlowConsumer = errors.New("outbound queue full")
	// ErrConnClosed is returned by Send after a connection was closed.
	ErrConnClosed = errors.New("connection closed")
	// ErrShuttingDown rejects new connections once Shutdown started.
	ErrShuttingDown = errors.New("gateway shutting down")
)

func identityMismatch(op string) *registry.PreconditionError {
	return &registry.PreconditionError{Op: op, Reason: "user_id does not match the registered user"}
}

func notRegistered(op string) *registry.PreconditionError {
	return &registry.PreconditionError{Op: op, Reason: "user must be registered first"}
}
