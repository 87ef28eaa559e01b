package balancer

import (
	"errors"
	"fmt"
)

// ErrNoHealthyBackend matches any *NoHealthyBackendError via errors.Is.
var ErrNoHealthyBackend = errors.New("no healthy backend")

// NoHealthyBackendError is returned by SelectInstance when every instance
// is marked unhealthy. Callers answer with 503 rather than retrying.
type NoHealthyBackendError struct {
	Total int // instances configured
}

func (e *NoHealthyBackendError) Error() string {
	return fmt.Sprintf("no healthy backend among %d instances", e.Total)
}

func (e *NoHealthyBackendError) Is(target error) bool { return target == ErrNoHealthyBackend }
