// Package jobqueue is a durable job queue with retries, backoff, and
// lease-protected execution. Queues are independent: a backlog on one never
// delays another.
//
// A Job moves through
//
//	queued -> active -> completed
//	            |
//	            +-> queued (retry, after backoff) -> active -> ...
//	            +-> failed (attempts exhausted; terminal)
//
// An active job is held under a lease. Every transition out of active must
// present the lease token issued by Claim, so a worker whose lease expired
// and was reclaimed can no longer complete or retry the job.
package jobqueue

import (
	"encoding/json"
	"time"
)

// Queue names used by the chat pipeline.
const (
	QueueMessages      = "messages"
	QueueNotifications = "notifications"
)

// State is the lifecycle position of a Job.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// Backoff is a retry delay policy.
type Backoff struct {
	Kind  BackoffKind   `json:"kind"`
	Delay time.Duration `json:"delay"`
}

// DefaultBackoff doubles from two seconds: 2s, 4s, 8s, ...
var DefaultBackoff = Backoff{Kind: BackoffExponential, Delay: 2 * time.Second}

// DefaultAttempts is the number of executions a job gets before it fails.
const DefaultAttempts = 3

// maxShift keeps the exponent from overflowing a Duration.
const maxShift = 30

// After returns the delay before retry number n (1-based): the wait
// following the n-th failed attempt.
func (b Backoff) After(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	switch b.Kind {
	case BackoffFixed:
		return b.Delay
	default:
		shift := n - 1
		if shift > maxShift {
			shift = maxShift
		}
		return b.Delay * time.Duration(1<<shift)
	}
}

// Job is one unit of deferred work.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"` // executions started so far
	MaxAttempts int             `json:"max_attempts"`
	Backoff     Backoff         `json:"backoff"`
	LastError   string          `json:"last_error,omitempty"`
	RunAt       time.Time       `json:"run_at"`
	LeaseUntil  time.Time       `json:"lease_until,omitempty"`
	LeaseToken  string          `json:"lease_token,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Exhausted reports whether the job has used every attempt.
func (j *Job) Exhausted() bool { return j.Attempts >= j.MaxAttempts }

// Clone returns a deep copy, so stores can hand out jobs without sharing
// mutable state.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	return &c
}

// Stats counts jobs per state in one queue.
type Stats struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
