package jobqueue

import (
	"context"
	"time"
)

// Store is the durable backing of one or more queues. Implementations must
// make every transition of an active job conditional on its lease token so
// that at most one attempt of a job is active at any time.
type Store interface {
	// Add admits job in the queued state. When a job with the same ID already
	// exists in the queue, Add leaves it untouched and reports added=false.
	Add(ctx context.Context, job *Job) (added bool, err error)

	// Claim leases the next due job of queue to workerID, incrementing its
	// attempt count. job is nil when nothing is due.
	//
	// Expired leases found on the way are reclaimed first: back to queued,
	// or failed when no attempts remain. Jobs failed this way are returned
	// in expired, whether or not a job was claimed, so the caller can
	// report them.
	Claim(ctx context.Context, queue, workerID string, lease time.Duration) (job *Job, expired []*Job, err error)

	// Extend pushes the lease deadline of an active job.
	Extend(ctx context.Context, queue, id, token string, lease time.Duration) error

	// Complete moves an active job to completed.
	Complete(ctx context.Context, queue, id, token string) error

	// Retry moves an active job back to queued, due at runAt.
	Retry(ctx context.Context, queue, id, token string, runAt time.Time, lastErr string) error

	// Fail moves an active job to failed.
	Fail(ctx context.Context, queue, id, token string, lastErr string) error

	// Get returns a snapshot of a job or ErrNotFound.
	Get(ctx context.Context, queue, id string) (*Job, error)

	// Failed lists up to limit failed jobs, most recent first.
	Failed(ctx context.Context, queue string, limit int) ([]*Job, error)

	// Stats counts jobs per state.
	Stats(ctx context.Context, queue string) (Stats, error)
}
