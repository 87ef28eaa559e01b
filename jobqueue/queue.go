package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Queue admits jobs into one named queue of a Store.
type Queue struct {
	name  string
	store Store
	settings
}

func NewQueue(name string, store Store, opts ...Option) *Queue {
	return &Queue{name: name, store: store, settings: newSettings(opts)}
}

func (q *Queue) Name() string { return q.name }

// Store exposes the backing store, for inspection tools.
func (q *Queue) Store() Store { return q.store }

type enqueueOptions struct {
	attempts int
	backoff  Backoff
	delay    time.Duration
	id       string
}

// EnqueueOption overrides the queue's defaults for one job.
type EnqueueOption func(*enqueueOptions)

// WithAttempts sets the total number of executions, first included.
func WithAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.attempts = n
		}
	}
}

func WithBackoff(b Backoff) EnqueueOption { return func(o *enqueueOptions) { o.backoff = b } }

// WithDelay defers the first attempt.
func WithDelay(d time.Duration) EnqueueOption { return func(o *enqueueOptions) { o.delay = d } }

// WithJobID makes the enqueue idempotent: a second enqueue with the same ID
// returns the existing job.
func WithJobID(id string) EnqueueOption { return func(o *enqueueOptions) { o.id = id } }

// Enqueue admits a job of jobType carrying payload, which is JSON encoded
// unless it already is a json.RawMessage. Store failures are returned as
// *UnavailableError.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts ...EnqueueOption) (*Job, error) {
	if jobType == "" {
		return nil, fmt.Errorf("enqueue on %s: job type is required", q.name)
	}
	raw, ok := payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", jobType, err)
		}
		raw = b
	}

	o := enqueueOptions{attempts: q.attempts, backoff: q.backoff}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	now := q.now().UTC()
	job := &Job{
		ID:          o.id,
		Queue:       q.name,
		Type:        jobType,
		Payload:     raw,
		State:       StateQueued,
		MaxAttempts: o.attempts,
		Backoff:     o.backoff,
		RunAt:       now.Add(o.delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	added, err := q.store.Add(ctx, job)
	if err != nil {
		q.metrics.EnqueueFailed(q.name)
		q.log.ErrorContext(ctx, "job.enqueue.fail", slog.String("queue", q.name), slog.String("type", jobType), slog.String("err", err.Error()))
		return nil, &UnavailableError{Queue: q.name, Err: err}
	}
	if !added {
		existing, err := q.store.Get(ctx, q.name, job.ID)
		if err != nil {
			return nil, &UnavailableError{Queue: q.name, Err: err}
		}
		q.log.DebugContext(ctx, "job.enqueue.duplicate", slog.String("queue", q.name), slog.String("job_id", job.ID))
		return existing, nil
	}
	q.metrics.JobEnqueued(q.name)
	q.log.InfoContext(ctx, "job.enqueue.ok", slog.String("queue", q.name), slog.String("type", jobType), slog.String("job_id", job.ID))
	return job, nil
}
