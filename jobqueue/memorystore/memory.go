// Package memorystore implements jobqueue.Store in process memory. It is
// used for tests and single-node development; jobs do not survive a restart.
package memorystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/chatfanout/jobqueue"
	"github.com/google/uuid"
)

const defaultCompletedRetention = 1000

type Store struct {
	now       func() time.Time
	retention int

	mu     sync.Mutex
	seq    int64
	queues map[string]*queueData
}

type queueData struct {
	jobs map[string]*entry
}

type entry struct {
	job *jobqueue.Job
	seq int64 // admission order; breaks RunAt ties
}

type Option func(*Store)

// WithClock replaces time.Now, for tests driving lease expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCompletedRetention bounds how many completed jobs are kept per queue.
func WithCompletedRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		now:       time.Now,
		retention: defaultCompletedRetention,
		queues:    make(map[string]*queueData),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) queue(name string) *queueData {
	q, ok := s.queues[name]
	if !ok {
		q = &queueData{jobs: make(map[string]*entry)}
		s.queues[name] = q
	}
	return q
}

func (s *Store) Add(ctx context.Context, job *jobqueue.Job) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(job.Queue)
	if _, exists := q.jobs[job.ID]; exists {
		return false, nil
	}
	s.seq++
	j := job.Clone()
	j.State = jobqueue.StateQueued
	q.jobs[j.ID] = &entry{job: j, seq: s.seq}
	return true, nil
}

func (s *Store) Claim(ctx context.Context, queue, workerID string, lease time.Duration) (*jobqueue.Job, []*jobqueue.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	q := s.queue(queue)

	var (
		next    *entry
		expired []*jobqueue.Job
	)
	for _, e := range q.jobs {
		j := e.job
		if j.State == jobqueue.StateActive && !j.LeaseUntil.After(now) && reclaim(j, now) {
			expired = append(expired, j.Clone())
		}
		if j.State != jobqueue.StateQueued || j.RunAt.After(now) {
			continue
		}
		if next == nil || j.RunAt.Before(next.job.RunAt) || (j.RunAt.Equal(next.job.RunAt) && e.seq < next.seq) {
			next = e
		}
	}
	if next == nil {
		return nil, expired, nil
	}
	j := next.job
	j.State = jobqueue.StateActive
	j.Attempts++
	j.LeaseToken = uuid.NewString()
	j.LeaseUntil = now.Add(lease)
	j.WorkerID = workerID
	j.UpdatedAt = now
	return j.Clone(), expired, nil
}

// reclaim returns a job whose lease expired to the queue, or fails it when
// its attempts are spent and reports true.
func reclaim(j *jobqueue.Job, now time.Time) (failed bool) {
	j.LeaseToken = ""
	j.LeaseUntil = time.Time{}
	j.LastError = jobqueue.ErrLeaseExpired.Error()
	j.UpdatedAt = now
	if j.Exhausted() {
		j.State = jobqueue.StateFailed
		return true
	}
	j.State = jobqueue.StateQueued
	j.RunAt = now
	return false
}

// owned returns the active job id held under token.
func (s *Store) owned(queue, id, token string) (*jobqueue.Job, error) {
	q := s.queue(queue)
	e, ok := q.jobs[id]
	if !ok {
		return nil, jobqueue.ErrNotFound
	}
	j := e.job
	if j.State != jobqueue.StateActive || j.LeaseToken == "" || j.LeaseToken != token {
		return nil, jobqueue.ErrLeaseLost
	}
	return j, nil
}

func (s *Store) Extend(ctx context.Context, queue, id, token string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(queue, id, token)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	j.LeaseUntil = now.Add(lease)
	j.UpdatedAt = now
	return nil
}

func (s *Store) Complete(ctx context.Context, queue, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(queue, id, token)
	if err != nil {
		return err
	}
	j.State = jobqueue.StateCompleted
	j.LeaseToken = ""
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = s.now().UTC()
	s.trimCompleted(s.queue(queue))
	return nil
}

func (s *Store) trimCompleted(q *queueData) {
	var done []*entry
	for _, e := range q.jobs {
		if e.job.State == jobqueue.StateCompleted {
			done = append(done, e)
		}
	}
	if len(done) <= s.retention {
		return
	}
	sort.Slice(done, func(a, b int) bool { return done[a].job.UpdatedAt.Before(done[b].job.UpdatedAt) })
	for _, e := range done[:len(done)-s.retention] {
		delete(q.jobs, e.job.ID)
	}
}

func (s *Store) Retry(ctx context.Context, queue, id, token string, runAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(queue, id, token)
	if err != nil {
		return err
	}
	j.State = jobqueue.StateQueued
	j.LeaseToken = ""
	j.LeaseUntil = time.Time{}
	j.RunAt = runAt.UTC()
	j.LastError = lastErr
	j.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) Fail(ctx context.Context, queue, id, token string, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.owned(queue, id, token)
	if err != nil {
		return err
	}
	j.State = jobqueue.StateFailed
	j.LeaseToken = ""
	j.LeaseUntil = time.Time{}
	j.LastError = lastErr
	j.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) Get(ctx context.Context, queue, id string) (*jobqueue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue(queue).jobs[id]
	if !ok {
		return nil, jobqueue.ErrNotFound
	}
	return e.job.Clone(), nil
}

func (s *Store) Failed(ctx context.Context, queue string, limit int) ([]*jobqueue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*jobqueue.Job
	for _, e := range s.queue(queue).jobs {
		if e.job.State == jobqueue.StateFailed {
			out = append(out, e.job.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.After(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context, queue string) (jobqueue.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st jobqueue.Stats
	for _, e := range s.queue(queue).jobs {
		switch e.job.State {
		case jobqueue.StateQueued:
			st.Queued++
		case jobqueue.StateActive:
			st.Active++
		case jobqueue.StateCompleted:
			st.Completed++
		case jobqueue.StateFailed:
			st.Failed++
		}
	}
	return st, nil
}

var _ jobqueue.Store = (*Store)(nil)
