// Package queuetest is a conformance suite for jobqueue.Store
// implementations.
package queuetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/chatfanout/jobqueue"
	"github.com/google/uuid"
)

// Clock is a manually advanced time source shared by a store and a test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now().UTC().Truncate(time.Millisecond)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// StoreFactory creates a Store reading time from clock.
type StoreFactory func(t *testing.T, clock *Clock) jobqueue.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("AddClaimComplete", func(t *testing.T) { testAddClaimComplete(t, factory) })
	t.Run("AddIsIdempotentByID", func(t *testing.T) { testAddIdempotent(t, factory) })
	t.Run("ClaimEmptyQueue", func(t *testing.T) { testClaimEmpty(t, factory) })
	t.Run("ClaimRespectsRunAt", func(t *testing.T) { testClaimRespectsRunAt(t, factory) })
	t.Run("TransitionsRequireLeaseToken", func(t *testing.T) { testLeaseToken(t, factory) })
	t.Run("ExpiredLeaseIsReclaimed", func(t *testing.T) { testExpiredLease(t, factory) })
	t.Run("ExpiredLeaseWithoutAttemptsFails", func(t *testing.T) { testExpiredLeaseExhausted(t, factory) })
	t.Run("ExtendKeepsLease", func(t *testing.T) { testExtend(t, factory) })
	t.Run("RetryReschedules", func(t *testing.T) { testRetry(t, factory) })
	t.Run("FailedListsDeadLetters", func(t *testing.T) { testFailed(t, factory) })
	t.Run("IsolationBetweenQueues", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("GetUnknown", func(t *testing.T) { testGetUnknown(t, factory) })
}

func queueName() string { return "q_" + uuid.NewString() }

func newJob(queue string, clock *Clock, attempts int) *jobqueue.Job {
	now := clock.Now()
	return &jobqueue.Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Type:        "persist-message",
		Payload:     json.RawMessage(`{"id":"m1","participants":[]}`),
		State:       jobqueue.StateQueued,
		MaxAttempts: attempts,
		Backoff:     jobqueue.DefaultBackoff,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func mustAdd(t *testing.T, s jobqueue.Store, j *jobqueue.Job) {
	t.Helper()
	added, err := s.Add(context.Background(), j)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !added {
		t.Fatalf("add %s: reported duplicate", j.ID)
	}
}

func mustClaim(t *testing.T, s jobqueue.Store, queue, worker string, lease time.Duration) *jobqueue.Job {
	t.Helper()
	j, _, err := s.Claim(context.Background(), queue, worker, lease)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j == nil {
		t.Fatal("claim: expected a job")
	}
	return j
}

func expectNoClaim(t *testing.T, s jobqueue.Store, queue string) {
	t.Helper()
	if expired := expectNoClaimExpired(t, s, queue); len(expired) != 0 {
		t.Fatalf("unexpected expired jobs %v", expired)
	}
}

// expectNoClaimExpired is expectNoClaim returning the jobs the claim failed
// on lease expiry.
func expectNoClaimExpired(t *testing.T, s jobqueue.Store, queue string) []*jobqueue.Job {
	t.Helper()
	j, expired, err := s.Claim(context.Background(), queue, "w", time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j != nil {
		t.Fatalf("expected nothing due, claimed %s (state %s)", j.ID, j.State)
	}
	return expired
}

func mustGet(t *testing.T, s jobqueue.Store, queue, id string) *jobqueue.Job {
	t.Helper()
	j, err := s.Get(context.Background(), queue, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return j
}

func testAddClaimComplete(t *testing.T, factory StoreFactory) {
	clock := NewClock()
	s := factory(t, clock)
	ctx := context.Background()
	q := queueName()

	job := newJob(q, clock, 3)
	mustAdd(t, s, job)

	st, err := s.Stats(ctx, q)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Queued != 1 {
		t.Fatalf("expected 1 queued, got %+v", st)
	}

	got := mustClaim(t, s, q, "w1", 10*time.Second)
	if got.ID != job.ID || got.State != jobqueue.StateActive || got.Attempts != 1 {
		t.Fatalf("unexpected claimed job %+v", got)
	}
	if got.LeaseToken == "" || got.WorkerID != "w1" {
		t.Fatalf("claim did not lease the job: %+v", got)
	}
	if string(got.Payload) != string(job.Payload) {
		t.Fatalf("payload changed: %s", got.Payload)
	}
	if got.Type != job.Type || got.MaxAttempts != 3 {
		t.Fatalf("spec changed: %+v", got)
	}
	expectNoClaim(t, s, q)

	if err := s.Complete(ctx, q, got.ID, got.LeaseToken); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if j := mustGet(t, s, q, job.ID); j.State != jobqueue.StateCompleted {
		t.Fatalf("expected completed, got %s", j.State)
	}
	st, _ = s.Stats(ctx, q)
	if st.Completed != 1 || st.Active != 0 || st.Queued != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func testAddIdempotent(t *testing.T, factory StoreFactory) {
	clock := NewClock()
	s := factory(t, clock)
	q := queueName()
	job := newJob(q, clock, 3)
	mustAdd(t, s, job)

	dup := newJob(q, clock, 5)
	dup.ID = job.ID
	added, err := s.Add(context.Background(), dup)
	if err != nil {
		t.Fatalf("add dup: %v", err)
	}
	if added {
		t.Fatal("duplicate id was admitted twice")
	}
	if j := mustGet(t, s, q, job.ID); j.MaxAttempts != 3 {
		t.Fatalf("duplicate overwrote the original: %+v", j)
	}
}

func testClaimEmpty(t *testing.T, factory StoreFactory) {
	s := factory(t, NewClock())
	expectNoClaim(t, s, queueName())
}

func testClaimRespectsRunAt(t *testing.T, factory StoreFactory) {
	clock := NewClock()
	s := factory(t, clock)
	q := queueName()

	later := newJob(q, clock, 3)
	later.RunAt = clock.Now().Add(5 * time.Second)
	mustAdd(t, s, later)
	expectNoClaim(t, s, q)

	first := newJob(q, clock, 3)
	first.RunAt = clock.Now().Add(-2 * time.Second)
	mustAdd(t, s, first)
	second := newJob(q, clock, 3)
	second.RunAt = clock.Now().Add(-time.Second)
	mustAdd(t, s, second)

	if got := mustClaim(t, s, q, "w", time.Minute); got.ID != first.ID {
		t.Fatalf("expected earliest due job first")
	}
	if got := mustClaim(t, s, q, "w", time.Minute); got.ID != second.ID {
		t.Fatalf("expected second due job next")
	}
	expectNoClaim(t, s, q)

	clock.Advance(5 * time.Second)
	if got := mustClaim(t, s, q, "w", time.Minute); got.ID != later.ID {
		t.Fatalf("expected delayed job once due")
	}
}

func testLeaseToken(t *testing.T, factory StoreFactory) {
	clock := NewClock()
	s := factory(t, clock)
	ctx := context.Background()
	q := queueName()
	mustAdd(t, s, newJob(q, clock, 3))
	j := mustClaim(t, s, q, "w", time.Minute)

	bad := "not-" + j.LeaseToken
	if err := s.Complete(ctx, q, j.ID, bad); !errors.Is(err, jobqueue.ErrLeaseLost) {
		t.Fatalf("complete with wrong token: %v", err)
	}
	if err := s.Retry(ctx, q, j.ID, bad, clock.Now(), "x"); !errors.Is(err, jobqueue.ErrLeaseLost) {
		t.Fatalf("retry with wrong token: %v", err)
	}
	if err := s.Fail(ctx, q, j.ID, bad, "x"); !errors.Is(err, jobqueue.ErrLeaseLost) {
		t.Fatalf("fail with wrong token: %v", err)
	}
	if err := s.Extend(ctx, q, j.ID, bad, time.Minute); !errors.Is(err, jobqueue.ErrLeaseLost) {
		t.Fatalf("extend with wrong token: %v", err)
	}
	if err := s.Complete(ctx, q, j.ID, j.LeaseToken); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.Complete(ctx, q, j.ID, j.LeaseToken); !errors.Is(err, jobqueue.ErrLeaseLost) {
		t.Fatalf("second complete must fail, got %v", err)
	}
}

func testExpiredLease(t *testing.T, factory StoreFactory) {
	clock := NewClock()
	s := factory(t, clock)
	ctx := context.Background()
	q := queueName()
	mustAdd(t, s, newJob(q, clock, 3))

	first := mustClaim(t, s, q, "w1", time.Second)
	clock.Advance(2 * time.Second)

	second := mustClaim(t, s, q, "w2", time.Second)
	if second.ID != first.ID {
		t.Fatalf("expected the expired job to be reclaimed")
	}
	if second.Attempts != 2 {
		t.Fatalf("expected attempt 2, got %d", second.Attempts)
	}
	if second.LeaseToken == first.LeaseToken {
		t.Fatal("reclaimed job kept the old lease token")
	}
	if err := s.Complete(ctx, q, first.ID, first.LeaseToken); !errors.Is(err, jobqueue.ErrLeaseLost) {
		t.Fatalf("stale worker completed a reclaimed job: %v", err)
	}
	if err := s.Complete(ctx, q, second.ID, second.LeaseToken); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func testExpiredLeaseExhausted(t *testing.T, factory StoreFactory) {
	clock := NewClock()
	s := factory(t, clock)
	ctx := context.Background()
	q := queueName()
	job := newJob(q, clock, 1)
	mustAdd(t, s, job)

	mustClaim(t, s, q, "w1", time.Second)
	clock.Advance(2 * time.Second)
	expired := expectNoClaimExpired(t, s, q)
	if len(expired) != 1 || expired[0].ID != job.ID || expired[0].State != jobqueue.StateFailed {
		t.Fatalf("claim must report the job it failed: %+v", expired)
	}
	if expired[0].LastError != jobqueue.ErrLeaseExpired.Error() || expired[0].Attempts != 1 {
		t.Fatalf("expired job = %+v", expired[0])
	}
	expectNoClaim(t, s, q)

	j := mustGet(t, s, q, job.ID)
	if j.State != jobqueue.StateFailed {
		t.Fatalf("expected failed after lease expiry with no attempts left, got %s", j.State)
	}
	failed, err := s.Failed(ctx, q, 10)
	if err != nil {
		t.Fatalf("failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != job.ID {
		t.Fatalf("dead letter missing: %v", failed)
	}
}

func testExtend(t *testing.T, factory StoreFactory) {
	clock := NewClock()
	s := factory(t, clock)
	ctx := context.Background()
	q := queueName()
	mustAdd(t, s, newJob(q, clock, 3))
	j := mustClaim(t, s, q, "w1", time.Second)

	clock.Advance(800 * time.Millisecond)
	if err := s.Extend(ctx, q, j.ID, j.LeaseToken, time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}
	clock.Advance(800 * time.Millisecond)
	expectNoClaim(t, s, q)
	if err := s.Complete(ctx, q, j.ID, j.LeaseToken); err != nil {
		t.Fatalf("complete after extend: %v", err)
	}
}

func testRetry(t *testing.T, factory StoreFactory) {
	clock := NewClock()
	s := factory(t, clock)
	ctx := context.Background()
	q := queueName()
	mustAdd(t, s, newJob(q, clock, 3))
	j := mustClaim(t, s, q, "w", time.Minute)

	if err := s.Retry(ctx, q, j.ID, j.LeaseToken, clock.Now().Add(2*time.Second), "boom"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got := mustGet(t, s, q, j.ID)
	if got.State != jobqueue.StateQueued || got.LastError != "boom" || got.LeaseToken != "" {
		t.Fatalf("unexpected job after retry: %+v", got)
	}
	expectNoClaim(t, s, q)
	clock.Advance(2 * time.Second)
	again := mustClaim(t, s, q, "w", time.Minute)
	if again.ID != j.ID || again.Attempts != 2 {
		t.Fatalf("expected attempt 2 of %s, got %+v", j.ID, again)
	}
}

func testFailed(t *testing.T, factory StoreFactory) {
	clock := NewClock()
	s := factory(t, clock)
	ctx := context.Background()
	q := queueName()

	var ids []string
	for i := 0; i < 3; i++ {
		job := newJob(q, clock, 1)
		mustAdd(t, s, job)
		j := mustClaim(t, s, q, "w", time.Minute)
		if err := s.Fail(ctx, q, j.ID, j.LeaseToken, "fatal"); err != nil {
			t.Fatalf("fail: %v", err)
		}
		ids = append(ids, j.ID)
		clock.Advance(time.Second)
	}
	failed, err := s.Failed(ctx, q, 2)
	if err != nil {
		t.Fatalf("failed: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(failed))
	}
	if failed[0].ID != ids[2] || failed[1].ID != ids[1] {
		t.Fatalf("expected most recent first")
	}
	if failed[0].LastError != "fatal" || failed[0].State != jobqueue.StateFailed {
		t.Fatalf("unexpected dead letter %+v", failed[0])
	}
	st, _ := s.Stats(ctx, q)
	if st.Failed != 3 {
		t.Fatalf("expected 3 failed, got %+v", st)
	}
}

func testIsolation(t *testing.T, factory StoreFactory) {
	clock := NewClock()
	s := factory(t, clock)
	a, b := queueName(), queueName()
	mustAdd(t, s, newJob(a, clock, 3))
	expectNoClaim(t, s, b)
	mustClaim(t, s, a, "w", time.Minute)
}

func testGetUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t, NewClock())
	if _, err := s.Get(context.Background(), queueName(), "missing"); !errors.Is(err, jobqueue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
