package memorystore

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/chatfanout/jobqueue"
	"github.com/ggoodman/chatfanout/jobqueue/queuetest"
)

func TestMemoryStore(t *testing.T) {
	queuetest.RunStoreTests(t, func(t *testing.T, clock *queuetest.Clock) jobqueue.Store {
		return New(WithClock(clock.Now))
	})
}

func TestCompletedRetention(t *testing.T) {
	clock := queuetest.NewClock()
	s := New(WithClock(clock.Now), WithCompletedRetention(2))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		now := clock.Now()
		job := &jobqueue.Job{ID: string(rune('a' + i)), Queue: "q", Type: "t", MaxAttempts: 1, RunAt: now, CreatedAt: now, UpdatedAt: now}
		if _, err := s.Add(ctx, job); err != nil {
			t.Fatalf("add: %v", err)
		}
		j, _, err := s.Claim(ctx, "q", "w", time.Minute)
		if err != nil || j == nil {
			t.Fatalf("claim: %v %v", j, err)
		}
		if err := s.Complete(ctx, "q", j.ID, j.LeaseToken); err != nil {
			t.Fatalf("complete: %v", err)
		}
		ids = append(ids, j.ID)
		clock.Advance(time.Second)
	}

	st, _ := s.Stats(ctx, "q")
	if st.Completed != 2 {
		t.Fatalf("expected 2 retained, got %d", st.Completed)
	}
	if _, err := s.Get(ctx, "q", ids[0]); err != jobqueue.ErrNotFound {
		t.Fatalf("oldest completed job should be trimmed, got %v", err)
	}
	if _, err := s.Get(ctx, "q", ids[3]); err != nil {
		t.Fatalf("newest completed job should be kept: %v", err)
	}
}

func TestClaimBreaksTiesByAdmission(t *testing.T) {
	clock := queuetest.NewClock()
	s := New(WithClock(clock.Now))
	ctx := context.Background()
	now := clock.Now()
	for _, id := range []string{"z", "a", "m"} {
		if _, err := s.Add(ctx, &jobqueue.Job{ID: id, Queue: "q", Type: "t", MaxAttempts: 1, RunAt: now}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	for _, want := range []string{"z", "a", "m"} {
		j, _, err := s.Claim(ctx, "q", "w", time.Minute)
		if err != nil || j == nil {
			t.Fatalf("claim: %v %v", j, err)
		}
		if j.ID != want {
			t.Fatalf("expected %s, got %s", want, j.ID)
		}
	}
}
