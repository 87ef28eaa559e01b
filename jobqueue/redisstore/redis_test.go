package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/chatfanout/jobqueue"
	"github.com/ggoodman/chatfanout/jobqueue/queuetest"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("skipping redis job store tests: %v", err)
	}
	defer client.Close()

	queuetest.RunStoreTests(t, func(t *testing.T, clock *queuetest.Clock) jobqueue.Store {
		return New(client, WithKeyPrefix("jobtest:"+uuid.NewString()+":"), WithClock(clock.Now))
	})
}

func TestDecodeJob(t *testing.T) {
	j, err := decodeJob(map[string]string{
		"spec":        `{"id":"j1","queue":"messages","type":"persist-message","payload":{"a":1},"max_attempts":3,"backoff":{"kind":"exponential","delay":2000000000}}`,
		"state":       "active",
		"attempts":    "2",
		"run_at":      "1700000000000",
		"lease_until": "0",
		"token":       "tok",
		"worker":      "w1",
		"last_error":  "boom",
		"updated_at":  "1700000001000",
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if j.ID != "j1" || j.State != jobqueue.StateActive || j.Attempts != 2 || j.MaxAttempts != 3 {
		t.Fatalf("unexpected job %+v", j)
	}
	if !j.LeaseUntil.IsZero() {
		t.Fatalf("zero lease should decode as zero time, got %v", j.LeaseUntil)
	}
	if j.RunAt.UnixMilli() != 1700000000000 || j.LastError != "boom" || j.LeaseToken != "tok" {
		t.Fatalf("unexpected mutable fields %+v", j)
	}
	if _, err := decodeJob(map[string]string{"spec": "not json"}); err == nil {
		t.Fatal("expected error for a corrupt spec")
	}
}
