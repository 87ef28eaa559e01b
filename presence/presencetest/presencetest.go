// Package presencetest is a conformance suite for presence.Tracker implementations.
package presencetest

import (
	"context"
	"testing"

	"github.com/ggoodman/chatfanout/presence"
)

// RunTrackerTests exercises the Tracker contract. Implementations call it
// from their own tests with a factory returning an empty tracker.
func RunTrackerTests(t *testing.T, factory func(t *testing.T) presence.Tracker) {
	t.Run("FirstAndLastConnection", func(t *testing.T) {
		tr := factory(t)
		ctx := context.Background()

		first, err := tr.Online(ctx, "alice", presence.ConnKey("w1", "c1"))
		if err != nil || !first {
			t.Fatalf("first Online: first=%v err=%v", first, err)
		}
		first, err = tr.Online(ctx, "alice", presence.ConnKey("w2", "c9"))
		if err != nil || first {
			t.Fatalf("second Online: first=%v err=%v", first, err)
		}
		last, err := tr.Offline(ctx, "alice", presence.ConnKey("w1", "c1"))
		if err != nil || last {
			t.Fatalf("Offline with remaining conn: last=%v err=%v", last, err)
		}
		online, err := tr.IsOnline(ctx, "alice")
		if err != nil || !online {
			t.Fatalf("IsOnline: %v %v", online, err)
		}
		last, err = tr.Offline(ctx, "alice", presence.ConnKey("w2", "c9"))
		if err != nil || !last {
			t.Fatalf("final Offline: last=%v err=%v", last, err)
		}
		online, err = tr.IsOnline(ctx, "alice")
		if err != nil || online {
			t.Fatalf("IsOnline after last offline: %v %v", online, err)
		}
	})

	t.Run("DuplicateOnlineIsIdempotent", func(t *testing.T) {
		tr := factory(t)
		ctx := context.Background()
		if _, err := tr.Online(ctx, "bob", "w1/c1"); err != nil {
			t.Fatalf("Online: %v", err)
		}
		first, err := tr.Online(ctx, "bob", "w1/c1")
		if err != nil || first {
			t.Fatalf("duplicate Online: first=%v err=%v", first, err)
		}
		last, err := tr.Offline(ctx, "bob", "w1/c1")
		if err != nil || !last {
			t.Fatalf("Offline: last=%v err=%v", last, err)
		}
	})

	t.Run("UnknownOfflineReportsFalse", func(t *testing.T) {
		tr := factory(t)
		last, err := tr.Offline(context.Background(), "carol", "w1/nope")
		if err != nil || last {
			t.Fatalf("unknown Offline: last=%v err=%v", last, err)
		}
	})
}
