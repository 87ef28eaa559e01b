// Package bustest is a conformance suite for bus.Bus implementations.
package bustest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/chatfanout/bus"
	"github.com/google/uuid"
)

// BusFactory creates a fresh Bus for one subtest.
type BusFactory func(t *testing.T) bus.Bus

// RunBusTests runs the complete Bus test suite against the provided factory.
func RunBusTests(t *testing.T, factory BusFactory) {
	t.Run("PublishReachesSubscriber", func(t *testing.T) { testPublishReachesSubscriber(t, factory) })
	t.Run("OrderPreservedPerTopic", func(t *testing.T) { testOrderPreserved(t, factory) })
	t.Run("FanOut_AllSubscribersReceiveAll", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("IsolationBetweenTopics", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("LateSubscriberOnlySeesLaterEvents", func(t *testing.T) { testLateSubscriber(t, factory) })
	t.Run("HandlerErrorTerminatesOnlyThatSubscriber", func(t *testing.T) { testHandlerError(t, factory) })
	t.Run("CloseStopsDelivery", func(t *testing.T) { testClose(t, factory) })
	t.Run("CloseFromHandler", func(t *testing.T) { testCloseFromHandler(t, factory) })
	t.Run("CancellationStopsSubscription", func(t *testing.T) { testCancellation(t, factory) })
	t.Run("SharedBusAcrossInstances", func(t *testing.T) { testShared(t, factory) })
}

func topic(prefix string) string { return prefix + "_" + uuid.NewString() }

// collector records payloads delivered to a handler.
type collector struct {
	mu   sync.Mutex
	got  []string
	seen chan struct{}
}

func newCollector() *collector { return &collector{seen: make(chan struct{}, 1024)} }

func (c *collector) handle(ctx context.Context, data []byte) error {
	c.mu.Lock()
	c.got = append(c.got, string(data))
	c.mu.Unlock()
	c.seen <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.seen:
		case <-deadline:
			c.mu.Lock()
			defer c.mu.Unlock()
			t.Fatalf("timed out waiting for %d events, got %d: %v", n, len(c.got), c.got)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func testPublishReachesSubscriber(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tp := topic("chat")
	c := newCollector()
	sub, err := b.Subscribe(ctx, tp, c.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, tp, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := c.wait(t, 1)
	if got[0] != "hello" {
		t.Fatalf("expected hello, got %q", got[0])
	}
}

func testOrderPreserved(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tp := topic("order")
	c := newCollector()
	sub, err := b.Subscribe(ctx, tp, c.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	const n = 50
	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, tp, []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	got := c.wait(t, n)
	for i, v := range got {
		if v != strconv.Itoa(i) {
			t.Fatalf("out of order at %d: got %q", i, v)
		}
	}
}

func testFanOut(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tp := topic("fanout")
	cs := []*collector{newCollector(), newCollector(), newCollector()}
	for _, c := range cs {
		sub, err := b.Subscribe(ctx, tp, c.handle)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer sub.Close()
	}
	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, tp, []byte(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for i, c := range cs {
		got := c.wait(t, 3)
		if got[0] != "e0" || got[1] != "e1" || got[2] != "e2" {
			t.Fatalf("subscriber %d got %v", i, got)
		}
	}
}

func testIsolation(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, other := topic("a"), topic("b")
	ca, cb := newCollector(), newCollector()
	subA, err := b.Subscribe(ctx, a, ca.handle)
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	defer subA.Close()
	subB, err := b.Subscribe(ctx, other, cb.handle)
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	defer subB.Close()

	if err := b.Publish(ctx, a, []byte("only-a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, other, []byte("only-b")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := ca.wait(t, 1); len(got) != 1 || got[0] != "only-a" {
		t.Fatalf("topic a got %v", got)
	}
	if got := cb.wait(t, 1); len(got) != 1 || got[0] != "only-b" {
		t.Fatalf("topic b got %v", got)
	}
}

func testLateSubscriber(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tp := topic("late")
	if err := b.Publish(ctx, tp, []byte("before")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c := newCollector()
	sub, err := b.Subscribe(ctx, tp, c.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if err := b.Publish(ctx, tp, []byte("after")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := c.wait(t, 1)
	if got[0] != "after" {
		t.Fatalf("late subscriber saw %q first", got[0])
	}
	time.Sleep(100 * time.Millisecond)
	if n := c.count(); n != 1 {
		t.Fatalf("expected exactly 1 event, got %d", n)
	}
}

func testHandlerError(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tp := topic("err")
	boom := errors.New("boom")
	failing, err := b.Subscribe(ctx, tp, func(ctx context.Context, data []byte) error { return boom })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	c := newCollector()
	healthy, err := b.Subscribe(ctx, tp, c.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer healthy.Close()

	if err := b.Publish(ctx, tp, []byte("1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-failing.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("failing subscription did not stop")
	}
	if !errors.Is(failing.Err(), boom) {
		t.Fatalf("expected handler error, got %v", failing.Err())
	}
	if err := b.Publish(ctx, tp, []byte("2")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := c.wait(t, 2); got[1] != "2" {
		t.Fatalf("healthy subscriber got %v", got)
	}
}

func testClose(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tp := topic("close")
	c := newCollector()
	sub, err := b.Subscribe(ctx, tp, c.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, tp, []byte("1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c.wait(t, 1)
	sub.Close()
	sub.Close()
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after Close")
	}
	if sub.Err() != nil {
		t.Fatalf("expected nil Err after Close, got %v", sub.Err())
	}
	if err := b.Publish(ctx, tp, []byte("2")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := c.count(); n != 1 {
		t.Fatalf("expected no delivery after Close, got %d events", n)
	}
}

func testCloseFromHandler(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tp := topic("selfclose")
	var sub bus.Subscription
	ready := make(chan struct{})
	called := make(chan struct{}, 1)
	sub, err := b.Subscribe(ctx, tp, func(ctx context.Context, data []byte) error {
		<-ready
		sub.Close()
		called <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	close(ready)
	if err := b.Publish(ctx, tp, []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("handler deadlocked closing its own subscription")
	}
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not done")
	}
}

func testCancellation(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	subCtx, subCancel := context.WithCancel(ctx)
	sub, err := b.Subscribe(subCtx, topic("cancel"), func(ctx context.Context, data []byte) error { return nil })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	subCancel()
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not stop on cancel")
	}
	if !errors.Is(sub.Err(), context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", sub.Err())
	}
}

// testShared checks that two Bus values produced by the factory behave as
// two processes attached to the same transport when the implementation is
// shared (Redis); for in-process buses the factory may return the same bus.
func testShared(t *testing.T, factory BusFactory) {
	b1 := factory(t)
	b2 := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tp := topic("shared")
	c := newCollector()
	sub, err := b2.Subscribe(ctx, tp, c.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if err := b1.Publish(ctx, tp, []byte("cross")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := c.wait(t, 1); got[0] != "cross" {
		t.Fatalf("got %v", got)
	}
}
