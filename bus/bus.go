// Package bus replicates events between the worker processes of a chat
// fleet. A publish on any process reaches every subscription of the same
// topic on every process, the publisher's own included.
//
// Two implementations are provided: memorybus for a single process (tests,
// development fallback) and redisbus for multi-process deployments. Both
// pass the bustest conformance suite.
package bus

import "context"

// HandlerFunc consumes one published payload. Returning an error terminates
// the subscription that invoked it; other subscriptions are unaffected.
type HandlerFunc func(ctx context.Context, data []byte) error

// Bus is a topic-addressed publish/subscribe transport.
type Bus interface {
	// Publish delivers data to every current subscriber of topic. Transport
	// failure returns an *UnavailableError; nothing is dropped silently.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe returns once the subscription is established. Every payload
	// published to topic after Subscribe returns is delivered exactly once, in
	// publish order. Cancelling ctx has the same effect as Close.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc) (Subscription, error)
}

// Subscription is a live registration on a topic.
type Subscription interface {
	// Close stops delivery. It is safe to call more than once, including from
	// within the subscription's own handler.
	Close()

	// Done is closed when the subscription has stopped for any reason.
	Done() <-chan struct{}

	// Err reports why the subscription stopped: nil while running or after
	// Close, the context error on cancellation, or the handler's error.
	Err() error
}
