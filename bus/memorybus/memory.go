// Package memorybus implements bus.Bus inside a single process. Each
// subscription owns an unbounded FIFO drained by its own goroutine, so a slow
// handler delays only itself and never the publisher.
package memorybus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ggoodman/chatfanout/bus"
)

// Bus is an in-process bus.Bus.
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[*subscription]struct{}
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for subscription lifecycle records.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		log:    slog.Default(),
		topics: make(map[string]map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return &bus.UnavailableError{Topic: topic, Err: err}
	}
	// Exclusive so concurrent publishers are observed in the same order by
	// every subscriber of the topic.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &bus.UnavailableError{Topic: topic, Err: bus.ErrClosed}
	}
	msg := append([]byte(nil), data...)
	for sub := range b.topics[topic] {
		sub.enqueue(msg)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string, handler bus.HandlerFunc) (bus.Subscription, error) {
	sctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		bus:     b,
		topic:   topic,
		handler: handler,
		ctx:     sctx,
		cancel:  cancel,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, &bus.UnavailableError{Topic: topic, Err: bus.ErrClosed}
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()
	b.log.Debug("bus.subscribe.ok", slog.String("topic", topic))
	return sub, nil
}

// Close stops every subscription and makes later publishes fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscription
	for _, set := range b.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop(&bus.UnavailableError{Topic: sub.topic, Err: bus.ErrClosed})
	}
	return nil
}

// Subscribers reports the live subscription count for topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.topics[sub.topic]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.topics, sub.topic)
	}
}

type subscription struct {
	bus     *Bus
	topic   string
	handler bus.HandlerFunc
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}

	once sync.Once
	done chan struct{}
	err  error
}

func (s *subscription) enqueue(msg []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			s.stop(s.ctx.Err())
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			if err := s.handler(s.ctx, msg); err != nil {
				s.bus.log.Warn("bus.handler.fail", slog.String("topic", s.topic), slog.String("err", err.Error()))
				s.stop(err)
				return
			}
		}
	}
}

func (s *subscription) stop(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		s.cancel()
		s.bus.remove(s)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
}

func (s *subscription) Close() { s.stop(nil) }

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

var _ bus.Bus = (*Bus)(nil)
