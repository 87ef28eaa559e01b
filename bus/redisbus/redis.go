package redisbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/chatfanout/bus"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxLen     = 1000
	defaultBlock      = 2 * time.Second
	defaultRetryDelay = 250 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
	readCount         = 100
	wakeTTL           = time.Minute
)

// Bus is a Redis Streams bus.Bus. The client is owned by the caller.
//
// A single reader goroutine serves every subscription of a Bus with one
// XREAD BLOCK over all subscribed streams, so a Bus holds at most one pooled
// connection regardless of how many topics it follows.
type Bus struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	block     time.Duration
	log       *slog.Logger

	// The reader also follows wakeKey, a stream private to this Bus, so a
	// blocked XREAD returns when a new topic must be added to it.
	wakeKey string
	notify  chan struct{}

	// ctx ends the reader, which may still finish its in-flight XREAD.
	ctx        context.Context
	cancel     context.CancelFunc
	readerOnce sync.Once

	mu         sync.Mutex
	streams    map[string]*stream
	wakeCursor string
	closed     bool
}

// stream is one followed topic: the reader's position in it and the
// subscriptions fed from it.
type stream struct {
	cursor string
	subs   map[*subscription]struct{}
}

type Option func(*Bus)

// WithKeyPrefix namespaces every stream key.
func WithKeyPrefix(prefix string) Option { return func(b *Bus) { b.keyPrefix = prefix } }

// WithMaxLen bounds each topic stream (approximate trimming).
func WithMaxLen(n int64) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxLen = n
		}
	}
}

// WithBlock sets how long a single XREAD blocks before it is reissued.
func WithBlock(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.block = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

func New(client redis.UniversalClient, opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		client:     client,
		keyPrefix:  "chat:",
		maxLen:     defaultMaxLen,
		block:      defaultBlock,
		log:        slog.Default(),
		notify:     make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		streams:    make(map[string]*stream),
		wakeCursor: "0-0",
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wakeKey = b.keyPrefix + "bus-wake:" + uuid.NewString()
	return b
}

func (b *Bus) streamKey(topic string) string { return b.keyPrefix + "bus:" + topic }

func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	if b.isClosed() {
		return &bus.UnavailableError{Topic: topic, Err: bus.ErrClosed}
	}
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(topic),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{"d": data},
	}).Err()
	if err != nil {
		return &bus.UnavailableError{Topic: topic, Err: err}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string, handler bus.HandlerFunc) (bus.Subscription, error) {
	if b.isClosed() {
		return nil, &bus.UnavailableError{Topic: topic, Err: bus.ErrClosed}
	}
	key := b.streamKey(topic)

	sctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		bus:     b,
		topic:   topic,
		key:     key,
		handler: handler,
		ctx:     sctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	// A topic the reader already follows starts from the reader's cursor.
	// Otherwise resolve the tail now rather than reading from "$" later,
	// which would lose anything published between Subscribe returning and
	// the first XREAD.
	var (
		tail     string
		resolved bool
		added    bool
		from     string
	)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			cancel()
			return nil, &bus.UnavailableError{Topic: topic, Err: bus.ErrClosed}
		}
		st, ok := b.streams[key]
		if ok || resolved {
			if !ok {
				st = &stream{cursor: tail, subs: make(map[*subscription]struct{})}
				b.streams[key] = st
				added = true
			}
			sub.after = parseID(st.cursor)
			st.subs[sub] = struct{}{}
			from = st.cursor
			b.mu.Unlock()
			break
		}
		b.mu.Unlock()

		var err error
		if tail, err = b.tail(ctx, key); err != nil {
			cancel()
			return nil, &bus.UnavailableError{Topic: topic, Err: err}
		}
		resolved = true
	}

	b.readerOnce.Do(func() { go b.read() })
	go sub.run()
	if added {
		b.wakeReader(ctx)
	}
	b.log.Debug("bus.subscribe.ok", slog.String("topic", topic), slog.String("from", from))
	return sub, nil
}

// tail is the ID of the newest entry of key, or 0-0 for an empty stream.
func (b *Bus) tail(ctx context.Context, key string) (string, error) {
	last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(last) > 0 {
		return last[0].ID, nil
	}
	return "0-0", nil
}

// wakeReader makes the reader rebuild its stream set. A failed wake only
// delays the new topic until the in-flight XREAD times out.
func (b *Bus) wakeReader(ctx context.Context) {
	select {
	case b.notify <- struct{}{}:
	default:
	}
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{Stream: b.wakeKey, MaxLen: 1, Values: map[string]interface{}{"w": 1}})
		p.Expire(ctx, b.wakeKey, wakeTTL)
		return nil
	})
	if err != nil {
		b.log.Debug("bus.wake.fail", slog.String("err", err.Error()))
	}
}

// Close stops all subscriptions started through b. It does not close the
// Redis client.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscription
	for _, st := range b.streams {
		for sub := range st.subs {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	b.cancel()
	for _, sub := range subs {
		sub.stop(&bus.UnavailableError{Topic: sub.topic, Err: bus.ErrClosed})
	}
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[sub.key]
	if !ok {
		return
	}
	delete(st.subs, sub)
	if len(st.subs) == 0 {
		delete(b.streams, sub.key)
	}
}

// readArgs snapshots the streams to read and their cursors. It reports
// false when nothing is followed.
func (b *Bus) readArgs() ([]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.streams) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(b.streams)+1)
	ids := make([]string, 0, len(b.streams)+1)
	for key, st := range b.streams {
		keys = append(keys, key)
		ids = append(ids, st.cursor)
	}
	keys = append(keys, b.wakeKey)
	ids = append(ids, b.wakeCursor)
	return append(keys, ids...), true
}

func (b *Bus) read() {
	retry := defaultRetryDelay
	for {
		args, ok := b.readArgs()
		if !ok {
			select {
			case <-b.notify:
				continue
			case <-b.ctx.Done():
				return
			}
		}
		// Drain a pending notification; the snapshot already covers it.
		select {
		case <-b.notify:
		default:
		}

		res, err := b.client.XRead(b.ctx, &redis.XReadArgs{
			Streams: args,
			Count:   readCount,
			Block:   b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if b.ctx.Err() != nil {
				return
			}
			// Transport trouble is retried from the same positions so
			// subscriptions survive a Redis blip without losing their place.
			b.log.Warn("bus.read.fail", slog.Int("streams", len(args)/2-1), slog.String("err", err.Error()), slog.Duration("retry_in", retry))
			select {
			case <-time.After(retry):
			case <-b.ctx.Done():
				return
			}
			retry = min(retry*2, maxRetryDelay)
			continue
		}
		retry = defaultRetryDelay
		b.dispatch(res)
	}
}

// dispatch advances the cursors past res and queues each entry on the
// subscriptions that started before it.
func (b *Bus) dispatch(res []redis.XStream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, xs := range res {
		if xs.Stream == b.wakeKey {
			if n := len(xs.Messages); n > 0 {
				b.wakeCursor = xs.Messages[n-1].ID
			}
			continue
		}
		st, ok := b.streams[xs.Stream]
		if !ok {
			continue
		}
		for _, m := range xs.Messages {
			id := parseID(m.ID)
			if id.after(parseID(st.cursor)) {
				st.cursor = m.ID
			}
			data := payloadOf(m)
			for sub := range st.subs {
				if id.after(sub.after) {
					sub.push(data)
				}
			}
		}
	}
}

func payloadOf(m redis.XMessage) []byte {
	switch v := m.Values["d"].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}

// streamID is a parsed Redis stream entry ID.
type streamID struct{ ms, seq uint64 }

func parseID(s string) streamID {
	ms, seq, _ := strings.Cut(s, "-")
	var id streamID
	id.ms, _ = strconv.ParseUint(ms, 10, 64)
	id.seq, _ = strconv.ParseUint(seq, 10, 64)
	return id
}

func (a streamID) after(b streamID) bool {
	return a.ms > b.ms || (a.ms == b.ms && a.seq > b.seq)
}

// subscription runs its handler on its own goroutine, fed in stream order
// by the reader, so a slow handler delays only its own topic.
type subscription struct {
	bus     *Bus
	topic   string
	key     string
	after   streamID // entries at or before this ID predate the subscription
	handler bus.HandlerFunc
	ctx     context.Context
	cancel  context.CancelFunc

	qmu   sync.Mutex
	queue [][]byte
	wake  chan struct{}

	once sync.Once
	done chan struct{}
	err  error
}

func (s *subscription) push(data []byte) {
	s.qmu.Lock()
	s.queue = append(s.queue, data)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
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
		case <-s.wake:
		}

		s.qmu.Lock()
		batch := s.queue
		s.queue = nil
		s.qmu.Unlock()

		for _, data := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			if err := s.handler(s.ctx, data); err != nil {
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
