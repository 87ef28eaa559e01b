// Package registry tracks the connections, identities, and room memberships
// held by one worker process and keeps them consistent with the rest of the
// fleet through the fanout bus.
//
// A process only knows its own connections. Membership across processes is
// implicit: each process subscribes to the bus topic of every room (and
// every user) that has at least one local member, and delivers events
// arriving on that topic to its local members. Events originated here are
// delivered locally before they are published, so the bus echo of an event
// whose origin is this instance is discarded.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/chatfanout/bus"
	"github.com/ggoodman/chatfanout/event"
	"github.com/ggoodman/chatfanout/internal/metrics"
	"github.com/ggoodman/chatfanout/presence"
)

// Conn is the transport half of a connection.
type Conn interface {
	ID() string
	// Send queues env for the client. It must not block on the network and
	// must not call back into the Registry.
	Send(ctx context.Context, env event.Envelope) error
}

type Registry struct {
	instanceID string
	bus        bus.Bus
	presence   presence.Tracker
	log        *slog.Logger
	metrics    *metrics.Collector

	// Lives as long as the registry; bus subscriptions hang off it rather
	// than off the request that happened to create them.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[string]*connection
	topics map[string]*topic
}

type connection struct {
	conn Conn

	mu     sync.Mutex // serializes operations on this connection
	userID string
	rooms  map[string]struct{}
	closed bool
}

type topic struct {
	name string

	// mu is held across a membership change and the broadcast announcing
	// it, so concurrent joins and leaves on a room are applied and announced
	// in the same order.
	mu   sync.Mutex
	dead bool
	sub  bus.Subscription

	membersMu sync.RWMutex
	members   map[string]Conn
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option { return func(r *Registry) { r.metrics = m } }

// WithPresence sets the fleet-wide presence tracker. The default tracks only
// this process, which is correct for a single-node deployment.
func WithPresence(t presence.Tracker) Option {
	return func(r *Registry) {
		if t != nil {
			r.presence = t
		}
	}
}

func New(instanceID string, b bus.Bus, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		instanceID: instanceID,
		bus:        b,
		presence:   presence.NewMemory(),
		log:        slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[string]*connection),
		topics:     make(map[string]*topic),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InstanceID is the origin stamped on every event published here.
func (r *Registry) InstanceID() string { return r.instanceID }

// Close stops every bus subscription. Connections should be disconnected
// first so their departures are announced.
func (r *Registry) Close() {
	r.cancel()
}

// Connect attaches a new transport session.
func (r *Registry) Connect(c Conn) error {
	id := c.ID()
	if id == "" {
		return event.Required("connection_id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.conns[id]; dup {
		return &PreconditionError{Op: "connect", Reason: "duplicate connection id"}
	}
	r.conns[id] = &connection{conn: c, rooms: make(map[string]struct{})}
	r.metrics.ConnectionOpened()
	r.log.Debug("registry.connect", slog.String("conn_id", id))
	return nil
}

// Register binds userID to the connection. Registering the same user again
// is a no-op; rebinding to a different user is refused.
func (r *Registry) Register(ctx context.Context, connID, userID string) error {
	if userID == "" {
		return event.Required("user_id")
	}
	c, err := r.lockConn("register", connID)
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	if c.userID != "" {
		if c.userID == userID {
			return nil
		}
		return &PreconditionError{Op: "register", Reason: fmt.Sprintf("connection already bound to user %q", c.userID)}
	}

	t := r.lockTopic(event.UserTopic(userID))
	err = r.addMember(t, c.conn)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	c.userID = userID

	first, err := r.presence.Online(ctx, userID, presence.ConnKey(r.instanceID, connID))
	if err != nil {
		r.log.WarnContext(ctx, "registry.presence.fail", slog.String("user_id", userID), slog.String("err", err.Error()))
		return nil
	}
	r.log.InfoContext(ctx, "registry.register.ok", slog.String("conn_id", connID), slog.String("user_id", userID), slog.Bool("first", first))
	if first {
		return r.Broadcast(ctx, event.UserTopic(userID), event.Presence{UserID: userID, Status: event.StatusOnline}, "")
	}
	return nil
}

// Join adds the connection to chatID and announces it to the other members.
// Joining a room twice is a no-op.
func (r *Registry) Join(ctx context.Context, connID, chatID string) error {
	if chatID == "" {
		return event.Required("chat_id")
	}
	c, err := r.lockConn("join", connID)
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	if c.userID == "" {
		return unregistered("join")
	}
	if _, ok := c.rooms[chatID]; ok {
		return nil
	}

	t := r.lockTopic(event.RoomTopic(chatID))
	defer t.mu.Unlock()
	if err := r.addMember(t, c.conn); err != nil {
		return err
	}
	c.rooms[chatID] = struct{}{}
	r.log.InfoContext(ctx, "registry.join.ok", slog.String("conn_id", connID), slog.String("user_id", c.userID), slog.String("chat_id", chatID))

	// A bus failure leaves the local join in place; local members were
	// already told and the error is surfaced to the caller.
	return r.broadcast(ctx, t, event.Membership{UserID: c.userID, ChatID: chatID, Joined: true}, connID)
}

// Leave removes the connection from chatID. Leaving a room that was not
// joined succeeds without announcing anything.
func (r *Registry) Leave(ctx context.Context, connID, chatID string) error {
	if chatID == "" {
		return event.Required("chat_id")
	}
	c, err := r.lockConn("leave", connID)
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	if c.userID == "" {
		return unregistered("leave")
	}
	if _, ok := c.rooms[chatID]; !ok {
		return nil
	}
	return r.leaveLocked(ctx, c, chatID)
}

// Disconnect leaves every room the connection joined, releases its identity,
// and forgets it. The user is announced offline when this was their last
// connection anywhere. Unknown connections are ignored.
func (r *Registry) Disconnect(ctx context.Context, connID string) error {
	r.mu.Lock()
	c, ok := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.metrics.ConnectionClosed()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true

	var errs []error
	for _, chatID := range sortedKeys(c.rooms) {
		if err := r.leaveLocked(ctx, c, chatID); err != nil {
			errs = append(errs, fmt.Errorf("leave %s: %w", chatID, err))
		}
	}

	if userID := c.userID; userID != "" {
		c.userID = ""
		if t := r.lockExisting(event.UserTopic(userID)); t != nil {
			r.removeMember(t, connID)
			t.mu.Unlock()
		}
		last, err := r.presence.Offline(ctx, userID, presence.ConnKey(r.instanceID, connID))
		if err != nil {
			r.log.WarnContext(ctx, "registry.presence.fail", slog.String("user_id", userID), slog.String("err", err.Error()))
		} else if last {
			if err := r.Broadcast(ctx, event.UserTopic(userID), event.Presence{UserID: userID, Status: event.StatusOffline}, ""); err != nil {
				errs = append(errs, err)
			}
		}
	}

	r.log.InfoContext(ctx, "registry.disconnect.ok", slog.String("conn_id", connID))
	return errors.Join(errs...)
}

// Broadcast delivers payload to local members of topicName, except the
// connection named by exclude, then publishes it to the bus for the other
// processes. Only the bus error is returned; local delivery is best-effort
// per connection.
func (r *Registry) Broadcast(ctx context.Context, topicName string, payload event.Payload, exclude string) error {
	env, err := event.New(topicName, r.instanceID, payload)
	if err != nil {
		return err
	}
	env.Exclude = exclude

	r.mu.Lock()
	t := r.topics[topicName]
	r.mu.Unlock()
	if t != nil {
		r.deliver(ctx, t, env)
	}
	return r.publish(ctx, env)
}

func (r *Registry) broadcast(ctx context.Context, t *topic, payload event.Payload, exclude string) error {
	env, err := event.New(t.name, r.instanceID, payload)
	if err != nil {
		return err
	}
	env.Exclude = exclude
	r.deliver(ctx, t, env)
	return r.publish(ctx, env)
}

func (r *Registry) publish(ctx context.Context, env event.Envelope) error {
	r.metrics.EventBroadcast(string(env.Name))
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Name, err)
	}
	if err := r.bus.Publish(ctx, env.Topic, data); err != nil {
		r.metrics.BusPublishFailed()
		r.log.WarnContext(ctx, "registry.publish.fail", slog.String("topic", env.Topic), slog.String("event", string(env.Name)), slog.String("err", err.Error()))
		return err
	}
	return nil
}

func (r *Registry) deliver(ctx context.Context, t *topic, env event.Envelope) {
	t.membersMu.RLock()
	targets := make([]Conn, 0, len(t.members))
	for id, c := range t.members {
		if env.Exclude != "" && id == env.Exclude && env.Origin == r.instanceID {
			continue
		}
		targets = append(targets, c)
	}
	t.membersMu.RUnlock()

	for _, c := range targets {
		if err := c.Send(ctx, env); err != nil {
			r.log.DebugContext(ctx, "registry.deliver.fail", slog.String("conn_id", c.ID()), slog.String("event", string(env.Name)), slog.String("err", err.Error()))
		}
	}
}

// onRemote handles events arriving through the bus subscription of t.
func (r *Registry) onRemote(t *topic) bus.HandlerFunc {
	return func(ctx context.Context, data []byte) error {
		env, err := event.Unmarshal(data)
		if err != nil {
			r.log.WarnContext(ctx, "registry.remote.malformed", slog.String("topic", t.name), slog.String("err", err.Error()))
			return nil
		}
		if env.Origin == r.instanceID {
			return nil
		}
		if _, err := env.Decode(); err != nil {
			r.log.WarnContext(ctx, "registry.remote.invalid", slog.String("topic", t.name), slog.String("event", string(env.Name)), slog.String("err", err.Error()))
			return nil
		}
		r.deliver(ctx, t, env)
		return nil
	}
}

func (r *Registry) leaveLocked(ctx context.Context, c *connection, chatID string) error {
	delete(c.rooms, chatID)
	t := r.lockExisting(event.RoomTopic(chatID))
	if t == nil {
		return nil
	}
	defer t.mu.Unlock()

	connID := c.conn.ID()
	t.membersMu.Lock()
	delete(t.members, connID)
	t.membersMu.Unlock()

	err := r.broadcast(ctx, t, event.Membership{UserID: c.userID, ChatID: chatID}, connID)
	r.releaseIfEmpty(t)
	r.log.InfoContext(ctx, "registry.leave.ok", slog.String("conn_id", connID), slog.String("chat_id", chatID))
	return err
}

func (r *Registry) lockConn(op, connID string) (*connection, error) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	r.mu.Unlock()
	if !ok {
		return nil, unknownConn(op)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, unknownConn(op)
	}
	return c, nil
}

// lockTopic returns the live topic for name, creating it if needed, with
// its mu held.
func (r *Registry) lockTopic(name string) *topic {
	for {
		r.mu.Lock()
		t, ok := r.topics[name]
		if !ok {
			t = &topic{name: name, members: make(map[string]Conn)}
			r.topics[name] = t
		}
		r.mu.Unlock()

		t.mu.Lock()
		if !t.dead {
			return t
		}
		t.mu.Unlock()
	}
}

// lockExisting is lockTopic without creation; nil when there is no topic.
func (r *Registry) lockExisting(name string) *topic {
	for {
		r.mu.Lock()
		t, ok := r.topics[name]
		r.mu.Unlock()
		if !ok {
			return nil
		}
		t.mu.Lock()
		if !t.dead {
			return t
		}
		t.mu.Unlock()
	}
}

// addMember requires t.mu. The first member subscribes the process to the
// topic; if that fails the topic is discarded and nothing is added.
func (r *Registry) addMember(t *topic, c Conn) error {
	if t.sub == nil {
		sub, err := r.bus.Subscribe(r.ctx, t.name, r.onRemote(t))
		if err != nil {
			r.discard(t)
			return err
		}
		t.sub = sub
		r.metrics.TopicSubscribed()
		go r.watch(t.name, sub)
	}
	t.membersMu.Lock()
	t.members[c.ID()] = c
	t.membersMu.Unlock()
	return nil
}

// removeMember requires t.mu.
func (r *Registry) removeMember(t *topic, connID string) {
	t.membersMu.Lock()
	delete(t.members, connID)
	t.membersMu.Unlock()
	r.releaseIfEmpty(t)
}

// releaseIfEmpty requires t.mu.
func (r *Registry) releaseIfEmpty(t *topic) {
	t.membersMu.RLock()
	n := len(t.members)
	t.membersMu.RUnlock()
	if n > 0 {
		return
	}
	if t.sub != nil {
		t.sub.Close()
		t.sub = nil
		r.metrics.TopicUnsubscribed()
	}
	r.discard(t)
}

func (r *Registry) discard(t *topic) {
	t.dead = true
	r.mu.Lock()
	if r.topics[t.name] == t {
		delete(r.topics, t.name)
	}
	r.mu.Unlock()
}

func (r *Registry) watch(name string, sub bus.Subscription) {
	<-sub.Done()
	if err := sub.Err(); err != nil && r.ctx.Err() == nil {
		r.log.Error("registry.subscription.lost", slog.String("topic", name), slog.String("err", err.Error()))
	}
}

// UserID reports the identity bound to connID.
func (r *Registry) UserID(connID string) (string, bool) {
	c, err := r.lockConn("lookup", connID)
	if err != nil {
		return "", false
	}
	defer c.mu.Unlock()
	return c.userID, c.userID != ""
}

// Rooms lists the rooms connID has joined.
func (r *Registry) Rooms(connID string) []string {
	c, err := r.lockConn("lookup", connID)
	if err != nil {
		return nil
	}
	defer c.mu.Unlock()
	return sortedKeys(c.rooms)
}

// Members lists the local connections joined to chatID.
func (r *Registry) Members(chatID string) []string {
	r.mu.Lock()
	t := r.topics[event.RoomTopic(chatID)]
	r.mu.Unlock()
	if t == nil {
		return nil
	}
	t.membersMu.RLock()
	defer t.membersMu.RUnlock()
	ids := make([]string, 0, len(t.members))
	for id := range t.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MaintainPresence keeps this instance's presence entries alive and
// releases those of instances that stopped heartbeating, announcing their
// users offline. It runs at once and then every interval until ctx ends.
// Trackers that are not a presence.Reaper need no upkeep, and it returns
// immediately.
func (r *Registry) MaintainPresence(ctx context.Context, interval time.Duration) error {
	reaper, ok := r.presence.(presence.Reaper)
	if !ok {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		r.tendPresence(ctx, reaper)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (r *Registry) tendPresence(ctx context.Context, reaper presence.Reaper) {
	if err := reaper.Heartbeat(ctx, r.instanceID); err != nil {
		r.log.WarnContext(ctx, "registry.heartbeat.fail", slog.String("err", err.Error()))
	}
	offline, err := reaper.Sweep(ctx)
	if err != nil {
		r.log.WarnContext(ctx, "registry.sweep.fail", slog.String("err", err.Error()))
	}
	for _, userID := range offline {
		r.log.InfoContext(ctx, "registry.sweep.offline", slog.String("user_id", userID))
		if err := r.Broadcast(ctx, event.UserTopic(userID), event.Presence{UserID: userID, Status: event.StatusOffline}, ""); err != nil {
			r.log.WarnContext(ctx, "registry.sweep.announce.fail", slog.String("user_id", userID), slog.String("err", err.Error()))
		}
	}
}

// ConnectionCount is the number of live local connections.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// IsOnline reports whether userID has a live connection anywhere.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, event.Required("user_id")
	}
	return r.presence.IsOnline(ctx, userID)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
