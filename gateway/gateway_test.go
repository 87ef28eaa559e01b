package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/chatfanout/auth/authtest"
	"github.com/ggoodman/chatfanout/bus"
	"github.com/ggoodman/chatfanout/bus/memorybus"
	"github.com/ggoodman/chatfanout/delivery"
	"github.com/ggoodman/chatfanout/event"
	"github.com/ggoodman/chatfanout/internal/metrics"
	"github.com/ggoodman/chatfanout/jobqueue"
	"github.com/ggoodman/chatfanout/jobqueue/memorystore"
	"github.com/ggoodman/chatfanout/presence"
	"github.com/ggoodman/chatfanout/registry"
	"github.com/gorilla/websocket"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type node struct {
	srv           *Server
	reg           *registry.Registry
	pipe          *delivery.Pipeline
	http          *httptest.Server
	messages      *jobqueue.Queue
	notifications *jobqueue.Queue
}

// newCluster starts n gateways sharing one bus, presence tracker, and job
// store, as separate worker processes would.
func newCluster(t *testing.T, n int, opts ...Option) []*node {
	t.Helper()
	b := memorybus.New(memorybus.WithLogger(quiet))
	t.Cleanup(func() { _ = b.Close() })
	return newClusterOn(t, n, b, opts...)
}

func newClusterOn(t *testing.T, n int, b bus.Bus, opts ...Option) []*node {
	t.Helper()
	pres := presence.NewMemory()
	jobs := memorystore.New()

	nodes := make([]*node, n)
	for i := range nodes {
		reg := registry.New(fmt.Sprintf("worker_%d", i+1), b, registry.WithLogger(quiet), registry.WithPresence(pres))
		msgs := jobqueue.NewQueue("messages", jobs, jobqueue.WithLogger(quiet))
		notifs := jobqueue.NewQueue("notifications", jobs, jobqueue.WithLogger(quiet))
		pipe := delivery.New(reg, msgs, notifs, delivery.WithLogger(quiet))
		srv := New(reg, pipe, append([]Option{WithLogger(quiet)}, opts...)...)
		hs := httptest.NewServer(srv.Handler())
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
			hs.Close()
			_ = pipe.Close(ctx)
			reg.Close()
		})
		nodes[i] = &node{srv: srv, reg: reg, pipe: pipe, http: hs, messages: msgs, notifications: notifs}
	}
	return nodes
}

func wsURL(base string) string { return "ws" + strings.TrimPrefix(base, "http") + "/ws" }

type frame struct {
	Event    string          `json:"event"`
	Ack      json.RawMessage `json:"ack"`
	Data     json.RawMessage `json:"data"`
	ServerID string          `json:"server_id"`
}

type ackData struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
	ServerID string          `json:"server_id"`
}

type client struct {
	t      *testing.T
	ws     *websocket.Conn
	frames chan frame
	errc   chan error
	seq    int
}

func dial(t *testing.T, n *node, header http.Header) *client {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(n.http.URL), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	c := &client{t: t, ws: ws, frames: make(chan frame, 256), errc: make(chan error, 1)}
	go c.readLoop()
	t.Cleanup(func() { _ = ws.Close() })
	return c
}

func (c *client) readLoop() {
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			c.errc <- err
			close(c.frames)
			return
		}
		var f frame
		if json.Unmarshal(b, &f) == nil {
			c.frames <- f
		}
	}
}

func (c *client) emit(name string, data any) string {
	c.t.Helper()
	c.seq++
	id := strconv.Itoa(c.seq)
	raw, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("encode %s: %v", name, err)
	}
	b, _ := json.Marshal(ClientFrame{Event: name, Ack: json.RawMessage(id), Data: raw})
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		c.t.Fatalf("write %s: %v", name, err)
	}
	return id
}

func (c *client) next() frame {
	c.t.Helper()
	select {
	case f, ok := <-c.frames:
		if !ok {
			c.t.Fatalf("connection closed: %v", <-c.errc)
		}
		return f
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for a frame")
	}
	return frame{}
}

// call emits an event and waits for its acknowledgement. It also returns
// the frames that arrived before the acknowledgement.
func (c *client) call(name string, data any) (ackData, []frame) {
	c.t.Helper()
	id := c.emit(name, data)
	var before []frame
	for {
		f := c.next()
		if f.Event == AckEvent && string(f.Ack) == id {
			var a ackData
			if err := json.Unmarshal(f.Data, &a); err != nil {
				c.t.Fatalf("decode ack: %v", err)
			}
			return a, before
		}
		before = append(before, f)
	}
}

func (c *client) mustCall(name string, data any) ackData {
	c.t.Helper()
	a, _ := c.call(name, data)
	if !a.Success {
		c.t.Fatalf("%s failed: %s", name, a.Message)
	}
	return a
}

func (c *client) waitEvent(name event.Name) frame {
	c.t.Helper()
	for {
		if f := c.next(); f.Event == string(name) {
			return f
		}
	}
}

func (c *client) join(userID, chatID string) {
	c.t.Helper()
	c.mustCall(EventRegister, RegisterRequest{UserID: userID})
	c.mustCall(EventJoinChat, ChatRequest{ChatID: chatID})
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendMessageAcrossInstances(t *testing.T) {
	nodes := newCluster(t, 2)
	alice := dial(t, nodes[0], nil)
	bob := dial(t, nodes[1], nil)
	alice.join("alice", "c1")
	bob.join("bob", "c1")

	ack, before := alice.call(EventSendMessage, SendMessageRequest{
		UserID:       "alice",
		ChatID:       "c1",
		Participants: []string{"alice", "bob"},
		Data:         json.RawMessage(`{"text":"hi"}`),
	})
	if !ack.Success || ack.ServerID != "worker_1" {
		t.Fatalf("ack = %+v", ack)
	}
	var sent delivery.SentMessage
	if err := json.Unmarshal(ack.Data, &sent); err != nil {
		t.Fatal(err)
	}
	if sent.ID == "" || !sent.QueuedForProcessing || sent.Type != event.TypeText {
		t.Fatalf("sent = %+v", sent)
	}

	// Local members are served before the sender is acknowledged.
	var echoed bool
	for _, f := range before {
		echoed = echoed || f.Event == string(event.ReceiveMessage)
	}
	if !echoed {
		t.Fatalf("sender did not receive its own message before the ack: %+v", before)
	}

	got := bob.waitEvent(event.ReceiveMessage)
	var msg event.Message
	if err := json.Unmarshal(got.Data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID != sent.ID || got.ServerID != "worker_1" || string(msg.Content) != `{"text":"hi"}` {
		t.Fatalf("bob got %+v %s", msg, got.ServerID)
	}
	bob.waitEvent(event.ChatList)

	ctx := context.Background()
	if err := nodes[0].pipe.Close(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ := nodes[0].messages.Store().Stats(ctx, "messages")
	if st.Queued != 2 {
		t.Fatalf("messages queued = %d, want 2", st.Queued)
	}
	st, _ = nodes[0].notifications.Store().Stats(ctx, "notifications")
	if st.Queued != 1 {
		t.Fatalf("notifications queued = %d, want 1", st.Queued)
	}
}

func TestParticipantsDefaultToNone(t *testing.T) {
	n := newCluster(t, 1)[0]
	c := dial(t, n, nil)
	c.join("alice", "c1")

	ack, _ := c.call(EventSendMessage, map[string]any{"user_id": "alice", "chat_id": "c1", "data": map[string]string{"text": "hi"}})
	if !ack.Success {
		t.Fatalf("ack = %+v", ack)
	}
	c.waitEvent(event.ReceiveMessage)

	ctx := context.Background()
	if err := n.pipe.Close(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ := n.notifications.Store().Stats(ctx, "notifications")
	if st.Queued != 0 {
		t.Fatalf("notifications queued = %d, want 0", st.Queued)
	}
}

// flakyBus fails every publish while down is set.
type flakyBus struct {
	bus.Bus
	down atomic.Bool
}

func (b *flakyBus) Publish(ctx context.Context, topic string, data []byte) error {
	if b.down.Load() {
		return &bus.UnavailableError{Topic: topic, Err: errors.New("connection refused")}
	}
	return b.Bus.Publish(ctx, topic, data)
}

func TestFailedSendAckCarriesMessage(t *testing.T) {
	mb := memorybus.New(memorybus.WithLogger(quiet))
	t.Cleanup(func() { _ = mb.Close() })
	fb := &flakyBus{Bus: mb}
	n := newClusterOn(t, 1, fb)[0]
	c := dial(t, n, nil)
	c.join("alice", "c1")

	fb.down.Store(true)
	ack, before := c.call(EventSendMessage, SendMessageRequest{
		UserID:       "alice",
		ChatID:       "c1",
		Participants: []string{"alice", "bob"},
		Data:         json.RawMessage(`{"text":"hi"}`),
	})
	if ack.Success || !strings.Contains(ack.Message, "unavailable") {
		t.Fatalf("ack = %+v", ack)
	}
	var sent delivery.SentMessage
	if err := json.Unmarshal(ack.Data, &sent); err != nil || sent.ID == "" {
		t.Fatalf("failure ack lacks the message: %s (%v)", ack.Data, err)
	}

	var local event.Message
	for _, f := range before {
		if f.Event == string(event.ReceiveMessage) {
			_ = json.Unmarshal(f.Data, &local)
		}
	}
	if local.ID != sent.ID {
		t.Fatalf("local delivery %q, ack %q", local.ID, sent.ID)
	}

	ctx := context.Background()
	if err := n.pipe.Close(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ := n.messages.Store().Stats(ctx, "messages")
	if st.Queued != 2 {
		t.Fatalf("messages queued = %d, want 2", st.Queued)
	}
}

func TestFailuresAreAcknowledgedAndConnectionSurvives(t *testing.T) {
	n := newCluster(t, 1)[0]
	c := dial(t, n, nil)

	ack, _ := c.call("launchRockets", map[string]string{})
	if ack.Success || !strings.Contains(ack.Message, "unknown event") {
		t.Fatalf("unknown event ack = %+v", ack)
	}

	ack, _ = c.call(EventJoinChat, ChatRequest{ChatID: "c1"})
	if ack.Success || !strings.Contains(ack.Message, "registered first") {
		t.Fatalf("join before register ack = %+v", ack)
	}

	ack, _ = c.call(EventRegister, RegisterRequest{})
	if ack.Success || !strings.Contains(ack.Message, "user_id") {
		t.Fatalf("empty register ack = %+v", ack)
	}

	if err := c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	f := c.next()
	if f.Event != AckEvent || len(f.Ack) != 0 {
		t.Fatalf("malformed frame answer = %+v", f)
	}

	c.mustCall(EventRegister, RegisterRequest{UserID: "alice"})
	ack, _ = c.call(EventRegister, RegisterRequest{UserID: "mallory"})
	if ack.Success {
		t.Fatal("rebinding to another user succeeded")
	}
	c.mustCall(EventRegister, RegisterRequest{UserID: "alice"})
}

func TestSendValidation(t *testing.T) {
	n := newCluster(t, 1)[0]
	c := dial(t, n, nil)
	c.join("alice", "c1")

	cases := []struct {
		name string
		req  any
		want string
	}{
		{"null participants", map[string]any{"user_id": "alice", "chat_id": "c1", "participants": nil, "data": "x"}, "participants"},
		{"empty participant", SendMessageRequest{UserID: "alice", ChatID: "c1", Participants: []string{"bob", ""}, Data: json.RawMessage(`"x"`)}, "participants"},
		{"missing data", SendMessageRequest{UserID: "alice", ChatID: "c1", Participants: []string{}}, "data"},
		{"bad type", SendMessageRequest{UserID: "alice", ChatID: "c1", Participants: []string{}, Data: json.RawMessage(`"x"`), MessageType: "video"}, "message_type"},
		{"other user", SendMessageRequest{UserID: "bob", ChatID: "c1", Participants: []string{}, Data: json.RawMessage(`"x"`)}, "does not match"},
		{"malformed", map[string]any{"participants": "alice"}, "malformed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ack, _ := c.call(EventSendMessage, tc.req)
			if ack.Success || !strings.Contains(ack.Message, tc.want) {
				t.Fatalf("ack = %+v, want failure mentioning %q", ack, tc.want)
			}
		})
	}
}

func TestTypingSkipsSender(t *testing.T) {
	n := newCluster(t, 1)[0]
	alice := dial(t, n, nil)
	bob := dial(t, n, nil)
	alice.join("alice", "c1")
	bob.join("bob", "c1")

	ack, before := alice.call(EventStartTyping, TypingRequest{ChatID: "c1", UserID: "alice"})
	if !ack.Success {
		t.Fatalf("ack = %+v", ack)
	}
	for _, f := range before {
		if f.Event == string(event.TypingStart) {
			t.Fatal("sender received its own typing indicator")
		}
	}
	f := bob.waitEvent(event.TypingStart)
	var typing event.Typing
	_ = json.Unmarshal(f.Data, &typing)
	if typing.UserID != "alice" || typing.ChatID != "c1" {
		t.Fatalf("typing = %+v", typing)
	}

	ack, _ = bob.call(EventStopTyping, TypingRequest{ChatID: "c1", UserID: "alice"})
	if ack.Success {
		t.Fatal("bob stopped alice's typing indicator")
	}
}

func TestEditAndDeleteReachRoom(t *testing.T) {
	n := newCluster(t, 1)[0]
	alice := dial(t, n, nil)
	bob := dial(t, n, nil)
	alice.join("alice", "c1")
	bob.join("bob", "c1")

	alice.mustCall(EventEditMessage, EditMessageRequest{MessageID: "m1", ChatID: "c1", UserID: "alice", Data: json.RawMessage(`"fixed"`)})
	var edit event.Edit
	_ = json.Unmarshal(bob.waitEvent(event.MessageEdited).Data, &edit)
	if edit.MessageID != "m1" || string(edit.Content) != `"fixed"` {
		t.Fatalf("edit = %+v", edit)
	}

	alice.mustCall(EventDeleteMessage, DeleteMessageRequest{MessageID: "m1", ChatID: "c1", UserID: "alice", DeleteForEveryone: true})
	var del event.Deletion
	_ = json.Unmarshal(bob.waitEvent(event.MessageDeleted).Data, &del)
	if del.MessageID != "m1" || !del.DeleteForEveryone || del.DeletedBy != "alice" {
		t.Fatalf("deletion = %+v", del)
	}
}

func TestMarkAsReadReachesRoomAcrossInstances(t *testing.T) {
	nodes := newCluster(t, 2)
	alice := dial(t, nodes[0], nil)
	bob := dial(t, nodes[1], nil)
	alice.join("alice", "c1")
	bob.join("bob", "c1")

	ack := bob.mustCall(EventMarkAsRead, MarkAsReadRequest{ChatID: "c1", UserID: "bob", LastMessageID: "m1"})
	var own event.ReadReceipt
	if err := json.Unmarshal(ack.Data, &own); err != nil || own.UserID != "bob" {
		t.Fatalf("ack data = %s (%v)", ack.Data, err)
	}
	var seen event.ReadReceipt
	_ = json.Unmarshal(alice.waitEvent(event.ReadStatus).Data, &seen)
	if seen.ChatID != "c1" || seen.UserID != "bob" || seen.LastMessageID != "m1" {
		t.Fatalf("receipt = %+v", seen)
	}

	if a, _ := alice.call(EventMarkAsRead, MarkAsReadRequest{ChatID: "c1", UserID: "bob"}); a.Success {
		t.Fatal("alice marked the chat read on bob's behalf")
	}
}

func TestUserStatusFollowsConnections(t *testing.T) {
	nodes := newCluster(t, 2)
	alice := dial(t, nodes[0], nil)
	bob := dial(t, nodes[1], nil)
	alice.mustCall(EventRegister, RegisterRequest{UserID: "alice"})

	status := func() event.PresenceStatus {
		ack := bob.mustCall(EventGetUserStatus, UserStatusRequest{UserID: "alice"})
		var p event.Presence
		_ = json.Unmarshal(ack.Data, &p)
		return p.Status
	}
	if got := status(); got != event.StatusOnline {
		t.Fatalf("status = %s, want online", got)
	}
	_ = alice.ws.Close()
	eventually(t, func() bool { return status() == event.StatusOffline })
}

func TestHandshakeRequiresToken(t *testing.T) {
	n := newCluster(t, 1, WithAuthenticator(authtest.Tokens{"good": "alice"}), WithRealm("chat"))[0]

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(n.http.URL), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: err=%v resp=%v", err, resp)
	}
	if got := resp.Header.Get(wwwAuthenticateHeader); got != `Bearer realm="chat"` {
		t.Fatalf("challenge = %q", got)
	}

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(n.http.URL)+"?token=bad", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial with bad token: err=%v resp=%v", err, resp)
	}
	if got := resp.Header.Get(wwwAuthenticateHeader); !strings.Contains(got, `error="invalid_token"`) {
		t.Fatalf("challenge = %q", got)
	}

	c := dial(t, n, http.Header{"Authorization": {"Bearer good"}})
	ack, _ := c.call(EventRegister, RegisterRequest{UserID: "mallory"})
	if ack.Success || !strings.Contains(ack.Message, "authenticated user") {
		t.Fatalf("register as someone else = %+v", ack)
	}
	c.mustCall(EventRegister, RegisterRequest{UserID: "alice"})
}

func TestHealthReportsShutdown(t *testing.T) {
	n := newCluster(t, 1)[0]

	get := func() (int, Health) {
		resp, err := http.Get(n.http.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var h Health
		if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
			t.Fatal(err)
		}
		return resp.StatusCode, h
	}
	code, h := get()
	if code != http.StatusOK || h.Status != "OK" || h.ServerID != "worker_1" {
		t.Fatalf("health = %d %+v", code, h)
	}

	if err := n.srv.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	code, h = get()
	if code != http.StatusServiceUnavailable || h.Status != "SHUTTING_DOWN" {
		t.Fatalf("health after shutdown = %d %+v", code, h)
	}
}

func TestShutdownClosesConnectionsGoingAway(t *testing.T) {
	n := newCluster(t, 1)[0]
	c := dial(t, n, nil)
	c.join("alice", "c1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.srv.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if n.reg.ConnectionCount() != 0 {
		t.Fatalf("connections left: %d", n.reg.ConnectionCount())
	}
	if members := n.reg.Members("c1"); len(members) != 0 {
		t.Fatalf("members left: %v", members)
	}

	for range c.frames {
	}
	var ce *websocket.CloseError
	if err := <-c.errc; !errors.As(err, &ce) || ce.Code != websocket.CloseGoingAway {
		t.Fatalf("close = %v", err)
	}
}

// wsPair returns both ends of a WebSocket connection that no gateway
// serves.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- ws
	}))
	t.Cleanup(hs.Close)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(hs.URL), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	server = <-accepted
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

func typingEnvelope(t *testing.T) event.Envelope {
	t.Helper()
	env, err := event.New(event.RoomTopic("c1"), "worker_1", event.Typing{UserID: "alice", ChatID: "c1", Started: true})
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	ws, client := wsPair(t)

	// Nothing drains the queue until the pump starts.
	c := newConn("c1", ws, "", 1, quiet, time.Second, time.Minute)
	env := typingEnvelope(t)
	ctx := context.Background()
	if err := c.Send(ctx, env); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send(ctx, env); !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("second send = %v, want ErrSlowConsumer", err)
	}
	if err := c.Send(ctx, env); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("send after close = %v, want ErrConnClosed", err)
	}

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		c.writePump(ctx)
	}()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var err error
	for err == nil {
		_, _, err = client.ReadMessage()
	}
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("client read = %v, want policy violation close", err)
	}
	<-pumped
}

func TestEvictionDoesNotWaitOnBlockedWriter(t *testing.T) {
	ws, client := wsPair(t)
	const writeWait = 5 * time.Second
	c := newConn("c1", ws, "", 1, quiet, writeWait, time.Minute)

	ctx := context.Background()
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		c.writePump(ctx)
	}()
	t.Cleanup(func() {
		// Unblocks the pump's pending write.
		_ = client.Close()
		<-pumped
	})

	// The client never reads, so the socket buffers fill and the pump
	// blocks in a write holding the connection's write lock.
	frame := make([]byte, 256<<10)
	var (
		err     error
		elapsed time.Duration
	)
	for i := 0; i < 5000; i++ {
		start := time.Now()
		err = c.enqueue(ctx, frame)
		elapsed = time.Since(start)
		if err != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("enqueue = %v, want ErrSlowConsumer", err)
	}
	if elapsed > writeWait/5 {
		t.Fatalf("eviction took %s", elapsed)
	}
	start := time.Now()
	if err := c.Send(ctx, typingEnvelope(t)); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("send after eviction = %v, want ErrConnClosed", err)
	}
	if d := time.Since(start); d > writeWait/5 {
		t.Fatalf("send after eviction took %s", d)
	}
}

func TestWriteFailureSendsNoCloseCode(t *testing.T) {
	ws, _ := wsPair(t)
	c := newConn("c1", ws, "", 4, quiet, time.Second, time.Minute)
	_ = ws.UnderlyingConn().Close()

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		c.writePump(context.Background())
	}()
	if err := c.Send(context.Background(), typingEnvelope(t)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-pumped:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop after a failed write")
	}
	if c.closeCode != 0 {
		t.Fatalf("close code = %d, want none", c.closeCode)
	}
}

func TestPostMessage(t *testing.T) {
	n := newCluster(t, 1)[0]
	bob := dial(t, n, nil)
	bob.join("bob", "c1")
	url := n.http.URL + "/v1/chats/c1/messages"

	resp, err := http.Post(url, "text/plain", strings.NewReader("hi"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("text/plain status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, url, strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/html")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("accept text/html status = %d", resp.StatusCode)
	}

	resp, err = http.Post(url, "application/json", strings.NewReader(`{"user_id":"system","participants":null,"data":{"text":"x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("null participants status = %d", resp.StatusCode)
	}

	resp, err = http.Post(url, "application/json", strings.NewReader(`{"user_id":"system","participants":["bob",""],"data":{"text":"x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty participant status = %d", resp.StatusCode)
	}

	body := `{"user_id":"system","participants":["bob"],"data":{"text":"welcome"}}`
	resp, err = http.Post(url, "application/json; charset=utf-8", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var sent delivery.SentMessage
	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		t.Fatal(err)
	}
	if sent.Type != event.TypeSystem || sent.ChatID != "c1" {
		t.Fatalf("sent = %+v", sent)
	}

	var msg event.Message
	_ = json.Unmarshal(bob.waitEvent(event.ReceiveMessage).Data, &msg)
	if msg.ID != sent.ID {
		t.Fatalf("bob got %s, want %s", msg.ID, sent.ID)
	}
}

func TestSchemaListsClientEvents(t *testing.T) {
	n := newCluster(t, 1)[0]
	resp, err := http.Get(n.http.URL + "/v1/schema")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var doc struct {
		Events map[string]struct {
			Properties map[string]json.RawMessage `json:"properties"`
			Required   []string                   `json:"required"`
		} `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	for name := range n.srv.handlers {
		if _, ok := doc.Events[name]; !ok {
			t.Errorf("schema lacks %s", name)
		}
	}
	send := doc.Events[EventSendMessage]
	for _, p := range []string{"user_id", "chat_id", "participants", "data", "message_type"} {
		if _, ok := send.Properties[p]; !ok {
			t.Errorf("sendMessage schema lacks %s", p)
		}
	}
}

func TestMetricsAndBanner(t *testing.T) {
	n := newCluster(t, 1, WithMetrics(metrics.NewCollector()))[0]

	resp, err := http.Get(n.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), "go_goroutines") {
		t.Fatalf("metrics = %d %.200s", resp.StatusCode, b)
	}

	resp, err = http.Get(n.http.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var banner map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&banner)
	if banner["server_id"] != "worker_1" || banner["message"] == nil {
		t.Fatalf("banner = %v", banner)
	}
}
