package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/chatfanout/bus"
	"github.com/ggoodman/chatfanout/bus/memorybus"
	"github.com/ggoodman/chatfanout/event"
	"github.com/ggoodman/chatfanout/jobqueue"
	"github.com/ggoodman/chatfanout/jobqueue/memorystore"
	"github.com/ggoodman/chatfanout/jobs"
	"github.com/ggoodman/chatfanout/registry"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type broadcast struct {
	topic   string
	payload event.Payload
	exclude string
}

type fakeRegistry struct {
	mu   sync.Mutex
	sent []broadcast
	err  error
}

func (r *fakeRegistry) InstanceID() string { return "worker_1" }

func (r *fakeRegistry) Broadcast(_ context.Context, topic string, payload event.Payload, exclude string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, broadcast{topic, payload, exclude})
	return r.err
}

type enqueued struct {
	jobType string
	payload any
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, jobType string, payload any, _ ...jobqueue.EnqueueOption) (*jobqueue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, &jobqueue.UnavailableError{Queue: "test", Err: q.err}
	}
	q.jobs = append(q.jobs, enqueued{jobType, payload})
	return &jobqueue.Job{Type: jobType}, nil
}

func (q *fakeQueue) types() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, j := range q.jobs {
		out = append(out, j.jobType)
	}
	sort.Strings(out)
	return out
}

func newPipeline() (*Pipeline, *fakeRegistry, *fakeQueue, *fakeQueue) {
	reg := &fakeRegistry{}
	msgs, notifs := &fakeQueue{}, &fakeQueue{}
	return New(reg, msgs, notifs, WithLogger(quiet)), reg, msgs, notifs
}

func drain(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func validRequest() SendRequest {
	return SendRequest{
		ChatID:       "c1",
		SenderID:     "alice",
		Participants: []string{"alice", "bob", "carol"},
		Content:      json.RawMessage(`{"text":"hello"}`),
	}
}

func TestSendMessageValidation(t *testing.T) {
	for name, mutate := range map[string]func(*SendRequest){
		"chat_id":      func(r *SendRequest) { r.ChatID = "" },
		"user_id":      func(r *SendRequest) { r.SenderID = "" },
		"participants": func(r *SendRequest) { r.Participants = nil },
		"data":         func(r *SendRequest) { r.Content = nil },
		"message_type": func(r *SendRequest) { r.Type = "video" },
	} {
		t.Run(name, func(t *testing.T) {
			p, reg, msgs, _ := newPipeline()
			req := validRequest()
			mutate(&req)
			_, err := p.SendMessage(context.Background(), req)
			var ve *event.ValidationError
			if !errors.As(err, &ve) || ve.Field != name {
				t.Fatalf("expected validation error on %s, got %v", name, err)
			}
			drain(t, p)
			if len(reg.sent) != 0 || len(msgs.jobs) != 0 {
				t.Fatal("invalid request had side effects")
			}
		})
	}
}

func TestSendMessageRejectsEmptyParticipantID(t *testing.T) {
	p, reg, msgs, notifs := newPipeline()
	req := validRequest()
	req.Participants = []string{"alice", "", "bob"}
	_, err := p.SendMessage(context.Background(), req)
	var ve *event.ValidationError
	if !errors.As(err, &ve) || ve.Field != "participants" {
		t.Fatalf("expected participants validation error, got %v", err)
	}
	drain(t, p)
	if len(reg.sent) != 0 || len(msgs.jobs) != 0 || len(notifs.jobs) != 0 {
		t.Fatal("rejected request had side effects")
	}
}

func TestSendMessageFansOutThenEnqueues(t *testing.T) {
	p, reg, msgs, notifs := newPipeline()
	sent, err := p.SendMessage(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.ID == "" || !sent.QueuedForProcessing || sent.Type != event.TypeText || sent.Origin != "worker_1" {
		t.Fatalf("unexpected sent message %+v", sent)
	}

	if len(reg.sent) != 4 {
		t.Fatalf("expected room plus 3 chat list broadcasts, got %d", len(reg.sent))
	}
	if reg.sent[0].topic != "chat_c1" || reg.sent[0].payload.EventName() != event.ReceiveMessage || reg.sent[0].exclude != "" {
		t.Fatalf("unexpected room broadcast %+v", reg.sent[0])
	}
	for i, uid := range []string{"alice", "bob", "carol"} {
		b := reg.sent[i+1]
		if b.topic != "user_"+uid || b.payload.EventName() != event.ChatList {
			t.Fatalf("unexpected chat list broadcast %+v", b)
		}
		if b.payload.(event.ChatListUpdate).LastMessage.ID != sent.ID {
			t.Fatal("chat list carries a different message")
		}
	}

	drain(t, p)
	if got := msgs.types(); len(got) != 2 || got[0] != jobs.TypePersistMessage || got[1] != jobs.TypeUpdateChatList {
		t.Fatalf("unexpected message jobs %v", got)
	}
	if len(notifs.jobs) != 1 {
		t.Fatalf("expected one notification job, got %d", len(notifs.jobs))
	}
	n := notifs.jobs[0].payload.(jobs.SendNotification)
	if len(n.UserIDs) != 2 || n.UserIDs[0] != "bob" || n.UserIDs[1] != "carol" {
		t.Fatalf("sender must not be notified: %v", n.UserIDs)
	}
	if n.Message != "New message in chat c1" || n.Type != jobs.NotificationNewMessage {
		t.Fatalf("unexpected notification %+v", n)
	}
}

func TestSendMessageWithoutOtherParticipantsSkipsNotification(t *testing.T) {
	p, _, _, notifs := newPipeline()
	req := validRequest()
	req.Participants = []string{}
	if _, err := p.SendMessage(context.Background(), req); err != nil {
		t.Fatalf("send: %v", err)
	}
	drain(t, p)
	if len(notifs.jobs) != 0 {
		t.Fatalf("expected no notification, got %v", notifs.jobs)
	}
}

func TestQueueOutageDoesNotFailSend(t *testing.T) {
	p, reg, msgs, notifs := newPipeline()
	msgs.err = errors.New("connection refused")
	notifs.err = errors.New("connection refused")

	sent, err := p.SendMessage(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("send must succeed while the queue is down: %v", err)
	}
	if !sent.QueuedForProcessing {
		t.Fatal("expected queued_for_processing")
	}
	drain(t, p)
	if len(reg.sent) != 4 {
		t.Fatalf("real-time fanout skipped: %d", len(reg.sent))
	}
}

func TestBusOutageIsReported(t *testing.T) {
	p, reg, msgs, _ := newPipeline()
	reg.err = &bus.UnavailableError{Topic: "chat_c1", Err: errors.New("redis down")}

	sent, err := p.SendMessage(context.Background(), validRequest())
	if !errors.Is(err, bus.ErrUnavailable) {
		t.Fatalf("expected bus unavailability, got %v", err)
	}
	if sent == nil || sent.ID == "" {
		t.Fatal("message should still be returned")
	}
	drain(t, p)
	if len(msgs.jobs) != 2 {
		t.Fatalf("durable jobs should still be scheduled, got %d", len(msgs.jobs))
	}
}

func TestDeleteMessage(t *testing.T) {
	p, reg, msgs, _ := newPipeline()
	if _, err := p.DeleteMessage(context.Background(), DeleteRequest{ChatID: "c1", UserID: "alice"}); err == nil {
		t.Fatal("expected validation error for missing message id")
	}
	d, err := p.DeleteMessage(context.Background(), DeleteRequest{MessageID: "m1", ChatID: "c1", UserID: "alice", DeleteForEveryone: true})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if d.DeletedBy != "alice" || !d.DeleteForEveryone || d.DeletedAt.IsZero() {
		t.Fatalf("unexpected deletion %+v", d)
	}
	drain(t, p)
	if len(reg.sent) != 1 || reg.sent[0].payload.EventName() != event.MessageDeleted {
		t.Fatalf("unexpected broadcasts %+v", reg.sent)
	}
	if len(msgs.jobs) != 1 || !msgs.jobs[0].payload.(jobs.DeleteMessage).DeleteForEveryone {
		t.Fatalf("delete job must carry the flag: %+v", msgs.jobs)
	}
}

func TestEditMessage(t *testing.T) {
	p, reg, msgs, _ := newPipeline()
	if _, err := p.EditMessage(context.Background(), EditRequest{MessageID: "m1", ChatID: "c1", UserID: "alice"}); err == nil {
		t.Fatal("expected validation error for empty content")
	}
	e, err := p.EditMessage(context.Background(), EditRequest{MessageID: "m1", ChatID: "c1", UserID: "alice", Content: json.RawMessage(`{"text":"fixed"}`)})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	drain(t, p)
	if e.EditedBy != "alice" || reg.sent[0].payload.EventName() != event.MessageEdited {
		t.Fatalf("unexpected edit %+v", e)
	}
	if len(msgs.jobs) != 1 || msgs.jobs[0].jobType != jobs.TypeEditMessage {
		t.Fatalf("unexpected jobs %+v", msgs.jobs)
	}
}

func TestTypingExcludesSender(t *testing.T) {
	p, reg, _, _ := newPipeline()
	if err := p.StartTyping(context.Background(), "c1", "alice", "conn-a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.StopTyping(context.Background(), "c1", "alice", "conn-a"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.StartTyping(context.Background(), "", "alice", "conn-a"); err == nil {
		t.Fatal("expected validation error")
	}
	if len(reg.sent) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(reg.sent))
	}
	if reg.sent[0].payload.EventName() != event.TypingStart || reg.sent[1].payload.EventName() != event.TypingStop {
		t.Fatalf("unexpected events %+v", reg.sent)
	}
	if reg.sent[0].exclude != "conn-a" {
		t.Fatalf("typing must exclude the sender connection, got %q", reg.sent[0].exclude)
	}
}

func TestMarkReadReachesWholeRoom(t *testing.T) {
	p, reg, msgs, _ := newPipeline()
	r, err := p.MarkRead(context.Background(), "c1", "bob", "m7")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if r.UserID != "bob" || r.LastMessageID != "m7" || r.ReadAt.IsZero() {
		t.Fatalf("receipt = %+v", r)
	}
	if len(reg.sent) != 1 || reg.sent[0].topic != event.RoomTopic("c1") || reg.sent[0].exclude != "" {
		t.Fatalf("broadcasts = %+v", reg.sent)
	}
	if _, err := p.MarkRead(context.Background(), "", "bob", "m7"); err == nil {
		t.Fatal("expected validation error")
	}
	drain(t, p)
	if len(msgs.types()) != 0 {
		t.Fatal("read receipts must not be queued")
	}
}

func TestClosedPipelineRefusesWork(t *testing.T) {
	p, _, _, _ := newPipeline()
	drain(t, p)
	if _, err := p.SendMessage(context.Background(), validRequest()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

type conn struct {
	id string
	mu sync.Mutex
	by map[event.Name]int
}

func (c *conn) ID() string { return c.id }

func (c *conn) Send(_ context.Context, env event.Envelope) error {
	c.mu.Lock()
	c.by[env.Name]++
	c.mu.Unlock()
	return nil
}

func (c *conn) count(n event.Name) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.by[n]
}

func TestSendAcrossInstances(t *testing.T) {
	ctx := context.Background()
	b := memorybus.New(memorybus.WithLogger(quiet))
	defer b.Close()
	r1 := registry.New("worker_1", b, registry.WithLogger(quiet))
	r2 := registry.New("worker_2", b, registry.WithLogger(quiet))
	defer r1.Close()
	defer r2.Close()

	alice := &conn{id: "a", by: map[event.Name]int{}}
	bob := &conn{id: "b", by: map[event.Name]int{}}
	for _, step := range []struct {
		r    *registry.Registry
		c    *conn
		user string
	}{{r1, alice, "alice"}, {r2, bob, "bob"}} {
		if err := step.r.Connect(step.c); err != nil {
			t.Fatal(err)
		}
		if err := step.r.Register(ctx, step.c.id, step.user); err != nil {
			t.Fatal(err)
		}
		if err := step.r.Join(ctx, step.c.id, "c1"); err != nil {
			t.Fatal(err)
		}
	}

	store := memorystore.New()
	p := New(r1, jobqueue.NewQueue(jobqueue.QueueMessages, store, jobqueue.WithLogger(quiet)),
		jobqueue.NewQueue(jobqueue.QueueNotifications, store, jobqueue.WithLogger(quiet)), WithLogger(quiet))
	req := validRequest()
	req.Participants = []string{"alice", "bob"}
	if _, err := p.SendMessage(ctx, req); err != nil {
		t.Fatalf("send: %v", err)
	}
	drain(t, p)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && (bob.count(event.ReceiveMessage) < 1 || bob.count(event.ChatList) < 1) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	for _, c := range []*conn{alice, bob} {
		if c.count(event.ReceiveMessage) != 1 || c.count(event.ChatList) != 1 {
			t.Fatalf("conn %s: receive_message=%d chat_list=%d, want 1 each", c.id, c.count(event.ReceiveMessage), c.count(event.ChatList))
		}
	}

	st, _ := store.Stats(ctx, jobqueue.QueueMessages)
	if st.Queued != 2 {
		t.Fatalf("expected persist and chat list jobs, got %+v", st)
	}
	st, _ = store.Stats(ctx, jobqueue.QueueNotifications)
	if st.Queued != 1 {
		t.Fatalf("expected one notification job, got %+v", st)
	}
}
