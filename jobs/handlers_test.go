package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/chatfanout/event"
	"github.com/ggoodman/chatfanout/jobqueue"
	"github.com/ggoodman/chatfanout/jobqueue/memorystore"
	"github.com/ggoodman/chatfanout/notify"
	"github.com/ggoodman/chatfanout/store"
	"github.com/ggoodman/chatfanout/store/memstore"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	fail map[string]error
}

func (n *recordingNotifier) Notify(_ context.Context, p notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail[p.UserID]; err != nil {
		return err
	}
	n.sent = append(n.sent, p)
	return nil
}

type harness struct {
	store    *memstore.Store
	notifier *recordingNotifier
	messages *jobqueue.Queue
	notifs   *jobqueue.Queue
	mw, nw   *jobqueue.Worker
	jobs     *memorystore.Store
}

func newHarness() *harness {
	js := memorystore.New()
	h := &harness{
		store:    memstore.New(),
		notifier: &recordingNotifier{fail: map[string]error{}},
		jobs:     js,
		messages: jobqueue.NewQueue(jobqueue.QueueMessages, js, jobqueue.WithLogger(quiet)),
		notifs:   jobqueue.NewQueue(jobqueue.QueueNotifications, js, jobqueue.WithLogger(quiet)),
		mw:       jobqueue.NewWorker(jobqueue.QueueMessages, js, jobqueue.WorkerConfig{ID: "m"}, jobqueue.WithLogger(quiet)),
		nw:       jobqueue.NewWorker(jobqueue.QueueNotifications, js, jobqueue.WorkerConfig{ID: "n"}, jobqueue.WithLogger(quiet)),
	}
	Register(h.mw, h.nw, NewHandlers(h.store, h.notifier, quiet))
	return h
}

func (h *harness) run(t *testing.T, w *jobqueue.Worker, q *jobqueue.Queue, jobType string, payload any) *jobqueue.Job {
	t.Helper()
	ctx := context.Background()
	job, err := q.Enqueue(ctx, jobType, payload)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := w.ProcessOne(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, err := h.jobs.Get(ctx, q.Name(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return got
}

func sample() event.Message {
	return event.Message{
		ID:        "m1",
		ChatID:    "c1",
		SenderID:  "alice",
		Content:   json.RawMessage(`{"text":"hi"}`),
		Type:      event.TypeText,
		CreatedAt: time.Now().UTC(),
	}
}

func TestPersistMessageIsIdempotent(t *testing.T) {
	h := newHarness()
	for i := 0; i < 2; i++ {
		if j := h.run(t, h.mw, h.messages, TypePersistMessage, PersistMessage{Message: sample()}); j.State != jobqueue.StateCompleted {
			t.Fatalf("run %d: expected completed, got %s (%s)", i, j.State, j.LastError)
		}
	}
	if _, err := h.store.GetMessage(context.Background(), "m1"); err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
}

func TestInvalidPayloadFailsWithoutRetry(t *testing.T) {
	h := newHarness()
	j := h.run(t, h.mw, h.messages, TypePersistMessage, json.RawMessage(`{"message":"not an object"}`))
	if j.State != jobqueue.StateFailed || j.Attempts != 1 {
		t.Fatalf("expected immediate failure, got %s after %d", j.State, j.Attempts)
	}
	j = h.run(t, h.mw, h.messages, TypePersistMessage, PersistMessage{Message: event.Message{ID: "x"}})
	if j.State != jobqueue.StateFailed || j.Attempts != 1 {
		t.Fatalf("expected invalid message to fail immediately, got %s", j.State)
	}
}

func TestUpdateChatList(t *testing.T) {
	h := newHarness()
	m := sample()
	j := h.run(t, h.mw, h.messages, TypeUpdateChatList, UpdateChatList{ChatID: "c1", Participants: []string{"alice", "bob"}, LastMessage: m})
	if j.State != jobqueue.StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", j.State, j.LastError)
	}
	list, _ := h.store.ChatList(context.Background(), "bob")
	if len(list) != 1 || list[0].LastMessageID != "m1" {
		t.Fatalf("unexpected chat list %+v", list)
	}
}

func TestDeleteBeforePersistRetries(t *testing.T) {
	h := newHarness()
	j := h.run(t, h.mw, h.messages, TypeDeleteMessage, DeleteMessage{MessageID: "m1", ChatID: "c1", DeletedBy: "bob"})
	if j.State != jobqueue.StateQueued || j.LastError != store.ErrNotFound.Error() {
		t.Fatalf("expected retry while the message is unknown, got %s (%s)", j.State, j.LastError)
	}
}

func TestDeleteAndEdit(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if err := h.store.SaveMessage(ctx, sample()); err != nil {
		t.Fatal(err)
	}

	j := h.run(t, h.mw, h.messages, TypeDeleteMessage, DeleteMessage{MessageID: "m1", ChatID: "c1", DeletedBy: "bob"})
	if j.State != jobqueue.StateCompleted {
		t.Fatalf("delete for me: %s (%s)", j.State, j.LastError)
	}
	j = h.run(t, h.mw, h.messages, TypeEditMessage, EditMessage{MessageID: "m1", ChatID: "c1", EditedBy: "bob", Content: json.RawMessage(`"x"`)})
	if j.State != jobqueue.StateFailed || j.Attempts != 1 {
		t.Fatalf("edit by non-sender must fail permanently, got %s", j.State)
	}
	j = h.run(t, h.mw, h.messages, TypeEditMessage, EditMessage{MessageID: "m1", ChatID: "c1", EditedBy: "alice", Content: json.RawMessage(`"edited"`), EditedAt: time.Now()})
	if j.State != jobqueue.StateCompleted {
		t.Fatalf("edit: %s (%s)", j.State, j.LastError)
	}
	j = h.run(t, h.mw, h.messages, TypeDeleteMessage, DeleteMessage{MessageID: "m1", ChatID: "c1", DeletedBy: "alice", DeleteForEveryone: true})
	if j.State != jobqueue.StateCompleted {
		t.Fatalf("delete for everyone: %s (%s)", j.State, j.LastError)
	}

	m, _ := h.store.GetMessage(ctx, "m1")
	if string(m.Content) != `"edited"` || m.VisibleTo("alice") {
		t.Fatalf("unexpected stored message %+v", m)
	}
}

func TestSendNotification(t *testing.T) {
	h := newHarness()
	j := h.run(t, h.nw, h.notifs, TypeSendNotification, SendNotification{
		UserIDs: []string{"bob", "carol"},
		Message: "New message in chat c1",
		Type:    NotificationNewMessage,
		Data:    sample(),
	})
	if j.State != jobqueue.StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", j.State, j.LastError)
	}
	if len(h.notifier.sent) != 2 || h.notifier.sent[1].UserID != "carol" {
		t.Fatalf("unexpected pushes %+v", h.notifier.sent)
	}
	var data event.Message
	if err := json.Unmarshal(h.notifier.sent[0].Data, &data); err != nil || data.ID != "m1" {
		t.Fatalf("push data %s", h.notifier.sent[0].Data)
	}
}

func TestSendNotificationRetryability(t *testing.T) {
	h := newHarness()
	h.notifier.fail["bob"] = errors.New("connection reset")
	j := h.run(t, h.nw, h.notifs, TypeSendNotification, SendNotification{UserIDs: []string{"bob", "carol"}, Type: NotificationNewMessage, Data: sample()})
	if j.State != jobqueue.StateQueued {
		t.Fatalf("transport failure should retry, got %s", j.State)
	}

	h = newHarness()
	h.notifier.fail["bob"] = &notify.StatusError{StatusCode: 400, Body: "unknown device"}
	j = h.run(t, h.nw, h.notifs, TypeSendNotification, SendNotification{UserIDs: []string{"bob"}, Type: NotificationNewMessage, Data: sample()})
	if j.State != jobqueue.StateFailed {
		t.Fatalf("client error should fail permanently, got %s", j.State)
	}
}
