// Package delivery is the message pipeline of a worker process. Every
// operation has two phases: a synchronous real-time fanout through the
// registry, and an asynchronous enqueue of the durable side effects. The
// caller's acknowledgement never waits on the second phase, and a job queue
// outage never fails a message that was already delivered.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/chatfanout/event"
	"github.com/ggoodman/chatfanout/jobqueue"
	"github.com/ggoodman/chatfanout/jobs"
	"github.com/google/uuid"
)

// Broadcaster is the part of the registry the pipeline fans out through.
type Broadcaster interface {
	InstanceID() string
	Broadcast(ctx context.Context, topic string, payload event.Payload, exclude string) error
}

// Enqueuer admits durable jobs. *jobqueue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts ...jobqueue.EnqueueOption) (*jobqueue.Job, error)
}

const defaultEnqueueTimeout = 5 * time.Second

type Pipeline struct {
	reg           Broadcaster
	messages      Enqueuer
	notifications Enqueuer
	log           *slog.Logger
	now           func() time.Time
	timeout       time.Duration

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithEnqueueTimeout bounds each background enqueue.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func New(reg Broadcaster, messages, notifications Enqueuer, opts ...Option) *Pipeline {
	p := &Pipeline{
		reg:           reg,
		messages:      messages,
		notifications: notifications,
		log:           slog.Default(),
		now:           time.Now,
		timeout:       defaultEnqueueTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SendRequest is a new message from SenderID to ChatID. Participants must
// be non-nil; it may be empty but must not hold empty user IDs.
type SendRequest struct {
	ChatID       string
	SenderID     string
	Participants []string
	Content      json.RawMessage
	Type         string
}

// SentMessage is the acknowledgement body of a sent message.
type SentMessage struct {
	event.Message
	QueuedForProcessing bool `json:"queued_for_processing"`
}

func (r SendRequest) validate() (event.MessageType, error) {
	switch {
	case r.ChatID == "":
		return "", event.Required("chat_id")
	case r.SenderID == "":
		return "", event.Required("user_id")
	case r.Participants == nil:
		return "", &event.ValidationError{Field: "participants", Reason: "is required and must be an array"}
	case len(r.Content) == 0 || string(r.Content) == "null" || string(r.Content) == `""`:
		return "", event.Required("data")
	}
	for _, uid := range r.Participants {
		if uid == "" {
			return "", &event.ValidationError{Field: "participants", Reason: "must not contain empty user ids"}
		}
	}
	return event.ParseMessageType(r.Type)
}

// SendMessage delivers a new message to the room and to the chat list of
// every participant, then schedules its persistence and the push
// notifications of the other participants.
//
// A bus failure is returned together with the message: local members
// already received it and its durable jobs were scheduled, but remote
// instances may not have.
func (p *Pipeline) SendMessage(ctx context.Context, req SendRequest) (*SentMessage, error) {
	typ, err := req.validate()
	if err != nil {
		return nil, err
	}
	if p.isClosed() {
		return nil, ErrClosed
	}
	now := p.now().UTC()
	msg := event.Message{
		ID:        uuid.NewString(),
		ChatID:    req.ChatID,
		SenderID:  req.SenderID,
		Content:   append(json.RawMessage(nil), req.Content...),
		Type:      typ,
		CreatedAt: now,
		Origin:    p.reg.InstanceID(),
	}

	var errs []error
	if err := p.reg.Broadcast(ctx, event.RoomTopic(msg.ChatID), msg, ""); err != nil {
		errs = append(errs, err)
	}
	update := event.ChatListUpdate{ChatID: msg.ChatID, LastMessage: msg, UpdatedAt: now}
	for _, uid := range req.Participants {
		if err := p.reg.Broadcast(ctx, event.UserTopic(uid), update, ""); err != nil {
			errs = append(errs, err)
		}
	}

	participants := append([]string(nil), req.Participants...)
	recipients := make([]string, 0, len(participants))
	for _, uid := range participants {
		if uid != msg.SenderID {
			recipients = append(recipients, uid)
		}
	}
	p.async(ctx, func(ctx context.Context) {
		p.enqueue(ctx, p.messages, jobs.TypePersistMessage, jobs.PersistMessage{Message: msg}, jobqueue.WithJobID("persist:"+msg.ID))
		p.enqueue(ctx, p.messages, jobs.TypeUpdateChatList, jobs.UpdateChatList{ChatID: msg.ChatID, Participants: participants, LastMessage: msg}, jobqueue.WithJobID("chatlist:"+msg.ID))
		if len(recipients) > 0 {
			p.enqueue(ctx, p.notifications, jobs.TypeSendNotification, jobs.SendNotification{
				UserIDs: recipients,
				Message: fmt.Sprintf("New message in chat %s", msg.ChatID),
				Type:    jobs.NotificationNewMessage,
				Data:    msg,
			}, jobqueue.WithJobID("notify:"+msg.ID))
		}
	})

	p.log.InfoContext(ctx, "delivery.message.sent",
		slog.String("message_id", msg.ID),
		slog.String("chat_id", msg.ChatID),
		slog.Int("participants", len(participants)),
	)
	return &SentMessage{Message: msg, QueuedForProcessing: true}, errors.Join(errs...)
}

// DeleteRequest removes MessageID for UserID, or for everyone.
type DeleteRequest struct {
	MessageID         string
	ChatID            string
	UserID            string
	DeleteForEveryone bool
	Data              json.RawMessage
}

// DeleteMessage announces the deletion to the room and schedules it.
func (p *Pipeline) DeleteMessage(ctx context.Context, req DeleteRequest) (*event.Deletion, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	d := event.Deletion{
		MessageID:         req.MessageID,
		ChatID:            req.ChatID,
		DeletedBy:         req.UserID,
		DeleteForEveryone: req.DeleteForEveryone,
		DeletedAt:         p.now().UTC(),
		Data:              req.Data,
		Origin:            p.reg.InstanceID(),
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	err := p.reg.Broadcast(ctx, event.RoomTopic(d.ChatID), d, "")
	p.async(ctx, func(ctx context.Context) {
		p.enqueue(ctx, p.messages, jobs.TypeDeleteMessage, jobs.DeleteMessage{
			MessageID:         d.MessageID,
			ChatID:            d.ChatID,
			DeletedBy:         d.DeletedBy,
			DeleteForEveryone: d.DeleteForEveryone,
		})
	})
	return &d, err
}

// EditRequest replaces the content of MessageID.
type EditRequest struct {
	MessageID string
	ChatID    string
	UserID    string
	Content   json.RawMessage
}

// EditMessage announces the edit to the room and schedules it.
func (p *Pipeline) EditMessage(ctx context.Context, req EditRequest) (*event.Edit, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	e := event.Edit{
		MessageID: req.MessageID,
		ChatID:    req.ChatID,
		EditedBy:  req.UserID,
		Content:   append(json.RawMessage(nil), req.Content...),
		EditedAt:  p.now().UTC(),
		Origin:    p.reg.InstanceID(),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	err := p.reg.Broadcast(ctx, event.RoomTopic(e.ChatID), e, "")
	p.async(ctx, func(ctx context.Context) {
		p.enqueue(ctx, p.messages, jobs.TypeEditMessage, jobs.EditMessage{
			MessageID: e.MessageID,
			ChatID:    e.ChatID,
			EditedBy:  e.EditedBy,
			Content:   e.Content,
			EditedAt:  e.EditedAt,
		})
	})
	return &e, err
}

// StartTyping tells the room that userID is typing. excludeConn, the
// typing connection, does not receive it.
func (p *Pipeline) StartTyping(ctx context.Context, chatID, userID, excludeConn string) error {
	return p.typing(ctx, chatID, userID, excludeConn, true)
}

func (p *Pipeline) StopTyping(ctx context.Context, chatID, userID, excludeConn string) error {
	return p.typing(ctx, chatID, userID, excludeConn, false)
}

func (p *Pipeline) typing(ctx context.Context, chatID, userID, excludeConn string, started bool) error {
	t := event.Typing{UserID: userID, ChatID: chatID, Started: started}
	if err := t.Validate(); err != nil {
		return err
	}
	if err := p.reg.Broadcast(ctx, event.RoomTopic(chatID), t, excludeConn); err != nil {
		return err
	}
	p.log.DebugContext(ctx, "delivery.typing", slog.String("chat_id", chatID), slog.String("user_id", userID), slog.Bool("started", started))
	return nil
}

// MarkRead tells the room, the reader's own connections included, that
// userID has read chatID up to lastMessageID.
func (p *Pipeline) MarkRead(ctx context.Context, chatID, userID, lastMessageID string) (*event.ReadReceipt, error) {
	r := event.ReadReceipt{ChatID: chatID, UserID: userID, LastMessageID: lastMessageID, ReadAt: p.now().UTC()}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := p.reg.Broadcast(ctx, event.RoomTopic(chatID), r, ""); err != nil {
		return nil, err
	}
	p.log.DebugContext(ctx, "delivery.read", slog.String("chat_id", chatID), slog.String("user_id", userID), slog.String("last_message_id", lastMessageID))
	return &r, nil
}

// Close refuses new work and waits for scheduled enqueues to finish or for
// ctx to expire.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// async runs fn in the background, detached from the caller's
// cancellation but carrying its logging context.
func (p *Pipeline) async(ctx context.Context, fn func(ctx context.Context)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn(context.WithoutCancel(ctx))
		return
	}
	p.pending.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.pending.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

// enqueue admits one job. Failures are logged and swallowed.
func (p *Pipeline) enqueue(ctx context.Context, q Enqueuer, jobType string, payload any, opts ...jobqueue.EnqueueOption) {
	if q == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := q.Enqueue(ctx, jobType, payload, opts...); err != nil {
		p.log.ErrorContext(ctx, "delivery.enqueue.fail", slog.String("type", jobType), slog.String("err", err.Error()))
	}
}
