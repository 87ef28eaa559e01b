package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/chatfanout/jobqueue"
	"github.com/ggoodman/chatfanout/notify"
	"github.com/ggoodman/chatfanout/store"
)

// Handlers applies jobs to persistence and push delivery.
type Handlers struct {
	store    store.Store
	notifier notify.Notifier
	log      *slog.Logger
}

func NewHandlers(s store.Store, n notify.Notifier, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{store: s, notifier: n, log: log}
}

// Register binds the message handlers to messages and the notification
// handler to notifications. Either worker may be nil.
func Register(messages, notifications *jobqueue.Worker, h *Handlers) {
	if messages != nil {
		messages.Handle(TypePersistMessage, h.PersistMessage)
		messages.Handle(TypeUpdateChatList, h.UpdateChatList)
		messages.Handle(TypeDeleteMessage, h.DeleteMessage)
		messages.Handle(TypeEditMessage, h.EditMessage)
	}
	if notifications != nil {
		notifications.Handle(TypeSendNotification, h.SendNotification)
	}
}

// decode reads a job payload. A payload that does not decode never will, so
// the error is permanent.
func decode[T any](job *jobqueue.Job) (T, error) {
	var v T
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, jobqueue.Permanent(fmt.Errorf("decode %s payload: %w", job.Type, err))
	}
	return v, nil
}

// permanentIfForbidden stops retries of changes the store refuses outright.
func permanentIfForbidden(err error) error {
	if errors.Is(err, store.ErrForbidden) {
		return jobqueue.Permanent(err)
	}
	return err
}

func (h *Handlers) PersistMessage(ctx context.Context, job *jobqueue.Job) error {
	p, err := decode[PersistMessage](job)
	if err != nil {
		return err
	}
	if err := p.Message.Validate(); err != nil {
		return jobqueue.Permanent(err)
	}
	if err := h.store.SaveMessage(ctx, p.Message); err != nil {
		return err
	}
	h.log.InfoContext(ctx, "jobs.message.saved", slog.String("message_id", p.Message.ID))
	return nil
}

func (h *Handlers) UpdateChatList(ctx context.Context, job *jobqueue.Job) error {
	p, err := decode[UpdateChatList](job)
	if err != nil {
		return err
	}
	if p.ChatID == "" {
		return jobqueue.Permanent(errors.New("chat_id is required"))
	}
	if err := h.store.UpdateChatList(ctx, p.ChatID, p.Participants, p.LastMessage); err != nil {
		return err
	}
	h.log.InfoContext(ctx, "jobs.chatlist.updated", slog.String("chat_id", p.ChatID), slog.Int("participants", len(p.Participants)))
	return nil
}

func (h *Handlers) DeleteMessage(ctx context.Context, job *jobqueue.Job) error {
	p, err := decode[DeleteMessage](job)
	if err != nil {
		return err
	}
	if err := h.store.DeleteMessage(ctx, p.MessageID, p.DeletedBy, p.DeleteForEveryone); err != nil {
		return permanentIfForbidden(err)
	}
	h.log.InfoContext(ctx, "jobs.message.deleted", slog.String("message_id", p.MessageID), slog.Bool("for_everyone", p.DeleteForEveryone))
	return nil
}

func (h *Handlers) EditMessage(ctx context.Context, job *jobqueue.Job) error {
	p, err := decode[EditMessage](job)
	if err != nil {
		return err
	}
	if err := h.store.EditMessage(ctx, p.MessageID, p.EditedBy, p.Content, p.EditedAt); err != nil {
		return permanentIfForbidden(err)
	}
	h.log.InfoContext(ctx, "jobs.message.edited", slog.String("message_id", p.MessageID))
	return nil
}

// SendNotification pushes to every recipient. Recipients that fail are
// reported together; a retry pushes to all of them again.
func (h *Handlers) SendNotification(ctx context.Context, job *jobqueue.Job) error {
	p, err := decode[SendNotification](job)
	if err != nil {
		return err
	}
	data, err := json.Marshal(p.Data)
	if err != nil {
		return jobqueue.Permanent(err)
	}
	var errs []error
	retryable := false
	for _, uid := range p.UserIDs {
		err := h.notifier.Notify(ctx, notify.Notification{UserID: uid, Message: p.Message, Type: p.Type, Data: data})
		if err == nil {
			continue
		}
		errs = append(errs, err)
		var se *notify.StatusError
		if !errors.As(err, &se) || se.Retryable() {
			retryable = true
		}
	}
	if len(errs) == 0 {
		h.log.InfoContext(ctx, "jobs.notification.sent", slog.Int("recipients", len(p.UserIDs)), slog.String("type", p.Type))
		return nil
	}
	err = errors.Join(errs...)
	if !retryable {
		return jobqueue.Permanent(err)
	}
	return err
}
