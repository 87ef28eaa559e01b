// Package store persists chat messages and per-user chat lists. It is fed by
// the durable jobs, never by the real-time path.
package store

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/ggoodman/chatfanout/event"
)

// Message is the persisted form of a chat message.
type Message struct {
	ID                 string            `json:"id"`
	ChatID             string            `json:"chat_id"`
	SenderID           string            `json:"user_id"`
	Content            json.RawMessage   `json:"content"`
	Type               event.MessageType `json:"message_type"`
	CreatedAt          time.Time         `json:"created_at"`
	EditedAt           *time.Time        `json:"edited_at,omitempty"`
	DeletedForEveryone bool              `json:"deleted_for_everyone"`
	DeletedFor         []string          `json:"deleted_for,omitempty"`
}

// VisibleTo reports whether userID may still see the message.
func (m *Message) VisibleTo(userID string) bool {
	return !m.DeletedForEveryone && !slices.Contains(m.DeletedFor, userID)
}

// ChatEntry is one row of a user's chat list.
type ChatEntry struct {
	UserID        string    `json:"user_id"`
	ChatID        string    `json:"chat_id"`
	LastMessageID string    `json:"last_message_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store is the persistence collaborator of the job handlers. Every write
// must be safe to repeat, since a job may run more than once.
type Store interface {
	// SaveMessage inserts m. Saving an ID that exists is a no-op.
	SaveMessage(ctx context.Context, m event.Message) error

	// UpdateChatList moves chatID to last for each participant.
	UpdateChatList(ctx context.Context, chatID string, participants []string, last event.Message) error

	// DeleteMessage hides a message for userID, or for everyone when
	// forEveryone is set. Only the sender may delete for everyone.
	DeleteMessage(ctx context.Context, messageID, userID string, forEveryone bool) error

	// EditMessage replaces the content of a message. Only the sender may
	// edit.
	EditMessage(ctx context.Context, messageID, userID string, content json.RawMessage, editedAt time.Time) error

	// GetMessage returns a message or ErrNotFound.
	GetMessage(ctx context.Context, messageID string) (*Message, error)

	// ChatList returns userID's chats, most recently active first.
	ChatList(ctx context.Context, userID string) ([]ChatEntry, error)
}

// FromEvent converts a broadcast message to its persisted form.
func FromEvent(m event.Message) Message {
	return Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   append(json.RawMessage(nil), m.Content...),
		Type:      m.Type,
		CreatedAt: m.CreatedAt.UTC(),
	}
}
