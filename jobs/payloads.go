// Package jobs defines the durable side effects of the chat pipeline: the
// job types enqueued by delivery, their payloads, and the handlers that
// apply them to a store and a notifier.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/ggoodman/chatfanout/event"
)

// Job types on the messages queue.
const (
	TypePersistMessage = "persist-message"
	TypeUpdateChatList = "update-chat-list"
	TypeDeleteMessage  = "delete-message"
	TypeEditMessage    = "edit-message"
)

// Job types on the notifications queue.
const (
	TypeSendNotification = "send-notification"
)

// NotificationNewMessage is the notification type of a new chat message.
const NotificationNewMessage = "new_message"

type PersistMessage struct {
	Message event.Message `json:"message"`
}

type UpdateChatList struct {
	ChatID       string        `json:"chat_id"`
	Participants []string      `json:"participants"`
	LastMessage  event.Message `json:"last_message"`
}

type DeleteMessage struct {
	MessageID         string `json:"message_id"`
	ChatID            string `json:"chat_id"`
	DeletedBy         string `json:"deleted_by"`
	DeleteForEveryone bool   `json:"delete_for_everyone"`
}

type EditMessage struct {
	MessageID string          `json:"message_id"`
	ChatID    string          `json:"chat_id"`
	EditedBy  string          `json:"edited_by"`
	Content   json.RawMessage `json:"content"`
	EditedAt  time.Time       `json:"edited_at"`
}

// SendNotification fans one push out to several recipients.
type SendNotification struct {
	UserIDs []string      `json:"user_ids"`
	Message string        `json:"message"`
	Type    string        `json:"type"`
	Data    event.Message `json:"data"`
}
