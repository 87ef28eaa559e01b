package event

import (
	"encoding/json"
	"time"
)

// Name identifies a server-to-client event. Every name maps to exactly one
// payload type.
type Name string

const (
	ReceiveMessage Name = "receive_message"
	ChatList       Name = "chat_list"
	MessageDeleted Name = "message_deleted"
	MessageEdited  Name = "message_edited"
	UserJoined     Name = "user_joined"
	UserLeft       Name = "user_left"
	TypingStart    Name = "typing_start"
	TypingStop     Name = "typing_stop"
	UserStatus     Name = "user_status"
	ReadStatus     Name = "read_status"
)

// MessageType classifies message content.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeMedia  MessageType = "media"
	TypeSystem MessageType = "system"
)

// ParseMessageType normalizes a client supplied type. Empty means text.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(s) {
	case "":
		return TypeText, nil
	case TypeText, TypeMedia, TypeSystem:
		return MessageType(s), nil
	}
	return "", &ValidationError{Field: "message_type", Reason: "must be one of text, media, system"}
}

// Payload is implemented by every event body. The set of implementations is
// closed; see Decode.
type Payload interface {
	EventName() Name
	Validate() error
}

// Message is an immutable chat message.
type Message struct {
	ID        string          `json:"id"`
	ChatID    string          `json:"chat_id"`
	SenderID  string          `json:"user_id"`
	Content   json.RawMessage `json:"content"`
	Type      MessageType     `json:"message_type"`
	CreatedAt time.Time       `json:"created_at"`
	Origin    string          `json:"server_id"`
}

func (Message) EventName() Name { return ReceiveMessage }

func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return Required("id")
	case m.ChatID == "":
		return Required("chat_id")
	case m.SenderID == "":
		return Required("user_id")
	case isEmptyJSON(m.Content):
		return Required("data")
	}
	if _, err := ParseMessageType(string(m.Type)); err != nil {
		return err
	}
	return nil
}

// ChatListUpdate tells a participant that a chat has new activity. It is
// addressed to the participant's personal topic rather than the room.
type ChatListUpdate struct {
	ChatID      string    `json:"chat_id"`
	LastMessage Message   `json:"last_message"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (ChatListUpdate) EventName() Name { return ChatList }

func (c ChatListUpdate) Validate() error {
	if c.ChatID == "" {
		return Required("chat_id")
	}
	return c.LastMessage.Validate()
}

// Deletion removes a message either for the deleting user only or for every
// participant. This layer forwards the flag; persistence honours it.
type Deletion struct {
	MessageID         string          `json:"message_id"`
	ChatID            string          `json:"chat_id"`
	DeletedBy         string          `json:"deleted_by"`
	DeleteForEveryone bool            `json:"delete_for_everyone"`
	DeletedAt         time.Time       `json:"deleted_at"`
	Data              json.RawMessage `json:"data,omitempty"`
	Origin            string          `json:"server_id"`
}

func (Deletion) EventName() Name { return MessageDeleted }

func (d Deletion) Validate() error {
	switch {
	case d.MessageID == "":
		return Required("message_id")
	case d.ChatID == "":
		return Required("chat_id")
	case d.DeletedBy == "":
		return Required("user_id")
	}
	return nil
}

// Edit replaces the content of an existing message.
type Edit struct {
	MessageID string          `json:"message_id"`
	ChatID    string          `json:"chat_id"`
	EditedBy  string          `json:"edited_by"`
	Content   json.RawMessage `json:"content"`
	EditedAt  time.Time       `json:"edited_at"`
	Origin    string          `json:"server_id"`
}

func (Edit) EventName() Name { return MessageEdited }

func (e Edit) Validate() error {
	switch {
	case e.MessageID == "":
		return Required("message_id")
	case e.ChatID == "":
		return Required("chat_id")
	case e.EditedBy == "":
		return Required("user_id")
	case isEmptyJSON(e.Content):
		return Required("data")
	}
	return nil
}

// Membership announces a join or leave. Joined selects the event name.
type Membership struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
	Joined bool   `json:"-"`
}

func (m Membership) EventName() Name {
	if m.Joined {
		return UserJoined
	}
	return UserLeft
}

func (m Membership) Validate() error {
	if m.UserID == "" {
		return Required("user_id")
	}
	if m.ChatID == "" {
		return Required("chat_id")
	}
	return nil
}

// Typing is a transient typing indicator. Started selects the event name.
type Typing struct {
	UserID  string `json:"user_id"`
	ChatID  string `json:"chat_id"`
	Started bool   `json:"-"`
}

func (t Typing) EventName() Name {
	if t.Started {
		return TypingStart
	}
	return TypingStop
}

func (t Typing) Validate() error {
	if t.UserID == "" {
		return Required("user_id")
	}
	if t.ChatID == "" {
		return Required("chat_id")
	}
	return nil
}

// ReadReceipt records that a user has read a chat up to LastMessageID.
// Receipts are fanned out only; nothing persists them.
type ReadReceipt struct {
	ChatID        string    `json:"chat_id"`
	UserID        string    `json:"read_by"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	ReadAt        time.Time `json:"read_at"`
}

func (ReadReceipt) EventName() Name { return ReadStatus }

func (r ReadReceipt) Validate() error {
	if r.ChatID == "" {
		return Required("chat_id")
	}
	if r.UserID == "" {
		return Required("read_by")
	}
	return nil
}

// PresenceStatus is a user's derived liveness.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// Presence reports an online/offline transition of a user across the fleet.
type Presence struct {
	UserID string         `json:"user_id"`
	Status PresenceStatus `json:"status"`
}

func (Presence) EventName() Name { return UserStatus }

func (p Presence) Validate() error {
	if p.UserID == "" {
		return Required("user_id")
	}
	if p.Status != StatusOnline && p.Status != StatusOffline {
		return &ValidationError{Field: "status", Reason: "must be online or offline"}
	}
	return nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	s := string(raw)
	return len(raw) == 0 || s == "null" || s == `""`
}
