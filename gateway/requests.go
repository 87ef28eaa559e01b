package gateway

import (
	"encoding/json"

	"github.com/ggoodman/chatfanout/event"
)

// Client event names.
const (
	EventRegister      = "register"
	EventJoinChat      = "joinChat"
	EventLeaveChat     = "leaveChat"
	EventSendMessage   = "sendMessage"
	EventEditMessage   = "editMessage"
	EventDeleteMessage = "deleteMessage"
	EventStartTyping   = "startTyping"
	EventStopTyping    = "stopTyping"
	EventMarkAsRead    = "markAsRead"
	EventGetUserStatus = "getUserStatus"
)

type RegisterRequest struct {
	UserID string `json:"user_id" jsonschema:"minLength=1"`
}

// ChatRequest is the body of joinChat and leaveChat.
type ChatRequest struct {
	ChatID string `json:"chat_id" jsonschema:"minLength=1"`
}

// SendMessageRequest is the body of sendMessage. An absent participants
// member means no participants; an explicit null is rejected.
type SendMessageRequest struct {
	UserID       string          `json:"user_id" jsonschema:"minLength=1"`
	ChatID       string          `json:"chat_id" jsonschema:"minLength=1"`
	Participants []string        `json:"participants,omitempty" jsonschema:"description=User IDs whose chat list is updated; defaults to none"`
	Data         json.RawMessage `json:"data" jsonschema:"description=Message content; any non-empty JSON value"`
	MessageType  string          `json:"message_type,omitempty" jsonschema:"enum=text,enum=media,enum=system,default=text"`
}

func (r *SendMessageRequest) UnmarshalJSON(b []byte) error {
	type plain SendMessageRequest
	var v struct {
		plain
		Participants json.RawMessage `json:"participants"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	ids, err := decodeParticipants(v.Participants)
	if err != nil {
		return err
	}
	*r = SendMessageRequest(v.plain)
	r.Participants = ids
	return nil
}

type EditMessageRequest struct {
	MessageID string          `json:"message_id" jsonschema:"minLength=1"`
	ChatID    string          `json:"chat_id" jsonschema:"minLength=1"`
	UserID    string          `json:"user_id" jsonschema:"minLength=1"`
	Data      json.RawMessage `json:"data" jsonschema:"description=Replacement content"`
}

type DeleteMessageRequest struct {
	MessageID         string          `json:"message_id" jsonschema:"minLength=1"`
	ChatID            string          `json:"chat_id" jsonschema:"minLength=1"`
	UserID            string          `json:"user_id" jsonschema:"minLength=1"`
	DeleteForEveryone bool            `json:"delete_for_everyone,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
}

// TypingRequest is the body of startTyping and stopTyping.
type TypingRequest struct {
	ChatID string `json:"chat_id" jsonschema:"minLength=1"`
	UserID string `json:"user_id" jsonschema:"minLength=1"`
}

type MarkAsReadRequest struct {
	ChatID        string `json:"chat_id" jsonschema:"minLength=1"`
	UserID        string `json:"user_id" jsonschema:"minLength=1"`
	LastMessageID string `json:"last_message_id,omitempty"`
}

type UserStatusRequest struct {
	UserID string `json:"user_id" jsonschema:"minLength=1"`
}

// PostMessageRequest is the body of the REST send endpoint. The chat comes
// from the path.
type PostMessageRequest struct {
	UserID       string          `json:"user_id" jsonschema:"minLength=1"`
	Participants []string        `json:"participants,omitempty" jsonschema:"description=User IDs whose chat list is updated; defaults to none"`
	Data         json.RawMessage `json:"data"`
	MessageType  string          `json:"message_type,omitempty" jsonschema:"enum=text,enum=media,enum=system,default=system"`
}

func (r *PostMessageRequest) UnmarshalJSON(b []byte) error {
	type plain PostMessageRequest
	var v struct {
		plain
		Participants json.RawMessage `json:"participants"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	ids, err := decodeParticipants(v.Participants)
	if err != nil {
		return err
	}
	*r = PostMessageRequest(v.plain)
	r.Participants = ids
	return nil
}

// decodeParticipants maps an absent member to an empty list and keeps an
// explicit null as nil, which the pipeline rejects.
func decodeParticipants(raw json.RawMessage) ([]string, error) {
	switch {
	case len(raw) == 0:
		return []string{}, nil
	case string(raw) == "null":
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, &event.ValidationError{Field: "participants", Reason: "must be an array of user ids"}
	}
	return ids, nil
}
