package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the unit replicated across processes on the fanout bus. The
// payload is carried as raw JSON and is only trusted after Decode has matched
// it against the schema for Name.
type Envelope struct {
	Name      Name            `json:"event"`
	Topic     string          `json:"topic"`
	Origin    string          `json:"server_id"`
	Exclude   string          `json:"exclude,omitempty"` // connection on Origin that must not receive it
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// New validates payload and wraps it for topic, stamped with the current time.
func New(topic, origin string, payload Payload) (Envelope, error) {
	if topic == "" {
		return Envelope{}, Required("topic")
	}
	if err := payload.Validate(); err != nil {
		return Envelope{}, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", payload.EventName(), err)
	}
	return Envelope{
		Name:      payload.EventName(),
		Topic:     topic,
		Origin:    origin,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// Marshal encodes the envelope for the bus.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a bus frame. It checks the envelope shape only; call
// Decode to validate the payload.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Name == "" {
		return Envelope{}, Required("event")
	}
	if e.Topic == "" {
		return Envelope{}, Required("topic")
	}
	return e, nil
}

// Decode returns the typed payload selected by the envelope name.
func (e Envelope) Decode() (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch e.Name {
	case ReceiveMessage:
		p, err = decodeAs[Message](e.Data)
	case ChatList:
		p, err = decodeAs[ChatListUpdate](e.Data)
	case MessageDeleted:
		p, err = decodeAs[Deletion](e.Data)
	case MessageEdited:
		p, err = decodeAs[Edit](e.Data)
	case UserJoined, UserLeft:
		var m Membership
		m, err = decodeAs[Membership](e.Data)
		m.Joined = e.Name == UserJoined
		p = m
	case TypingStart, TypingStop:
		var t Typing
		t, err = decodeAs[Typing](e.Data)
		t.Started = e.Name == TypingStart
		p = t
	case UserStatus:
		p, err = decodeAs[Presence](e.Data)
	case ReadStatus:
		p, err = decodeAs[ReadReceipt](e.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Name, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeAs[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

// RoomTopic is the bus topic for a chat room.
func RoomTopic(chatID string) string { return "chat_" + chatID }

// UserTopic is the bus topic addressing every connection of a user,
// independent of room membership.
func UserTopic(userID string) string { return "user_" + userID }
