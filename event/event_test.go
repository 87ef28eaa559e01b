package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	msg := Message{
		ID:        "m1",
		ChatID:    "c1",
		SenderID:  "alice",
		Content:   json.RawMessage(`"hello"`),
		Type:      TypeText,
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Origin:    "worker_1",
	}
	env, err := New(RoomTopic("c1"), "worker_1", msg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if env.Name != ReceiveMessage {
		t.Fatalf("expected name %q, got %q", ReceiveMessage, env.Name)
	}
	if env.Topic != "chat_c1" {
		t.Fatalf("expected topic chat_c1, got %q", env.Topic)
	}
	b, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	p, err := back.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := p.(Message)
	if !ok {
		t.Fatalf("expected Message, got %T", p)
	}
	if got.ID != msg.ID || got.SenderID != msg.SenderID || string(got.Content) != `"hello"` {
		t.Fatalf("payload mismatch: %+v", got)
	}
}

func TestDecodeSelectsVariantFromName(t *testing.T) {
	cases := []struct {
		payload Payload
		name    Name
	}{
		{Membership{UserID: "u", ChatID: "c", Joined: true}, UserJoined},
		{Membership{UserID: "u", ChatID: "c"}, UserLeft},
		{Typing{UserID: "u", ChatID: "c", Started: true}, TypingStart},
		{Typing{UserID: "u", ChatID: "c"}, TypingStop},
		{Presence{UserID: "u", Status: StatusOnline}, UserStatus},
		{ReadReceipt{ChatID: "c", UserID: "u", LastMessageID: "m"}, ReadStatus},
	}
	for _, tc := range cases {
		t.Run(string(tc.name), func(t *testing.T) {
			env, err := New("chat_c", "s", tc.payload)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if env.Name != tc.name {
				t.Fatalf("expected %q, got %q", tc.name, env.Name)
			}
			p, err := env.Decode()
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if p.EventName() != tc.name {
				t.Fatalf("decoded payload reports %q, want %q", p.EventName(), tc.name)
			}
		})
	}
}

func TestDecodeRejectsUnknownName(t *testing.T) {
	env := Envelope{Name: "bogus", Topic: "chat_c", Data: json.RawMessage(`{}`)}
	if _, err := env.Decode(); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestDecodeRejectsSchemaMismatch(t *testing.T) {
	env := Envelope{Name: UserStatus, Topic: "user_u", Data: json.RawMessage(`{"user_id":"u","status":"away"}`)}
	_, err := env.Decode()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != "status" {
		t.Fatalf("expected field status, got %q", ve.Field)
	}

	env = Envelope{Name: ReceiveMessage, Topic: "chat_c", Data: json.RawMessage(`[1,2]`)}
	if _, err := env.Decode(); err == nil {
		t.Fatal("expected decode error for non-object payload")
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New("chat_c", "s", Message{ChatID: "c", SenderID: "u", Content: json.RawMessage(`"x"`)})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "id" {
		t.Fatalf("expected id ValidationError, got %v", err)
	}
	if _, err := New("", "s", Presence{UserID: "u", Status: StatusOffline}); err == nil {
		t.Fatal("expected error for empty topic")
	}
}

func TestMessageContentRequired(t *testing.T) {
	for _, raw := range []string{"", "null", `""`} {
		m := Message{ID: "m", ChatID: "c", SenderID: "u", Content: json.RawMessage(raw)}
		if err := m.Validate(); err == nil {
			t.Fatalf("expected error for content %q", raw)
		}
	}
}

func TestParseMessageType(t *testing.T) {
	if mt, err := ParseMessageType(""); err != nil || mt != TypeText {
		t.Fatalf("empty type: got %q, %v", mt, err)
	}
	if mt, err := ParseMessageType("media"); err != nil || mt != TypeMedia {
		t.Fatalf("media type: got %q, %v", mt, err)
	}
	if _, err := ParseMessageType("video"); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestUnmarshalRequiresShape(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"topic":"chat_c"}`)); err == nil {
		t.Fatal("expected error for missing event name")
	}
	if _, err := Unmarshal([]byte(`{"event":"user_left"}`)); err == nil {
		t.Fatal("expected error for missing topic")
	}
	if _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestTopics(t *testing.T) {
	if RoomTopic("42") != "chat_42" {
		t.Fatalf("unexpected room topic %q", RoomTopic("42"))
	}
	if UserTopic("alice") != "user_alice" {
		t.Fatalf("unexpected user topic %q", UserTopic("alice"))
	}
}
