// Package storetest is a conformance suite for store.Store implementations.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/chatfanout/event"
	"github.com/ggoodman/chatfanout/store"
	"github.com/google/uuid"
)

// RunStoreTests runs the suite; factory returns an empty or isolated store.
func RunStoreTests(t *testing.T, factory func(t *testing.T) store.Store) {
	t.Run("SaveIsIdempotent", func(t *testing.T) { testSaveIdempotent(t, factory(t)) })
	t.Run("ChatListOrdersByActivity", func(t *testing.T) { testChatList(t, factory(t)) })
	t.Run("DeleteForMe", func(t *testing.T) { testDeleteForMe(t, factory(t)) })
	t.Run("DeleteForEveryone", func(t *testing.T) { testDeleteForEveryone(t, factory(t)) })
	t.Run("Edit", func(t *testing.T) { testEdit(t, factory(t)) })
	t.Run("UnknownMessage", func(t *testing.T) { testUnknown(t, factory(t)) })
}

func message(chatID, sender string, at time.Time) event.Message {
	return event.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  sender,
		Content:   json.RawMessage(`{"text":"hi"}`),
		Type:      event.TypeText,
		CreatedAt: at.UTC().Truncate(time.Millisecond),
	}
}

func testSaveIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := message("c_"+uuid.NewString(), "alice", time.Now())
	if err := s.SaveMessage(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}
	dup := m
	dup.Content = json.RawMessage(`{"text":"changed"}`)
	if err := s.SaveMessage(ctx, dup); err != nil {
		t.Fatalf("second save must succeed: %v", err)
	}
	got, err := s.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body map[string]string
	if err := json.Unmarshal(got.Content, &body); err != nil || body["text"] != "hi" {
		t.Fatalf("second save overwrote content: %s", got.Content)
	}
	if got.SenderID != "alice" || got.ChatID != m.ChatID || got.Type != event.TypeText {
		t.Fatalf("unexpected message %+v", got)
	}
	if !got.CreatedAt.Equal(m.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, m.CreatedAt)
	}
}

func testChatList(t *testing.T, s store.Store) {
	ctx := context.Background()
	user := "u_" + uuid.NewString()
	base := time.Now().Add(-time.Hour)
	older := message("c_"+uuid.NewString(), user, base)
	newer := message("c_"+uuid.NewString(), "bob", base.Add(time.Minute))

	if err := s.UpdateChatList(ctx, older.ChatID, []string{user, "bob"}, older); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateChatList(ctx, newer.ChatID, []string{user}, newer); err != nil {
		t.Fatalf("update: %v", err)
	}
	// Replaying an older update must not move a chat backwards.
	stale := message(newer.ChatID, "bob", base)
	if err := s.UpdateChatList(ctx, newer.ChatID, []string{user}, stale); err != nil {
		t.Fatalf("update: %v", err)
	}

	list, err := s.ChatList(ctx, user)
	if err != nil {
		t.Fatalf("chat list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(list))
	}
	if list[0].ChatID != newer.ChatID || list[0].LastMessageID != newer.ID {
		t.Fatalf("expected most recent chat first, got %+v", list[0])
	}
	if list[1].ChatID != older.ChatID {
		t.Fatalf("unexpected second chat %+v", list[1])
	}
}

func testDeleteForMe(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := message("c_"+uuid.NewString(), "alice", time.Now())
	if err := s.SaveMessage(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.DeleteMessage(ctx, m.ID, "bob", false); err != nil {
			t.Fatalf("delete for me: %v", err)
		}
	}
	got, err := s.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.VisibleTo("bob") {
		t.Fatal("message still visible to the user who deleted it")
	}
	if !got.VisibleTo("alice") {
		t.Fatal("delete for me hid the message from others")
	}
	if len(got.DeletedFor) != 1 {
		t.Fatalf("repeated delete recorded twice: %v", got.DeletedFor)
	}
}

func testDeleteForEveryone(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := message("c_"+uuid.NewString(), "alice", time.Now())
	if err := s.SaveMessage(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.DeleteMessage(ctx, m.ID, "bob", true); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("non-sender delete for everyone: %v", err)
	}
	if err := s.DeleteMessage(ctx, m.ID, "alice", true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := s.GetMessage(ctx, m.ID)
	if got.VisibleTo("alice") || got.VisibleTo("bob") {
		t.Fatal("message deleted for everyone is still visible")
	}
}

func testEdit(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := message("c_"+uuid.NewString(), "alice", time.Now())
	if err := s.SaveMessage(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}
	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.EditMessage(ctx, m.ID, "bob", json.RawMessage(`{"text":"x"}`), at); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("non-sender edit: %v", err)
	}
	if err := s.EditMessage(ctx, m.ID, "alice", json.RawMessage(`{"text":"edited"}`), at); err != nil {
		t.Fatalf("edit: %v", err)
	}
	got, _ := s.GetMessage(ctx, m.ID)
	var body map[string]string
	if err := json.Unmarshal(got.Content, &body); err != nil || body["text"] != "edited" {
		t.Fatalf("content not replaced: %s", got.Content)
	}
	if got.EditedAt == nil || !got.EditedAt.Equal(at) {
		t.Fatalf("edited_at = %v, want %v", got.EditedAt, at)
	}
}

func testUnknown(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uuid.NewString()
	if _, err := s.GetMessage(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get: %v", err)
	}
	if err := s.EditMessage(ctx, id, "alice", json.RawMessage(`"x"`), time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("edit: %v", err)
	}
	if err := s.DeleteMessage(ctx, id, "alice", false); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("delete: %v", err)
	}
}
