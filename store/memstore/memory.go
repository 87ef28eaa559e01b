// Package memstore keeps messages and chat lists in process memory.
package memstore

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/chatfanout/event"
	"github.com/ggoodman/chatfanout/store"
)

type Store struct {
	mu       sync.RWMutex
	messages map[string]*store.Message
	lists    map[string]map[string]store.ChatEntry // user -> chat -> entry
}

func New() *Store {
	return &Store{
		messages: make(map[string]*store.Message),
		lists:    make(map[string]map[string]store.ChatEntry),
	}
}

func (s *Store) SaveMessage(ctx context.Context, m event.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return nil
	}
	msg := store.FromEvent(m)
	s.messages[m.ID] = &msg
	return nil
}

func (s *Store) UpdateChatList(ctx context.Context, chatID string, participants []string, last event.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range participants {
		chats, ok := s.lists[p]
		if !ok {
			chats = make(map[string]store.ChatEntry)
			s.lists[p] = chats
		}
		if cur, ok := chats[chatID]; ok && cur.UpdatedAt.After(last.CreatedAt) {
			continue
		}
		chats[chatID] = store.ChatEntry{UserID: p, ChatID: chatID, LastMessageID: last.ID, UpdatedAt: last.CreatedAt.UTC()}
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID, userID string, forEveryone bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return store.ErrNotFound
	}
	if forEveryone {
		if m.SenderID != userID {
			return store.ErrForbidden
		}
		m.DeletedForEveryone = true
		return nil
	}
	if !slices.Contains(m.DeletedFor, userID) {
		m.DeletedFor = append(m.DeletedFor, userID)
	}
	return nil
}

func (s *Store) EditMessage(ctx context.Context, messageID, userID string, content json.RawMessage, editedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return store.ErrNotFound
	}
	if m.SenderID != userID {
		return store.ErrForbidden
	}
	t := editedAt.UTC()
	m.Content = append(json.RawMessage(nil), content...)
	m.EditedAt = &t
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *m
	c.DeletedFor = slices.Clone(m.DeletedFor)
	return &c, nil
}

func (s *Store) ChatList(ctx context.Context, userID string) ([]store.ChatEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.ChatEntry, 0, len(s.lists[userID]))
	for _, e := range s.lists[userID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

var _ store.Store = (*Store)(nil)
