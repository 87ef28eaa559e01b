// Package gormstore implements store.Store on PostgreSQL through GORM.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ggoodman/chatfanout/event"
	"github.com/ggoodman/chatfanout/store"
	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type messageRow struct {
	ID                 string          `gorm:"primaryKey;type:text"`
	ChatID             string          `gorm:"index;type:text;not null"`
	SenderID           string          `gorm:"type:text;not null"`
	Content            json.RawMessage `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
	Type               string          `gorm:"type:text;not null;default:'text'"`
	CreatedAt          time.Time       `gorm:"not null"`
	EditedAt           *time.Time      `gorm:"type:timestamptz"`
	DeletedForEveryone bool            `gorm:"not null;default:false"`
	DeletedFor         pq.StringArray  `gorm:"type:text[];not null;default:'{}'"`
}

func (messageRow) TableName() string { return "messages" }

type chatEntryRow struct {
	UserID        string    `gorm:"primaryKey;type:text"`
	ChatID        string    `gorm:"primaryKey;type:text"`
	LastMessageID string    `gorm:"type:text;not null"`
	ActiveAt      time.Time `gorm:"not null"`
}

func (chatEntryRow) TableName() string { return "chat_entries" }

type Store struct {
	db *gorm.DB
}

// Open connects to dsn. Query logging is left to the caller's logger
// settings; GORM's own logger is silenced.
func Open(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
}

func New(db *gorm.DB) *Store { return &Store{db: db} }

// Migrate creates or updates the tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&messageRow{}, &chatEntryRow{}); err != nil {
		return err
	}
	return db.Exec(`create index if not exists idx_chat_entries_user_active on chat_entries(user_id, active_at desc);`).Error
}

func (s *Store) SaveMessage(ctx context.Context, m event.Message) error {
	msg := store.FromEvent(m)
	row := messageRow{
		ID:         msg.ID,
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		Content:    msg.Content,
		Type:       string(msg.Type),
		CreatedAt:  msg.CreatedAt,
		DeletedFor: pq.StringArray{},
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (s *Store) UpdateChatList(ctx context.Context, chatID string, participants []string, last event.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range participants {
			err := tx.Exec(`
insert into chat_entries (user_id, chat_id, last_message_id, active_at)
values (?, ?, ?, ?)
on conflict (user_id, chat_id) do update
set last_message_id = excluded.last_message_id, active_at = excluded.active_at
where chat_entries.active_at <= excluded.active_at`,
				p, chatID, last.ID, last.CreatedAt.UTC()).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) sender(tx *gorm.DB, messageID string) (string, error) {
	var row messageRow
	err := tx.Select("sender_id").Where("id = ?", messageID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", store.ErrNotFound
	}
	return row.SenderID, err
}

func (s *Store) DeleteMessage(ctx context.Context, messageID, userID string, forEveryone bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sender, err := s.sender(tx, messageID)
		if err != nil {
			return err
		}
		if forEveryone {
			if sender != userID {
				return store.ErrForbidden
			}
			return tx.Exec(`update messages set deleted_for_everyone = true where id = ?`, messageID).Error
		}
		return tx.Exec(`
update messages
set deleted_for = array_append(deleted_for, ?)
where id = ? and not (? = any(deleted_for))`, userID, messageID, userID).Error
	})
}

func (s *Store) EditMessage(ctx context.Context, messageID, userID string, content json.RawMessage, editedAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sender, err := s.sender(tx, messageID)
		if err != nil {
			return err
		}
		if sender != userID {
			return store.ErrForbidden
		}
		return tx.Exec(`update messages set content = ?, edited_at = ? where id = ?`,
			string(content), editedAt.UTC(), messageID).Error
	})
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*store.Message, error) {
	var row messageRow
	err := s.db.WithContext(ctx).Where("id = ?", messageID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m := &store.Message{
		ID:                 row.ID,
		ChatID:             row.ChatID,
		SenderID:           row.SenderID,
		Content:            row.Content,
		Type:               event.MessageType(row.Type),
		CreatedAt:          row.CreatedAt.UTC(),
		DeletedForEveryone: row.DeletedForEveryone,
		DeletedFor:         []string(row.DeletedFor),
	}
	if row.EditedAt != nil {
		t := row.EditedAt.UTC()
		m.EditedAt = &t
	}
	return m, nil
}

func (s *Store) ChatList(ctx context.Context, userID string) ([]store.ChatEntry, error) {
	var rows []chatEntryRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("active_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.ChatEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.ChatEntry{UserID: r.UserID, ChatID: r.ChatID, LastMessageID: r.LastMessageID, UpdatedAt: r.ActiveAt.UTC()})
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
