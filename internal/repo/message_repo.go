// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

// MessageInput describes a message to insert. A nil UserID stores an
// assistant message; a zero CreatedAt means now.
type MessageInput struct {
	ChatID       string
	UserID       *string
	Type         domain.MessageType
	IsStatus     bool
	Text         string
	ContractText *string
	Prompts      []string
	CreatedAt    time.Time
}

// CreateMessage inserts a message and any prompts offered with it.
func CreateMessage(ctx context.Context, db *gorm.DB, in MessageInput) (*domain.Message, error) {
	at := in.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	typ := in.Type
	if typ == "" {
		typ = domain.MessageTEXT
	}
	m := &domain.Message{
		ID:           uuid.NewString(),
		ChatID:       in.ChatID,
		UserID:       in.UserID,
		Type:         typ,
		IsStatus:     in.IsStatus,
		Text:         in.Text,
		ContractText: in.ContractText,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	for _, v := range in.Prompts {
		m.Prompts = append(m.Prompts, domain.Prompt{ID: uuid.NewString(), Value: v, CreatedAt: at})
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// GetMessage fetches a message of chatID with its prompts.
func GetMessage(ctx context.Context, db *gorm.DB, chatID, id string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Preload("Prompts", func(q *gorm.DB) *gorm.DB { return q.Order("created_at ASC, id ASC") }).
		Where("id = ? AND chat_id = ?", id, chatID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessageByID fetches a message regardless of chat.
func GetMessageByID(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListHistory returns the non-status messages of a chat ordered
// deterministically (CreatedAt ASC, ID ASC). This is the transcript replayed
// to the AI.
func ListHistory(ctx context.Context, db *gorm.DB, chatID string) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("chat_id = ? AND is_status = ?", chatID, false).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// visible restricts a query to what the chat UI renders: status messages and
// assistant messages.
func visible(db *gorm.DB, chatID string) *gorm.DB {
	return db.Where("chat_id = ? AND (is_status = ? OR user_id IS NULL)", chatID, true)
}

// CountVisibleMessages returns the number of rows ListVisibleMessagesPage pages over.
func CountVisibleMessages(ctx context.Context, db *gorm.DB, chatID string) (int64, error) {
	var total int64
	err := visible(db.WithContext(ctx).Model(&domain.Message{}), chatID).Count(&total).Error
	return total, err
}

// ListVisibleMessagesPage returns a page of status and assistant messages with
// their prompts and files, ordered (CreatedAt ASC, ID ASC).
func ListVisibleMessagesPage(ctx context.Context, db *gorm.DB, chatID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := visible(db.WithContext(ctx), chatID).
		Preload("Prompts", func(q *gorm.DB) *gorm.DB { return q.Order("created_at ASC, id ASC") }).
		Preload("Files", func(q *gorm.DB) *gorm.DB { return q.Order("created_at ASC, id ASC") }).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// LatestContractText returns the contract_text of the newest message in the
// chat that carries one, or ErrNotFound.
func LatestContractText(ctx context.Context, db *gorm.DB, chatID string) (string, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("chat_id = ? AND contract_text IS NOT NULL AND contract_text <> ''", chatID).
		Order("created_at DESC, id DESC").
		First(&m).Error
	if err != nil {
		return "", err
	}
	return *m.ContractText, nil
}
