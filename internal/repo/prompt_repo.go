// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Prompt model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

// CreatePrompts attaches unanswered prompts to an existing message.
func CreatePrompts(ctx context.Context, db *gorm.DB, messageID string, values []string) ([]domain.Prompt, error) {
	if len(values) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	out := make([]domain.Prompt, 0, len(values))
	for _, v := range values {
		out = append(out, domain.Prompt{ID: uuid.NewString(), MessageID: messageID, Value: v, CreatedAt: now})
	}
	if err := db.WithContext(ctx).Create(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListPrompts returns the prompts of a message in creation order.
func ListPrompts(ctx context.Context, db *gorm.DB, messageID string) ([]domain.Prompt, error) {
	var out []domain.Prompt
	err := db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// HasAnsweredPrompt reports whether any prompt of the message was selected.
func HasAnsweredPrompt(ctx context.Context, db *gorm.DB, messageID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Prompt{}).
		Where("message_id = ? AND selected_at IS NOT NULL", messageID).
		Count(&n).Error
	return n > 0, err
}

// FindUnansweredPrompt returns the first unanswered prompt of the message with
// exactly value, or ErrNotFound.
func FindUnansweredPrompt(ctx context.Context, db *gorm.DB, messageID, value string) (*domain.Prompt, error) {
	var p domain.Prompt
	err := db.WithContext(ctx).
		Where("message_id = ? AND value = ? AND selected_at IS NULL", messageID, value).
		Order("created_at ASC, id ASC").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkPromptAnswered sets selected_at on promptID, but only while neither it
// nor any sibling prompt of messageID has been answered. It reports whether
// this call won; false means the message was already answered.
func MarkPromptAnswered(ctx context.Context, db *gorm.DB, promptID, messageID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Prompt{}).
		Where("id = ? AND message_id = ? AND selected_at IS NULL", promptID, messageID).
		Where("NOT EXISTS (SELECT 1 FROM prompts p2 WHERE p2.message_id = ? AND p2.selected_at IS NOT NULL)", messageID).
		Update("selected_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
