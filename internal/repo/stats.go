// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

// ChatsStats returns the number of a user's chats and the greatest UpdatedAt
// among them. When the user has no chats, count is 0 and maxUpdatedAt is nil.
func ChatsStats(ctx context.Context, db *gorm.DB, userID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Chat{}).Where("user_id = ?", userID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// MessagesStats returns what a message listing ETag is derived from: the
// number of visible messages, their newest UpdatedAt, the chat's
// state_version and the number of answered prompts (selection changes the
// rendered "selected" flag without touching messages).
//
// Return values:
//   - count:        visible messages for chatID
//   - maxUpdatedAt: greatest UpdatedAt, or nil if no rows
//   - version:      chats.state_version
//   - answered:     prompts with selected_at set in this chat
//   - err:          database error, if any
func MessagesStats(ctx context.Context, db *gorm.DB, chatID string) (count int64, maxUpdatedAt *time.Time, version int64, answered int64, err error) {
	var chat struct{ StateVersion int64 }
	if err = db.WithContext(ctx).Model(&domain.Chat{}).Select("state_version").Where("id = ?", chatID).Take(&chat).Error; err != nil {
		return 0, nil, 0, 0, err
	}
	version = chat.StateVersion

	if err = db.WithContext(ctx).
		Model(&domain.Prompt{}).
		Joins("JOIN messages ON messages.id = prompts.message_id").
		Where("messages.chat_id = ? AND prompts.selected_at IS NOT NULL", chatID).
		Count(&answered).Error; err != nil {
		return 0, nil, 0, 0, err
	}

	q := func() *gorm.DB { return visible(db.WithContext(ctx).Model(&domain.Message{}), chatID) }
	if err = q().Count(&count).Error; err != nil {
		return 0, nil, 0, 0, err
	}
	if count == 0 {
		return 0, nil, version, answered, nil
	}

	var row struct {
		UpdatedAt time.Time
	}
	if err = q().Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, 0, 0, err
	}
	return count, &row.UpdatedAt, version, answered, nil
}
