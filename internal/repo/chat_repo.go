// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Chat model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a chat is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Functions:
//
//   - CreateChatWithState(ctx, db, userID, title, context) -> *domain.Chat, error
//     Inserts a Chat and its seed MIC state row in one transaction.
//
//   - ListChatsPage(ctx, db, userID, offset, limit) / CountChats(ctx, db, userID)
//     Paginated listing of a user's chats, newest first.
//
//   - GetChat(ctx, db, id, userID) / GetChatByID(ctx, db, id)
//     Owner-scoped and unscoped lookups; ErrNotFound if missing.
//
//   - UpdateChatTitle, RenameIfPlaceholder, SoftDeleteChat, SetChatNegotiation
//     Single-row updates.
//
//   - ClaimTurn / ReleaseTurn
//     Optimistic turn claim on state_version plus a short lease that keeps a
//     second turn out while the first awaits its AI reply.
//
// Usage:
//
//	chat, err := repo.CreateChatWithState(ctx, db, userID, "New chat", domain.ContextOfferor)
//	if errors.Is(err, repo.ErrNotFound) {
//	    // handle missing
//	} else if err != nil {
//	    // handle DB failure
//	}
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateChatWithState inserts a new Chat owned by userID together with its
// initial MIC state row. Both rows commit or neither does.
func CreateChatWithState(ctx context.Context, db *gorm.DB, userID, title string, chatCtx domain.ChatContext) (*domain.Chat, error) {
	now := time.Now().UTC()
	c := &domain.Chat{
		ID:           uuid.NewString(),
		UserID:       userID,
		Title:        title,
		Context:      chatCtx,
		CurrentState: domain.StateMIC,
		StateVersion: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		return tx.Create(&domain.State{ChatID: c.ID, Value: domain.StateMIC, CreatedAt: now}).Error
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CountChats returns the total number of chats owned by userID.
func CountChats(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// CountChatsSince returns how many chats userID created at or after since,
// including soft-deleted ones. Used by the daily quota.
func CountChatsSince(ctx context.Context, db *gorm.DB, userID string, since time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Unscoped().
		Model(&domain.Chat{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Count(&total).Error
	return total, err
}

// ListChatsPage returns a paginated slice of chats for userID, ordered by
// creation time descending. Use CountChats to obtain the total for pagination
// metadata.
func ListChatsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Chat, error) {
	var out []domain.Chat
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// GetChat fetches a single chat by its ID and owner (userID). If the record
// does not exist, it returns ErrNotFound.
func GetChat(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chat, error) {
	var c domain.Chat
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetChatByID fetches a chat regardless of owner. Background jobs use it to
// reach the counterpart chat of a negotiation.
func GetChatByID(ctx context.Context, db *gorm.DB, id string) (*domain.Chat, error) {
	var c domain.Chat
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateChatTitle updates the title of a chat identified by id and owned by
// userID. If no rows are affected it returns ErrNotFound.
func UpdateChatTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error {
	res := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RenameIfPlaceholder sets the title only while the current title is one of
// placeholders. It reports whether a row changed.
func RenameIfPlaceholder(ctx context.Context, db *gorm.DB, id string, placeholders []string, title string) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("id = ? AND title IN ?", id, placeholders).
		Update("title", title)
	return res.RowsAffected > 0, res.Error
}

// SoftDeleteChat marks the chat deleted. Messages and states stay in place.
func SoftDeleteChat(ctx context.Context, db *gorm.DB, id, userID string) error {
	res := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&domain.Chat{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetChatNegotiation points the chat at negotiationID.
func SetChatNegotiation(ctx context.Context, db *gorm.DB, chatID, negotiationID string) error {
	return db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("id = ?", chatID).
		Update("negotiation_id", negotiationID).Error
}

// ClaimTurn acquires the right to run one turn on a chat. It succeeds only if
// state_version still equals version and no unexpired lease is held; on
// success the version is bumped and the lease set to leaseUntil.
func ClaimTurn(ctx context.Context, db *gorm.DB, chatID string, version int64, leaseUntil, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("id = ? AND state_version = ?", chatID, version).
		Where("turn_lease_until IS NULL OR turn_lease_until < ?", now).
		Updates(map[string]any{
			"state_version":    gorm.Expr("state_version + 1"),
			"turn_lease_until": leaseUntil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClaimState bumps state_version when it still equals version and no turn
// lease is live. Writers that change the state outside a turn use it to
// exclude a concurrent turn.
func ClaimState(ctx context.Context, db *gorm.DB, chatID string, version int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("id = ? AND state_version = ?", chatID, version).
		Where("turn_lease_until IS NULL OR turn_lease_until < ?", now).
		Update("state_version", gorm.Expr("state_version + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseTurn clears the turn lease.
func ReleaseTurn(ctx context.Context, db *gorm.DB, chatID string) error {
	return db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("id = ?", chatID).
		Update("turn_lease_until", nil).Error
}
