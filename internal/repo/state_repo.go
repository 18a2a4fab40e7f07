// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the append-only chat state log.
//
// State rows are only ever inserted. Every append also refreshes the
// materialized chats.current_state column and bumps chats.state_version in
// the same transaction, so readers never depend on timestamp ordering.
package repo

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

// AppendState inserts a new state row for chatID and updates the chat's
// materialized state. When db is already a transaction the work joins it
// through a savepoint.
func AppendState(ctx context.Context, db *gorm.DB, chatID string, value domain.ChatState) (*domain.State, error) {
	if !value.Valid() {
		return nil, fmt.Errorf("append state: invalid value %q", value)
	}
	st := &domain.State{ChatID: chatID, Value: value, CreatedAt: time.Now().UTC()}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Chat{}).
			Where("id = ?", chatID).
			Updates(map[string]any{
				"current_state": value,
				"state_version": gorm.Expr("state_version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Create(st).Error
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// CurrentState returns the materialized state of a chat.
func CurrentState(ctx context.Context, db *gorm.DB, chatID string) (domain.ChatState, error) {
	var row struct{ CurrentState domain.ChatState }
	err := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Select("current_state").
		Where("id = ?", chatID).
		Take(&row).Error
	if err != nil {
		return "", err
	}
	return row.CurrentState, nil
}

// LatestState returns the newest row of the log, breaking timestamp ties by id.
func LatestState(ctx context.Context, db *gorm.DB, chatID string) (*domain.State, error) {
	var st domain.State
	err := db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC, id DESC").
		First(&st).Error
	if err != nil {
		return nil, err
	}
	return &st, nil
}

