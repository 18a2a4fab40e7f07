// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the transactional outbox table.
package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

// EnqueueOutbox writes a job row. Call it with the transaction that commits
// the change the job depends on.
func EnqueueOutbox(ctx context.Context, db *gorm.DB, job string, payload any) (*domain.OutboxMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", job, err)
	}
	m := &domain.OutboxMessage{
		ID:        uuid.NewString(),
		Job:       job,
		Payload:   datatypes.JSON(raw),
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// ListUndispatched returns up to limit rows not yet handed to the queue,
// oldest first.
func ListUndispatched(ctx context.Context, db *gorm.DB, limit int) ([]domain.OutboxMessage, error) {
	var out []domain.OutboxMessage
	err := db.WithContext(ctx).
		Where("dispatched_at IS NULL").
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkDispatched stamps a row as published. It reports whether this call did
// the stamping, so two concurrent relays never both count a row.
func MarkDispatched(ctx context.Context, db *gorm.DB, id string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.OutboxMessage{}).
		Where("id = ? AND dispatched_at IS NULL", id).
		Updates(map[string]any{"dispatched_at": at, "attempts": gorm.Expr("attempts + 1")})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkOutboxFailed records a failed publish attempt.
func MarkOutboxFailed(ctx context.Context, db *gorm.DB, id, msg string) error {
	return db.WithContext(ctx).
		Model(&domain.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_error": msg, "attempts": gorm.Expr("attempts + 1")}).Error
}

