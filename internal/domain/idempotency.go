package domain

import "time"

// Idempotency records the outcome of a previously processed turn, keyed by
// (user_id, chat_id, key). A replayed request with the same key returns the
// recorded reply message instead of running the turn again.
//
// MessageID is the assistant reply of the original turn and is empty when the
// original turn was a no-op (HTTP 204).
type Idempotency struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	UserID    string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_user_chat_key,priority:1"`
	ChatID    string    `gorm:"type:char(36);not null;uniqueIndex:ux_user_chat_key,priority:2"`
	Key       string    `gorm:"type:varchar(200);not null;uniqueIndex:ux_user_chat_key,priority:3"`
	MessageID string    `gorm:"type:varchar(36);not null;default:''"`
	Status    int       `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
