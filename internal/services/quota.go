package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/repo"
)

// QuotaChecker decides whether a user may open another chat.
type QuotaChecker interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// DailyQuota allows Limit chats per user per UTC day. Deleted chats still
// count. A Limit of zero or less is unlimited.
type DailyQuota struct {
	DB    *gorm.DB
	Limit int
	Now   func() time.Time
}

// Allow implements QuotaChecker.
func (q *DailyQuota) Allow(ctx context.Context, userID string) (bool, error) {
	if q.Limit <= 0 {
		return true, nil
	}
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}
	t := now().UTC()
	since := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	n, err := repo.CountChatsSince(ctx, q.DB, userID, since)
	if err != nil {
		return false, err
	}
	return n < int64(q.Limit), nil
}
