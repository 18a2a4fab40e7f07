// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for negotiations
// and pending invitations.
package repo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

// CreateNegotiation inserts n with status invited, assigning an ID if unset.
func CreateNegotiation(ctx context.Context, db *gorm.DB, n *domain.Negotiation) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = domain.NegotiationInvited
	}
	n.OffereeEmail = strings.ToLower(strings.TrimSpace(n.OffereeEmail))
	return db.WithContext(ctx).Create(n).Error
}

// GetNegotiation fetches a negotiation by ID.
func GetNegotiation(ctx context.Context, db *gorm.DB, id string) (*domain.Negotiation, error) {
	var n domain.Negotiation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&n).Error; err != nil {
		return nil, err
	}
	return &n, nil
}

// LinkOffereeChat records chatID as the offeree side of the negotiation if no
// offeree chat was linked yet. It reports whether this call won.
func LinkOffereeChat(ctx context.Context, db *gorm.DB, negotiationID, chatID string) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Negotiation{}).
		Where("id = ? AND offeree_chat_id IS NULL", negotiationID).
		Update("offeree_chat_id", chatID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SetNegotiationStatus moves the negotiation to status unless it is already
// there. It reports whether a row changed.
func SetNegotiationStatus(ctx context.Context, db *gorm.DB, id string, status domain.NegotiationStatus) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Negotiation{}).
		Where("id = ? AND status <> ?", id, status).
		Update("status", status)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CreatePendingInvitation records an invitation for an email without an account.
func CreatePendingInvitation(ctx context.Context, db *gorm.DB, p *domain.PendingInvitation) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.OffereeEmail = strings.ToLower(strings.TrimSpace(p.OffereeEmail))
	return db.WithContext(ctx).Create(p).Error
}

// ListPendingInvitations returns unconsumed invitations for email, oldest first.
func ListPendingInvitations(ctx context.Context, db *gorm.DB, email string) ([]domain.PendingInvitation, error) {
	var out []domain.PendingInvitation
	err := db.WithContext(ctx).
		Where("offeree_email = ? AND accepted_at IS NULL", strings.ToLower(strings.TrimSpace(email))).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// MarkInvitationAccepted consumes a pending invitation. It reports whether
// this call consumed it.
func MarkInvitationAccepted(ctx context.Context, db *gorm.DB, id string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.PendingInvitation{}).
		Where("id = ? AND accepted_at IS NULL", id).
		Update("accepted_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
