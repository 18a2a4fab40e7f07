// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the File model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

// FileInput describes a stored object to record.
type FileInput struct {
	ChatID      string
	MessageID   *string
	UserID      string
	Type        domain.FileType
	URL         string
	Key         string
	ContentType string
}

// CreateFile records an uploaded or generated object against a chat.
func CreateFile(ctx context.Context, db *gorm.DB, in FileInput) (*domain.File, error) {
	f := &domain.File{
		ID:          uuid.NewString(),
		ChatID:      in.ChatID,
		MessageID:   in.MessageID,
		UserID:      in.UserID,
		Type:        in.Type,
		URL:         in.URL,
		Key:         in.Key,
		ContentType: in.ContentType,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(f).Error; err != nil {
		return nil, err
	}
	return f, nil
}

// LinkFileToMessage sets the message of a previously recorded file.
func LinkFileToMessage(ctx context.Context, db *gorm.DB, fileID, messageID string) error {
	return db.WithContext(ctx).
		Model(&domain.File{}).
		Where("id = ?", fileID).
		Update("message_id", messageID).Error
}

// LatestDocument returns the newest DOCUMENT file of a chat, or ErrNotFound.
func LatestDocument(ctx context.Context, db *gorm.DB, chatID string) (*domain.File, error) {
	var f domain.File
	err := db.WithContext(ctx).
		Where("chat_id = ? AND type = ?", chatID, domain.FileDocument).
		Order("created_at DESC, id DESC").
		First(&f).Error
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CountDocuments returns the number of DOCUMENT files of a chat.
func CountDocuments(ctx context.Context, db *gorm.DB, chatID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.File{}).
		Where("chat_id = ? AND type = ?", chatID, domain.FileDocument).
		Count(&n).Error
	return n, err
}

// MessageHasDocument reports whether a DOCUMENT is already linked to messageID.
func MessageHasDocument(ctx context.Context, db *gorm.DB, messageID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.File{}).
		Where("message_id = ? AND type = ?", messageID, domain.FileDocument).
		Count(&n).Error
	return n > 0, err
}

// DocumentQuery selects a counterpart DOCUMENT by shared URL.
type DocumentQuery struct {
	URL           string
	Context       domain.ChatContext // required context of the owning chat
	ExcludeChatID string
	Earliest      bool // oldest match instead of newest
}

// FindDocumentByURL returns the DOCUMENT file with q.URL whose chat has
// q.Context, skipping q.ExcludeChatID. Ties on created_at break by id.
// Used only for chats that predate the negotiation link.
func FindDocumentByURL(ctx context.Context, db *gorm.DB, q DocumentQuery) (*domain.File, error) {
	order := "files.created_at DESC, files.id DESC"
	if q.Earliest {
		order = "files.created_at ASC, files.id ASC"
	}
	tx := db.WithContext(ctx).
		Model(&domain.File{}).
		Joins("JOIN chats ON chats.id = files.chat_id AND chats.deleted_at IS NULL").
		Where("files.url = ? AND files.type = ? AND chats.context = ?", q.URL, domain.FileDocument, q.Context)
	if q.ExcludeChatID != "" {
		tx = tx.Where("files.chat_id <> ?", q.ExcludeChatID)
	}
	var f domain.File
	if err := tx.Order(order).First(&f).Error; err != nil {
		return nil, err
	}
	return &f, nil
}
