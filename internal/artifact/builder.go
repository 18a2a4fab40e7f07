package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
	"github.com/tbourn/go-negotiation-backend/internal/repo"
	"github.com/tbourn/go-negotiation-backend/internal/storage"
)

// ErrNoContract is returned when a message carries no contract text.
var ErrNoContract = errors.New("artifact: message has no contract text")

// Artifact is an uploaded, not yet recorded, contract document.
type Artifact struct {
	Key         string
	URL         string
	ContentType string
	Size        int
}

// Builder renders contracts and files them against chats. Build never
// deduplicates: the same contract built twice yields two objects.
type Builder struct {
	renderer *Renderer
	store    storage.Uploader
}

// NewBuilder returns a Builder uploading through store.
func NewBuilder(store storage.Uploader) *Builder {
	return &Builder{renderer: NewRenderer(), store: store}
}

// Build renders contract and uploads it under a fresh key.
func (b *Builder) Build(ctx context.Context, title, contract string) (*Artifact, error) {
	if strings.TrimSpace(contract) == "" {
		return nil, ErrNoContract
	}
	data, err := b.renderer.Render(title, contract)
	if err != nil {
		return nil, fmt.Errorf("render contract: %w", err)
	}
	key := storage.ContractKey(title)
	u, err := b.store.Upload(ctx, key, data, DocxContentType)
	if err != nil {
		return nil, fmt.Errorf("upload contract: %w", err)
	}
	return &Artifact{Key: key, URL: u, ContentType: DocxContentType, Size: len(data)}, nil
}

// Attach records a uploaded artifact as a DOCUMENT of chatID owned by userID
// and linked to messageID.
func (b *Builder) Attach(ctx context.Context, db *gorm.DB, chatID, userID, messageID string, a *Artifact) (*domain.File, error) {
	var msg *string
	if messageID != "" {
		msg = &messageID
	}
	return repo.CreateFile(ctx, db, repo.FileInput{
		ChatID:      chatID,
		MessageID:   msg,
		UserID:      userID,
		Type:        domain.FileDocument,
		URL:         a.URL,
		Key:         a.Key,
		ContentType: a.ContentType,
	})
}

// AttachCopy records a DOCUMENT that reuses an existing object URL instead of
// rendering a new one.
func (b *Builder) AttachCopy(ctx context.Context, db *gorm.DB, chatID, userID, messageID, sourceURL string) (*domain.File, error) {
	return b.Attach(ctx, db, chatID, userID, messageID, &Artifact{
		Key:         keyFromURL(sourceURL),
		URL:         sourceURL,
		ContentType: DocxContentType,
	})
}

// CreateForMessage builds and attaches the contract carried by messageID.
// The chat's human party owns the file. If the message already has a
// DOCUMENT nothing is done and created is false, so redelivered jobs are
// harmless.
func (b *Builder) CreateForMessage(ctx context.Context, db *gorm.DB, messageID string) (file *domain.File, created bool, err error) {
	has, err := repo.MessageHasDocument(ctx, db, messageID)
	if err != nil {
		return nil, false, err
	}
	if has {
		return nil, false, nil
	}
	msg, err := repo.GetMessageByID(ctx, db, messageID)
	if err != nil {
		return nil, false, err
	}
	if msg.ContractText == nil || strings.TrimSpace(*msg.ContractText) == "" {
		return nil, false, ErrNoContract
	}
	chat, err := repo.GetChatByID(ctx, db, msg.ChatID)
	if err != nil {
		return nil, false, err
	}

	a, err := b.Build(ctx, chat.Title, *msg.ContractText)
	if err != nil {
		return nil, false, err
	}
	f, err := b.Attach(ctx, db, chat.ID, chat.UserID, msg.ID, a)
	if err != nil {
		return nil, false, err
	}
	log.Info().
		Str("chat_id", chat.ID).
		Str("message_id", msg.ID).
		Str("url", a.URL).
		Int("bytes", a.Size).
		Msg("contract document attached")
	return f, true, nil
}

func keyFromURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return strings.TrimPrefix(u.Path, "/")
	}
	return path.Base(raw)
}
