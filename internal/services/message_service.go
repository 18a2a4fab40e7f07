// Package services – MessageService
//
// This file implements MessageService, the read side of chat messages. It
// pages over what the chat UI renders: status messages and assistant
// messages, each with its reply prompts and attached files. User turns are
// not listed; they surface through the status summary written with each
// reply.
//
// Observability: public methods are OpenTelemetry-instrumented; spans include
// chat identifiers and pagination parameters.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
	"github.com/tbourn/go-negotiation-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PromptView is a reply option as rendered to the client.
type PromptView struct {
	ID       string `json:"id"`
	Value    string `json:"value"`
	Selected bool   `json:"selected"`
}

// FileView is an attachment as rendered to the client.
type FileView struct {
	ID          string          `json:"id"`
	Type        domain.FileType `json:"type"`
	URL         string          `json:"url"`
	ContentType string          `json:"content_type"`
}

// MessageView is one visible chat entry.
type MessageView struct {
	ID        string             `json:"id"`
	Text      string             `json:"text"`
	Type      domain.MessageType `json:"type"`
	Status    bool               `json:"is_status"`
	Assistant bool               `json:"assistant"`
	Prompts   []PromptView       `json:"prompts"`
	Files     []FileView         `json:"files"`
	CreatedAt time.Time          `json:"created_at"`
}

// MessageService lists the messages of chats owned by the caller.
type MessageService struct {
	DB *gorm.DB
}

// ListPage returns a page of the visible messages of chatID, oldest first,
// together with the total count. The chat must belong to userID.
func (s *MessageService) ListPage(ctx context.Context, userID, chatID string, page, pageSize int) ([]MessageView, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	if _, err := repo.GetChat(ctx, s.DB, chatID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, 0, ErrChatNotFound
		}
		return nil, 0, err
	}

	total, err := repo.CountVisibleMessages(ctx, s.DB, chatID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []MessageView{}, 0, nil
	}

	items, err := repo.ListVisibleMessagesPage(ctx, s.DB, chatID, offset, pageSize)
	if err != nil {
		return nil, 0, err
	}
	out := make([]MessageView, 0, len(items))
	for _, m := range items {
		out = append(out, ViewOf(m))
	}
	return out, total, nil
}

// ViewOf renders a stored message for the client.
func ViewOf(m domain.Message) MessageView {
	v := MessageView{
		ID:        m.ID,
		Text:      m.Text,
		Type:      m.Type,
		Status:    m.IsStatus,
		Assistant: m.IsAssistant(),
		Prompts:   make([]PromptView, 0, len(m.Prompts)),
		Files:     make([]FileView, 0, len(m.Files)),
		CreatedAt: m.CreatedAt,
	}
	for _, p := range m.Prompts {
		v.Prompts = append(v.Prompts, PromptView{ID: p.ID, Value: p.Value, Selected: p.SelectedAt != nil})
	}
	for _, f := range m.Files {
		v.Files = append(v.Files, FileView{ID: f.ID, Type: f.Type, URL: f.URL, ContentType: f.ContentType})
	}
	return v
}
