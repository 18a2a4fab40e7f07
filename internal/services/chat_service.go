// Package services – ChatService
//
// This file implements the ChatService, which manages the lifecycle of chats.
// It validates and normalizes titles, enforces ownership and the daily
// creation quota, and coordinates repository operations for creating,
// listing (with pagination), renaming and soft-deleting chats. Titles are
// normally set by the first assistant turn while a chat still carries a
// placeholder title (see TurnProcessor).
//
// Service-level errors (e.g., ErrChatNotFound) are returned for predictable
// cases so handlers can map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

// PlaceholderTitles are the titles a chat may carry before its first
// assistant turn renames it.
var PlaceholderTitles = []string{"", "New chat", "Untitled", "(Untitled)"}

const defaultChatTitle = "New chat"

// ChatRepo defines the repository contract required by ChatService.
// Implementations are responsible for persistence of chat aggregates.
type ChatRepo interface {
	// CreateChatWithState inserts a chat and its seed MIC state.
	CreateChatWithState(ctx context.Context, db *gorm.DB, userID, title string, c domain.ChatContext) (*domain.Chat, error)

	// GetChat fetches a chat by ID ensuring it belongs to the user.
	GetChat(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chat, error)

	// UpdateChatTitle updates a chat’s title (only if it belongs to the user).
	UpdateChatTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error

	// SoftDeleteChat hides a chat owned by the user.
	SoftDeleteChat(ctx context.Context, db *gorm.DB, id, userID string) error

	// CountChats returns the total number of chats for pagination.
	CountChats(ctx context.Context, db *gorm.DB, userID string) (int64, error)

	// ListChatsPage returns a page of chats belonging to the user.
	ListChatsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Chat, error)
}

// ChatService provides chat-level operations such as creating, listing,
// renaming and deleting chats.
type ChatService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the chat repository used by this service.
	Repo ChatRepo
	// Quota limits chat creation; nil means unlimited.
	Quota QuotaChecker

	// TitleMaxLen caps stored titles by rune length.
	TitleMaxLen int
}

// NewChatService constructs a ChatService with sane defaults for title handling.
func NewChatService(db *gorm.DB, r ChatRepo, q QuotaChecker) *ChatService {
	return &ChatService{
		DB:          db,
		Repo:        r,
		Quota:       q,
		TitleMaxLen: 255,
	}
}

// Create opens a chat owned by userID in context c (offeror when empty),
// seeded with state MIC. It returns ErrQuotaExceeded once the user's daily
// allowance is spent.
func (s *ChatService) Create(ctx context.Context, userID, title string, c domain.ChatContext) (*domain.Chat, error) {
	if c == "" {
		c = domain.ContextOfferor
	}
	if !c.Valid() {
		return nil, ErrInvalidContext
	}
	if s.Quota != nil {
		ok, err := s.Quota.Allow(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrQuotaExceeded
		}
	}
	title = normalizeTitle(title)
	if title == "" {
		title = defaultChatTitle
	}
	return s.Repo.CreateChatWithState(ctx, s.DB, userID, s.clip(title), c)
}

// Get returns a chat owned by userID, including its current state.
func (s *ChatService) Get(ctx context.Context, userID, chatID string) (*domain.Chat, error) {
	chat, err := s.Repo.GetChat(ctx, s.DB, chatID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	return chat, nil
}

// ListPage returns a page of chats for a user (paginated).
// It applies defaults for invalid page/pageSize and returns total count.
func (s *ChatService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Chat, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountChats(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Chat{}, 0, nil
	}

	items, err := s.Repo.ListChatsPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}

// UpdateTitle updates a chat’s title, ensuring the chat exists and
// belongs to the given user. Falls back to "Untitled" if title is blank.
func (s *ChatService) UpdateTitle(ctx context.Context, userID, chatID, title string) error {
	title = normalizeTitle(title)
	if title == "" {
		title = "Untitled"
	}
	if _, err := s.Get(ctx, userID, chatID); err != nil {
		return err
	}
	return s.Repo.UpdateChatTitle(ctx, s.DB, chatID, userID, s.clip(title))
}

// Delete soft-deletes a chat owned by userID.
func (s *ChatService) Delete(ctx context.Context, userID, chatID string) error {
	err := s.Repo.SoftDeleteChat(ctx, s.DB, chatID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrChatNotFound
	}
	return err
}

// clip truncates a chat title to the configured maximum rune length.
func (s *ChatService) clip(title string) string {
	return clipRunes(title, s.TitleMaxLen)
}

func clipRunes(s string, max int) string {
	if max > 0 && utf8.RuneCountInString(s) > max {
		return string([]rune(s)[:max])
	}
	return s
}

// normalizeTitle trims whitespace and collapses multiple spaces to one.
func normalizeTitle(s string) string {
	s = whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
	return s
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)
