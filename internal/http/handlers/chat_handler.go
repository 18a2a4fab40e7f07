// Chat HTTP handlers.
//
// This file exposes REST endpoints for chat resources:
//   - POST   /chats        (create; offeror by default, quota enforced)
//   - GET    /chats        (list, paginated, ETag support)
//   - GET    /chats/{id}   (fetch with current state)
//   - PATCH  /chats/{id}   (rename)
//   - DELETE /chats/{id}   (soft delete)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
	"github.com/tbourn/go-negotiation-backend/internal/repo"
	"github.com/tbourn/go-negotiation-backend/internal/services"
	"github.com/tbourn/go-negotiation-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ChatService defines chat lifecycle operations consumed by HTTP handlers.
type ChatService interface {
	Create(ctx context.Context, userID, title string, c domain.ChatContext) (*domain.Chat, error)
	Get(ctx context.Context, userID, chatID string) (*domain.Chat, error)
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Chat, int64, error)
	UpdateTitle(ctx context.Context, userID, chatID, title string) error
	Delete(ctx context.Context, userID, chatID string) error
}

// MessageService lists the visible messages of a chat.
type MessageService interface {
	ListPage(ctx context.Context, userID, chatID string, page, pageSize int) ([]services.MessageView, int64, error)
}

// TurnService processes one user turn (audio, text or prompt selection).
type TurnService interface {
	Process(ctx context.Context, in services.TurnInput) (*services.TurnResult, error)
}

// InvitationService sends a contract to a counterpart.
type InvitationService interface {
	Invite(ctx context.Context, userID, chatID, email string) (*services.InviteResult, error)
}

// UserService mirrors identities from the identity provider.
type UserService interface {
	Register(ctx context.Context, id, email, name string) (*domain.User, error)
}

//
// Handler wiring
//

// Deps are the services behind the endpoints. Nil services leave their
// routes unregistered by the router.
type Deps struct {
	Chats       ChatService
	Messages    MessageService
	Turns       TurnService
	Invitations InvitationService
	Users       UserService

	// DB backs ETags and idempotent replays; both are skipped when nil.
	DB             *gorm.DB
	IdempotencyTTL time.Duration
	MaxAudioBytes  int64
}

// Handlers groups HTTP endpoints for chats, messages, invitations and users.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	chatSvc ChatService
	msgSvc  MessageService
	turns   TurnService
	invites InvitationService
	users   UserService

	db             *gorm.DB
	idempotencyTTL time.Duration
	maxAudioBytes  int64
}

// New constructs and returns a Handlers instance bound to the given services.
func New(d Deps) *Handlers {
	h := &Handlers{
		chatSvc:        d.Chats,
		msgSvc:         d.Messages,
		turns:          d.Turns,
		invites:        d.Invitations,
		users:          d.Users,
		db:             d.DB,
		idempotencyTTL: d.IdempotencyTTL,
		maxAudioBytes:  d.MaxAudioBytes,
	}
	if h.db == nil {
		if svc, ok := d.Chats.(*services.ChatService); ok {
			h.db = svc.DB
		}
	}
	if h.idempotencyTTL <= 0 {
		h.idempotencyTTL = 24 * time.Hour
	}
	if h.maxAudioBytes <= 0 {
		h.maxAudioBytes = 25 << 20
	}
	return h
}

// userID extracts the authenticated user id from Gin context (set by the auth
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

// chatIDParam validates the :id path parameter; it writes the 400 itself.
func chatIDParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat id must be a UUID")
		return "", false
	}
	return id, true
}

//
// DTOs
//

// CreateChatRequest is the JSON payload for creating a chat.
type CreateChatRequest struct {
	// Title optionally sets the chat title; the first assistant turn names
	// chats left with a placeholder.
	Title string `json:"title" binding:"max=255" example:"Contractor agreement"`
	// Context is offeror (default) or offeree.
	Context domain.ChatContext `json:"context" binding:"omitempty,oneof=offeror offeree" example:"offeror"`
}

// UpdateChatTitleRequest is the JSON payload for updating a chat title.
type UpdateChatTitleRequest struct {
	// Title is the new chat name (1–255 chars).
	Title string `json:"title" binding:"required,min=1,max=255" example:"Website redesign contract"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// ListChatsResponse wraps a page of chats and pagination information.
type ListChatsResponse struct {
	Chats      []domain.Chat `json:"chats"`
	Pagination Pagination    `json:"pagination"`
}

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ClampPage(c.Query("page"), c.Query("page_size"), 20, 100)
}

//
// Handlers
//

// CreateChat godoc
// @ID          createChat
// @Summary     Create a new chat
// @Description Opens a chat for the current user in state MIC. Offeree chats are normally created by invitations.
// @Tags        Chats
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (header auth mode)"  example(user123)
// @Param       body       body    handlers.CreateChatRequest  false  "Create chat payload"
//
// @Success     201  {object}  domain.Chat
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Daily chat limit reached"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /chats [post]
func (h *Handlers) CreateChat(c *gin.Context) {
	var req CreateChatRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}

	ch, err := h.chatSvc.Create(c.Request.Context(), userID(c), strings.TrimSpace(req.Title), req.Context)
	if err != nil {
		failErr(c, err, ErrCodeCreateFailed)
		return
	}
	ok(c, http.StatusCreated, ch)
}

// ListChats godoc
// @ID          listChats
// @Summary     List chats (paginated)
// @Description Returns a page of the user's chats, newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Chats
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (header auth mode)"  example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListChatsResponse
// @Header      200  {string} ETag           "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /chats [get]
func (h *Handlers) ListChats(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if h.db != nil {
		if count, maxTS, err := repo.ChatsStats(ctx, h.db, uid); err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			if notModified(c, fmt.Sprintf(`W/"chats:%s:%d:%d:%d:%d"`, uid, count, ts, page, pageSize)) {
				return
			}
		}
	}

	items, total, err := h.chatSvc.ListPage(ctx, uid, page, pageSize)
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListChatsResponse{
		Chats:      items,
		Pagination: newPagination(page, pageSize, total),
	})
}

// GetChat godoc
// @ID          getChat
// @Summary     Get a chat
// @Description Returns a chat owned by the current user, including its current input state.
// @Tags        Chats
// @Produce     json
//
// @Param       id  path  string  true  "Chat ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.Chat
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Router      /chats/{id} [get]
func (h *Handlers) GetChat(c *gin.Context) {
	chatID, valid := chatIDParam(c)
	if !valid {
		return
	}
	ch, err := h.chatSvc.Get(c.Request.Context(), userID(c), chatID)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, ch)
}

// UpdateChatTitle godoc
// @ID          updateChatTitle
// @Summary     Rename a chat
// @Description Updates the title of a chat owned by the current user.
// @Tags        Chats
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Chat ID (UUID)"  format(uuid) example(141add05-4415-4938-b5a1-17e0d3171aff)
// @Param       body  body  handlers.UpdateChatTitleRequest  true  "New title"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Router      /chats/{id} [patch]
func (h *Handlers) UpdateChatTitle(c *gin.Context) {
	chatID, valid := chatIDParam(c)
	if !valid {
		return
	}

	var req UpdateChatTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title required (1–255 chars)")
		return
	}

	if err := h.chatSvc.UpdateTitle(c.Request.Context(), userID(c), chatID, req.Title); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// DeleteChat godoc
// @ID          deleteChat
// @Summary     Delete a chat
// @Description Soft-deletes a chat owned by the current user. Its negotiation, if any, is left untouched.
// @Tags        Chats
//
// @Param       id  path  string  true  "Chat ID (UUID)"  format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Chat not found"
// @Router      /chats/{id} [delete]
func (h *Handlers) DeleteChat(c *gin.Context) {
	chatID, valid := chatIDParam(c)
	if !valid {
		return
	}
	if err := h.chatSvc.Delete(c.Request.Context(), userID(c), chatID); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
