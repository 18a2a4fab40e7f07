package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
	"github.com/tbourn/go-negotiation-backend/internal/http/middleware"
	"github.com/tbourn/go-negotiation-backend/internal/repo"
	"github.com/tbourn/go-negotiation-backend/internal/services"
)

// ---------- test plumbing ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

// testChatRepo implements services.ChatRepo on the repo package, as the
// router's shim does.
type testChatRepo struct{}

func (testChatRepo) CreateChatWithState(ctx context.Context, db *gorm.DB, userID, title string, c domain.ChatContext) (*domain.Chat, error) {
	return repo.CreateChatWithState(ctx, db, userID, title, c)
}
func (testChatRepo) GetChat(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chat, error) {
	return repo.GetChat(ctx, db, id, userID)
}
func (testChatRepo) UpdateChatTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error {
	return repo.UpdateChatTitle(ctx, db, id, userID, title)
}
func (testChatRepo) SoftDeleteChat(ctx context.Context, db *gorm.DB, id, userID string) error {
	return repo.SoftDeleteChat(ctx, db, id, userID)
}
func (testChatRepo) CountChats(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountChats(ctx, db, userID)
}
func (testChatRepo) ListChatsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Chat, error) {
	return repo.ListChatsPage(ctx, db, userID, offset, limit)
}

// ---------- service stubs ----------

type stubChatSvc struct {
	create   func(ctx context.Context, u, title string, c domain.ChatContext) (*domain.Chat, error)
	get      func(ctx context.Context, u, id string) (*domain.Chat, error)
	listPage func(ctx context.Context, u string, p, ps int) ([]domain.Chat, int64, error)
	update   func(ctx context.Context, u, id, title string) error
	del      func(ctx context.Context, u, id string) error
}

func (s stubChatSvc) Create(ctx context.Context, u, title string, c domain.ChatContext) (*domain.Chat, error) {
	if s.create != nil {
		return s.create(ctx, u, title, c)
	}
	return &domain.Chat{ID: uuid.NewString(), UserID: u, Title: title, Context: c, CurrentState: domain.StateMIC}, nil
}
func (s stubChatSvc) Get(ctx context.Context, u, id string) (*domain.Chat, error) {
	if s.get != nil {
		return s.get(ctx, u, id)
	}
	return &domain.Chat{ID: id, UserID: u, CurrentState: domain.StateTEXT}, nil
}
func (s stubChatSvc) ListPage(ctx context.Context, u string, p, ps int) ([]domain.Chat, int64, error) {
	if s.listPage != nil {
		return s.listPage(ctx, u, p, ps)
	}
	return []domain.Chat{}, 0, nil
}
func (s stubChatSvc) UpdateTitle(ctx context.Context, u, id, title string) error {
	if s.update != nil {
		return s.update(ctx, u, id, title)
	}
	return nil
}
func (s stubChatSvc) Delete(ctx context.Context, u, id string) error {
	if s.del != nil {
		return s.del(ctx, u, id)
	}
	return nil
}

type stubMsgSvc struct {
	list func(ctx context.Context, u, chatID string, p, ps int) ([]services.MessageView, int64, error)
}

func (s stubMsgSvc) ListPage(ctx context.Context, u, chatID string, p, ps int) ([]services.MessageView, int64, error) {
	if s.list != nil {
		return s.list(ctx, u, chatID, p, ps)
	}
	return []services.MessageView{}, 0, nil
}

// stubTurns records every input and answers with res/err.
type stubTurns struct {
	res   *services.TurnResult
	err   error
	calls []services.TurnInput
}

func (s *stubTurns) Process(_ context.Context, in services.TurnInput) (*services.TurnResult, error) {
	s.calls = append(s.calls, in)
	if s.err != nil {
		return nil, s.err
	}
	if s.res != nil {
		return s.res, nil
	}
	return &services.TurnResult{State: domain.StateTEXT}, nil
}

type stubInvites struct {
	res *services.InviteResult
	err error
	got []string
}

func (s *stubInvites) Invite(_ context.Context, u, chatID, email string) (*services.InviteResult, error) {
	s.got = append(s.got, u, chatID, email)
	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

type stubUsers struct {
	err error
	got []string
}

func (s *stubUsers) Register(_ context.Context, id, email, name string) (*domain.User, error) {
	s.got = append(s.got, id, email, name)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.User{ID: id, Email: email, Name: name}, nil
}

// ---------- routing ----------

// newEngine mounts every handler the way the router does, minus the global
// middleware stack.
func newEngine(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	r.POST("/chats", h.CreateChat)
	r.GET("/chats", h.ListChats)
	r.GET("/chats/:id", h.GetChat)
	r.PATCH("/chats/:id", h.UpdateChatTitle)
	r.DELETE("/chats/:id", h.DeleteChat)
	r.GET("/chats/:id/messages", h.ListMessages)
	r.POST("/chats/:id/messages", h.PostMessage)
	r.POST("/chats/:id/messages/:messageId/prompts", h.SelectPrompt)
	r.POST("/chats/:id/invitations", h.Invite)
	r.POST("/internal/users", h.RegisterUser)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func as(uid string) map[string]string { return map[string]string{"X-User-ID": uid} }

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("json: %v body=%s", err, w.Body.String())
	}
	return out
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[ErrorResponse](t, w).Code
}
