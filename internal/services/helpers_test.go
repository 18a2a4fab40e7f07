package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-negotiation-backend/internal/ai"
	"github.com/tbourn/go-negotiation-backend/internal/artifact"
	"github.com/tbourn/go-negotiation-backend/internal/domain"
	"github.com/tbourn/go-negotiation-backend/internal/outbox"
	"github.com/tbourn/go-negotiation-backend/internal/queue"
	"github.com/tbourn/go-negotiation-backend/internal/repo"
	"github.com/tbourn/go-negotiation-backend/internal/worker"
)

// newTestDB opens a private, fully migrated in-memory database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// ----- Fakes -----

type aiCall struct {
	ctx     domain.ChatContext
	history []ai.HistoryMessage
}

// fakeAI replays scripted replies in order; the last one repeats.
type fakeAI struct {
	mu      sync.Mutex
	replies []*ai.TurnResult
	err     error
	calls   []aiCall
}

func (f *fakeAI) Chat(_ context.Context, c domain.ChatContext, h []ai.HistoryMessage) (*ai.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, aiCall{ctx: c, history: append([]ai.HistoryMessage(nil), h...)})
	if f.err != nil {
		return nil, f.err
	}
	if len(f.replies) == 0 {
		return &ai.TurnResult{Response: "ok", Requires: "MIC"}, nil
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r, nil
}

func (f *fakeAI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTranscriber struct {
	text string
	err  error
	urls []string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, url string) (string, error) {
	f.urls = append(f.urls, url)
	return f.text, f.err
}

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *memUploader) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = data
	return "https://cdn.test/" + key, nil
}

type sentMail struct{ to, subject, body string }

type fakeMail struct {
	mu   sync.Mutex
	sent []sentMail
}

func (f *fakeMail) Send(_ context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to, subject, body})
	return nil
}

// nopFlusher leaves outbox rows pending so tests can inspect them.
type nopFlusher struct{ n int }

func (f *nopFlusher) FlushQuietly(context.Context) { f.n++ }

// wavBytes is the smallest payload DetectAudio accepts as audio.
var wavBytes = append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 32)...)

// ----- Harness -----

// harness wires the services to an inline queue so outbox jobs run
// synchronously when a service flushes.
type harness struct {
	db     *gorm.DB
	ai     *fakeAI
	stt    *fakeTranscriber
	store  *memUploader
	mail   *fakeMail
	relay  *outbox.Relay
	turns  *TurnProcessor
	chats  *ChatService
	invite *InvitationService
	users  *UserService
	notify *Notifier
}

type repoShim struct{}

func (repoShim) CreateChatWithState(ctx context.Context, db *gorm.DB, userID, title string, c domain.ChatContext) (*domain.Chat, error) {
	return repo.CreateChatWithState(ctx, db, userID, title, c)
}
func (repoShim) GetChat(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chat, error) {
	return repo.GetChat(ctx, db, id, userID)
}
func (repoShim) UpdateChatTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error {
	return repo.UpdateChatTitle(ctx, db, id, userID, title)
}
func (repoShim) SoftDeleteChat(ctx context.Context, db *gorm.DB, id, userID string) error {
	return repo.SoftDeleteChat(ctx, db, id, userID)
}
func (repoShim) CountChats(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountChats(ctx, db, userID)
}
func (repoShim) ListChatsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Chat, error) {
	return repo.ListChatsPage(ctx, db, userID, offset, limit)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:    newTestDB(t),
		ai:    &fakeAI{},
		stt:   &fakeTranscriber{text: "I want to hire a contractor"},
		store: &memUploader{},
		mail:  &fakeMail{},
	}
	q := queue.NewInline()
	h.relay = outbox.NewRelay(h.db, q, 10)
	builder := artifact.NewBuilder(h.store)

	h.notify = &Notifier{DB: h.db}
	h.invite = &InvitationService{
		DB:        h.db,
		AI:        h.ai,
		Artifacts: builder,
		Relay:     h.relay,
		AppURL:    "https://app.test",
	}
	h.turns = &TurnProcessor{
		DB:          h.db,
		AI:          h.ai,
		Transcriber: h.stt,
		Storage:     h.store,
		Relay:       h.relay,
	}
	h.chats = NewChatService(h.db, repoShim{}, nil)
	h.users = &UserService{DB: h.db, Relay: h.relay}

	w := &worker.Worker{
		DB:          h.db,
		Artifacts:   builder,
		Notifier:    h.notify,
		Mail:        h.mail,
		Invitations: h.invite,
	}
	w.Register(q)
	return h
}

func (h *harness) user(t *testing.T, id, email string) *domain.User {
	t.Helper()
	u, err := repo.UpsertUser(context.Background(), h.db, id, email, id)
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	return u
}

func (h *harness) chat(t *testing.T, userID string, c domain.ChatContext) *domain.Chat {
	t.Helper()
	chat, err := repo.CreateChatWithState(context.Background(), h.db, userID, "New chat", c)
	if err != nil {
		t.Fatalf("CreateChatWithState: %v", err)
	}
	return chat
}

func (h *harness) setState(t *testing.T, chatID string, s domain.ChatState) {
	t.Helper()
	if _, err := repo.AppendState(context.Background(), h.db, chatID, s); err != nil {
		t.Fatalf("AppendState: %v", err)
	}
}

// assistantMsg stores an assistant message offering prompts.
func (h *harness) assistantMsg(t *testing.T, chatID string, prompts ...string) *domain.Message {
	t.Helper()
	m, err := repo.CreateMessage(context.Background(), h.db, repo.MessageInput{
		ChatID:  chatID,
		Text:    "choose",
		Prompts: prompts,
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	return m
}

func (h *harness) state(t *testing.T, chatID string) domain.ChatState {
	t.Helper()
	st, err := repo.LatestState(context.Background(), h.db, chatID)
	if err != nil {
		t.Fatalf("LatestState: %v", err)
	}
	return st.Value
}

type rowCounts struct{ messages, prompts, files, states, outbox int64 }

func (h *harness) counts(t *testing.T) rowCounts {
	t.Helper()
	var c rowCounts
	h.db.Model(&domain.Message{}).Count(&c.messages)
	h.db.Model(&domain.Prompt{}).Count(&c.prompts)
	h.db.Model(&domain.File{}).Count(&c.files)
	h.db.Model(&domain.State{}).Count(&c.states)
	h.db.Model(&domain.OutboxMessage{}).Count(&c.outbox)
	return c
}

func (h *harness) messages(t *testing.T, chatID string) []domain.Message {
	t.Helper()
	var out []domain.Message
	if err := h.db.Preload("Prompts").Preload("Files").
		Where("chat_id = ?", chatID).Order("created_at ASC, id ASC").
		Find(&out).Error; err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return out
}

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }

// outboxRows returns the outbox rows for job, oldest first.
func outboxRows(t *testing.T, db *gorm.DB, job string) []domain.OutboxMessage {
	t.Helper()
	var out []domain.OutboxMessage
	if err := db.Where("job = ?", job).Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	return out
}

// stateLog returns the full state log of a chat, oldest first.
func stateLog(t *testing.T, db *gorm.DB, chatID string) []domain.State {
	t.Helper()
	var out []domain.State
	if err := db.Where("chat_id = ?", chatID).Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		t.Fatalf("list states: %v", err)
	}
	return out
}
