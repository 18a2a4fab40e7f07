package services

import (
	"context"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/ai"
	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

// ----- Fake repo -----

type fakeChatRepo struct {
	// capture args
	createUserID string
	createTitle  string
	createCtx    domain.ChatContext

	getID     string
	getUserID string
	getChat   *domain.Chat
	getErr    error

	updateID     string
	updateUserID string
	updateTitle  string
	updateErr    error

	deleteID  string
	deleteErr error

	countUserID string
	countTotal  int64
	countErr    error

	pageUserID string
	pageOffset int
	pageLimit  int
	pageItems  []domain.Chat
	pageErr    error
}

func (r *fakeChatRepo) CreateChatWithState(ctx context.Context, db *gorm.DB, userID, title string, c domain.ChatContext) (*domain.Chat, error) {
	r.createUserID, r.createTitle, r.createCtx = userID, title, c
	return &domain.Chat{ID: "c1", UserID: userID, Title: title, Context: c, CurrentState: domain.StateMIC}, nil
}

func (r *fakeChatRepo) GetChat(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chat, error) {
	r.getID, r.getUserID = id, userID
	return r.getChat, r.getErr
}

func (r *fakeChatRepo) UpdateChatTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error {
	r.updateID, r.updateUserID, r.updateTitle = id, userID, title
	return r.updateErr
}

func (r *fakeChatRepo) SoftDeleteChat(ctx context.Context, db *gorm.DB, id, userID string) error {
	r.deleteID = id
	return r.deleteErr
}

func (r *fakeChatRepo) CountChats(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	r.countUserID = userID
	return r.countTotal, r.countErr
}

func (r *fakeChatRepo) ListChatsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Chat, error) {
	r.pageUserID, r.pageOffset, r.pageLimit = userID, offset, limit
	return r.pageItems, r.pageErr
}

type fakeQuota struct {
	allow bool
	err   error
}

func (q fakeQuota) Allow(context.Context, string) (bool, error) { return q.allow, q.err }

// ----- Tests -----

func TestNewChatService_Defaults(t *testing.T) {
	r := &fakeChatRepo{}
	s := NewChatService(nil, r, nil)

	if s.DB != nil { // DB can be nil in tests
		t.Fatalf("expected nil DB, got %v", s.DB)
	}
	if s.Repo != r {
		t.Fatalf("repo not set")
	}
	if s.TitleMaxLen != 255 {
		t.Fatalf("TitleMaxLen default = 255, got %d", s.TitleMaxLen)
	}
}

func TestNormalizeTitle(t *testing.T) {
	cases := map[string]string{
		"":                      "",
		"   leading   ":         "leading",
		"multi   spaces":        "multi spaces",
		"tabs\tand\nnewlines  ": "tabs and newlines",
		" already ok ":          "already ok",
		"\t  \n":                "",
		"  a   b   c  ":         "a b c",
	}
	for in, want := range cases {
		if got := normalizeTitle(in); got != want {
			t.Errorf("normalizeTitle(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestClip_UsesRunesNotBytes(t *testing.T) {
	s := NewChatService(nil, &fakeChatRepo{}, nil)
	s.TitleMaxLen = 5

	long := "☃☃☃☃☃☃☃" // 7 runes, > 5
	got := s.clip(long)
	if utf8.RuneCountInString(got) != 5 {
		t.Fatalf("clip should keep 5 runes, got %d (%q)", utf8.RuneCountInString(got), got)
	}
	if s.clip("hi") != "hi" {
		t.Fatalf("expected passthrough for short input")
	}
}

func TestCreate_DefaultsToOfferorAndNewChatTitle(t *testing.T) {
	r := &fakeChatRepo{}
	s := NewChatService(nil, r, nil)
	s.TitleMaxLen = 4

	// blank -> "New chat" -> clipped to "New "
	chat, err := s.Create(context.Background(), "u1", "    ", "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if chat.UserID != "u1" || r.createCtx != domain.ContextOfferor {
		t.Fatalf("chat = %+v, ctx = %q", chat, r.createCtx)
	}
	if r.createTitle != "New " {
		t.Fatalf("repo got title %q; want %q", r.createTitle, "New ")
	}
}

func TestCreate_NormalizesAndClips(t *testing.T) {
	r := &fakeChatRepo{}
	s := NewChatService(nil, r, nil)
	s.TitleMaxLen = 3

	if _, err := s.Create(context.Background(), "user-x", "  A   B  ", domain.ContextOfferee); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if r.createTitle != "A B" || r.createCtx != domain.ContextOfferee {
		t.Fatalf("repo got %q/%q", r.createTitle, r.createCtx)
	}
}

func TestCreate_RejectsUnknownContext(t *testing.T) {
	r := &fakeChatRepo{}
	s := NewChatService(nil, r, nil)
	if _, err := s.Create(context.Background(), "u1", "", "mediator"); !errors.Is(err, ErrInvalidContext) {
		t.Fatalf("expected ErrInvalidContext, got %v", err)
	}
	if r.createUserID != "" {
		t.Fatal("repo must not be called")
	}
}

func TestCreate_Quota(t *testing.T) {
	r := &fakeChatRepo{}
	s := NewChatService(nil, r, fakeQuota{allow: false})
	if _, err := s.Create(context.Background(), "u1", "", ""); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	sentinel := errors.New("billing down")
	s.Quota = fakeQuota{err: sentinel}
	if _, err := s.Create(context.Background(), "u1", "", ""); !errors.Is(err, sentinel) {
		t.Fatalf("expected quota error to propagate, got %v", err)
	}

	s.Quota = fakeQuota{allow: true}
	if _, err := s.Create(context.Background(), "u1", "", ""); err != nil {
		t.Fatalf("allowed create: %v", err)
	}
}

func TestDailyQuota_CountsTodayOnly(t *testing.T) {
	h := newHarness(t)
	day := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	q := &DailyQuota{DB: h.db, Limit: 2, Now: func() time.Time { return day }}

	old := h.chat(t, "u1", domain.ContextOfferor)
	h.db.Model(&domain.Chat{}).Where("id = ?", old.ID).Update("created_at", day.Add(-24*time.Hour))

	for i := 0; i < 2; i++ {
		ok, err := q.Allow(context.Background(), "u1")
		if err != nil || !ok {
			t.Fatalf("allow #%d = %v, %v", i, ok, err)
		}
		c := h.chat(t, "u1", domain.ContextOfferor)
		h.db.Model(&domain.Chat{}).Where("id = ?", c.ID).Update("created_at", day)
	}
	if ok, _ := q.Allow(context.Background(), "u1"); ok {
		t.Fatal("third chat of the day must be refused")
	}
	if ok, _ := q.Allow(context.Background(), "u2"); !ok {
		t.Fatal("quota is per user")
	}
	if ok, _ := (&DailyQuota{DB: h.db}).Allow(context.Background(), "u1"); !ok {
		t.Fatal("zero limit is unlimited")
	}
}

func TestGet_MapsNotFound(t *testing.T) {
	s := NewChatService(nil, &fakeChatRepo{getErr: gorm.ErrRecordNotFound}, nil)
	if _, err := s.Get(context.Background(), "u1", "c1"); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected ErrChatNotFound, got %v", err)
	}
}

func TestListPage_DefaultsAndTotalZero(t *testing.T) {
	r := &fakeChatRepo{countTotal: 0}
	s := NewChatService(nil, r, nil)

	items, total, err := s.ListPage(context.Background(), "u3", 0, 0)
	if err != nil {
		t.Fatalf("ListPage error: %v", err)
	}
	if total != 0 || len(items) != 0 {
		t.Fatalf("expected empty results when total=0; got total=%d len=%d", total, len(items))
	}
	if r.countUserID != "u3" {
		t.Fatalf("CountChats called with user %q; want u3", r.countUserID)
	}
}

func TestListPage_CountError(t *testing.T) {
	sentinel := errors.New("boom")
	s := NewChatService(nil, &fakeChatRepo{countErr: sentinel}, nil)

	_, _, err := s.ListPage(context.Background(), "u4", 1, 10)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected count error to propagate, got %v", err)
	}
}

func TestListPage_Success_OffsetLimitAndItemsError(t *testing.T) {
	sentinel := errors.New("items-fail")
	r := &fakeChatRepo{countTotal: 42, pageErr: sentinel}
	s := NewChatService(nil, r, nil)

	_, total, err := s.ListPage(context.Background(), "u5", 3, 10)
	if total != 42 {
		t.Fatalf("total = %d; want 42", total)
	}
	if r.pageOffset != 20 || r.pageLimit != 10 {
		t.Fatalf("offset/limit = %d/%d; want 20/10", r.pageOffset, r.pageLimit)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected items error to propagate")
	}

	r2 := &fakeChatRepo{countTotal: 42, pageItems: []domain.Chat{{ID: "x1"}, {ID: "x2"}}}
	s2 := NewChatService(nil, r2, nil)
	items, total2, err2 := s2.ListPage(context.Background(), "u6", -10, -5)
	if err2 != nil {
		t.Fatalf("ListPage success error: %v", err2)
	}
	if total2 != 42 || len(items) != 2 {
		t.Fatalf("expected 2 items and total 42; got %d/%d", len(items), total2)
	}
	if r2.pageOffset != 0 || r2.pageLimit != 20 {
		t.Fatalf("expected default offset/limit 0/20; got %d/%d", r2.pageOffset, r2.pageLimit)
	}
}

func TestUpdateTitle_NotFoundMapsToErrChatNotFound(t *testing.T) {
	s := NewChatService(nil, &fakeChatRepo{getErr: gorm.ErrRecordNotFound}, nil)
	if err := s.UpdateTitle(context.Background(), "u1", "chat-1", "ignored"); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected ErrChatNotFound mapping, got %v", err)
	}
}

func TestUpdateTitle_RepoGetOtherError(t *testing.T) {
	sentinel := errors.New("db down")
	s := NewChatService(nil, &fakeChatRepo{getErr: sentinel}, nil)
	if err := s.UpdateTitle(context.Background(), "u1", "chat-1", "ok"); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
}

func TestUpdateTitle_BlankBecomesUntitled_AndClippedAndNormalized(t *testing.T) {
	r := &fakeChatRepo{getChat: &domain.Chat{ID: "chat-1", UserID: "u1"}}
	s := NewChatService(nil, r, nil)
	s.TitleMaxLen = 7

	if err := s.UpdateTitle(context.Background(), "u1", "chat-1", "   \t  "); err != nil {
		t.Fatalf("UpdateTitle error: %v", err)
	}
	if r.updateTitle != "Untitle" {
		t.Fatalf("expected clipped Untitled -> Untitle, got %q", r.updateTitle)
	}

	r2 := &fakeChatRepo{getChat: &domain.Chat{ID: "chat-2", UserID: "u2"}}
	s2 := NewChatService(nil, r2, nil)
	s2.TitleMaxLen = 5
	if err := s2.UpdateTitle(context.Background(), "u2", "chat-2", "  A   B   C  "); err != nil {
		t.Fatalf("UpdateTitle error: %v", err)
	}
	if r2.updateTitle != "A B C" {
		t.Fatalf("expected normalized title %q; got %q", "A B C", r2.updateTitle)
	}
}

func TestDelete(t *testing.T) {
	r := &fakeChatRepo{}
	s := NewChatService(nil, r, nil)
	if err := s.Delete(context.Background(), "u1", "c9"); err != nil || r.deleteID != "c9" {
		t.Fatalf("Delete = %v, deleted %q", err, r.deleteID)
	}
	r.deleteErr = gorm.ErrRecordNotFound
	if err := s.Delete(context.Background(), "u1", "c9"); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected ErrChatNotFound, got %v", err)
	}
}

func TestMessageService_ListPage(t *testing.T) {
	h := newHarness(t)
	svc := &MessageService{DB: h.db}
	chat := h.chat(t, "u1", domain.ContextOfferor)

	if _, _, err := svc.ListPage(context.Background(), "intruder", chat.ID, 1, 10); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("foreign chat: err = %v", err)
	}
	items, total, err := svc.ListPage(context.Background(), "u1", chat.ID, 1, 10)
	if err != nil || total != 0 || len(items) != 0 {
		t.Fatalf("empty chat = %v, %d, %v", items, total, err)
	}

	h.ai.replies = []*ai.TurnResult{{Response: "Pick one", Requires: "TEXT", Status: "User wants a contractor", Texts: []string{"Yes", "No"}}}
	if _, err := h.turns.Process(context.Background(), audioTurn(chat.ID, "u1")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	items, total, err = svc.ListPage(context.Background(), "u1", chat.ID, 1, 10)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	// The user's MIC turn is hidden; the status summary and the reply are shown.
	if total != 2 || len(items) != 2 {
		t.Fatalf("total=%d len=%d, want 2", total, len(items))
	}
	if !items[0].Status || items[0].Assistant {
		t.Fatalf("first item = %+v, want the user's status summary", items[0])
	}
	reply := items[1]
	if !reply.Assistant || len(reply.Prompts) != 2 || reply.Prompts[0].Selected {
		t.Fatalf("reply = %+v", reply)
	}

	page2, _, err := svc.ListPage(context.Background(), "u1", chat.ID, 2, 1)
	if err != nil || len(page2) != 1 || page2[0].ID != reply.ID {
		t.Fatalf("page 2 = %+v, %v", page2, err)
	}
}
