package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

func TestOpenSQLite_ErrorOnBadPath(t *testing.T) {
	base := t.TempDir()
	bad := filepath.Join(base, "does-not-exist", "app.db")

	db, err := OpenSQLite(bad)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}

	// Be tolerant across platforms/drivers:
	// - Windows: *os.PathError ("CreateFile â€¦ cannot find the file specified")
	// - SQLite:  "unable to open database file" / "out of memory (14)"
	// - Unix:    "no such file or directory"
	lower := strings.ToLower(err.Error())
	if !(os.IsNotExist(err) ||
		strings.Contains(lower, "unable to open database file") ||
		strings.Contains(lower, "no such file or directory") ||
		strings.Contains(lower, "out of memory")) {
		t.Fatalf("unexpected error opening %q: %v", bad, err)
	}
}

func TestOpenSQLite_SetsPragmas_Pool_AndAutoMigrate(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "app.db")

	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	// --- Verify PRAGMAs set by OpenSQLite ---
	var (
		journalMode string
		syncVal     int
		fkOn        int
		busyMS      int
	)

	if err := db.Raw("PRAGMA journal_mode;").Row().Scan(&journalMode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journalMode)
	}

	if err := db.Raw("PRAGMA synchronous;").Row().Scan(&syncVal); err != nil {
		t.Fatalf("PRAGMA synchronous: %v", err)
	}
	// NORMAL == 1
	if syncVal != 1 {
		t.Fatalf("expected synchronous=1 (NORMAL), got %d", syncVal)
	}

	if err := db.Raw("PRAGMA foreign_keys;").Row().Scan(&fkOn); err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if fkOn != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", fkOn)
	}

	if err := db.Raw("PRAGMA busy_timeout;").Row().Scan(&busyMS); err != nil {
		t.Fatalf("PRAGMA busy_timeout: %v", err)
	}
	if busyMS != 5000 {
		t.Fatalf("expected busy_timeout=5000, got %d", busyMS)
	}

	// --- Verify pool tuning applied ---
	if stats := sqlDB.Stats(); stats.MaxOpenConnections != 10 {
		t.Fatalf("expected MaxOpenConnections=10, got %d", stats.MaxOpenConnections)
	}

	// --- AutoMigrate should create all tables ---
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	m := db.Migrator()
	for _, tbl := range []any{&domain.Chat{}, &domain.Message{}, &domain.Prompt{}, &domain.File{}, &domain.State{},
		&domain.User{}, &domain.Negotiation{}, &domain.PendingInvitation{}, &domain.OutboxMessage{}, &domain.Idempotency{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}

	// Quick insert round-trip to prove schema is usable.
	chat, err := CreateChatWithState(context.Background(), db, "u1", "t", domain.ContextOfferor)
	if err != nil {
		t.Fatalf("insert chat: %v", err)
	}
	if _, err := CreateMessage(context.Background(), db, MessageInput{ChatID: chat.ID, Text: "hi"}); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	var got domain.Chat
	if err := db.First(&got, "id = ?", chat.ID).Error; err != nil || got.UserID != "u1" || got.CurrentState != domain.StateMIC {
		t.Fatalf("readback chat failed: err=%v got=%+v", err, got)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(Options{Driver: "oracle"}); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if _, err := Open(Options{Driver: DriverPostgres}); err == nil {
		t.Fatalf("expected error for empty postgres DSN")
	}
}

func TestOpen_SQLiteWithTracing(t *testing.T) {
	db, err := Open(Options{Driver: "SQLite", SQLitePath: filepath.Join(t.TempDir(), "app.db"), Tracing: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	if db.Dialector.Name() != DriverSQLite {
		t.Fatalf("dialector = %q", db.Dialector.Name())
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	boom := errors.New("boom")
	err := InTx(context.Background(), db, func(tx *gorm.DB) error {
		if _, err := CreateChatWithState(context.Background(), tx, "u1", "t", domain.ContextOfferor); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	n, _ := CountChats(context.Background(), db, "u1")
	if n != 0 {
		t.Fatalf("expected rollback, found %d chats", n)
	}
}

func TestIsSerializationFailure(t *testing.T) {
	cases := map[string]bool{
		"ERROR: could not serialize access due to concurrent update (SQLSTATE 40001)": true,
		"database is locked (5) (SQLITE_BUSY)":                                        true,
		"no such table: chats":                                                        false,
	}
	for msg, want := range cases {
		if got := IsSerializationFailure(errors.New(msg)); got != want {
			t.Fatalf("IsSerializationFailure(%q) = %v; want %v", msg, got, want)
		}
	}
	if IsSerializationFailure(nil) {
		t.Fatalf("nil must not be a serialization failure")
	}
}

// Compile-time guard to ensure signature stability.
var _ func(string) (*gorm.DB, error) = OpenSQLite
