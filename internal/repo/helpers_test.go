package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

// newTestDB opens a private in-memory database. With no models given the full
// schema is migrated; with models only those tables exist.
func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:repo_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
		return db
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// bareDB opens a database with no tables at all.
func bareDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:bare_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func seedChat(t *testing.T, db *gorm.DB, userID string, c domain.ChatContext) *domain.Chat {
	t.Helper()
	chat, err := CreateChatWithState(context.Background(), db, userID, "New chat", c)
	if err != nil {
		t.Fatalf("CreateChatWithState: %v", err)
	}
	return chat
}

func strp(s string) *string { return &s }

// listStates returns the full state log of a chat, oldest first.
func listStates(ctx context.Context, db *gorm.DB, chatID string) ([]domain.State, error) {
	var out []domain.State
	err := db.WithContext(ctx).Where("chat_id = ?", chatID).Order("created_at ASC, id ASC").Find(&out).Error
	return out, err
}

// listOutbox returns every outbox row for job, oldest first.
func listOutbox(ctx context.Context, db *gorm.DB, job string) ([]domain.OutboxMessage, error) {
	var out []domain.OutboxMessage
	err := db.WithContext(ctx).Where("job = ?", job).Order("created_at ASC, id ASC").Find(&out).Error
	return out, err
}
