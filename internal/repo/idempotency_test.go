package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-negotiation-backend/internal/domain"
)

func TestGetIdempotency_NoChatID_ReturnsNotFound(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	if _, err := GetIdempotency(context.Background(), db, "u1", "  ", "k", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIdempotency_CreateGetDuplicateExpiry(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()

	rec, err := CreateIdempotency(ctx, db, "u1", "c1", "k1", "m1", 201, time.Hour)
	if err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	got, err := GetIdempotency(ctx, db, "u1", "c1", "k1", time.Now().UTC())
	if err != nil || got.ID != rec.ID || got.MessageID != "m1" || got.Status != 201 {
		t.Fatalf("GetIdempotency = %+v, %v", got, err)
	}
	if _, err := CreateIdempotency(ctx, db, "u1", "c1", "k1", "m2", 201, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// Expired records are invisible and purgeable.
	if _, err := GetIdempotency(ctx, db, "u1", "c1", "k1", time.Now().Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	n, err := PurgeExpiredIdempotency(ctx, db, time.Now().Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpiredIdempotency = %d, %v", n, err)
	}
}

func TestCreateIdempotency_NoTable(t *testing.T) {
	if _, err := CreateIdempotency(context.Background(), bareDB(t), "u1", "c1", "k", "", 204, time.Minute); err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected plain DB error, got %v", err)
	}
}
