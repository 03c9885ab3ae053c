package repo

import (
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-roomchat/internal/domain"
)

func TestIdempotency_CreateGetAndExpire(t *testing.T) {
	s := newTestStore(t)
	db := s.DB()

	if _, err := GetIdempotency(db, 1, domain.ScopeRoomSend, "", time.Now()); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("blank key should be not found, got %v", err)
	}

	rec, err := CreateIdempotency(db, 1, domain.ScopeRoomSend, "k1", 77, "", 201, time.Hour)
	if err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	if rec.ID == "" || rec.ResourceID != 77 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	got, err := GetIdempotency(db, 1, domain.ScopeRoomSend, "k1", time.Now().UTC())
	if err != nil || got.ResourceID != 77 {
		t.Fatalf("GetIdempotency: %+v %v", got, err)
	}

	// other user, other scope: miss
	if _, err := GetIdempotency(db, 2, domain.ScopeRoomSend, "k1", time.Now().UTC()); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("other user should miss, got %v", err)
	}
	if _, err := GetIdempotency(db, 1, domain.ScopeDMSend, "k1", time.Now().UTC()); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("other scope should miss, got %v", err)
	}

	// duplicate live key is a unique violation
	if _, err := CreateIdempotency(db, 1, domain.ScopeRoomSend, "k1", 78, "", 201, time.Hour); err == nil {
		t.Fatalf("expected unique violation for live duplicate")
	}

	// after expiry the lookup misses and the tuple can be reused
	future := time.Now().UTC().Add(2 * time.Hour)
	if _, err := GetIdempotency(db, 1, domain.ScopeRoomSend, "k1", future); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expired record should miss, got %v", err)
	}
	if _, err := CreateIdempotency(db, 1, domain.ScopeDMSend, "k2", 5, "1:2", 201, time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, err := CreateIdempotency(db, 1, domain.ScopeDMSend, "k2", 6, "1:2", 201, time.Hour); err != nil {
		t.Fatalf("expired tuple should be replaceable: %v", err)
	}

	n, err := PurgeExpiredIdempotency(db, future)
	if err != nil || n != 2 {
		t.Fatalf("purge removed %d (err %v); want 2", n, err)
	}
}
