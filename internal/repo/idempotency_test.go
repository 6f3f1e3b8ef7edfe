package repo

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIdempotency_CreateGetDuplicateAndExpiry(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := GetIdempotency(ctx, db, "u1", "query", "   ", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("blank key: err=%v; want ErrNotFound", err)
	}
	if _, err := GetIdempotency(ctx, db, "u1", "query", "k1", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: err=%v; want ErrNotFound", err)
	}

	body := []byte(`{"answer":"hi"}`)
	rec, err := CreateIdempotency(ctx, db, "u1", "query", "k1", "c1", 200, body, time.Hour)
	if err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	if rec.ExpiresAt.Sub(rec.CreatedAt) != time.Hour {
		t.Fatalf("ttl not applied: %v", rec.ExpiresAt.Sub(rec.CreatedAt))
	}

	got, err := GetIdempotency(ctx, db, "u1", "query", "k1", now)
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if got.Status != 200 || string(got.Body) != string(body) || got.ConversationID != "c1" {
		t.Fatalf("unexpected record: %+v", got)
	}

	if _, err := CreateIdempotency(ctx, db, "u1", "query", "k1", "c2", 200, nil, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate: err=%v; want ErrDuplicate", err)
	}
	// Same key under a different scope or user is distinct.
	if _, err := CreateIdempotency(ctx, db, "u1", "other", "k1", "c1", 200, nil, time.Hour); err != nil {
		t.Fatalf("other scope: %v", err)
	}
	if _, err := CreateIdempotency(ctx, db, "u2", "query", "k1", "c1", 200, nil, time.Hour); err != nil {
		t.Fatalf("other user: %v", err)
	}

	// Expired lookups miss, and purge removes them.
	later := now.Add(2 * time.Hour)
	if _, err := GetIdempotency(ctx, db, "u1", "query", "k1", later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired: err=%v; want ErrNotFound", err)
	}
	n, err := PurgeExpiredIdempotency(ctx, db, later)
	if err != nil || n != 3 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
}
