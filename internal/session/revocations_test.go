package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	if _, err := NewRedisStore("redis://" + addr); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestRedisRevokeAndExpire(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	revoked, err := store.Revoked(ctx, "hash-1")
	if err != nil || revoked {
		t.Fatalf("fresh token: revoked=%v err=%v", revoked, err)
	}

	if err := store.Revoke(ctx, "hash-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	revoked, err = store.Revoked(ctx, "hash-1")
	if err != nil || !revoked {
		t.Fatalf("after revoke: revoked=%v err=%v", revoked, err)
	}
	if ttl := s.TTL("reportkit:revoked:hash-1"); ttl <= 0 || ttl > time.Hour {
		t.Errorf("unexpected ttl %v", ttl)
	}

	s.FastForward(2 * time.Hour)
	revoked, err = store.Revoked(ctx, "hash-1")
	if err != nil || revoked {
		t.Fatalf("after expiry: revoked=%v err=%v", revoked, err)
	}
}

func TestRedisRevokeExpiredTokenIsNoop(t *testing.T) {
	store, s := setupTestRedis(t)

	if err := store.Revoke(context.Background(), "hash-old", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if s.Exists("reportkit:revoked:hash-old") {
		t.Error("expired token should not be stored")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Revoke(ctx, "hash-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if revoked, _ := store.Revoked(ctx, "hash-1"); !revoked {
		t.Fatal("expected token to be revoked")
	}

	now = now.Add(2 * time.Minute)
	if revoked, _ := store.Revoked(ctx, "hash-1"); revoked {
		t.Fatal("expected revocation to lapse with the token")
	}

	if err := store.Revoke(ctx, "hash-2", now.Add(time.Minute)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if len(store.entries) != 1 {
		t.Errorf("expected lapsed entries to be pruned, have %d", len(store.entries))
	}
}
