//go:build redis

package session

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func openRedisStoreForTest(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("NEUSTREAM_TEST_REDIS_ADDR")
	if strings.TrimSpace(addr) == "" {
		t.Skip("NEUSTREAM_TEST_REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewRedisStore(ctx, RedisConfig{Addr: addr, DB: 9})
	if err != nil {
		t.Fatalf("connect to redis: %v", err)
	}
	t.Cleanup(func() {
		_ = store.client.FlushDB(context.Background()).Err()
		_ = store.Close()
	})
	if err := store.client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	return store
}

func TestRedisStoreLifecycle(t *testing.T) {
	store := openRedisStoreForTest(t)

	sess, err := store.Create("user-1", grantFor("main"), time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	byKey, ok, err := store.GetByStreamKey("key-main")
	if err != nil || !ok {
		t.Fatalf("GetByStreamKey: ok=%v err=%v", ok, err)
	}
	if byKey.ID != sess.ID {
		t.Fatalf("stream key resolved session %q, want %q", byKey.ID, sess.ID)
	}

	if err := store.Revoke(sess.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, ok, _ := store.Get(sess.ID); ok {
		t.Fatal("session still readable after revoke")
	}
	if _, ok, _ := store.GetByStreamKey("key-main"); ok {
		t.Fatal("stream key still bound after revoke")
	}
}

func TestRedisStoreRebindsKeyToNewerSession(t *testing.T) {
	store := openRedisStoreForTest(t)

	old, err := store.Create("user-1", grantFor("main"), time.Hour)
	if err != nil {
		t.Fatalf("Create old: %v", err)
	}
	fresh, err := store.Create("user-1", grantFor("main"), time.Hour)
	if err != nil {
		t.Fatalf("Create fresh: %v", err)
	}

	got, ok, _ := store.GetByStreamKey("key-main")
	if !ok || got.ID != fresh.ID {
		t.Fatalf("stream key resolved %q, want newer session %q", got.ID, fresh.ID)
	}

	// Revoking the older session must not disturb the rebound key.
	if err := store.Revoke(old.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	got, ok, _ = store.GetByStreamKey("key-main")
	if !ok || got.ID != fresh.ID {
		t.Fatalf("rebound key lost after revoking the superseded session, got ok=%v id=%q", ok, got.ID)
	}

	// Revoking the live session drops its own binding.
	if err := store.Revoke(fresh.ID); err != nil {
		t.Fatalf("Revoke fresh: %v", err)
	}
	if _, ok, _ := store.GetByStreamKey("key-main"); ok {
		t.Fatal("stream key still bound after revoking its session")
	}
}

func TestRedisStoreRevokeUser(t *testing.T) {
	store := openRedisStoreForTest(t)

	if _, err := store.Create("user-1", grantFor("a"), time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Create("user-1", grantFor("b"), time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := store.RevokeUser("user-1")
	if err != nil {
		t.Fatalf("RevokeUser: %v", err)
	}
	if n != 2 {
		t.Fatalf("revoked %d sessions, want 2", n)
	}
	sessions, err := store.ListByUser("user-1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no live sessions, got %d", len(sessions))
	}
}
