// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func testRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreWithClient(client)
}

func TestRedisSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := testRedisStore(t)

	s := &Session{
		ID:         "sess-r1",
		ExternalID: "u@example.com",
		Email:      "u@example.com",
		Groups:     []string{"eng"},
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  time.Now().Add(time.Hour).UTC(),
	}
	if _, err := store.CreateSession(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetSession(ctx, "sess-r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExternalID != "u@example.com" || len(got.Groups) != 1 {
		t.Fatalf("round trip lost fields: %+v", got)
	}

	got.Name = "Updated"
	if err := store.UpdateSession(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := store.GetSession(ctx, "sess-r1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if again.Name != "Updated" {
		t.Fatalf("update lost: %+v", again)
	}

	if err := store.DeleteSession(ctx, "sess-r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetSession(ctx, "sess-r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
}

func TestRedisAuthStateTakeOnce(t *testing.T) {
	ctx := context.Background()
	store := testRedisStore(t)

	st := &AuthState{State: "st-1", Nonce: "n", CodeVerifier: "v", CreatedAt: time.Now().UTC()}
	if err := store.StoreAuthState(ctx, st); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := store.TakeAuthState(ctx, "st-1"); err != nil {
		t.Fatalf("first take: %v", err)
	}
	if _, err := store.TakeAuthState(ctx, "st-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound on second take, got %v", err)
	}
}

func TestRedisTakeAuthStateAfterTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStoreWithClient(client)

	st := &AuthState{State: "st-old", CodeVerifier: "v", CreatedAt: time.Now().Add(-AuthStateTTL - time.Second)}
	if err := store.StoreAuthState(ctx, st); err != nil {
		t.Fatalf("store: %v", err)
	}

	// The key outlives AuthStateTTL so a late take still finds the state
	// and can classify it as expired.
	mr.FastForward(AuthStateTTL + time.Minute)
	taken, err := store.TakeAuthState(ctx, "st-old")
	if err != nil {
		t.Fatalf("take after TTL: %v", err)
	}
	if !taken.IsExpired(time.Now()) {
		t.Fatal("state older than TTL should classify as expired")
	}

	// The tombstone itself does expire.
	if err := store.StoreAuthState(ctx, &AuthState{State: "st-gone", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("store: %v", err)
	}
	mr.FastForward(2*AuthStateTTL + time.Minute)
	if _, err := store.TakeAuthState(ctx, "st-gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after tombstone expiry, got %v", err)
	}
}

func TestRedisConcurrentSessionLimit(t *testing.T) {
	ctx := context.Background()
	store := testRedisStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		s := &Session{
			ID:         fmt.Sprintf("sess-c%d", i),
			ExternalID: "u@example.com",
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			ExpiresAt:  time.Now().Add(time.Hour),
		}
		if _, err := store.CreateSession(ctx, s); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	EnforceConcurrentLimit(ctx, store, "u@example.com", 3)

	count, err := store.CountUserSessions(ctx, "u@example.com")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("want 3 sessions after eviction, got %d", count)
	}

	// The oldest two are the ones evicted.
	for _, id := range []string{"sess-c0", "sess-c1"} {
		if _, err := store.GetSession(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("oldest session %s survived eviction: %v", id, err)
		}
	}
	if _, err := store.GetSession(ctx, "sess-c4"); err != nil {
		t.Errorf("newest session evicted: %v", err)
	}
}

func TestRedisInactivityExpiry(t *testing.T) {
	ctx := context.Background()
	store := testRedisStore(t)

	stale := time.Now().Add(-time.Hour)
	s := &Session{
		ID:           "sess-i1",
		ExternalID:   "u@example.com",
		CreatedAt:    stale,
		ExpiresAt:    time.Now().Add(time.Hour),
		LastActivity: &stale,
	}
	if _, err := store.CreateSession(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}

	cfg := DefaultConfig()
	cfg.InactivityTimeout = 30 * time.Minute
	if _, err := Validate(ctx, store, cfg, "sess-i1"); !errors.Is(err, ErrExpired) {
		t.Fatalf("want ErrExpired for inactive session, got %v", err)
	}
}
