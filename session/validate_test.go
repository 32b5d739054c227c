// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAuthStateTakeOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	st := &AuthState{State: "s1", Nonce: "n1", CodeVerifier: "v1", ReturnTo: "/dash", CreatedAt: time.Now()}
	if err := store.StoreAuthState(ctx, st); err != nil {
		t.Fatalf("store: %v", err)
	}

	peeked, err := store.PeekAuthState(ctx, "s1")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if peeked.ReturnTo != "/dash" {
		t.Fatalf("peek mutated state: %+v", peeked)
	}

	taken, err := store.TakeAuthState(ctx, "s1")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if taken.Nonce != "n1" || taken.CodeVerifier != "v1" {
		t.Fatalf("wrong state: %+v", taken)
	}

	// Second take must miss: the flow is single-use.
	if _, err := store.TakeAuthState(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound on second take, got %v", err)
	}
}

func TestTakeAuthStateReturnsExpiredState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	st := &AuthState{State: "s-old", CodeVerifier: "v", CreatedAt: time.Now().Add(-AuthStateTTL - time.Second)}
	if err := store.StoreAuthState(ctx, st); err != nil {
		t.Fatalf("store: %v", err)
	}

	// An expired state is returned, not hidden: callers must be able to
	// tell a stale login from an unknown one.
	taken, err := store.TakeAuthState(ctx, "s-old")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if !taken.IsExpired(time.Now()) {
		t.Fatal("state older than TTL should classify as expired")
	}
	if _, err := store.TakeAuthState(ctx, "s-old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound on second take, got %v", err)
	}
}

func TestAuthStateExpiry(t *testing.T) {
	st := &AuthState{State: "s", CreatedAt: time.Now().Add(-AuthStateTTL - time.Second)}
	if !st.IsExpired(time.Now()) {
		t.Fatal("state older than TTL should be expired")
	}
	fresh := &AuthState{State: "s", CreatedAt: time.Now()}
	if fresh.IsExpired(time.Now()) {
		t.Fatal("fresh state should not be expired")
	}
}

func TestValidateExpiredSessionIsDeleted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s := &Session{
		ID:         "sess-1",
		ExternalID: "u@example.com",
		CreatedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt:  time.Now().Add(-time.Hour),
	}
	if _, err := store.CreateSession(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := Validate(ctx, store, DefaultConfig(), "sess-1")
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("want ErrExpired, got %v", err)
	}
	// Expired sessions are removed on validation.
	if _, err := store.GetSession(ctx, "sess-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session still present: %v", err)
	}
}

func TestValidateUnknownSession(t *testing.T) {
	_, err := Validate(context.Background(), NewMemoryStore(), DefaultConfig(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestValidateLiveSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := &Session{
		ID:         "sess-2",
		ExternalID: "u@example.com",
		Email:      "u@example.com",
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if _, err := store.CreateSession(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := Validate(ctx, store, DefaultConfig(), "sess-2")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.Email != "u@example.com" {
		t.Fatalf("wrong session: %+v", got)
	}
}

func TestDeviceInfoTruncation(t *testing.T) {
	long := ""
	for len(long) < 600 {
		long += "aé" // multibyte to exercise the boundary trim
	}
	d := DeviceInfo{UserAgent: long}.Truncated()
	if len(d.UserAgent) > 512 {
		t.Fatalf("user agent not capped: %d bytes", len(d.UserAgent))
	}
	for _, r := range d.UserAgent {
		if r == '�' {
			t.Fatal("truncation split a UTF-8 sequence")
		}
	}
}

func TestSessionInactivity(t *testing.T) {
	past := time.Now().Add(-30 * time.Minute)
	s := &Session{LastActivity: &past}

	if !s.IsInactive(time.Now(), 10*time.Minute) {
		t.Fatal("session idle past timeout should be inactive")
	}
	if s.IsInactive(time.Now(), time.Hour) {
		t.Fatal("session within timeout should be active")
	}
	if s.IsInactive(time.Now(), 0) {
		t.Fatal("zero timeout disables inactivity")
	}
	if (&Session{}).IsInactive(time.Now(), time.Minute) {
		t.Fatal("sessions without recorded activity are never inactive")
	}
}
