// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func testLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLimiter(client)
}

func TestCheckRPMSlidingWindow(t *testing.T) {
	ctx := context.Background()
	l := testLimiter(t)

	for i := 0; i < 5; i++ {
		if err := l.CheckRPM(ctx, "key-1", 5); err != nil {
			t.Fatalf("request %d rejected under the limit: %v", i+1, err)
		}
	}

	err := l.CheckRPM(ctx, "key-1", 5)
	var limited *ErrLimited
	if !errors.As(err, &limited) {
		t.Fatalf("request 6 should be rejected, got %v", err)
	}
	if limited.Kind != "rpm" || limited.Limit != 5 {
		t.Fatalf("wrong rejection: %+v", limited)
	}

	// Other keys have their own window.
	if err := l.CheckRPM(ctx, "key-2", 5); err != nil {
		t.Fatalf("unrelated key rejected: %v", err)
	}
}

func TestCheckRPMDisabled(t *testing.T) {
	l := testLimiter(t)
	for i := 0; i < 100; i++ {
		if err := l.CheckRPM(context.Background(), "key-1", 0); err != nil {
			t.Fatalf("rpm 0 should disable the check: %v", err)
		}
	}
}

func TestCheckRPMLocalFallback(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(nil)

	for i := 0; i < 3; i++ {
		if err := l.CheckRPM(ctx, "key-1", 3); err != nil {
			t.Fatalf("request %d rejected under the limit: %v", i+1, err)
		}
	}
	var limited *ErrLimited
	if err := l.CheckRPM(ctx, "key-1", 3); !errors.As(err, &limited) {
		t.Fatalf("local window did not reject: %v", err)
	}
}

func TestCheckTPMBucket(t *testing.T) {
	ctx := context.Background()
	l := testLimiter(t)

	if err := l.CheckTPM(ctx, "key-1", 600, 1000); err != nil {
		t.Fatalf("under the limit: %v", err)
	}

	err := l.CheckTPM(ctx, "key-1", 600, 1000)
	var limited *ErrLimited
	if !errors.As(err, &limited) {
		t.Fatalf("bucket over the limit not rejected: %v", err)
	}
	if limited.Kind != "tpm" || limited.Observed != 1200 {
		t.Fatalf("wrong rejection: %+v", limited)
	}
}

func TestCheckTPMZeroTokenProbe(t *testing.T) {
	ctx := context.Background()
	l := testLimiter(t)

	// Empty bucket: the probe passes and records nothing.
	if err := l.CheckTPM(ctx, "key-1", 0, 100); err != nil {
		t.Fatalf("probe on an empty bucket: %v", err)
	}
	if err := l.CheckTPM(ctx, "key-1", 100, 100); err != nil {
		t.Fatalf("first real spend: %v", err)
	}

	// Bucket at the limit: the probe rejects before any upstream call.
	var limited *ErrLimited
	if err := l.CheckTPM(ctx, "key-1", 0, 100); !errors.As(err, &limited) {
		t.Fatalf("probe on a full bucket should reject, got %v", err)
	}
}

func TestCheckTPMDisabled(t *testing.T) {
	l := testLimiter(t)
	if err := l.CheckTPM(context.Background(), "key-1", 1<<40, 0); err != nil {
		t.Fatalf("tpm 0 should disable the check: %v", err)
	}
}

func TestCheckTPMNilClientFailsOpen(t *testing.T) {
	l := NewLimiter(nil)
	if err := l.CheckTPM(context.Background(), "key-1", 1<<40, 10); err != nil {
		t.Fatalf("nil client should fail open for tokens: %v", err)
	}
}
