// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package ratelimit enforces per-key request and token rate limits
// against Redis. Requests use a one-minute sliding window; tokens use a
// per-minute fixed window counter.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrLimited is the rejection result. Limit and Observed describe the
// window that tripped.
type ErrLimited struct {
	Kind     string // "rpm" or "tpm"
	Limit    int
	Observed int64
}

func (e *ErrLimited) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d/%d %s", e.Observed, e.Limit, e.Kind)
}

// Limiter checks per-key limits. Redis errors fail open for requests
// (with an in-process fallback window) so a cache outage does not take
// the gateway down with it.
type Limiter struct {
	client *redis.Client

	mu    sync.Mutex
	local map[string][]time.Time
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client, local: make(map[string][]time.Time)}
}

// CheckRPM records one request under keyID and rejects when the
// one-minute sliding window exceeds rpm. rpm <= 0 disables the check.
func (l *Limiter) CheckRPM(ctx context.Context, keyID string, rpm int) error {
	if rpm <= 0 {
		return nil
	}
	if l.client == nil {
		return l.localCheck(keyID, rpm)
	}

	now := time.Now()
	key := "ratelimit:rpm:" + keyID

	pipe := l.client.Pipeline()
	minScore := now.Add(-time.Minute).UnixNano()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[RATELIMIT] Redis rpm check for %s failed, using local window: %v", keyID, err)
		return l.localCheck(keyID, rpm)
	}

	if count := card.Val(); count > int64(rpm) {
		return &ErrLimited{Kind: "rpm", Limit: rpm, Observed: count}
	}
	return nil
}

// CheckTPM adds tokens to keyID's current minute bucket and rejects when
// the bucket exceeds tpm. A zero-token call is a read-only probe against
// the current bucket. tpm <= 0 disables the check. Redis errors fail
// open.
func (l *Limiter) CheckTPM(ctx context.Context, keyID string, tokens int64, tpm int) error {
	if tpm <= 0 {
		return nil
	}
	if l.client == nil {
		return nil
	}

	bucket := time.Now().Unix() / 60
	key := fmt.Sprintf("ratelimit:tpm:%s:%d", keyID, bucket)

	if tokens <= 0 {
		count, err := l.client.Get(ctx, key).Int64()
		if err != nil {
			if err != redis.Nil {
				log.Printf("[RATELIMIT] Redis tpm probe for %s failed, failing open: %v", keyID, err)
			}
			return nil
		}
		if count >= int64(tpm) {
			return &ErrLimited{Kind: "tpm", Limit: tpm, Observed: count}
		}
		return nil
	}

	pipe := l.client.Pipeline()
	total := pipe.IncrBy(ctx, key, tokens)
	pipe.Expire(ctx, key, 2*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[RATELIMIT] Redis tpm check for %s failed, failing open: %v", keyID, err)
		return nil
	}

	if count := total.Val(); count > int64(tpm) {
		return &ErrLimited{Kind: "tpm", Limit: tpm, Observed: count}
	}
	return nil
}

// localCheck is the single-process fallback window for request counts.
func (l *Limiter) localCheck(keyID string, rpm int) error {
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.local[keyID]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	l.local[keyID] = kept

	if len(kept) > rpm {
		return &ErrLimited{Kind: "rpm", Limit: rpm, Observed: int64(len(kept))}
	}
	return nil
}
