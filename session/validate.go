// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package session

import (
	"context"
	"log"
	"sort"
	"time"
)

// Config holds the session policy knobs shared by the OIDC and SAML flows.
type Config struct {
	// Duration is the absolute session lifetime.
	Duration time.Duration

	// InactivityTimeout expires sessions idle longer than this; zero
	// disables it. Enhanced backends only.
	InactivityTimeout time.Duration

	// ActivityUpdateInterval rate-limits last_activity writes: an access
	// within this window of the previous write does not touch the store.
	ActivityUpdateInterval time.Duration

	// MaxConcurrentSessions evicts the oldest sessions past this count
	// after each login; zero disables enforcement. Enhanced backends only.
	MaxConcurrentSessions int
}

// DefaultConfig mirrors the deployment defaults.
func DefaultConfig() Config {
	return Config{
		Duration:               8 * time.Hour,
		InactivityTimeout:      0,
		ActivityUpdateInterval: 5 * time.Minute,
		MaxConcurrentSessions:  0,
	}
}

// Validate fetches and validates a session: absolute expiry, then (enhanced
// only) inactivity, then a rate-limited last_activity touch. A failed touch
// is logged and non-fatal; the caller still gets the session.
func Validate(ctx context.Context, store Store, cfg Config, id string) (*Session, error) {
	s, err := store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if s.IsExpired(now) {
		if delErr := store.DeleteSession(ctx, id); delErr != nil {
			log.Printf("[SESSION] Failed to delete expired session %s: %v", id, delErr)
		}
		return nil, ErrExpired
	}

	if store.Enhanced() {
		if s.IsInactive(now, cfg.InactivityTimeout) {
			if delErr := store.DeleteSession(ctx, id); delErr != nil {
				log.Printf("[SESSION] Failed to delete inactive session %s: %v", id, delErr)
			}
			return nil, ErrExpired
		}

		if s.LastActivity == nil || now.Sub(*s.LastActivity) >= cfg.ActivityUpdateInterval {
			s.LastActivity = &now
			if updErr := store.UpdateSession(ctx, s); updErr != nil {
				log.Printf("[SESSION] Failed to update last_activity for %s: %v", id, updErr)
			}
		}
	}

	return s, nil
}

// EnforceConcurrentLimit deletes the oldest sessions of an external id when
// the count exceeds max. Called after a successful login; failures are
// logged and never fail the login.
func EnforceConcurrentLimit(ctx context.Context, store Store, externalID string, max int) {
	if max <= 0 || !store.Enhanced() {
		return
	}
	count, err := store.CountUserSessions(ctx, externalID)
	if err != nil {
		log.Printf("[SESSION] Concurrent-limit count failed for %s: %v", externalID, err)
		return
	}
	if count <= max {
		return
	}

	sessions, err := store.ListUserSessions(ctx, externalID)
	if err != nil {
		log.Printf("[SESSION] Concurrent-limit list failed for %s: %v", externalID, err)
		return
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	excess := len(sessions) - max
	for i := 0; i < excess; i++ {
		if err := store.DeleteSession(ctx, sessions[i].ID); err != nil {
			log.Printf("[SESSION] Failed to evict session %s: %v", sessions[i].ID, err)
		}
	}
	log.Printf("[SESSION] Evicted %d session(s) for %s (limit %d)", excess, externalID, max)
}
