// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package session

import (
	"context"
	"errors"
	"fmt"
)

// Store errors. Backend failures are wrapped in one of the transport errors
// so callers can distinguish "gone" from "broken".
var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

// CacheError wraps a cache-backend failure.
type CacheError struct{ Err error }

func (e *CacheError) Error() string { return fmt.Sprintf("session cache error: %v", e.Err) }
func (e *CacheError) Unwrap() error { return e.Err }

// SerializationError wraps an encode/decode failure.
type SerializationError struct{ Err error }

func (e *SerializationError) Error() string { return fmt.Sprintf("session encoding error: %v", e.Err) }
func (e *SerializationError) Unwrap() error { return e.Err }

// Store is the session persistence capability set. Implementations decide
// whether the enhanced features (user index, inactivity tracking,
// concurrent-session eviction) are available; Enhanced reports it.
type Store interface {
	// CreateSession inserts the session and, in enhanced mode, indexes its
	// id under the external id. Returns the session id.
	CreateSession(ctx context.Context, s *Session) (string, error)

	// GetSession returns the current session or ErrNotFound.
	// Implementations may lazily delete expired entries on read.
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateSession overwrites in place and refreshes the TTL.
	UpdateSession(ctx context.Context, s *Session) error

	// DeleteSession is idempotent; in enhanced mode it also removes the id
	// from the user index.
	DeleteSession(ctx context.Context, id string) error

	// StoreAuthState persists a pending flow. Backends must keep the
	// state takeable past AuthStateTTL so an expired flow is
	// distinguishable from an unknown one.
	StoreAuthState(ctx context.Context, st *AuthState) error

	// PeekAuthState returns the pending flow without consuming it, or
	// ErrNotFound. Used by callback pre-dispatch to learn the org id.
	PeekAuthState(ctx context.Context, state string) (*AuthState, error)

	// TakeAuthState atomically gets and deletes the pending flow; the
	// one-time-use primitive that defeats authorization-code replay.
	// Expired states are returned, not hidden; callers classify them.
	TakeAuthState(ctx context.Context, state string) (*AuthState, error)

	// ListUserSessions returns the live sessions for an external id,
	// opportunistically removing stale index entries it encounters.
	ListUserSessions(ctx context.Context, externalID string) ([]*Session, error)

	// CountUserSessions returns the number of live sessions.
	CountUserSessions(ctx context.Context, externalID string) (int, error)

	// DeleteUserSessions removes every session for an external id.
	DeleteUserSessions(ctx context.Context, externalID string) error

	// Cleanup evicts expired entries on backends without native TTL; a
	// no-op elsewhere.
	Cleanup(ctx context.Context) error

	// Enhanced reports whether the user index features are available.
	Enhanced() bool
}
