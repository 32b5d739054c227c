// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-process backend. It carries no user index and
// reports Enhanced() == false; inactivity and concurrent-session limits are
// Redis-only features.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]*AuthState

	now func() time.Time
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		pending:  make(map[string]*AuthState),
		now:      time.Now,
	}
}

func (m *MemoryStore) Enhanced() bool { return false }

func (m *MemoryStore) CreateSession(ctx context.Context, s *Session) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.ID] = &copied
	return s.ID, nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.IsExpired(m.now()) {
		delete(m.sessions, id)
		return nil, ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.ID] = &copied
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) StoreAuthState(ctx context.Context, st *AuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *st
	m.pending[st.State] = &copied
	return nil
}

func (m *MemoryStore) PeekAuthState(ctx context.Context, state string) (*AuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.pending[state]
	if !ok || st.IsExpired(m.now()) {
		delete(m.pending, state)
		return nil, ErrNotFound
	}
	copied := *st
	return &copied, nil
}

// TakeAuthState removes and returns the pending state. Expired states are
// still returned; the caller classifies staleness.
func (m *MemoryStore) TakeAuthState(ctx context.Context, state string) (*AuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.pending[state]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.pending, state)
	return st, nil
}

func (m *MemoryStore) ListUserSessions(ctx context.Context, externalID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []*Session
	for _, s := range m.sessions {
		if s.ExternalID == externalID && !s.IsExpired(now) {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *MemoryStore) CountUserSessions(ctx context.Context, externalID string) (int, error) {
	sessions, err := m.ListUserSessions(ctx, externalID)
	return len(sessions), err
}

func (m *MemoryStore) DeleteUserSessions(ctx context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.ExternalID == externalID {
			delete(m.sessions, id)
		}
	}
	return nil
}

// Cleanup drops expired sessions and pending states. The Redis backend
// relies on key TTLs instead.
func (m *MemoryStore) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, s := range m.sessions {
		if s.IsExpired(now) {
			delete(m.sessions, id)
		}
	}
	for state, st := range m.pending {
		if st.IsExpired(now) {
			delete(m.pending, state)
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
