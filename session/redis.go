// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis key layout. The user index is a SET of session ids per external id;
// its TTL is refreshed to the longest-lived member on every write.
const (
	sessionKeyPrefix   = "hadrian:session:"
	authStateKeyPrefix = "hadrian:authstate:"
	userIndexKeyPrefix = "hadrian:user_sessions:"
)

// RedisStore is the enhanced backend: native TTLs, a user->sessions index,
// and atomic one-time take of pending auth states.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed session store from a redis URL
// (redis://host:port/db), pinging once to verify connectivity.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client, now: time.Now}, nil
}

// NewRedisStoreWithClient wraps an existing client (used by tests and by
// deployments sharing one pool across components).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (r *RedisStore) Enhanced() bool { return true }

func (r *RedisStore) CreateSession(ctx context.Context, s *Session) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", &SerializationError{Err: err}
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return "", ErrExpired
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+s.ID, data, ttl)
	indexKey := userIndexKeyPrefix + s.ExternalID
	pipe.SAdd(ctx, indexKey, s.ID)
	pipe.Expire(ctx, indexKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", &CacheError{Err: err}
	}
	return s.ID, nil
}

func (r *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &CacheError{Err: err}
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &SerializationError{Err: err}
	}
	return &s, nil
}

func (r *RedisStore) UpdateSession(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return &SerializationError{Err: err}
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return ErrExpired
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+s.ID, data, ttl)
	pipe.Expire(ctx, userIndexKeyPrefix+s.ExternalID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return &CacheError{Err: err}
	}
	return nil
}

func (r *RedisStore) DeleteSession(ctx context.Context, id string) error {
	// Need the session to know which index set holds it; a vanished
	// session leaves at most a stale index entry, cleaned on list.
	s, err := r.GetSession(ctx, id)
	if err != nil && err != ErrNotFound {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+id)
	if s != nil {
		pipe.SRem(ctx, userIndexKeyPrefix+s.ExternalID, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &CacheError{Err: err}
	}
	return nil
}

// StoreAuthState keeps the key for twice AuthStateTTL: a take after the
// TTL still finds the state and classifies it as expired instead of
// unknown.
func (r *RedisStore) StoreAuthState(ctx context.Context, st *AuthState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return &SerializationError{Err: err}
	}
	if err := r.client.Set(ctx, authStateKeyPrefix+st.State, data, 2*AuthStateTTL).Err(); err != nil {
		return &CacheError{Err: err}
	}
	return nil
}

func (r *RedisStore) PeekAuthState(ctx context.Context, state string) (*AuthState, error) {
	data, err := r.client.Get(ctx, authStateKeyPrefix+state).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &CacheError{Err: err}
	}
	var st AuthState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &SerializationError{Err: err}
	}
	return &st, nil
}

// TakeAuthState uses GETDEL so that concurrent callbacks for the same state
// resolve to exactly one winner.
func (r *RedisStore) TakeAuthState(ctx context.Context, state string) (*AuthState, error) {
	data, err := r.client.GetDel(ctx, authStateKeyPrefix+state).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &CacheError{Err: err}
	}
	var st AuthState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &SerializationError{Err: err}
	}
	return &st, nil
}

func (r *RedisStore) ListUserSessions(ctx context.Context, externalID string) ([]*Session, error) {
	indexKey := userIndexKeyPrefix + externalID
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, &CacheError{Err: err}
	}
	var out []*Session
	for _, id := range ids {
		s, err := r.GetSession(ctx, id)
		if err == ErrNotFound {
			// Stale index entry for an expired session; prune it.
			if remErr := r.client.SRem(ctx, indexKey, id).Err(); remErr != nil {
				log.Printf("[SESSION] Failed to prune stale index entry %s: %v", id, remErr)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisStore) CountUserSessions(ctx context.Context, externalID string) (int, error) {
	sessions, err := r.ListUserSessions(ctx, externalID)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

func (r *RedisStore) DeleteUserSessions(ctx context.Context, externalID string) error {
	sessions, err := r.ListUserSessions(ctx, externalID)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if err := r.DeleteSession(ctx, s.ID); err != nil {
			return err
		}
	}
	return r.client.Del(ctx, userIndexKeyPrefix+externalID).Err()
}

// Cleanup is a no-op: Redis expires keys natively.
func (r *RedisStore) Cleanup(ctx context.Context) error { return nil }

var _ Store = (*RedisStore)(nil)
