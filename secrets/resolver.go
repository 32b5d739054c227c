// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package secrets resolves opaque secret references to values through a
// configured backend: environment, in-memory, Vault, AWS Secrets Manager,
// Azure Key Vault, or GCP Secret Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNotFound is returned when the backend has no value for the key.
var ErrNotFound = errors.New("secret not found")

// Resolver is the single capability every backend implements.
type Resolver interface {
	// Get returns the secret value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
}

// ResolveRef applies the gateway's resolution rule to an optional secret
// reference. When a resolver is configured, every non-empty reference MUST
// resolve through it and a missing secret is an error — a reference is
// never silently treated as a literal. Only with no resolver configured
// does the reference become a literal. A nil/empty reference resolves to
// empty regardless.
func ResolveRef(ctx context.Context, r Resolver, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	if r == nil {
		return expandEnvRef(ref), nil
	}
	value, err := r.Get(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to resolve secret reference %q: %w", maskRef(ref), err)
	}
	return value, nil
}

// expandEnvRef handles the "${VAR}" indirection used when no secret manager
// is configured: the value is read from the environment at resolution time.
func expandEnvRef(ref string) string {
	if strings.HasPrefix(ref, "${") && strings.HasSuffix(ref, "}") {
		return os.Getenv(ref[2 : len(ref)-1])
	}
	return ref
}

// maskRef masks a reference for logging, showing only the last 8 characters.
func maskRef(ref string) string {
	if len(ref) <= 12 {
		return "***"
	}
	return "..." + ref[len(ref)-8:]
}

// EnvResolver reads secrets from environment variables, optionally under a
// shared prefix.
type EnvResolver struct {
	Prefix string
}

func NewEnvResolver(prefix string) *EnvResolver {
	return &EnvResolver{Prefix: prefix}
}

func (r *EnvResolver) Get(ctx context.Context, key string) (string, error) {
	value, ok := os.LookupEnv(r.Prefix + key)
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// MemoryResolver stores secrets in process memory; development and tests.
type MemoryResolver struct {
	mu      sync.RWMutex
	secrets map[string]string
	prefix  string
}

func NewMemoryResolver(prefix string) *MemoryResolver {
	return &MemoryResolver{secrets: make(map[string]string), prefix: prefix}
}

func (r *MemoryResolver) Set(key, value string) {
	r.mu.Lock()
	r.secrets[r.prefix+key] = value
	r.mu.Unlock()
}

func (r *MemoryResolver) Get(ctx context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.secrets[r.prefix+key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

var (
	_ Resolver = (*EnvResolver)(nil)
	_ Resolver = (*MemoryResolver)(nil)
)
