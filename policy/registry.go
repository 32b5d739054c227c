// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// ErrPolicyNotFound is returned when the source has no policy for an org.
var ErrPolicyNotFound = errors.New("policy: not found")

// Source is the system of record for org policies. Writes go only to the
// source; the registry invalidates via the version check.
type Source interface {
	// CurrentVersion returns the live version for an org, or
	// ErrPolicyNotFound.
	CurrentVersion(ctx context.Context, orgID string) (int64, error)
	// Load fetches the current policy for an org, or ErrPolicyNotFound.
	Load(ctx context.Context, orgID string) (*OrgPolicy, error)
	// LoadAllEnabled fetches every enabled policy, for eager startup.
	LoadAllEnabled(ctx context.Context) ([]OrgPolicy, error)
}

// RegistryConfig tunes the policy cache.
type RegistryConfig struct {
	// VersionCheckTTL is how long a cached entry is trusted before the
	// source's version is consulted again.
	VersionCheckTTL time.Duration
	// MaxCachedOrgs caps the cache; 0 means unlimited.
	MaxCachedOrgs int
	// EvictionBatchSize is how many LRU entries go per eviction pass.
	EvictionBatchSize int
	// LazyLoad loads policies on first use instead of at startup.
	LazyLoad bool
}

// DefaultRegistryConfig mirrors production defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		VersionCheckTTL:   30 * time.Second,
		MaxCachedOrgs:     1000,
		EvictionBatchSize: 50,
		LazyLoad:          true,
	}
}

type cacheEntry struct {
	engine   *Engine
	version  int64
	loadedAt time.Time
	lastUsed time.Time
}

// Registry caches compiled org policies with versioned invalidation.
// Concurrent reads of the same org during a refresh share one in-flight
// load.
type Registry struct {
	cfg    RegistryConfig
	source Source

	mu       sync.Mutex
	cache    map[string]*cacheEntry
	inFlight map[string]chan struct{}

	now func() time.Time
}

// NewRegistry builds the registry. With LazyLoad disabled it pre-loads
// every enabled policy; individual load failures are logged and skipped.
func NewRegistry(ctx context.Context, cfg RegistryConfig, source Source) (*Registry, error) {
	if cfg.VersionCheckTTL <= 0 {
		cfg.VersionCheckTTL = 30 * time.Second
	}
	if cfg.EvictionBatchSize <= 0 {
		cfg.EvictionBatchSize = 50
	}
	r := &Registry{
		cfg:      cfg,
		source:   source,
		cache:    make(map[string]*cacheEntry),
		inFlight: make(map[string]chan struct{}),
		now:      time.Now,
	}

	if !cfg.LazyLoad {
		policies, err := source.LoadAllEnabled(ctx)
		if err != nil {
			return nil, fmt.Errorf("policy preload failed: %w", err)
		}
		for _, p := range policies {
			engine, err := Compile(p)
			if err != nil {
				log.Printf("[POLICY] Skipping org %s: %v", p.OrgID, err)
				continue
			}
			r.cache[p.OrgID] = &cacheEntry{
				engine:   engine,
				version:  p.Version,
				loadedAt: r.now(),
				lastUsed: r.now(),
			}
		}
		log.Printf("[POLICY] Preloaded %d org policies", len(r.cache))
	}
	return r, nil
}

// Get returns the engine for an org, refreshing or loading as needed.
func (r *Registry) Get(ctx context.Context, orgID string) (*Engine, error) {
	for {
		r.mu.Lock()
		entry, ok := r.cache[orgID]
		if ok && r.now().Sub(entry.loadedAt) < r.cfg.VersionCheckTTL {
			entry.lastUsed = r.now()
			engine := entry.engine
			r.mu.Unlock()
			return engine, nil
		}

		if !ok && !r.cfg.LazyLoad {
			r.mu.Unlock()
			return nil, ErrPolicyNotFound
		}

		// Stale or missing. Join an in-flight load when one exists.
		if wait, busy := r.inFlight[orgID]; busy {
			r.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		done := make(chan struct{})
		r.inFlight[orgID] = done
		r.mu.Unlock()

		engine, err := r.refresh(ctx, orgID, entry)

		r.mu.Lock()
		delete(r.inFlight, orgID)
		close(done)
		r.mu.Unlock()
		return engine, err
	}
}

// refresh revalidates or loads one org under its in-flight slot.
func (r *Registry) refresh(ctx context.Context, orgID string, stale *cacheEntry) (*Engine, error) {
	if stale != nil {
		version, err := r.source.CurrentVersion(ctx, orgID)
		if err == nil && version == stale.version {
			r.mu.Lock()
			stale.loadedAt = r.now()
			stale.lastUsed = r.now()
			engine := stale.engine
			r.mu.Unlock()
			return engine, nil
		}
		if err != nil && !errors.Is(err, ErrPolicyNotFound) {
			// Source unreachable: keep serving the stale policy rather
			// than failing every request.
			log.Printf("[POLICY] Version check for org %s failed, serving stale: %v", orgID, err)
			r.mu.Lock()
			stale.loadedAt = r.now()
			engine := stale.engine
			r.mu.Unlock()
			return engine, nil
		}
	}

	p, err := r.source.Load(ctx, orgID)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			r.mu.Lock()
			delete(r.cache, orgID)
			r.mu.Unlock()
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("policy load for org %s failed: %w", orgID, err)
	}
	engine, err := Compile(*p)
	if err != nil {
		return nil, fmt.Errorf("policy compile for org %s failed: %w", orgID, err)
	}

	r.mu.Lock()
	r.cache[orgID] = &cacheEntry{
		engine:   engine,
		version:  p.Version,
		loadedAt: r.now(),
		lastUsed: r.now(),
	}
	r.evictLocked()
	r.mu.Unlock()
	return engine, nil
}

// evictLocked drops the least recently used entries in one batch when the
// cache is over capacity. Caller holds r.mu.
func (r *Registry) evictLocked() {
	if r.cfg.MaxCachedOrgs <= 0 || len(r.cache) <= r.cfg.MaxCachedOrgs {
		return
	}

	type aged struct {
		orgID    string
		lastUsed time.Time
	}
	entries := make([]aged, 0, len(r.cache))
	for orgID, e := range r.cache {
		entries = append(entries, aged{orgID: orgID, lastUsed: e.lastUsed})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastUsed.Before(entries[j].lastUsed)
	})

	evict := len(r.cache) - r.cfg.MaxCachedOrgs
	if evict < r.cfg.EvictionBatchSize {
		evict = r.cfg.EvictionBatchSize
	}
	if evict > len(entries) {
		evict = len(entries)
	}
	for i := 0; i < evict; i++ {
		delete(r.cache, entries[i].orgID)
	}
	log.Printf("[POLICY] Evicted %d org policies from cache", evict)
}

// Invalidate drops one org's cached entry.
func (r *Registry) Invalidate(orgID string) {
	r.mu.Lock()
	delete(r.cache, orgID)
	r.mu.Unlock()
}

// Len returns the cached org count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
