// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"axonflow/hadrian/cache"
	"axonflow/hadrian/routing"
	"axonflow/hadrian/secrets"
	"axonflow/hadrian/store"
)

const (
	providerCacheTTL  = 10 * time.Minute
	orgAccessCacheTTL = 5 * time.Minute
)

// ScopeStore resolves scope slugs and answers membership queries.
type ScopeStore interface {
	OrgIDBySlug(ctx context.Context, slug string) (string, error)
	ProjectIDBySlug(ctx context.Context, orgID, slug string) (string, error)
	TeamIDBySlug(ctx context.Context, orgID, slug string) (string, error)
	ProjectOrgID(ctx context.Context, projectID string) (string, error)
	TeamOrgID(ctx context.Context, teamID string) (string, error)
	IsOrgMember(ctx context.Context, userID, orgID string) (bool, error)
}

// ProviderStore reads dynamic provider rows.
type ProviderStore interface {
	GetByOwner(ctx context.Context, ownerType store.ProviderOwnerType, ownerID, name string) (*store.DynamicProvider, error)
}

// CallerAuth is what the resolver knows about the caller. A nil caller
// means auth is disabled and access checks pass; upstream middleware is
// the gate then.
type CallerAuth struct {
	UserID string
	// OrgID is the API key's org, used as the membership fast path.
	OrgID string
}

// Resolver turns a dynamic route into a concrete provider config.
type Resolver struct {
	scopes    ScopeStore
	providers ProviderStore
	cache     cache.Cache
	secrets   secrets.Resolver
}

// NewResolver builds the resolver. secrets may be nil, in which case
// secret references resolve through ${VAR} env indirection.
func NewResolver(scopes ScopeStore, providers ProviderStore, c cache.Cache, sec secrets.Resolver) *Resolver {
	return &Resolver{scopes: scopes, providers: providers, cache: c, secrets: sec}
}

// owner is the resolved scope: the entity the provider row hangs off.
type owner struct {
	ownerType store.ProviderOwnerType
	ownerID   string
}

// Resolve looks up the dynamic provider for the route, verifies the
// caller may use it, resolves its secret reference, and synthesizes the
// provider config. A missing, disabled, or forbidden provider all return
// the same provider-not-found error.
func (r *Resolver) Resolve(ctx context.Context, route *routing.DynamicRoute, caller *CallerAuth) (*ProviderConfig, *routing.Error) {
	own, rerr := r.resolveScope(ctx, route.Scope)
	if rerr != nil {
		return nil, rerr
	}

	dp, cached, rerr := r.lookup(ctx, route, own)
	if rerr != nil {
		return nil, rerr
	}

	if !r.allowed(ctx, own, caller) {
		return nil, routing.NotFound(route.Provider)
	}
	if !dp.IsEnabled {
		return nil, routing.NotFound(route.Provider)
	}

	if !cached {
		r.cacheWrite(ctx, route, dp)
	}

	apiKey, err := secrets.ResolveRef(ctx, r.secrets, dp.APIKeySecretRef)
	if err != nil {
		return nil, &routing.Error{
			Code:     routing.ErrConfig,
			Provider: route.Provider,
			Message:  fmt.Sprintf("provider '%s': secret resolution failed", route.Provider),
			Cause:    err,
		}
	}

	return Synthesize(dp, apiKey)
}

// resolveScope maps slugs to the owning entity. Missing parents are
// invalid-scope errors, distinct from a missing provider.
func (r *Resolver) resolveScope(ctx context.Context, scope routing.Scope) (owner, *routing.Error) {
	orgID := ""
	if scope.OrgSlug != "" {
		id, err := r.scopes.OrgIDBySlug(ctx, scope.OrgSlug)
		if err != nil {
			return owner{}, scopeErr(err, "organization", scope.OrgSlug)
		}
		orgID = id
	}

	switch scope.Kind {
	case routing.ScopeUser:
		return owner{ownerType: store.ProviderOwnerUser, ownerID: scope.UserID}, nil
	case routing.ScopeOrganization:
		return owner{ownerType: store.ProviderOwnerOrganization, ownerID: orgID}, nil
	case routing.ScopeProject:
		id, err := r.scopes.ProjectIDBySlug(ctx, orgID, scope.ProjectSlug)
		if err != nil {
			return owner{}, scopeErr(err, "project", scope.ProjectSlug)
		}
		return owner{ownerType: store.ProviderOwnerProject, ownerID: id}, nil
	case routing.ScopeTeam:
		id, err := r.scopes.TeamIDBySlug(ctx, orgID, scope.TeamSlug)
		if err != nil {
			return owner{}, scopeErr(err, "team", scope.TeamSlug)
		}
		return owner{ownerType: store.ProviderOwnerTeam, ownerID: id}, nil
	default:
		return owner{}, &routing.Error{Code: routing.ErrInvalidScope,
			Message: fmt.Sprintf("unknown scope kind %q", scope.Kind)}
	}
}

func scopeErr(err error, entity, slug string) *routing.Error {
	if errors.Is(err, store.ErrNotFound) {
		return &routing.Error{Code: routing.ErrInvalidScope,
			Message: fmt.Sprintf("%s '%s' not found", entity, slug)}
	}
	return &routing.Error{Code: routing.ErrConfig,
		Message: fmt.Sprintf("%s lookup failed", entity), Cause: err}
}

// lookup reads the provider row, cache first. The bool reports a cache
// hit.
func (r *Resolver) lookup(ctx context.Context, route *routing.DynamicRoute, own owner) (*store.DynamicProvider, bool, *routing.Error) {
	key := route.Scope.CacheKey(route.Provider)

	if r.cache != nil {
		if data, err := r.cache.Get(ctx, key); err == nil {
			var dp store.DynamicProvider
			if err := json.Unmarshal(data, &dp); err == nil {
				return &dp, true, nil
			}
			// Corrupt entry: drop it and fall through to the DB.
			_ = r.cache.Delete(ctx, key)
		}
	}

	dp, err := r.providers.GetByOwner(ctx, own.ownerType, own.ownerID, route.Provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, routing.NotFound(route.Provider)
		}
		return nil, false, &routing.Error{Code: routing.ErrConfig,
			Provider: route.Provider, Message: "provider lookup failed", Cause: err}
	}
	return dp, false, nil
}

func (r *Resolver) cacheWrite(ctx context.Context, route *routing.DynamicRoute, dp *store.DynamicProvider) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(dp)
	if err != nil {
		return
	}
	key := route.Scope.CacheKey(route.Provider)
	if err := r.cache.Set(ctx, key, data, providerCacheTTL); err != nil {
		log.Printf("[PROVIDERS] Cache write for %s failed: %v", key, err)
	}
}

// allowed is the fail-closed access check. Any error on the way denies.
func (r *Resolver) allowed(ctx context.Context, own owner, caller *CallerAuth) bool {
	if caller == nil {
		return true
	}

	switch own.ownerType {
	case store.ProviderOwnerUser:
		return caller.UserID != "" && caller.UserID == own.ownerID

	case store.ProviderOwnerOrganization:
		return r.hasOrgAccess(ctx, caller, own.ownerID)

	case store.ProviderOwnerProject:
		orgID, err := r.scopes.ProjectOrgID(ctx, own.ownerID)
		if err != nil {
			return false
		}
		return r.hasOrgAccess(ctx, caller, orgID)

	case store.ProviderOwnerTeam:
		orgID, err := r.scopes.TeamOrgID(ctx, own.ownerID)
		if err != nil {
			return false
		}
		return r.hasOrgAccess(ctx, caller, orgID)

	default:
		return false
	}
}

// hasOrgAccess checks org membership: API-key org fast path, then the
// 5-minute membership cache, then the database.
func (r *Resolver) hasOrgAccess(ctx context.Context, caller *CallerAuth, orgID string) bool {
	if caller.OrgID != "" && caller.OrgID == orgID {
		return true
	}
	if caller.UserID == "" {
		return false
	}

	key := fmt.Sprintf("org_access:%s:%s", caller.UserID, orgID)
	if r.cache != nil {
		if data, err := r.cache.Get(ctx, key); err == nil && len(data) == 1 {
			return data[0] == 1
		}
	}

	member, err := r.scopes.IsOrgMember(ctx, caller.UserID, orgID)
	if err != nil {
		log.Printf("[PROVIDERS] Org membership check for user %s org %s failed: %v", caller.UserID, orgID, err)
		return false
	}

	if r.cache != nil {
		val := []byte{0}
		if member {
			val[0] = 1
		}
		if err := r.cache.Set(ctx, key, val, orgAccessCacheTTL); err != nil {
			log.Printf("[PROVIDERS] Org access cache write failed: %v", err)
		}
	}
	return member
}
