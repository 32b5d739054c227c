// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sso

import (
	"context"
	"errors"
	"log"
	"sync"

	"axonflow/hadrian/secrets"
	"axonflow/hadrian/session"
	"axonflow/hadrian/store"
)

// ConnectionSource reads SSO connections; backed by store.SSORepo in
// production.
type ConnectionSource interface {
	GetByOrg(ctx context.Context, orgID string, providerType store.SSOProviderType) (*store.SSOConnection, error)
	ListEnabled(ctx context.Context, providerType store.SSOProviderType) ([]store.SSOConnection, error)
}

// OIDCRegistry maps org ids to OIDC authenticators sharing one session
// store, with lazy DB load and hot reconfiguration.
type OIDCRegistry struct {
	source     ConnectionSource
	secrets    secrets.Resolver
	store      session.Store
	sessionCfg session.Config

	mu   sync.RWMutex
	orgs map[string]*OIDCAuthenticator
}

func NewOIDCRegistry(source ConnectionSource, sec secrets.Resolver, st session.Store, sessionCfg session.Config) *OIDCRegistry {
	return &OIDCRegistry{
		source:     source,
		secrets:    sec,
		store:      st,
		sessionCfg: sessionCfg,
		orgs:       make(map[string]*OIDCAuthenticator),
	}
}

// InitializeFromDB loads every enabled OIDC connection. A config that
// fails to convert is logged and skipped; it never blocks the rest.
func (r *OIDCRegistry) InitializeFromDB(ctx context.Context) error {
	conns, err := r.source.ListEnabled(ctx, store.SSOProviderOIDC)
	if err != nil {
		return err
	}
	loaded := 0
	for i := range conns {
		cfg, err := DecodeOIDCConfig(ctx, &conns[i], r.secrets, r.sessionCfg)
		if err != nil {
			log.Printf("[SSO] Skipping OIDC config for org %s: %v", conns[i].OrgID, err)
			continue
		}
		r.Register(cfg.OrgID, NewOIDCAuthenticator(*cfg, r.store))
		loaded++
	}
	log.Printf("[SSO] Loaded %d OIDC authenticator(s)", loaded)
	return nil
}

// Get returns the authenticator for an org, attempting one lazy DB load
// on miss. A failed or malformed load returns nil so the caller falls
// back to the default auth path without seeing the DB error.
func (r *OIDCRegistry) Get(ctx context.Context, orgID string) *OIDCAuthenticator {
	r.mu.RLock()
	a, ok := r.orgs[orgID]
	r.mu.RUnlock()
	if ok {
		return a
	}

	conn, err := r.source.GetByOrg(ctx, orgID, store.SSOProviderOIDC)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[SSO] OIDC lazy load for org %s failed: %v", orgID, err)
		}
		return nil
	}
	cfg, err := DecodeOIDCConfig(ctx, conn, r.secrets, r.sessionCfg)
	if err != nil {
		log.Printf("[SSO] OIDC config for org %s is invalid: %v", orgID, err)
		return nil
	}

	auth := NewOIDCAuthenticator(*cfg, r.store)
	r.Register(orgID, auth)
	return auth
}

// Register places or replaces an org's authenticator. In-flight requests
// holding the previous one are unaffected.
func (r *OIDCRegistry) Register(orgID string, a *OIDCAuthenticator) {
	r.mu.Lock()
	r.orgs[orgID] = a
	r.mu.Unlock()
}

// RegisterFromConfig converts and registers one connection; used by admin
// hot reconfiguration.
func (r *OIDCRegistry) RegisterFromConfig(ctx context.Context, conn *store.SSOConnection) error {
	cfg, err := DecodeOIDCConfig(ctx, conn, r.secrets, r.sessionCfg)
	if err != nil {
		return err
	}
	r.Register(cfg.OrgID, NewOIDCAuthenticator(*cfg, r.store))
	return nil
}

// Remove drops an org's authenticator.
func (r *OIDCRegistry) Remove(orgID string) {
	r.mu.Lock()
	delete(r.orgs, orgID)
	r.mu.Unlock()
}

// ListOrgs returns the registered org ids.
func (r *OIDCRegistry) ListOrgs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	orgs := make([]string, 0, len(r.orgs))
	for orgID := range r.orgs {
		orgs = append(orgs, orgID)
	}
	return orgs
}

// Len returns the registered authenticator count.
func (r *OIDCRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orgs)
}

// IsEmpty reports whether no org is registered.
func (r *OIDCRegistry) IsEmpty() bool { return r.Len() == 0 }

// PeekAuthState inspects a pending flow without consuming it, so the
// callback handler can learn which org's authenticator to dispatch to.
func (r *OIDCRegistry) PeekAuthState(ctx context.Context, state string) (*session.AuthState, error) {
	return r.store.PeekAuthState(ctx, state)
}

// SAMLRegistry is the SAML counterpart of OIDCRegistry.
type SAMLRegistry struct {
	source     ConnectionSource
	secrets    secrets.Resolver
	store      session.Store
	sessionCfg session.Config

	mu   sync.RWMutex
	orgs map[string]*SAMLAuthenticator
}

func NewSAMLRegistry(source ConnectionSource, sec secrets.Resolver, st session.Store, sessionCfg session.Config) *SAMLRegistry {
	return &SAMLRegistry{
		source:     source,
		secrets:    sec,
		store:      st,
		sessionCfg: sessionCfg,
		orgs:       make(map[string]*SAMLAuthenticator),
	}
}

// InitializeFromDB loads every enabled SAML connection, skipping and
// logging any config that fails to convert.
func (r *SAMLRegistry) InitializeFromDB(ctx context.Context) error {
	conns, err := r.source.ListEnabled(ctx, store.SSOProviderSAML)
	if err != nil {
		return err
	}
	loaded := 0
	for i := range conns {
		cfg, err := DecodeSAMLConfig(ctx, &conns[i], r.secrets, r.sessionCfg)
		if err != nil {
			log.Printf("[SSO] Skipping SAML config for org %s: %v", conns[i].OrgID, err)
			continue
		}
		a, err := NewSAMLAuthenticator(*cfg, r.store)
		if err != nil {
			log.Printf("[SSO] Skipping SAML config for org %s: %v", conns[i].OrgID, err)
			continue
		}
		r.Register(cfg.OrgID, a)
		loaded++
	}
	log.Printf("[SSO] Loaded %d SAML authenticator(s)", loaded)
	return nil
}

// Get returns the authenticator for an org, attempting one lazy DB load
// on miss; nil when absent or malformed.
func (r *SAMLRegistry) Get(ctx context.Context, orgID string) *SAMLAuthenticator {
	r.mu.RLock()
	a, ok := r.orgs[orgID]
	r.mu.RUnlock()
	if ok {
		return a
	}

	conn, err := r.source.GetByOrg(ctx, orgID, store.SSOProviderSAML)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("[SSO] SAML lazy load for org %s failed: %v", orgID, err)
		}
		return nil
	}
	cfg, err := DecodeSAMLConfig(ctx, conn, r.secrets, r.sessionCfg)
	if err != nil {
		log.Printf("[SSO] SAML config for org %s is invalid: %v", orgID, err)
		return nil
	}
	a, err = NewSAMLAuthenticator(*cfg, r.store)
	if err != nil {
		log.Printf("[SSO] SAML config for org %s is invalid: %v", orgID, err)
		return nil
	}

	r.Register(orgID, a)
	return a
}

// Register places or replaces an org's authenticator.
func (r *SAMLRegistry) Register(orgID string, a *SAMLAuthenticator) {
	r.mu.Lock()
	r.orgs[orgID] = a
	r.mu.Unlock()
}

// RegisterFromConfig converts and registers one connection.
func (r *SAMLRegistry) RegisterFromConfig(ctx context.Context, conn *store.SSOConnection) error {
	cfg, err := DecodeSAMLConfig(ctx, conn, r.secrets, r.sessionCfg)
	if err != nil {
		return err
	}
	a, err := NewSAMLAuthenticator(*cfg, r.store)
	if err != nil {
		return err
	}
	r.Register(cfg.OrgID, a)
	return nil
}

// Remove drops an org's authenticator.
func (r *SAMLRegistry) Remove(orgID string) {
	r.mu.Lock()
	delete(r.orgs, orgID)
	r.mu.Unlock()
}

// ListOrgs returns the registered org ids.
func (r *SAMLRegistry) ListOrgs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	orgs := make([]string, 0, len(r.orgs))
	for orgID := range r.orgs {
		orgs = append(orgs, orgID)
	}
	return orgs
}

// Len returns the registered authenticator count.
func (r *SAMLRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orgs)
}

// IsEmpty reports whether no org is registered.
func (r *SAMLRegistry) IsEmpty() bool { return r.Len() == 0 }

// PeekAuthState inspects a pending flow without consuming it.
func (r *SAMLRegistry) PeekAuthState(ctx context.Context, relayState string) (*session.AuthState, error) {
	return r.store.PeekAuthState(ctx, relayState)
}
