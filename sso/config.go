// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package sso implements the OIDC authorization-code+PKCE flow, the SAML
// 2.0 SP-initiated flow, and the per-org authenticator registries that
// serve them.
package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"axonflow/hadrian/secrets"
	"axonflow/hadrian/session"
	"axonflow/hadrian/store"
)

// OIDCConfig configures one org's OIDC authenticator.
type OIDCConfig struct {
	// OrgID is empty for the default (instance-wide) authenticator.
	OrgID string `json:"org_id,omitempty"`

	// Issuer is the IdP base URL; discovery is fetched from
	// {issuer}/.well-known/openid-configuration.
	Issuer          string   `json:"issuer"`
	ClientID        string   `json:"client_id"`
	ClientSecret    string   `json:"client_secret,omitempty"`
	ClientSecretRef string   `json:"client_secret_ref,omitempty"`
	RedirectURI     string   `json:"redirect_uri"`
	Scopes          []string `json:"scopes,omitempty"`

	// Claim names; defaults cover the common IdPs.
	EmailClaim  string `json:"email_claim,omitempty"`
	NameClaim   string `json:"name_claim,omitempty"`
	GroupsClaim string `json:"groups_claim,omitempty"`
	RolesClaim  string `json:"roles_claim,omitempty"`
	OrgClaim    string `json:"org_claim,omitempty"`

	Session session.Config `json:"-"`
}

func (c *OIDCConfig) withDefaults() {
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"openid", "profile", "email"}
	}
	if c.EmailClaim == "" {
		c.EmailClaim = "email"
	}
	if c.NameClaim == "" {
		c.NameClaim = "name"
	}
	if c.GroupsClaim == "" {
		c.GroupsClaim = "groups"
	}
	if c.RolesClaim == "" {
		c.RolesClaim = "roles"
	}
	if c.Session.Duration <= 0 {
		c.Session = session.DefaultConfig()
	}
}

// SAMLConfig configures one org's SAML authenticator.
type SAMLConfig struct {
	OrgID string `json:"org_id,omitempty"`

	SPEntityID string `json:"sp_entity_id"`
	SPACSURL   string `json:"sp_acs_url"`

	IdPEntityID    string `json:"idp_entity_id,omitempty"`
	IdPSSOURL      string `json:"idp_sso_url"`
	IdPSLOURL      string `json:"idp_slo_url,omitempty"`
	IdPCertificate string `json:"idp_certificate"` // PEM or raw base64 DER

	// SP signing material, required when SignRequests is set.
	SPCertificate   string `json:"sp_certificate,omitempty"`
	SPPrivateKey    string `json:"sp_private_key,omitempty"`
	SPPrivateKeyRef string `json:"sp_private_key_ref,omitempty"`

	NameIDFormat      string `json:"name_id_format,omitempty"`
	SignRequests      bool   `json:"sign_requests,omitempty"`
	ForceAuthn        bool   `json:"force_authn,omitempty"`
	AuthnContextClass string `json:"authn_context_class,omitempty"`

	// IdentityAttribute overrides NameID as the external id source.
	IdentityAttribute string `json:"identity_attribute,omitempty"`
	EmailAttribute    string `json:"email_attribute,omitempty"`
	NameAttribute     string `json:"name_attribute,omitempty"`
	GroupsAttribute   string `json:"groups_attribute,omitempty"`

	Session session.Config `json:"-"`
}

const nameIDFormatEmail = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"

func (c *SAMLConfig) withDefaults() {
	if c.NameIDFormat == "" {
		c.NameIDFormat = nameIDFormatEmail
	}
	if c.EmailAttribute == "" {
		c.EmailAttribute = "email"
	}
	if c.NameAttribute == "" {
		c.NameAttribute = "displayName"
	}
	if c.GroupsAttribute == "" {
		c.GroupsAttribute = "groups"
	}
	if c.Session.Duration <= 0 {
		c.Session = session.DefaultConfig()
	}
}

// discoveryTTL is the metadata/discovery cache lifetime for both flows.
const discoveryTTL = time.Hour

// DecodeOIDCConfig parses a stored connection into an OIDC config,
// resolving the client secret reference.
func DecodeOIDCConfig(ctx context.Context, conn *store.SSOConnection, sec secrets.Resolver, sessionCfg session.Config) (*OIDCConfig, error) {
	var cfg OIDCConfig
	if err := json.Unmarshal(conn.Config, &cfg); err != nil {
		return nil, fmt.Errorf("sso connection %s: bad oidc config: %w", conn.ID, err)
	}
	cfg.OrgID = conn.OrgID
	cfg.Session = sessionCfg
	cfg.withDefaults()

	if cfg.Issuer == "" || cfg.ClientID == "" || cfg.RedirectURI == "" {
		return nil, fmt.Errorf("sso connection %s: issuer, client_id and redirect_uri are required", conn.ID)
	}

	if cfg.ClientSecretRef != "" {
		secret, err := secrets.ResolveRef(ctx, sec, cfg.ClientSecretRef)
		if err != nil {
			return nil, fmt.Errorf("sso connection %s: client secret resolution failed: %w", conn.ID, err)
		}
		cfg.ClientSecret = secret
	}
	return &cfg, nil
}

// DecodeSAMLConfig parses a stored connection into a SAML config,
// resolving the SP private key reference.
func DecodeSAMLConfig(ctx context.Context, conn *store.SSOConnection, sec secrets.Resolver, sessionCfg session.Config) (*SAMLConfig, error) {
	var cfg SAMLConfig
	if err := json.Unmarshal(conn.Config, &cfg); err != nil {
		return nil, fmt.Errorf("sso connection %s: bad saml config: %w", conn.ID, err)
	}
	cfg.OrgID = conn.OrgID
	cfg.Session = sessionCfg
	cfg.withDefaults()

	if cfg.SPEntityID == "" || cfg.SPACSURL == "" || cfg.IdPSSOURL == "" || cfg.IdPCertificate == "" {
		return nil, fmt.Errorf("sso connection %s: sp_entity_id, sp_acs_url, idp_sso_url and idp_certificate are required", conn.ID)
	}

	if cfg.SPPrivateKeyRef != "" {
		key, err := secrets.ResolveRef(ctx, sec, cfg.SPPrivateKeyRef)
		if err != nil {
			return nil, fmt.Errorf("sso connection %s: sp private key resolution failed: %w", conn.ID, err)
		}
		cfg.SPPrivateKey = key
	}
	if cfg.SignRequests && cfg.SPPrivateKey == "" {
		return nil, fmt.Errorf("sso connection %s: sign_requests needs an sp private key", conn.ID)
	}
	return &cfg, nil
}
