// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SSOProviderType selects the authentication protocol of a connection.
type SSOProviderType string

const (
	SSOProviderOIDC SSOProviderType = "oidc"
	SSOProviderSAML SSOProviderType = "saml"
)

// SSOConnection is one org's SSO configuration row. Config holds the
// protocol-specific settings as JSON; the sso package decodes it.
type SSOConnection struct {
	ID           string
	OrgID        string
	ProviderType SSOProviderType
	Enabled      bool
	Config       []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SSORepo reads per-org SSO connections for the authenticator registries.
type SSORepo struct {
	db *sql.DB
}

func NewSSORepo(db *sql.DB) *SSORepo {
	return &SSORepo{db: db}
}

// GetByOrg fetches the enabled connection of one protocol for an org.
func (r *SSORepo) GetByOrg(ctx context.Context, orgID string, providerType SSOProviderType) (*SSOConnection, error) {
	const query = `
		SELECT id, org_id, provider_type, enabled, config, created_at, updated_at
		FROM sso_connections
		WHERE org_id = $1 AND provider_type = $2 AND enabled = true
	`
	var c SSOConnection
	err := r.db.QueryRowContext(ctx, query, orgID, providerType).Scan(
		&c.ID, &c.OrgID, &c.ProviderType, &c.Enabled, &c.Config, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sso connection lookup failed: %w", err)
	}
	return &c, nil
}

// ListEnabled returns every enabled connection of one protocol.
func (r *SSORepo) ListEnabled(ctx context.Context, providerType SSOProviderType) ([]SSOConnection, error) {
	const query = `
		SELECT id, org_id, provider_type, enabled, config, created_at, updated_at
		FROM sso_connections
		WHERE provider_type = $1 AND enabled = true
		ORDER BY org_id
	`
	rows, err := r.db.QueryContext(ctx, query, providerType)
	if err != nil {
		return nil, fmt.Errorf("sso connection list failed: %w", err)
	}
	defer rows.Close()

	var out []SSOConnection
	for rows.Next() {
		var c SSOConnection
		if err := rows.Scan(&c.ID, &c.OrgID, &c.ProviderType, &c.Enabled,
			&c.Config, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sso connection scan failed: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
