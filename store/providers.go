// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ProviderOwnerType identifies the scope a dynamic provider is bound to.
type ProviderOwnerType string

const (
	ProviderOwnerUser         ProviderOwnerType = "user"
	ProviderOwnerOrganization ProviderOwnerType = "organization"
	ProviderOwnerTeam         ProviderOwnerType = "team"
	ProviderOwnerProject      ProviderOwnerType = "project"
)

// DynamicProvider is a DB-defined provider binding. Name is unique within
// its owner. Config carries provider-specific settings such as cloud
// credentials.
type DynamicProvider struct {
	ID              string                 `json:"id"`
	OwnerType       ProviderOwnerType      `json:"owner_type"`
	OwnerID         string                 `json:"owner_id"`
	Name            string                 `json:"name"`
	ProviderType    string                 `json:"provider_type"`
	BaseURL         string                 `json:"base_url,omitempty"`
	APIKeySecretRef string                 `json:"api_key_secret_ref,omitempty"`
	Models          []string               `json:"models,omitempty"`
	Config          map[string]interface{} `json:"config,omitempty"`
	IsEnabled       bool                   `json:"is_enabled"`
	CreatedAt       time.Time              `json:"created_at"`
}

// DynamicProviderRepo reads dynamic provider rows.
type DynamicProviderRepo struct {
	db *sql.DB
}

func NewDynamicProviderRepo(db *sql.DB) *DynamicProviderRepo {
	return &DynamicProviderRepo{db: db}
}

// GetByOwner fetches a provider by owner scope and name. Disabled rows are
// returned as-is; the resolver decides how a disabled provider surfaces.
func (r *DynamicProviderRepo) GetByOwner(ctx context.Context, ownerType ProviderOwnerType, ownerID, name string) (*DynamicProvider, error) {
	const query = `
		SELECT id, owner_type, owner_id, name, provider_type, base_url,
		       api_key_secret_ref, models, config, is_enabled, created_at
		FROM dynamic_providers
		WHERE owner_type = $1 AND owner_id = $2 AND name = $3
	`

	var (
		p          DynamicProvider
		baseURL    sql.NullString
		secretRef  sql.NullString
		modelsJSON []byte
		configJSON []byte
	)
	err := r.db.QueryRowContext(ctx, query, ownerType, ownerID, name).Scan(
		&p.ID,
		&p.OwnerType,
		&p.OwnerID,
		&p.Name,
		&p.ProviderType,
		&baseURL,
		&secretRef,
		&modelsJSON,
		&configJSON,
		&p.IsEnabled,
		&p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dynamic provider lookup failed: %w", err)
	}

	p.BaseURL = baseURL.String
	p.APIKeySecretRef = secretRef.String
	if err := unmarshalJSONList(modelsJSON, &p.Models); err != nil {
		return nil, fmt.Errorf("dynamic provider %s: bad models: %w", p.ID, err)
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &p.Config); err != nil {
			return nil, fmt.Errorf("dynamic provider %s: bad config: %w", p.ID, err)
		}
	}
	return &p, nil
}

// ListByOwner lists all providers under one owner, enabled or not.
func (r *DynamicProviderRepo) ListByOwner(ctx context.Context, ownerType ProviderOwnerType, ownerID string) ([]DynamicProvider, error) {
	const query = `
		SELECT id, owner_type, owner_id, name, provider_type, base_url,
		       api_key_secret_ref, models, config, is_enabled, created_at
		FROM dynamic_providers
		WHERE owner_type = $1 AND owner_id = $2
		ORDER BY name
	`
	rows, err := r.db.QueryContext(ctx, query, ownerType, ownerID)
	if err != nil {
		return nil, fmt.Errorf("dynamic provider list failed: %w", err)
	}
	defer rows.Close()

	var out []DynamicProvider
	for rows.Next() {
		var (
			p          DynamicProvider
			baseURL    sql.NullString
			secretRef  sql.NullString
			modelsJSON []byte
			configJSON []byte
		)
		if err := rows.Scan(&p.ID, &p.OwnerType, &p.OwnerID, &p.Name, &p.ProviderType,
			&baseURL, &secretRef, &modelsJSON, &configJSON, &p.IsEnabled, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("dynamic provider scan failed: %w", err)
		}
		p.BaseURL = baseURL.String
		p.APIKeySecretRef = secretRef.String
		if err := unmarshalJSONList(modelsJSON, &p.Models); err != nil {
			return nil, fmt.Errorf("dynamic provider %s: bad models: %w", p.ID, err)
		}
		if len(configJSON) > 0 {
			if err := json.Unmarshal(configJSON, &p.Config); err != nil {
				return nil, fmt.Errorf("dynamic provider %s: bad config: %w", p.ID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
