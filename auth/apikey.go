// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package auth

import (
	"time"
)

// OwnerType identifies what kind of entity an API key belongs to.
type OwnerType string

const (
	OwnerUser           OwnerType = "user"
	OwnerOrganization   OwnerType = "organization"
	OwnerTeam           OwnerType = "team"
	OwnerProject        OwnerType = "project"
	OwnerServiceAccount OwnerType = "service_account"
)

// APIKey is an opaque bearer credential validated against a stored hash.
// Rows are immutable except for the rotation and revocation fields.
// ServiceAccountID and OrgID are populated by the repository join, not the
// raw api_keys row.
type APIKey struct {
	ID        string
	KeyPrefix string
	Name      string

	OwnerType        OwnerType
	UserID           string
	OrgID            string
	TeamID           string
	ProjectID        string
	ServiceAccountID string

	ServiceAccountRoles []string

	BudgetLimitCents *int64
	BudgetPeriod     string

	ExpiresAt         *time.Time
	RevokedAt         *time.Time
	RotatedFromKeyID  string
	RotationGraceTill *time.Time

	Scopes        []string
	AllowedModels []string // glob patterns
	IPAllowlist   []string // CIDR list

	RateLimitRPM int
	RateLimitTPM int

	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// IsEffective reports whether the key can authenticate a request at the
// given instant: not revoked, not past expiry, and not past its rotation
// grace window.
func (k *APIKey) IsEffective(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	if k.RotationGraceTill != nil && !k.RotationGraceTill.After(now) {
		return false
	}
	return true
}

// APIKeyAuth is the per-request view of an authenticated API key, carrying
// only what the identity pipeline and resolver need.
type APIKeyAuth struct {
	KeyID               string
	OwnerType           OwnerType
	UserID              string
	OrgID               string
	TeamID              string
	ProjectID           string
	ServiceAccountID    string
	ServiceAccountRoles []string
	Scopes              []string
	AllowedModels       []string
	RateLimitRPM        int
	RateLimitTPM        int
}

// AuthOf projects a validated key into its request-scoped form.
func (k *APIKey) AuthOf() APIKeyAuth {
	return APIKeyAuth{
		KeyID:               k.ID,
		OwnerType:           k.OwnerType,
		UserID:              k.UserID,
		OrgID:               k.OrgID,
		TeamID:              k.TeamID,
		ProjectID:           k.ProjectID,
		ServiceAccountID:    k.ServiceAccountID,
		ServiceAccountRoles: k.ServiceAccountRoles,
		Scopes:              k.Scopes,
		AllowedModels:       k.AllowedModels,
		RateLimitRPM:        k.RateLimitRPM,
		RateLimitTPM:        k.RateLimitTPM,
	}
}
