// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"

	"axonflow/hadrian/auth"
)

// APIKeyRepo looks up API keys by token hash. Keys are stored as SHA-256
// hex digests; the plaintext never touches the database.
type APIKeyRepo struct {
	db *sql.DB
}

func NewAPIKeyRepo(db *sql.DB) *APIKeyRepo {
	return &APIKeyRepo{db: db}
}

// HashToken returns the hex SHA-256 digest used as the lookup key.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GetByToken fetches the key row matching the plaintext token. The
// service-account join fills service_account_id, its roles, and the
// owning org. Returns ErrNotFound for unknown tokens; effectiveness
// (revocation, expiry, rotation grace) is the caller's check so expired
// and unknown keys can share one user-visible error.
func (r *APIKeyRepo) GetByToken(ctx context.Context, token string) (*auth.APIKey, error) {
	const query = `
		SELECT
			k.id,
			k.key_prefix,
			k.name,
			k.owner_type,
			k.user_id,
			k.org_id,
			k.team_id,
			k.project_id,
			k.service_account_id,
			sa.roles,
			sa.org_id,
			k.budget_limit_cents,
			k.budget_period,
			k.expires_at,
			k.revoked_at,
			k.rotated_from_key_id,
			k.rotation_grace_until,
			k.scopes,
			k.allowed_models,
			k.ip_allowlist,
			k.rate_limit_rpm,
			k.rate_limit_tpm,
			k.created_at,
			k.last_used_at
		FROM api_keys k
		LEFT JOIN service_accounts sa ON k.service_account_id = sa.id
		WHERE k.key_hash = $1
	`

	var (
		key               auth.APIKey
		userID            sql.NullString
		orgID             sql.NullString
		teamID            sql.NullString
		projectID         sql.NullString
		serviceAccountID  sql.NullString
		saRoles           []byte
		saOrgID           sql.NullString
		budgetLimitCents  sql.NullInt64
		budgetPeriod      sql.NullString
		expiresAt         sql.NullTime
		revokedAt         sql.NullTime
		rotatedFromKeyID  sql.NullString
		rotationGrace     sql.NullTime
		scopes            []byte
		allowedModels     []byte
		ipAllowlist       []byte
		rateLimitRPM      sql.NullInt64
		rateLimitTPM      sql.NullInt64
		lastUsedAt        sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, query, HashToken(token)).Scan(
		&key.ID,
		&key.KeyPrefix,
		&key.Name,
		&key.OwnerType,
		&userID,
		&orgID,
		&teamID,
		&projectID,
		&serviceAccountID,
		&saRoles,
		&saOrgID,
		&budgetLimitCents,
		&budgetPeriod,
		&expiresAt,
		&revokedAt,
		&rotatedFromKeyID,
		&rotationGrace,
		&scopes,
		&allowedModels,
		&ipAllowlist,
		&rateLimitRPM,
		&rateLimitTPM,
		&key.CreatedAt,
		&lastUsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("api key lookup failed: %w", err)
	}

	key.UserID = userID.String
	key.OrgID = orgID.String
	key.TeamID = teamID.String
	key.ProjectID = projectID.String
	key.ServiceAccountID = serviceAccountID.String
	key.RotatedFromKeyID = rotatedFromKeyID.String
	key.BudgetPeriod = budgetPeriod.String

	// A service-account key inherits the account's org when the key row
	// carries none.
	if key.OrgID == "" && saOrgID.Valid {
		key.OrgID = saOrgID.String
	}

	if budgetLimitCents.Valid {
		v := budgetLimitCents.Int64
		key.BudgetLimitCents = &v
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		key.RevokedAt = &t
	}
	if rotationGrace.Valid {
		t := rotationGrace.Time
		key.RotationGraceTill = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		key.LastUsedAt = &t
	}
	if rateLimitRPM.Valid {
		key.RateLimitRPM = int(rateLimitRPM.Int64)
	}
	if rateLimitTPM.Valid {
		key.RateLimitTPM = int(rateLimitTPM.Int64)
	}

	if err := unmarshalJSONList(saRoles, &key.ServiceAccountRoles); err != nil {
		return nil, fmt.Errorf("api key %s: bad service account roles: %w", key.ID, err)
	}
	if err := unmarshalJSONList(scopes, &key.Scopes); err != nil {
		return nil, fmt.Errorf("api key %s: bad scopes: %w", key.ID, err)
	}
	if err := unmarshalJSONList(allowedModels, &key.AllowedModels); err != nil {
		return nil, fmt.Errorf("api key %s: bad allowed models: %w", key.ID, err)
	}
	if err := unmarshalJSONList(ipAllowlist, &key.IPAllowlist); err != nil {
		return nil, fmt.Errorf("api key %s: bad ip allowlist: %w", key.ID, err)
	}

	return &key, nil
}

// TouchLastUsed updates last_used_at in the background. Fire and forget:
// failures are logged, never surfaced to the request.
func (r *APIKeyRepo) TouchLastUsed(keyID string) {
	go func() {
		_, err := r.db.Exec(`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, keyID)
		if err != nil {
			log.Printf("[STORE] Failed to update last_used_at for key %s: %v", keyID, err)
		}
	}()
}

func unmarshalJSONList(raw []byte, dst *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
