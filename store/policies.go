// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"axonflow/hadrian/policy"
)

// PolicyRepo is the database source of org RBAC policies.
type PolicyRepo struct {
	db *sql.DB
}

func NewPolicyRepo(db *sql.DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

// CurrentVersion returns the live version for an org.
func (r *PolicyRepo) CurrentVersion(ctx context.Context, orgID string) (int64, error) {
	var version int64
	err := r.db.QueryRowContext(ctx,
		`SELECT version FROM org_rbac_policies WHERE org_id = $1 AND enabled = true`,
		orgID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, policy.ErrPolicyNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("policy version lookup failed: %w", err)
	}
	return version, nil
}

// Load fetches the current policy for an org.
func (r *PolicyRepo) Load(ctx context.Context, orgID string) (*policy.OrgPolicy, error) {
	var (
		p         policy.OrgPolicy
		rulesJSON []byte
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT org_id, version, rules, default_effect
		 FROM org_rbac_policies WHERE org_id = $1 AND enabled = true`,
		orgID).Scan(&p.OrgID, &p.Version, &rulesJSON, &p.DefaultEffect)
	if err == sql.ErrNoRows {
		return nil, policy.ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("policy load failed: %w", err)
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &p.Rules); err != nil {
			return nil, fmt.Errorf("policy %s: bad rules: %w", orgID, err)
		}
	}
	return &p, nil
}

// LoadAllEnabled fetches every enabled policy for eager startup.
func (r *PolicyRepo) LoadAllEnabled(ctx context.Context) ([]policy.OrgPolicy, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT org_id, version, rules, default_effect
		 FROM org_rbac_policies WHERE enabled = true`)
	if err != nil {
		return nil, fmt.Errorf("policy list failed: %w", err)
	}
	defer rows.Close()

	var out []policy.OrgPolicy
	for rows.Next() {
		var (
			p         policy.OrgPolicy
			rulesJSON []byte
		)
		if err := rows.Scan(&p.OrgID, &p.Version, &rulesJSON, &p.DefaultEffect); err != nil {
			return nil, fmt.Errorf("policy scan failed: %w", err)
		}
		if len(rulesJSON) > 0 {
			if err := json.Unmarshal(rulesJSON, &p.Rules); err != nil {
				return nil, fmt.Errorf("policy %s: bad rules: %w", p.OrgID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

var _ policy.Source = (*PolicyRepo)(nil)
