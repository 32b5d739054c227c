// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// TenancyRepo resolves org/project/team slugs to ids and answers
// membership queries for the dynamic provider access check.
type TenancyRepo struct {
	db *sql.DB
}

func NewTenancyRepo(db *sql.DB) *TenancyRepo {
	return &TenancyRepo{db: db}
}

// OrgIDBySlug resolves an organization slug.
func (r *TenancyRepo) OrgIDBySlug(ctx context.Context, slug string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM organizations WHERE slug = $1`, slug).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("org lookup by slug failed: %w", err)
	}
	return id, nil
}

// ProjectIDBySlug resolves a project slug within an org.
func (r *TenancyRepo) ProjectIDBySlug(ctx context.Context, orgID, slug string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM projects WHERE org_id = $1 AND slug = $2`, orgID, slug).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("project lookup by slug failed: %w", err)
	}
	return id, nil
}

// TeamIDBySlug resolves a team slug within an org.
func (r *TenancyRepo) TeamIDBySlug(ctx context.Context, orgID, slug string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM teams WHERE org_id = $1 AND slug = $2`, orgID, slug).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("team lookup by slug failed: %w", err)
	}
	return id, nil
}

// ProjectOrgID returns the org owning a project.
func (r *TenancyRepo) ProjectOrgID(ctx context.Context, projectID string) (string, error) {
	var orgID string
	err := r.db.QueryRowContext(ctx,
		`SELECT org_id FROM projects WHERE id = $1`, projectID).Scan(&orgID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("project org lookup failed: %w", err)
	}
	return orgID, nil
}

// TeamOrgID returns the org owning a team.
func (r *TenancyRepo) TeamOrgID(ctx context.Context, teamID string) (string, error) {
	var orgID string
	err := r.db.QueryRowContext(ctx,
		`SELECT org_id FROM teams WHERE id = $1`, teamID).Scan(&orgID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("team org lookup failed: %w", err)
	}
	return orgID, nil
}

// IsOrgMember reports whether the user belongs to the org.
func (r *TenancyRepo) IsOrgMember(ctx context.Context, userID, orgID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM org_members WHERE user_id = $1 AND org_id = $2)`,
		userID, orgID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("org membership query failed: %w", err)
	}
	return exists, nil
}

// UserOrgIDs lists the orgs a user is a member of.
func (r *TenancyRepo) UserOrgIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT org_id FROM org_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("user orgs query failed: %w", err)
	}
	defer rows.Close()

	var orgIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("user orgs scan failed: %w", err)
		}
		orgIDs = append(orgIDs, id)
	}
	return orgIDs, rows.Err()
}
