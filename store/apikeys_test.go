// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var apiKeyColumns = []string{
	"id", "key_prefix", "name", "owner_type", "user_id", "org_id",
	"team_id", "project_id", "service_account_id", "roles", "sa_org_id",
	"budget_limit_cents", "budget_period", "expires_at", "revoked_at",
	"rotated_from_key_id", "rotation_grace_until", "scopes",
	"allowed_models", "ip_allowlist", "rate_limit_rpm", "rate_limit_tpm",
	"created_at", "last_used_at",
}

func TestGetByTokenMapsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := created.Add(90 * 24 * time.Hour)
	rows := sqlmock.NewRows(apiKeyColumns).AddRow(
		"key-1", "hk-ab12", "ci key", "user", "u-1", "org-1",
		nil, nil, nil, nil, nil,
		int64(500000), "monthly", expires, nil,
		nil, nil, []byte(`["chat:completions"]`),
		[]byte(`["gpt-4*"]`), []byte(`["10.0.0.0/8"]`), int64(60), int64(100000),
		created, nil,
	)
	mock.ExpectQuery("SELECT").
		WithArgs(HashToken("hk-secret")).
		WillReturnRows(rows)

	key, err := NewAPIKeyRepo(db).GetByToken(context.Background(), "hk-secret")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if key.ID != "key-1" || key.UserID != "u-1" || key.OrgID != "org-1" {
		t.Fatalf("identity fields: %+v", key)
	}
	if key.ExpiresAt == nil || !key.ExpiresAt.Equal(expires) {
		t.Fatalf("expiry lost: %+v", key.ExpiresAt)
	}
	if len(key.Scopes) != 1 || key.Scopes[0] != "chat:completions" {
		t.Fatalf("scopes: %v", key.Scopes)
	}
	if len(key.AllowedModels) != 1 || len(key.IPAllowlist) != 1 {
		t.Fatalf("lists: %v %v", key.AllowedModels, key.IPAllowlist)
	}
	if key.RateLimitRPM != 60 || key.RateLimitTPM != 100000 {
		t.Fatalf("rate limits: %+v", key)
	}
	if key.BudgetLimitCents == nil || *key.BudgetLimitCents != 500000 {
		t.Fatalf("budget: %+v", key.BudgetLimitCents)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetByTokenServiceAccountOrgInheritance(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	created := time.Now().UTC()
	// Key row has no org of its own; the joined service account does.
	rows := sqlmock.NewRows(apiKeyColumns).AddRow(
		"key-sa", "hk-sa00", "deploy bot", "service_account", nil, nil,
		nil, nil, "sa-1", []byte(`["deployer","reader"]`), "org-9",
		nil, nil, nil, nil,
		nil, nil, nil,
		nil, nil, nil, nil,
		created, nil,
	)
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	key, err := NewAPIKeyRepo(db).GetByToken(context.Background(), "hk-sa-token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if key.ServiceAccountID != "sa-1" || key.OrgID != "org-9" {
		t.Fatalf("service account org not inherited: %+v", key)
	}
	if len(key.ServiceAccountRoles) != 2 || key.ServiceAccountRoles[0] != "deployer" {
		t.Fatalf("roles: %v", key.ServiceAccountRoles)
	}
}

func TestGetByTokenUnknown(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT").
		WithArgs(HashToken("hk-nosuch")).
		WillReturnRows(sqlmock.NewRows(apiKeyColumns))

	_, err = NewAPIKeyRepo(db).GetByToken(context.Background(), "hk-nosuch")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestHashTokenIsStable(t *testing.T) {
	a := HashToken("hk-secret")
	b := HashToken("hk-secret")
	if a != b || len(a) != 64 {
		t.Fatalf("hash not a stable sha256 hex: %q %q", a, b)
	}
	if HashToken("hk-other") == a {
		t.Fatal("distinct tokens collide")
	}
}
