// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"axonflow/hadrian/usage"
)

func TestInsertUsageBatchPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	status := 200
	latency := int64(412)
	batch := []usage.LogEntry{
		{
			RequestID:      "r1",
			APIKeyID:       "k1",
			OrgID:          "org-1",
			Model:          "gpt-4",
			Provider:       "openai",
			ProviderSource: "dynamic",
			InputTokens:    100,
			OutputTokens:   40,
			Modalities:     usage.Modalities{ImageCount: 2, AudioMs: 1500},
			RequestAt:      time.Now().UTC(),
			LatencyMs:      &latency,
			StatusCode:     &status,
		},
		{
			RequestID: "r2",
			Model:     "claude-3-opus",
			Provider:  "anthropic",
			RequestAt: time.Now().UTC(),
			Cancelled: true,
		},
	}

	// Two rows at 26 columns each: one statement, 52 bound arguments,
	// including provider_source and the modality counters.
	mock.ExpectExec(`(?s)INSERT INTO usage_records.*provider_source, image_count, audio_ms, video_ms`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	written, err := NewUsageRepo(db).InsertUsageBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if written != 2 {
		t.Fatalf("written = %d", written)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInsertUsageBatchEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	written, err := NewUsageRepo(db).InsertUsageBatch(context.Background(), nil)
	if written != 0 || err != nil {
		t.Fatalf("empty batch: %d, %v", written, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpsertDailySpendSkipsCostlessEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// No cost, then no org: neither touches the database.
	repo := NewUsageRepo(db)
	if err := repo.UpsertDailySpend(context.Background(), &usage.LogEntry{OrgID: "org-1"}); err != nil {
		t.Fatalf("costless: %v", err)
	}
	cost := int64(12345)
	if err := repo.UpsertDailySpend(context.Background(), &usage.LogEntry{CostMicrocents: &cost}); err != nil {
		t.Fatalf("orgless: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpsertDailySpendWritesRollup(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	cost := int64(9900)
	at := time.Date(2026, 3, 2, 23, 50, 0, 0, time.UTC)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO daily_spend`).
		WithArgs("org-1", sqlmock.AnyArg(), day, cost).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := &usage.LogEntry{OrgID: "org-1", UserID: "u-1", RequestAt: at, CostMicrocents: &cost}
	if err := NewUsageRepo(db).UpsertDailySpend(context.Background(), entry); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
