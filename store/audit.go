// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID           string
	At           time.Time
	ActorType    string
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Before       map[string]interface{}
	After        map[string]interface{}
	Metadata     map[string]interface{}
}

// AuditRepo appends audit rows and owns their retention delete.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Insert appends one entry. ID and At are filled when empty.
func (r *AuditRepo) Insert(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	before, err := marshalNullable(e.Before)
	if err != nil {
		return fmt.Errorf("audit before marshal failed: %w", err)
	}
	after, err := marshalNullable(e.After)
	if err != nil {
		return fmt.Errorf("audit after marshal failed: %w", err)
	}
	metadata, err := marshalNullable(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit metadata marshal failed: %w", err)
	}

	const query = `
		INSERT INTO audit_logs (id, at, actor_type, actor_id, action,
			resource_type, resource_id, before, after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.At, e.ActorType, nullString(e.ActorID), e.Action,
		e.ResourceType, e.ResourceID, before, after, metadata)
	if err != nil {
		return fmt.Errorf("audit insert failed: %w", err)
	}
	return nil
}

// DeleteBefore removes aged audit rows in batches. maxPerRun 0 means
// unbounded.
func (r *AuditRepo) DeleteBefore(cutoff time.Time, batchSize, maxPerRun int64) (int64, error) {
	const query = `
		DELETE FROM audit_logs WHERE id IN (
			SELECT id FROM audit_logs WHERE at < $1 LIMIT $2
		)
	`
	return boundedDelete(r.db, query, cutoff, batchSize, maxPerRun)
}

func marshalNullable(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
