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

	"axonflow/hadrian/usage"
)

// DLQRepo is the durable dead letter queue backing failed usage writes.
type DLQRepo struct {
	db *sql.DB
}

func NewDLQRepo(db *sql.DB) *DLQRepo {
	return &DLQRepo{db: db}
}

// DLQItem is one parked payload awaiting reprocessing.
type DLQItem struct {
	ID        string
	Payload   []byte
	Metadata  map[string]string
	Attempts  int
	CreatedAt time.Time
}

// Push parks a payload with its metadata.
func (r *DLQRepo) Push(ctx context.Context, payload []byte, metadata map[string]string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("dlq metadata marshal failed: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO usage_dlq (id, payload, metadata, attempts, created_at)
		 VALUES ($1, $2, $3, 0, NOW())`,
		uuid.New().String(), payload, meta)
	if err != nil {
		return fmt.Errorf("dlq push failed: %w", err)
	}
	return nil
}

// FetchBatch returns the oldest parked items for reprocessing.
func (r *DLQRepo) FetchBatch(ctx context.Context, limit int) ([]DLQItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, payload, metadata, attempts, created_at
		 FROM usage_dlq ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("dlq fetch failed: %w", err)
	}
	defer rows.Close()

	var items []DLQItem
	for rows.Next() {
		var (
			item DLQItem
			meta []byte
		)
		if err := rows.Scan(&item.ID, &item.Payload, &meta, &item.Attempts, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("dlq scan failed: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &item.Metadata); err != nil {
				return nil, fmt.Errorf("dlq item %s: bad metadata: %w", item.ID, err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Delete removes a reprocessed item.
func (r *DLQRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM usage_dlq WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("dlq delete failed: %w", err)
	}
	return nil
}

// MarkAttempt bumps the attempt counter after a failed reprocess.
func (r *DLQRepo) MarkAttempt(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE usage_dlq SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("dlq mark attempt failed: %w", err)
	}
	return nil
}

var _ usage.DeadLetterQueue = (*DLQRepo)(nil)
