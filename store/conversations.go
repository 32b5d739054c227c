// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation is a stored chat thread. Deletion is soft: DeletedAt is set
// and the retention worker hard-deletes aged soft-deleted rows.
type Conversation struct {
	ID        string
	UserID    string
	OrgID     string
	Title     string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// ConversationRepo stores conversations with soft delete.
type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// Create inserts a conversation, assigning an id when empty.
func (r *ConversationRepo) Create(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	const query = `
		INSERT INTO conversations (id, user_id, org_id, title, model, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.UserID, nullString(c.OrgID), c.Title, c.Model, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("conversation insert failed: %w", err)
	}
	return nil
}

// Get fetches a conversation that has not been soft-deleted.
func (r *ConversationRepo) Get(ctx context.Context, id string) (*Conversation, error) {
	const query = `
		SELECT id, user_id, org_id, title, model, created_at, updated_at
		FROM conversations
		WHERE id = $1 AND deleted_at IS NULL
	`
	var (
		c     Conversation
		orgID sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.UserID, &orgID, &c.Title, &c.Model, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation lookup failed: %w", err)
	}
	c.OrgID = orgID.String
	return &c, nil
}

// ListByUser returns the user's live conversations, newest first.
func (r *ConversationRepo) ListByUser(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, user_id, org_id, title, model, created_at, updated_at
		FROM conversations
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY updated_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation list failed: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			c     Conversation
			orgID sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.UserID, &orgID, &c.Title, &c.Model,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("conversation scan failed: %w", err)
		}
		c.OrgID = orgID.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// SoftDelete marks a conversation deleted. Already-deleted rows are a
// no-op.
func (r *ConversationRepo) SoftDelete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("conversation soft delete failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation soft delete rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDeleteSoftDeletedBefore permanently removes conversations
// soft-deleted before the cutoff, in batches. maxPerRun 0 means unbounded.
func (r *ConversationRepo) HardDeleteSoftDeletedBefore(cutoff time.Time, batchSize, maxPerRun int64) (int64, error) {
	const query = `
		DELETE FROM conversations WHERE id IN (
			SELECT id FROM conversations
			WHERE deleted_at IS NOT NULL AND deleted_at < $1
			LIMIT $2
		)
	`
	return boundedDelete(r.db, query, cutoff, batchSize, maxPerRun)
}
