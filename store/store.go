// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package store holds the Postgres repositories: API keys, tenancy
// (orgs/teams/projects/users), dynamic providers, SSO configs, usage,
// audit logs, conversations, and the dead letter queue.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// boundedDelete repeatedly deletes batches of rows older than the cutoff
// until the table is drained or maxPerRun is reached. maxPerRun == 0 means
// unbounded. The query must accept (cutoff, limit) and delete by a
// key-set subquery so each round is index-driven.
func boundedDelete(db *sql.DB, query string, cutoff time.Time, batchSize, maxPerRun int64) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var total int64
	for {
		limit := batchSize
		if maxPerRun > 0 && total+limit > maxPerRun {
			limit = maxPerRun - total
		}
		if limit <= 0 {
			return total, nil
		}
		res, err := db.Exec(query, cutoff, limit)
		if err != nil {
			return total, fmt.Errorf("bounded delete failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("bounded delete rows affected: %w", err)
		}
		total += n
		if n < limit {
			return total, nil
		}
	}
}

// nullString maps empty strings to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime maps nil to SQL NULL.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
