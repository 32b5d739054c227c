// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"axonflow/hadrian/usage"
)

// UsageRepo persists usage records and the daily spend rollup, and owns
// their retention deletes.
type UsageRepo struct {
	db *sql.DB
}

func NewUsageRepo(db *sql.DB) *UsageRepo {
	return &UsageRepo{db: db}
}

const usageColumns = 26

// InsertUsageBatch writes the whole batch in a single multi-row INSERT.
func (r *UsageRepo) InsertUsageBatch(ctx context.Context, batch []usage.LogEntry) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO usage_records (
		request_id, api_key_id, user_id, org_id, project_id, team_id,
		service_account_id, model, provider, input_tokens, output_tokens,
		cost_microcents, http_referer, request_at, streamed, cached_tokens,
		reasoning_tokens, finish_reason, latency_ms, cancelled, status_code,
		pricing_source, provider_source, image_count, audio_ms, video_ms
	) VALUES `)

	args := make([]interface{}, 0, len(batch)*usageColumns)
	for i, e := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := 0; c < usageColumns; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*usageColumns+c+1)
		}
		sb.WriteString(")")

		var statusCode sql.NullInt64
		if e.StatusCode != nil {
			statusCode = sql.NullInt64{Int64: int64(*e.StatusCode), Valid: true}
		}
		args = append(args,
			e.RequestID,
			nullString(e.APIKeyID),
			nullString(e.UserID),
			nullString(e.OrgID),
			nullString(e.ProjectID),
			nullString(e.TeamID),
			nullString(e.ServiceAccountID),
			e.Model,
			e.Provider,
			e.InputTokens,
			e.OutputTokens,
			nullInt64(e.CostMicrocents),
			nullString(e.HTTPReferer),
			e.RequestAt,
			e.Streamed,
			e.CachedTokens,
			e.ReasoningTokens,
			nullString(e.FinishReason),
			nullInt64(e.LatencyMs),
			e.Cancelled,
			statusCode,
			nullString(e.PricingSource),
			nullString(e.ProviderSource),
			e.Modalities.ImageCount,
			e.Modalities.AudioMs,
			e.Modalities.VideoMs,
		)
	}

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return 0, fmt.Errorf("usage batch insert failed: %w", err)
	}
	return len(batch), nil
}

// UpsertDailySpend accumulates one entry's cost into the per-day rollup.
// Entries without a cost or an org are skipped.
func (r *UsageRepo) UpsertDailySpend(ctx context.Context, e *usage.LogEntry) error {
	if e.CostMicrocents == nil || e.OrgID == "" {
		return nil
	}
	const query = `
		INSERT INTO daily_spend (org_id, user_id, day, cost_microcents, request_count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (org_id, user_id, day) DO UPDATE SET
			cost_microcents = daily_spend.cost_microcents + EXCLUDED.cost_microcents,
			request_count = daily_spend.request_count + 1
	`
	day := e.RequestAt.UTC().Truncate(24 * time.Hour)
	_, err := r.db.ExecContext(ctx, query,
		e.OrgID, nullString(e.UserID), day, *e.CostMicrocents)
	if err != nil {
		return fmt.Errorf("daily spend upsert failed: %w", err)
	}
	return nil
}

// DailySpend returns the accumulated cost for an org over a day range.
func (r *UsageRepo) DailySpend(ctx context.Context, orgID string, from, to time.Time) (int64, error) {
	var total sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT SUM(cost_microcents) FROM daily_spend
		 WHERE org_id = $1 AND day >= $2 AND day < $3`,
		orgID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("daily spend query failed: %w", err)
	}
	return total.Int64, nil
}

// DeleteUsageRecordsBefore removes aged usage rows in batches. maxPerRun 0
// means unbounded.
func (r *UsageRepo) DeleteUsageRecordsBefore(cutoff time.Time, batchSize, maxPerRun int64) (int64, error) {
	const query = `
		DELETE FROM usage_records WHERE id IN (
			SELECT id FROM usage_records WHERE request_at < $1 LIMIT $2
		)
	`
	return boundedDelete(r.db, query, cutoff, batchSize, maxPerRun)
}

// DeleteDailySpendBefore removes aged rollup rows in batches.
func (r *UsageRepo) DeleteDailySpendBefore(cutoff time.Time, batchSize, maxPerRun int64) (int64, error) {
	const query = `
		DELETE FROM daily_spend WHERE ctid IN (
			SELECT ctid FROM daily_spend WHERE day < $1 LIMIT $2
		)
	`
	return boundedDelete(r.db, query, cutoff, batchSize, maxPerRun)
}

var _ usage.BatchWriter = (*UsageRepo)(nil)
