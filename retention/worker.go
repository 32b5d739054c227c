// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package retention runs the periodic deletion of aged usage records,
// daily spend rollups, audit logs, and soft-deleted conversations.
package retention

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promRowsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_retention_rows_deleted_total",
			Help: "Rows deleted by the retention worker per domain",
		},
		[]string{"domain"},
	)
	promRunErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_retention_errors_total",
			Help: "Retention delete failures per domain",
		},
		[]string{"domain"},
	)
	promRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hadrian_retention_runs_total",
			Help: "Retention passes completed",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promRowsDeleted)
	prometheus.MustRegister(promRunErrors)
	prometheus.MustRegister(promRuns)
}

// Config sets retention periods per domain. A zero or negative day count
// disables that domain.
type Config struct {
	IntervalHours          int
	UsageRecordDays        int
	DailySpendDays         int
	AuditLogDays           int
	DeletedConversationDays int

	BatchSize int64
	// MaxPerRun caps deletions per domain per pass; 0 means unbounded.
	MaxPerRun int64
	// DryRun logs what would be deleted without deleting.
	DryRun bool
}

// UsageDeleter removes aged usage rows.
type UsageDeleter interface {
	DeleteUsageRecordsBefore(cutoff time.Time, batchSize, maxPerRun int64) (int64, error)
	DeleteDailySpendBefore(cutoff time.Time, batchSize, maxPerRun int64) (int64, error)
}

// AuditDeleter removes aged audit rows.
type AuditDeleter interface {
	DeleteBefore(cutoff time.Time, batchSize, maxPerRun int64) (int64, error)
}

// ConversationDeleter hard-deletes aged soft-deleted conversations.
type ConversationDeleter interface {
	HardDeleteSoftDeletedBefore(cutoff time.Time, batchSize, maxPerRun int64) (int64, error)
}

// Worker runs retention passes on a timer.
type Worker struct {
	cfg           Config
	usage         UsageDeleter
	audit         AuditDeleter
	conversations ConversationDeleter
	now           func() time.Time
}

func NewWorker(cfg Config, usage UsageDeleter, audit AuditDeleter, conversations ConversationDeleter) *Worker {
	if cfg.IntervalHours <= 0 {
		cfg.IntervalHours = 24
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Worker{
		cfg:           cfg,
		usage:         usage,
		audit:         audit,
		conversations: conversations,
		now:           time.Now,
	}
}

// Run loops until the context is cancelled. One failed domain never
// aborts the pass; the worker waits out the interval and retries.
func (w *Worker) Run(ctx context.Context) {
	interval := time.Duration(w.cfg.IntervalHours) * time.Hour
	log.Printf("[RETENTION] Worker started, interval %s, dry_run=%v", interval, w.cfg.DryRun)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[RETENTION] Worker stopped")
			return
		case <-ticker.C:
			w.RunOnce()
		}
	}
}

// RunOnce executes a single retention pass and returns total rows
// deleted.
func (w *Worker) RunOnce() int64 {
	now := w.now()
	var total int64

	total += w.domain("usage_records", w.cfg.UsageRecordDays, now, func(cutoff time.Time) (int64, error) {
		return w.usage.DeleteUsageRecordsBefore(cutoff, w.cfg.BatchSize, w.cfg.MaxPerRun)
	})
	total += w.domain("daily_spend", w.cfg.DailySpendDays, now, func(cutoff time.Time) (int64, error) {
		return w.usage.DeleteDailySpendBefore(cutoff, w.cfg.BatchSize, w.cfg.MaxPerRun)
	})
	total += w.domain("audit_logs", w.cfg.AuditLogDays, now, func(cutoff time.Time) (int64, error) {
		return w.audit.DeleteBefore(cutoff, w.cfg.BatchSize, w.cfg.MaxPerRun)
	})
	total += w.domain("conversations", w.cfg.DeletedConversationDays, now, func(cutoff time.Time) (int64, error) {
		return w.conversations.HardDeleteSoftDeletedBefore(cutoff, w.cfg.BatchSize, w.cfg.MaxPerRun)
	})

	promRuns.Inc()
	if total > 0 {
		log.Printf("[RETENTION] Pass complete, deleted %d rows", total)
	}
	return total
}

func (w *Worker) domain(name string, days int, now time.Time, del func(time.Time) (int64, error)) int64 {
	if days <= 0 {
		return 0
	}
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)

	if w.cfg.DryRun {
		log.Printf("[RETENTION] Dry run: would delete %s rows older than %s", name, cutoff.Format(time.RFC3339))
		return 0
	}

	deleted, err := del(cutoff)
	promRowsDeleted.WithLabelValues(name).Add(float64(deleted))
	if err != nil {
		promRunErrors.WithLabelValues(name).Inc()
		log.Printf("[RETENTION] Delete for %s failed after %d rows: %v", name, deleted, err)
	}
	return deleted
}
