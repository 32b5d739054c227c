// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package retention

import (
	"errors"
	"testing"
	"time"
)

type fakeUsageDeleter struct {
	usageCalls int
	spendCalls int
	usageErr   error
	cutoffs    []time.Time
}

func (f *fakeUsageDeleter) DeleteUsageRecordsBefore(cutoff time.Time, batchSize, maxPerRun int64) (int64, error) {
	f.usageCalls++
	f.cutoffs = append(f.cutoffs, cutoff)
	if f.usageErr != nil {
		return 0, f.usageErr
	}
	return 10, nil
}

func (f *fakeUsageDeleter) DeleteDailySpendBefore(cutoff time.Time, batchSize, maxPerRun int64) (int64, error) {
	f.spendCalls++
	return 3, nil
}

type fakeAuditDeleter struct{ calls int }

func (f *fakeAuditDeleter) DeleteBefore(cutoff time.Time, batchSize, maxPerRun int64) (int64, error) {
	f.calls++
	return 5, nil
}

type fakeConversationDeleter struct{ calls int }

func (f *fakeConversationDeleter) HardDeleteSoftDeletedBefore(cutoff time.Time, batchSize, maxPerRun int64) (int64, error) {
	f.calls++
	return 2, nil
}

func testConfig() Config {
	return Config{
		UsageRecordDays:         90,
		DailySpendDays:          365,
		AuditLogDays:            180,
		DeletedConversationDays: 30,
	}
}

func TestRunOnceSweepsEveryDomain(t *testing.T) {
	usage := &fakeUsageDeleter{}
	audit := &fakeAuditDeleter{}
	conv := &fakeConversationDeleter{}
	w := NewWorker(testConfig(), usage, audit, conv)

	total := w.RunOnce()
	if total != 20 {
		t.Fatalf("total = %d", total)
	}
	if usage.usageCalls != 1 || usage.spendCalls != 1 || audit.calls != 1 || conv.calls != 1 {
		t.Fatalf("domains skipped: %d %d %d %d", usage.usageCalls, usage.spendCalls, audit.calls, conv.calls)
	}
}

func TestRunOnceCutoffFromRetentionDays(t *testing.T) {
	usage := &fakeUsageDeleter{}
	w := NewWorker(testConfig(), usage, &fakeAuditDeleter{}, &fakeConversationDeleter{})
	fixed := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	w.RunOnce()
	want := fixed.Add(-90 * 24 * time.Hour)
	if len(usage.cutoffs) == 0 || !usage.cutoffs[0].Equal(want) {
		t.Fatalf("cutoff = %v, want %v", usage.cutoffs, want)
	}
}

func TestRunOnceDisabledDomains(t *testing.T) {
	usage := &fakeUsageDeleter{}
	audit := &fakeAuditDeleter{}
	cfg := testConfig()
	cfg.AuditLogDays = 0
	cfg.DeletedConversationDays = -1
	w := NewWorker(cfg, usage, audit, &fakeConversationDeleter{})

	w.RunOnce()
	if audit.calls != 0 {
		t.Fatal("disabled audit domain still swept")
	}
	if usage.usageCalls != 1 {
		t.Fatal("enabled domain not swept")
	}
}

func TestRunOnceDryRunDeletesNothing(t *testing.T) {
	usage := &fakeUsageDeleter{}
	audit := &fakeAuditDeleter{}
	conv := &fakeConversationDeleter{}
	cfg := testConfig()
	cfg.DryRun = true
	w := NewWorker(cfg, usage, audit, conv)

	if total := w.RunOnce(); total != 0 {
		t.Fatalf("dry run deleted %d rows", total)
	}
	if usage.usageCalls != 0 || usage.spendCalls != 0 || audit.calls != 0 || conv.calls != 0 {
		t.Fatal("dry run reached a deleter")
	}
}

func TestRunOnceErrorDoesNotAbortPass(t *testing.T) {
	usage := &fakeUsageDeleter{usageErr: errors.New("lock timeout")}
	audit := &fakeAuditDeleter{}
	conv := &fakeConversationDeleter{}
	w := NewWorker(testConfig(), usage, audit, conv)

	total := w.RunOnce()
	if audit.calls != 1 || conv.calls != 1 {
		t.Fatal("later domains skipped after an error")
	}
	// 3 (spend) + 5 (audit) + 2 (conversations)
	if total != 10 {
		t.Fatalf("total = %d", total)
	}
}

func TestNewWorkerDefaults(t *testing.T) {
	w := NewWorker(Config{}, &fakeUsageDeleter{}, &fakeAuditDeleter{}, &fakeConversationDeleter{})
	if w.cfg.IntervalHours != 24 || w.cfg.BatchSize != 1000 {
		t.Fatalf("defaults not applied: %+v", w.cfg)
	}
}
