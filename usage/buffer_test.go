// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"axonflow/hadrian/events"
)

// captureSink records every batch it receives.
type captureSink struct {
	mu      sync.Mutex
	batches [][]LogEntry
	err     error
	block   chan struct{}
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) WriteBatch(ctx context.Context, batch []LogEntry) (int, error) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	copied := make([]LogEntry, len(batch))
	copy(copied, batch)
	c.batches = append(c.batches, copied)
	return len(batch), nil
}

func (c *captureSink) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func TestBufferFlushesOnStop(t *testing.T) {
	sink := &captureSink{}
	b := NewBuffer(BufferConfig{MaxPendingEntries: 100, FlushInterval: time.Hour}, sink, nil)

	for i := 0; i < 10; i++ {
		b.Push(LogEntry{RequestID: "r", Model: "gpt-4", InputTokens: 1})
	}
	b.Stop()
	if !b.Join(5 * time.Second) {
		t.Fatal("worker did not drain in time")
	}
	if sink.total() != 10 {
		t.Fatalf("want 10 entries flushed, got %d", sink.total())
	}
	if b.Dropped() != 0 {
		t.Fatalf("unexpected drops: %d", b.Dropped())
	}
}

func TestBufferPushNeverBlocksWhenFull(t *testing.T) {
	block := make(chan struct{})
	sink := &captureSink{block: block}
	b := NewBuffer(BufferConfig{MaxPendingEntries: 4, FlushInterval: time.Hour}, sink, nil)
	defer func() {
		close(block)
		b.Stop()
		b.Join(5 * time.Second)
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Push(LogEntry{RequestID: "r"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked on a full buffer")
	}
	if b.Dropped() == 0 {
		t.Fatal("expected drops once the queue filled")
	}
}

func TestBufferPublishesOnBus(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	var seen []string
	bus.Subscribe(events.TopicUsageRecorded, func(_ string, payload interface{}) {
		if e, ok := payload.(*LogEntry); ok {
			mu.Lock()
			seen = append(seen, e.RequestID)
			mu.Unlock()
		}
	})

	b := NewBuffer(BufferConfig{MaxPendingEntries: 10, FlushInterval: time.Hour}, &captureSink{}, bus)
	b.Push(LogEntry{RequestID: "req-1"})
	b.Push(LogEntry{RequestID: "req-2"})
	b.Stop()
	b.Join(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "req-1" || seen[1] != "req-2" {
		t.Fatalf("bus saw %v", seen)
	}
}

func TestCompositeSinkAnySuccess(t *testing.T) {
	failed := &captureSink{err: errors.New("db down")}
	ok := &captureSink{}
	composite := NewCompositeSink(failed, ok)

	batch := []LogEntry{{RequestID: "r1"}, {RequestID: "r2"}}
	written, err := composite.WriteBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("one healthy sink should carry the batch: %v", err)
	}
	if written != 2 {
		t.Fatalf("want 2 written, got %d", written)
	}
}

func TestCompositeSinkAllFailed(t *testing.T) {
	composite := NewCompositeSink(
		&captureSink{err: errors.New("db down")},
		&captureSink{err: errors.New("export down")},
	)
	_, err := composite.WriteBatch(context.Background(), []LogEntry{{RequestID: "r"}})

	var sinkErr *SinkError
	if !errors.As(err, &sinkErr) || sinkErr.Kind != SinkErrAllFailed {
		t.Fatalf("want all_failed SinkError, got %v", err)
	}
}

func TestCompositeSinkEmpty(t *testing.T) {
	composite := NewCompositeSink()
	written, err := composite.WriteBatch(context.Background(), nil)
	if written != 0 || err != nil {
		t.Fatalf("empty composite should be a no-op, got %d, %v", written, err)
	}
}

func TestTotalTokens(t *testing.T) {
	e := LogEntry{InputTokens: 120, OutputTokens: 30}
	if e.TotalTokens() != 150 {
		t.Fatalf("TotalTokens = %d", e.TotalTokens())
	}
}
