// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeWriter struct {
	err     error
	written int
	calls   int
}

func (f *fakeWriter) InsertUsageBatch(ctx context.Context, batch []LogEntry) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	f.written += len(batch)
	return len(batch), nil
}

type fakeDLQ struct {
	payloads [][]byte
	metadata []map[string]string
	err      error
}

func (f *fakeDLQ) Push(ctx context.Context, payload []byte, metadata map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	f.metadata = append(f.metadata, metadata)
	return nil
}

func TestDatabaseSinkHappyPath(t *testing.T) {
	writer := &fakeWriter{}
	dlq := &fakeDLQ{}
	sink := NewDatabaseSink(writer, dlq)

	written, err := sink.WriteBatch(context.Background(), []LogEntry{{RequestID: "a"}, {RequestID: "b"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 2 || writer.written != 2 {
		t.Fatalf("want 2 written, got %d", written)
	}
	if len(dlq.payloads) != 0 {
		t.Fatal("DLQ touched on a clean write")
	}
}

func TestDatabaseSinkDivertsToDLQ(t *testing.T) {
	writer := &fakeWriter{err: errors.New("connection refused")}
	dlq := &fakeDLQ{}
	sink := NewDatabaseSink(writer, dlq)

	batch := []LogEntry{
		{RequestID: "r1", Model: "gpt-4", APIKeyID: "k1", InputTokens: 10},
		{RequestID: "r2", Model: "claude-3", APIKeyID: "k2"},
	}
	_, err := sink.WriteBatch(context.Background(), batch)

	var sinkErr *SinkError
	if !errors.As(err, &sinkErr) || sinkErr.Kind != SinkErrDatabase {
		t.Fatalf("want database SinkError, got %v", err)
	}
	if len(dlq.payloads) != 2 {
		t.Fatalf("want 2 DLQ entries, got %d", len(dlq.payloads))
	}

	// Payloads survive the round trip and metadata carries the lookup keys.
	var restored LogEntry
	if err := json.Unmarshal(dlq.payloads[0], &restored); err != nil {
		t.Fatalf("DLQ payload not valid JSON: %v", err)
	}
	if restored.RequestID != "r1" || restored.InputTokens != 10 {
		t.Fatalf("DLQ payload lost fields: %+v", restored)
	}
	if dlq.metadata[0]["model"] != "gpt-4" || dlq.metadata[0]["api_key_id"] != "k1" {
		t.Fatalf("wrong metadata: %v", dlq.metadata[0])
	}
}

func TestDatabaseSinkEmptyBatch(t *testing.T) {
	writer := &fakeWriter{}
	sink := NewDatabaseSink(writer, nil)
	written, err := sink.WriteBatch(context.Background(), nil)
	if written != 0 || err != nil {
		t.Fatalf("empty batch should be a no-op: %d, %v", written, err)
	}
	if writer.calls != 0 {
		t.Fatal("writer called for an empty batch")
	}
}
