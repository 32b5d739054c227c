// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import (
	"context"
	"encoding/json"
	"log"
)

// BatchWriter inserts a batch of usage entries in one statement.
type BatchWriter interface {
	InsertUsageBatch(ctx context.Context, batch []LogEntry) (int, error)
}

// DeadLetterQueue stores entries that failed their primary write.
type DeadLetterQueue interface {
	Push(ctx context.Context, payload []byte, metadata map[string]string) error
}

// DatabaseSink writes usage batches to Postgres, diverting failed batches
// entry-by-entry to the dead letter queue.
type DatabaseSink struct {
	writer BatchWriter
	dlq    DeadLetterQueue
}

func NewDatabaseSink(writer BatchWriter, dlq DeadLetterQueue) *DatabaseSink {
	return &DatabaseSink{writer: writer, dlq: dlq}
}

func (s *DatabaseSink) Name() string { return "database" }

func (s *DatabaseSink) WriteBatch(ctx context.Context, batch []LogEntry) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	written, err := s.writer.InsertUsageBatch(ctx, batch)
	if err == nil {
		return written, nil
	}

	log.Printf("[USAGE] Database insert of %d entries failed, diverting to DLQ: %v", len(batch), err)
	if s.dlq != nil {
		for i := range batch {
			s.pushToDLQ(ctx, &batch[i])
		}
	}
	return 0, &SinkError{Kind: SinkErrDatabase, Sink: s.Name(), Cause: err}
}

func (s *DatabaseSink) pushToDLQ(ctx context.Context, entry *LogEntry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		promDLQErrors.Inc()
		log.Printf("[USAGE] Failed to serialize entry %s for DLQ: %v", entry.RequestID, err)
		return
	}
	metadata := map[string]string{
		"model":      entry.Model,
		"api_key_id": entry.APIKeyID,
	}
	if err := s.dlq.Push(ctx, payload, metadata); err != nil {
		promDLQErrors.Inc()
		log.Printf("[USAGE] Failed to push entry %s to DLQ: %v", entry.RequestID, err)
		return
	}
	promDLQPushed.Inc()
}

var _ Sink = (*DatabaseSink)(nil)
