// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import (
	"context"
	"fmt"
	"log"
)

// Sink persists a batch of usage entries. WriteBatch must be
// side-effect-free on an empty batch and returns the number of entries
// written.
type Sink interface {
	Name() string
	WriteBatch(ctx context.Context, batch []LogEntry) (int, error)
}

// SinkErrorKind classifies sink failures.
type SinkErrorKind string

const (
	SinkErrDatabase  SinkErrorKind = "database"
	SinkErrExport    SinkErrorKind = "export"
	SinkErrAllFailed SinkErrorKind = "all_failed"
)

// SinkError is a write failure from a named sink.
type SinkError struct {
	Kind  SinkErrorKind
	Sink  string
	Cause error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("usage sink %s failed (%s): %v", e.Sink, e.Kind, e.Cause)
}

func (e *SinkError) Unwrap() error { return e.Cause }

// CompositeSink fans one batch out to every child sink sequentially. The
// write succeeds if any child succeeded; the last error is returned only
// when every child failed. One child's failure never blocks another.
type CompositeSink struct {
	sinks []Sink
}

func NewCompositeSink(sinks ...Sink) *CompositeSink {
	return &CompositeSink{sinks: sinks}
}

func (c *CompositeSink) Name() string { return "composite" }

func (c *CompositeSink) WriteBatch(ctx context.Context, batch []LogEntry) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	maxWritten := 0
	anyOK := false
	var lastErr error
	for _, sink := range c.sinks {
		written, err := sink.WriteBatch(ctx, batch)
		if err != nil {
			promSinkErrors.WithLabelValues(sink.Name()).Inc()
			log.Printf("[USAGE] Sink %s write failed: %v", sink.Name(), err)
			lastErr = err
			continue
		}
		promEntriesWritten.WithLabelValues(sink.Name()).Add(float64(written))
		anyOK = true
		if written > maxWritten {
			maxWritten = written
		}
	}

	if !anyOK {
		if len(c.sinks) == 0 {
			return 0, nil
		}
		return 0, &SinkError{Kind: SinkErrAllFailed, Sink: c.Name(), Cause: lastErr}
	}
	return maxWritten, nil
}

var _ Sink = (*CompositeSink)(nil)
