// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"axonflow/hadrian/events"
)

const (
	// defaultPendingEntries is used when the configured capacity is zero.
	defaultPendingEntries = 100000
	defaultBatchSize      = 500
	defaultFlushInterval  = 5 * time.Second
)

// BufferConfig tunes the usage buffer.
type BufferConfig struct {
	// MaxPendingEntries caps the queue; 0 selects a large default.
	MaxPendingEntries int
	// MaxBatchSize bounds one flush batch.
	MaxBatchSize int
	// FlushInterval is the worker sleep between flushes.
	FlushInterval time.Duration
}

func (c BufferConfig) withDefaults() BufferConfig {
	if c.MaxPendingEntries <= 0 {
		c.MaxPendingEntries = defaultPendingEntries
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	return c
}

// Buffer is a bounded multi-producer queue of usage entries drained by a
// single background worker. Push never blocks the request path: a full
// queue drops the entry and counts the drop.
type Buffer struct {
	cfg     BufferConfig
	queue   chan LogEntry
	sink    Sink
	bus     *events.Bus
	dropped uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewBuffer creates the buffer and starts its worker.
func NewBuffer(cfg BufferConfig, sink Sink, bus *events.Bus) *Buffer {
	cfg = cfg.withDefaults()
	b := &Buffer{
		cfg:   cfg,
		queue: make(chan LogEntry, cfg.MaxPendingEntries),
		sink:  sink,
		bus:   bus,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go b.worker()
	return b
}

// Push enqueues an entry without blocking. Full queue drops the entry,
// increments the drop counter, and warns every 100th drop.
func (b *Buffer) Push(entry LogEntry) {
	select {
	case b.queue <- entry:
	default:
		n := atomic.AddUint64(&b.dropped, 1)
		promBufferDropped.Inc()
		if n%100 == 1 {
			log.Printf("[USAGE] WARN buffer full, dropped %d entries so far", n)
		}
	}
}

// Dropped returns the total entries dropped since start.
func (b *Buffer) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// Len returns the entries currently queued.
func (b *Buffer) Len() int {
	return len(b.queue)
}

// Stop signals the worker to drain and exit. Safe to call more than once.
func (b *Buffer) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Join waits for the worker to finish, up to timeout. Returns false on
// timeout.
func (b *Buffer) Join(timeout time.Duration) bool {
	select {
	case <-b.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (b *Buffer) worker() {
	defer close(b.done)

	batch := make([]LogEntry, 0, b.cfg.MaxBatchSize)
	for {
		batch = b.drain(batch, b.cfg.MaxBatchSize)
		if len(batch) > 0 {
			b.flush(batch)
			batch = batch[:0]
		}

		select {
		case <-b.stop:
			// Final drain: take everything still queued, flush once, exit.
			for {
				batch = b.drain(batch, b.cfg.MaxBatchSize)
				if len(batch) == 0 {
					return
				}
				b.flush(batch)
				batch = batch[:0]
			}
		case <-time.After(b.cfg.FlushInterval):
		}
	}
}

// drain moves up to max entries from the queue into batch without blocking.
func (b *Buffer) drain(batch []LogEntry, max int) []LogEntry {
	for len(batch) < max {
		select {
		case entry := <-b.queue:
			batch = append(batch, entry)
		default:
			return batch
		}
	}
	return batch
}

func (b *Buffer) flush(batch []LogEntry) {
	if b.bus != nil {
		for i := range batch {
			b.bus.Publish(events.TopicUsageRecorded, &batch[i])
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := b.sink.WriteBatch(ctx, batch); err != nil {
		promBatchesFlushed.WithLabelValues("error").Inc()
		log.Printf("[USAGE] Batch flush of %d entries failed: %v", len(batch), err)
		return
	}
	promBatchesFlushed.WithLabelValues("ok").Inc()
}
