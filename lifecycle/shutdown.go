// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package lifecycle

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"axonflow/hadrian/events"
	"axonflow/hadrian/usage"
)

const (
	bufferJoinTimeout = 5 * time.Second
	taskWaitTimeout   = 30 * time.Second
	exporterTimeout   = 10 * time.Second
)

// Exporter is a telemetry component that must flush before exit.
type Exporter interface {
	Shutdown(ctx context.Context) error
}

// Coordinator sequences graceful shutdown: tracker close, usage buffer
// drain, task wait, exporter flush.
type Coordinator struct {
	Tracker   *TaskTracker
	Buffer    *usage.Buffer
	Bus       *events.Bus
	Exporters []Exporter
}

// WaitForSignal blocks until SIGINT or SIGTERM, then cancels the
// returned context's parent work.
func WaitForSignal(ctx context.Context) os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)
	select {
	case sig := <-ch:
		return sig
	case <-ctx.Done():
		return nil
	}
}

// Shutdown runs the ordered teardown. Timeouts are logged and never
// abort the sequence.
func (c *Coordinator) Shutdown() {
	log.Printf("[LIFECYCLE] Shutdown started")
	if c.Bus != nil {
		c.Bus.Publish(events.TopicShutdown, nil)
	}

	if c.Tracker != nil {
		c.Tracker.Close()
	}

	if c.Buffer != nil {
		c.Buffer.Stop()
		if !c.Buffer.Join(bufferJoinTimeout) {
			log.Printf("[LIFECYCLE] Usage buffer did not drain within %s", bufferJoinTimeout)
		}
	}

	if c.Tracker != nil {
		if !c.Tracker.Wait(taskWaitTimeout) {
			log.Printf("[LIFECYCLE] Background tasks did not finish within %s", taskWaitTimeout)
		}
	}

	for _, exporter := range c.Exporters {
		ctx, cancel := context.WithTimeout(context.Background(), exporterTimeout)
		if err := exporter.Shutdown(ctx); err != nil {
			log.Printf("[LIFECYCLE] Exporter shutdown failed: %v", err)
		}
		cancel()
	}
	log.Printf("[LIFECYCLE] Shutdown complete")
}
