// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package lifecycle owns background task tracking and ordered graceful
// shutdown.
package lifecycle

import (
	"context"
	"sync"
	"time"
)

// TaskTracker admits and waits on background tasks. After Close no new
// task is admitted; Wait gates process exit on the in-flight ones.
type TaskTracker struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func NewTaskTracker() *TaskTracker {
	return &TaskTracker{}
}

// Go runs fn on its own goroutine if the tracker is still open. Returns
// false when the tracker has been closed.
func (t *TaskTracker) Go(fn func()) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		fn()
	}()
	return true
}

// Close stops admitting new tasks. Idempotent.
func (t *TaskTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Wait blocks until every tracked task finishes or the timeout elapses.
// Returns false on timeout.
func (t *TaskTracker) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// WaitContext blocks until every tracked task finishes or the context is
// cancelled.
func (t *TaskTracker) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
