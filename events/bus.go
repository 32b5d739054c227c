// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package events is the in-process pub/sub side channel for usage and
// lifecycle events.
package events

import (
	"log"
	"sync"
)

// Topic names. Payloads are event-specific types owned by the publisher.
const (
	TopicUsageRecorded = "usage.recorded"
	TopicShutdown      = "lifecycle.shutdown"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(topic string, payload interface{})

// Bus is a minimal topic-keyed fan-out.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], h)
	b.mu.Unlock()
}

// Publish delivers the payload to every subscriber of the topic. A handler
// panic is recovered and logged so one subscriber cannot take down the
// publisher.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	handlers := b.handlers[topic]
	b.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[EVENTS] Handler panic on %s: %v", topic, r)
				}
			}()
			h(topic, payload)
		}()
	}
}
