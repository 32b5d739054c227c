// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package events

import "testing"

func TestPublishFansOut(t *testing.T) {
	bus := NewBus()
	var first, second []interface{}
	bus.Subscribe("t", func(_ string, p interface{}) { first = append(first, p) })
	bus.Subscribe("t", func(_ string, p interface{}) { second = append(second, p) })

	bus.Publish("t", 1)
	bus.Publish("t", 2)
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("fan-out incomplete: %v %v", first, second)
	}
}

func TestPublishTopicIsolation(t *testing.T) {
	bus := NewBus()
	var got int
	bus.Subscribe("a", func(string, interface{}) { got++ })

	bus.Publish("b", nil)
	if got != 0 {
		t.Fatal("handler received a foreign topic")
	}
	bus.Publish("a", nil)
	if got != 1 {
		t.Fatalf("got %d deliveries", got)
	}
}

func TestPublishRecoversHandlerPanic(t *testing.T) {
	bus := NewBus()
	var delivered bool
	bus.Subscribe("t", func(string, interface{}) { panic("boom") })
	bus.Subscribe("t", func(string, interface{}) { delivered = true })

	bus.Publish("t", nil)
	if !delivered {
		t.Fatal("panic in one handler starved the next")
	}
}

func TestPublishWithNoSubscribers(t *testing.T) {
	// Publishing into the void is a no-op, not a panic.
	NewBus().Publish("t", "payload")
}
