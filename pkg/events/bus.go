// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBufferSize is the capacity of the async publish queue.
const DefaultBufferSize = 256

// Event is one delivery on the bus.
type Event struct {
	ID        string
	Topic     Topic
	Payload   any
	Source    string
	CreatedAt time.Time
}

// Handler consumes events. Handlers run on the dispatch goroutine in
// publish order; a handler that blocks delays every later event.
type Handler func(event Event)

// Bus is an in-process publish/subscribe registry.
//
// Single Responsibility: fan side-channel events out to subscribers
// without coupling publishers to them.
//
// Thread Safety: all methods are safe for concurrent use. Async
// publishes from one goroutine are delivered in order; handler panics
// are recovered and logged so one bad subscriber cannot take down the
// dispatch loop.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]subscription
	nextID   uint64

	buffer    chan Event
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

type subscription struct {
	id uint64
	fn Handler
}

// BusOptions configures a Bus.
type BusOptions struct {
	// BufferSize caps the async publish queue. Zero selects
	// DefaultBufferSize.
	BufferSize int

	// Logger receives dispatch diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewBus creates a bus with default options and starts its dispatch
// goroutine.
func NewBus() *Bus {
	return NewBusWithOptions(BusOptions{})
}

// NewBusWithOptions creates a bus and starts its dispatch goroutine.
func NewBusWithOptions(opts BusOptions) *Bus {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Bus{
		handlers: make(map[Topic][]subscription),
		buffer:   make(chan Event, opts.BufferSize),
		done:     make(chan struct{}),
		log:      opts.Logger,
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for one topic, or for every topic via
// TopicWildcard. The returned function removes exactly this
// subscription and is safe to call more than once.
func (b *Bus) Subscribe(topic Topic, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], subscription{id: id, fn: handler})
	b.log.Debug("subscribed", "topic", topic, "subscription_id", id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[topic]
		for i, s := range subs {
			if s.id == id {
				b.handlers[topic] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish queues an event for asynchronous delivery. When the queue is
// full the event is dropped with a warning rather than blocking the
// publisher.
func (b *Bus) Publish(topic Topic, payload any, source string) {
	event := Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Source:    source,
		CreatedAt: time.Now(),
	}

	select {
	case b.buffer <- event:
	default:
		b.log.Warn("event buffer full, dropping event",
			"topic", topic, "source", source)
	}
}

// PublishSync delivers an event on the caller's goroutine before
// returning. Used by teardown paths that must not race the dispatch
// queue, and by tests.
func (b *Bus) PublishSync(topic Topic, payload any, source string) {
	b.deliver(Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Source:    source,
		CreatedAt: time.Now(),
	})
}

// Close stops the dispatch goroutine. Queued events that were not yet
// delivered are discarded. Idempotent.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

// dispatch drains the async queue until Close.
func (b *Bus) dispatch() {
	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		case <-b.done:
			return
		}
	}
}

// deliver invokes topic and wildcard subscribers in registration order.
func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[event.Topic]...)
	wild := append([]subscription(nil), b.handlers[TopicWildcard]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(s, event)
	}
	for _, s := range wild {
		b.invoke(s, event)
	}
}

// invoke runs one handler with panic isolation.
func (b *Bus) invoke(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				"topic", event.Topic,
				"subscription_id", s.id,
				"panic", r)
		}
	}()
	s.fn(event)
}
