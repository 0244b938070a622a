package events

import (
	"log/slog"
	"sync"
)

// EventBus fans BusEvents out to registered handlers.
//
// Handlers run synchronously inside Publish; the semaphore bounds how many
// handlers may be in flight across concurrent Publish calls. Publishers that
// must never block should go through an EventEmitter instead of calling
// Publish directly.
type EventBus struct {
	mu         sync.RWMutex
	typed      map[string]map[int]func(BusEvent)
	all        map[int]func(BusEvent)
	nextID     int
	handlerSem chan struct{}
}

// DefaultBus is the process-wide bus used when no explicit bus is wired.
var DefaultBus = NewEventBus(64)

// NewEventBus creates a bus allowing at most maxConcurrent handlers in flight.
func NewEventBus(maxConcurrent int) *EventBus {
	if maxConcurrent < 1 {
		maxConcurrent = 8
	}
	return &EventBus{
		typed:      make(map[string]map[int]func(BusEvent)),
		all:        make(map[int]func(BusEvent)),
		handlerSem: make(chan struct{}, maxConcurrent),
	}
}

// Subscribe registers a handler for a single event type. The returned
// function removes the subscription and is safe to call more than once.
func (b *EventBus) Subscribe(eventType string, handler func(BusEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.typed[eventType] == nil {
		b.typed[eventType] = make(map[int]func(BusEvent))
	}
	b.typed[eventType][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.typed[eventType], id)
	}
}

// SubscribeAll registers a handler for every event type.
func (b *EventBus) SubscribeAll(handler func(BusEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.all[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Publish delivers the event to all matching handlers and returns once every
// handler has run. A panicking handler is logged and does not affect the rest.
func (b *EventBus) Publish(ev BusEvent) {
	if ev == nil {
		return
	}

	b.mu.RLock()
	handlers := make([]func(BusEvent), 0, len(b.all)+len(b.typed[ev.EventType()]))
	for _, h := range b.typed[ev.EventType()] {
		handlers = append(handlers, h)
	}
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.handlerSem <- struct{}{}
		b.runHandler(h, ev)
	}
}

func (b *EventBus) runHandler(h func(BusEvent), ev BusEvent) {
	defer func() {
		<-b.handlerSem
		if r := recover(); r != nil {
			slog.Default().Error("event handler panicked", "event_type", ev.EventType(), "panic", r)
		}
	}()
	h(ev)
}
