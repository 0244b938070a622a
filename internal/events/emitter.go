package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// EventEmitter decouples event producers from bus delivery. Emit never
// blocks: events go onto a fixed-size queue serviced by a single delivery
// goroutine, and when the queue is full the newest event is dropped and
// counted. The command lifecycle emits through this so a slow subscriber
// cannot stall an approval call or a connection.
type EventEmitter struct {
	bus   *EventBus
	queue chan BusEvent
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewEventEmitter creates an emitter for the given bus and starts its
// delivery goroutine. If bus is nil, DefaultBus is used.
func NewEventEmitter(bus *EventBus, buffer int) *EventEmitter {
	if bus == nil {
		bus = DefaultBus
	}
	if buffer < 1 {
		buffer = 256
	}
	e := &EventEmitter{
		bus:   bus,
		queue: make(chan BusEvent, buffer),
		done:  make(chan struct{}),
	}
	go e.deliver()
	return e
}

func (e *EventEmitter) deliver() {
	defer close(e.done)
	for ev := range e.queue {
		e.bus.Publish(ev)
	}
}

// Emit enqueues an event for asynchronous publish. A full queue drops the
// event rather than blocking the producer; emitting on a closed emitter is
// a no-op.
func (e *EventEmitter) Emit(ev BusEvent) {
	if ev == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- ev:
	default:
		if n := e.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Default().Warn("event queue full, dropping event",
				"event_type", ev.EventType(), "dropped_total", n)
		}
	}
}

// Close stops accepting events and returns once everything already queued
// has been published. Safe to call more than once.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	<-e.done
}

// Dropped reports how many events were discarded on a full queue.
func (e *EventEmitter) Dropped() int64 {
	return e.dropped.Load()
}
