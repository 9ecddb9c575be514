package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives events. Handlers run synchronously on the emitting
// goroutine and must not block.
type Handler func(event *Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous publish/subscribe dispatcher keyed by event type.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[EventType][]subscription
	log    zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[EventType][]subscription),
		log:  log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for one event type and returns a function
// that removes it again.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit publishes an event to every subscriber of its type.
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[eventType]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(s.handler, event)
	}
}

func (b *Bus) dispatch(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}
