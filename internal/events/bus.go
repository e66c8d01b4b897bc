package events

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Handler consumes events delivered by the bus. Handlers are identified by
// interface equality, so register comparable values (typically pointers);
// the same handler subscribed twice to a kind is delivered once.
type Handler interface {
	HandleEvent(evt Event)
}

// Bus is a process-wide publish/subscribe registry keyed by event kind.
// Delivery is synchronous on the publisher's goroutine, in registration
// order. A panicking handler never prevents delivery to the rest.
type Bus struct {
	logger zerolog.Logger

	mu   sync.RWMutex
	subs map[Kind][]Handler
}

// NewBus creates an empty bus. One instance is created at process start and
// injected into every publisher and subscriber.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "events").Logger(),
		subs:   make(map[Kind][]Handler),
	}
}

// Subscribe registers handler for a specific event kind. Re-registering the
// same handler for the same kind is a no-op.
func (b *Bus) Subscribe(kind Kind, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.subs[kind] {
		if existing == handler {
			return
		}
	}
	b.subs[kind] = append(b.subs[kind], handler)
	b.logger.Debug().Str("event_kind", string(kind)).Str("handler", handlerName(handler)).Msg("subscriber added")
}

// Unsubscribe removes a registration. Unknown handlers are a no-op.
func (b *Bus) Unsubscribe(kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.subs[kind]
	for i, existing := range handlers {
		if existing == handler {
			b.subs[kind] = append(handlers[:i:i], handlers[i+1:]...)
			b.logger.Debug().Str("event_kind", string(kind)).Str("handler", handlerName(handler)).Msg("subscriber removed")
			return
		}
	}
}

// ClearSubscribers drops every handler registered for kind. Used for test
// teardown.
func (b *Bus) ClearSubscribers(kind Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, kind)
}

// Publish delivers evt to every handler currently registered for its kind.
// Publish never fails because of a subscriber.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[evt.Kind]...)
	b.mu.RUnlock()

	b.logger.Debug().
		Str("event_kind", string(evt.Kind)).
		Str("entity_id", evt.EntityID).
		Str("entity_type", evt.EntityType).
		Int("subscribers", len(handlers)).
		Msg("publishing event")

	for _, handler := range handlers {
		b.dispatch(handler, evt)
	}
}

func (b *Bus) dispatch(handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event_kind", string(evt.Kind)).
				Str("handler", handlerName(handler)).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	handler.HandleEvent(evt)
}

func handlerName(handler Handler) string {
	return fmt.Sprintf("%T", handler)
}
