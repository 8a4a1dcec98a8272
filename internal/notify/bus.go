// Package notify carries identity-change notifications between the directory
// and its observers. The host platform's directory broadcasts every change to
// every observer, including the component that made it; the Filter in this
// package is what keeps the engine's own writes from triggering reactive
// re-planning storms.
package notify

import (
	"context"
	"sync"
)

// Source tells observers who initiated a change.
type Source string

const (
	// SourceEngine marks changes written by the migration executor or the
	// admission path.
	SourceEngine Source = "engine"
	// SourceExternal marks changes arriving from outside the engine, such as
	// a user rename in the host UI.
	SourceExternal Source = "external"
)

// Event is one identity-change notification.
type Event struct {
	UniqueID    string
	OldEntityID string
	EntityID    string
	Source      Source
}

// Handler consumes events that survive suppression.
type Handler func(ctx context.Context, event Event)

// Bus is an in-process fan-out of identity-change events. Every event passes
// through the suppression filter before reaching any handler.
type Bus struct {
	mu       sync.RWMutex
	filter   *Filter
	handlers []Handler
}

// NewBus constructs a bus with the given filter. A nil filter disables
// suppression.
func NewBus(filter *Filter) *Bus {
	return &Bus{filter: filter}
}

// Subscribe registers a handler for non-suppressed events.
func (b *Bus) Subscribe(handler Handler) {
	if b == nil || handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Publish delivers an event to all handlers unless the filter suppresses it.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	if b.filter != nil && b.filter.Suppress(event) {
		return
	}
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		handler(ctx, event)
	}
}
