package events

import "sync"

// Registry maps event types to the ordered list of handlers subscribed to
// them. It decouples dispatch from business logic and enables fan-out: one
// canonical event can feed many read-model projections without the dispatch
// loop knowing about any of them.
//
// The registry is built at startup and treated as read-only once dispatch
// begins. It must be passed explicitly into the dispatcher's constructor,
// never shared as a package-level singleton, so the loop stays testable in
// isolation.
type Registry struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewRegistry constructs an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[EventType][]Handler)}
}

// Register appends the handler to the list keyed by its declared event type.
// Registration order is execution order. Registrations are not deduplicated:
// registering the same handler twice yields two invocations per event.
func (r *Registry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eventType := handler.EventType()
	r.handlers[eventType] = append(r.handlers[eventType], handler)
}

// Handlers returns the handlers registered for the event type, in
// registration order. Unknown types return an empty slice, not an error;
// zero subscribers is an expected state during incremental handler rollout.
func (r *Registry) Handlers(eventType EventType) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registered := r.handlers[eventType]
	if len(registered) == 0 {
		return nil
	}

	out := make([]Handler, len(registered))
	copy(out, registered)

	return out
}

// HasHandlers reports whether at least one handler is registered for the
// event type.
func (r *Registry) HasHandlers(eventType EventType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handlers[eventType]) > 0
}

// EventTypes returns the event types that have at least one registered
// handler.
func (r *Registry) EventTypes() []EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]EventType, 0, len(r.handlers))
	for eventType := range r.handlers {
		types = append(types, eventType)
	}

	return types
}

// HandlerCount returns the total number of registrations across all event
// types. Duplicate registrations count individually.
func (r *Registry) HandlerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var count int
	for _, registered := range r.handlers {
		count += len(registered)
	}

	return count
}
