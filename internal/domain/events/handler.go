package events

import "context"

// Handler defines the contract for components that process canonical events.
// Each handler subscribes to exactly one event type; the dispatcher routes
// events to every handler registered under that type, in registration order.
//
// Delivery is at-least-once: a crash between processing and offset commit
// causes redelivery, so Handle implementations must be idempotent.
type Handler interface {
	// Name identifies the handler in logs and metrics.
	Name() string

	// EventType returns the single event type this handler subscribes to.
	EventType() EventType

	// Validate is a cheap, side-effect-free precondition check. Returning
	// false skips this event for this handler only; it is informational,
	// never counted as an error.
	Validate(evt CanonicalEvent) bool

	// Handle performs the side-effecting work for the event. Failures are
	// isolated by the dispatcher: they are logged and counted, sibling
	// handlers still run, and the batch proceeds.
	Handle(ctx context.Context, evt CanonicalEvent) error
}
