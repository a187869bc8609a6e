package events

import (
	"time"

	"github.com/google/uuid"
)

// CanonicalEvent is the normalized representation of a domain occurrence,
// independent of the transport format the capture pipeline delivered it in.
// It is treated as immutable once constructed: the decoder builds it, the
// dispatcher and handlers only read it. Handlers must never mutate Payload.
type CanonicalEvent struct {
	// EventID uniquely identifies this event across the whole stream.
	EventID uuid.UUID

	// AggregateID identifies the entity this event belongs to, e.g. a user
	// or activity id. Events for one aggregate arrive in order because the
	// capture pipeline partitions by it.
	AggregateID uuid.UUID

	// AggregateType names the kind of entity, e.g. "User" or "Activity".
	AggregateType string

	// EventType identifies the category of this event for routing.
	EventType EventType

	// Payload contains the event body as produced by the write model.
	Payload map[string]any

	// CreatedAt records when the event was committed at the source. It is
	// always derived from source data, never from a local clock.
	CreatedAt time.Time

	// Sequence is the monotonic outbox sequence assigned by the source,
	// when it assigns one. Zero means unassigned.
	Sequence int64
}
