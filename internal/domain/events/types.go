package events

// EventType represents a domain event category, enabling type-safe event routing
// and handling. It allows the system to distinguish between different kinds of
// events like user creation, activity updates, and participant changes.
type EventType string

// Domain event type constants.
// These describe "something happened" in the upstream write model and are the
// routing keys handlers subscribe under.
const (
	EventTypeUserCreated       EventType = "UserCreated"
	EventTypeUserUpdated       EventType = "UserUpdated"
	EventTypeActivityCreated   EventType = "ActivityCreated"
	EventTypeActivityUpdated   EventType = "ActivityUpdated"
	EventTypeParticipantJoined EventType = "ParticipantJoined"
)
