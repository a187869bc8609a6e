package projection

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by stores when a projected row is missing.
// Handlers surface them as handler failures without stopping the dispatch
// loop.
var (
	ErrUserNotFound     = errors.New("user projection not found")
	ErrActivityNotFound = errors.New("activity projection not found")
)

// User is the projected read model of a user aggregate. SourceEventID is
// the event that created the row; LastEventID is the most recent event
// applied to it.
type User struct {
	ID            uuid.UUID
	Email         string
	Name          string
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SourceEventID uuid.UUID
	LastEventID   uuid.UUID
}

// UserUpdate carries the mutable user fields of an update event. Nil fields
// are left untouched.
type UserUpdate struct {
	Email  *string
	Name   *string
	Status *string

	LastEventID uuid.UUID
	UpdatedAt   time.Time
}

// Activity is the projected read model of an activity aggregate.
// Participants is a set: AddParticipant never appends a duplicate.
type Activity struct {
	ID               uuid.UUID
	Title            string
	Description      string
	Status           string
	OwnerID          uuid.UUID
	AllowedUsers     []uuid.UUID
	Participants     []uuid.UUID
	ParticipantCount int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	SourceEventID    uuid.UUID
	LastEventID      uuid.UUID
}

// ActivityUpdate carries the mutable activity fields of an update event.
// Nil fields are left untouched.
type ActivityUpdate struct {
	Title        *string
	Description  *string
	Status       *string
	AllowedUsers []uuid.UUID

	LastEventID uuid.UUID
	UpdatedAt   time.Time
}

// Stats is the single-row global counters projection.
type Stats struct {
	TotalUsers      int64
	TotalActivities int64
	UpdatedAt       time.Time
}
