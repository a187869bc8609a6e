// Package projection defines the read models the event processor maintains
// from the change stream, plus the storage ports handlers write through.
// Every write operation is idempotent so at-least-once delivery upstream
// stays safe: creates tolerate replays, updates are keyed by aggregate id,
// and counters are guarded by a processed-events ledger.
package projection

import (
	"context"

	"github.com/google/uuid"
)

// UserStore provides persistent storage for the users read model.
type UserStore interface {
	// Create inserts a user row. Replaying the same create is a no-op, the
	// original row wins.
	Create(ctx context.Context, user *User) error

	// Update applies the non-nil fields to an existing row and records the
	// applying event. Returns ErrUserNotFound when the row is missing.
	Update(ctx context.Context, id uuid.UUID, update UserUpdate) error

	// Get retrieves a user by id. Returns ErrUserNotFound when missing.
	Get(ctx context.Context, id uuid.UUID) (*User, error)
}

// ActivityStore provides persistent storage for the activities read model.
type ActivityStore interface {
	// Create inserts an activity row. Replaying the same create is a no-op.
	Create(ctx context.Context, activity *Activity) error

	// Update applies the non-nil fields to an existing row and records the
	// applying event. Returns ErrActivityNotFound when the row is missing.
	Update(ctx context.Context, id uuid.UUID, update ActivityUpdate) error

	// AddParticipant adds userID to the activity's participant set and bumps
	// the participant count. Returns false without error when the user is
	// already a participant, and ErrActivityNotFound when the activity is
	// missing.
	AddParticipant(ctx context.Context, activityID, userID, eventID uuid.UUID) (bool, error)

	// Get retrieves an activity by id. Returns ErrActivityNotFound when
	// missing.
	Get(ctx context.Context, id uuid.UUID) (*Activity, error)
}

// StatsStore provides persistent storage for the global counters row.
// Increments are keyed by (event id, handler name) in a ledger so each
// event moves a counter at most once no matter how often it is redelivered.
type StatsStore interface {
	// IncrementTotalUsers adds one to the global user count unless eventID
	// was already applied by handler. Returns true when the increment was
	// applied.
	IncrementTotalUsers(ctx context.Context, eventID uuid.UUID, handler string) (bool, error)

	// IncrementTotalActivities adds one to the global activity count unless
	// eventID was already applied by handler. Returns true when the
	// increment was applied.
	IncrementTotalActivities(ctx context.Context, eventID uuid.UUID, handler string) (bool, error)

	// Get retrieves the current global counters.
	Get(ctx context.Context) (*Stats, error)
}
