package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/activityhub/event-processor/internal/domain/projection"
	"github.com/activityhub/event-processor/internal/infra/storage"
)

var _ projection.ActivityStore = (*activityStore)(nil)

// activityStore provides a PostgreSQL implementation of projection.ActivityStore.
type activityStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewActivityStore creates a PostgreSQL-backed activity projection store using
// the provided connection pool.
func NewActivityStore(pool *pgxpool.Pool, tracer trace.Tracer) *activityStore {
	return &activityStore{pool: pool, tracer: tracer}
}

// Create inserts an activity projection row. Replayed events are absorbed by
// the conflict clause so redelivery never fails or overwrites newer state.
func (s *activityStore) Create(ctx context.Context, activity *projection.Activity) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("activity_id", activity.ID.String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_activity", dbAttrs, func(ctx context.Context) error {
		// The array columns are NOT NULL, so nil slices become empty arrays.
		allowedUsers := activity.AllowedUsers
		if allowedUsers == nil {
			allowedUsers = []uuid.UUID{}
		}
		participants := activity.Participants
		if participants == nil {
			participants = []uuid.UUID{}
		}

		_, err := s.pool.Exec(ctx, `
			INSERT INTO activities (
				id, title, description, status, owner_id,
				allowed_users, participants, participant_count,
				created_at, updated_at, source_event_id, last_event_id
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO NOTHING`,
			activity.ID, activity.Title, activity.Description, activity.Status, activity.OwnerID,
			allowedUsers, participants, activity.ParticipantCount,
			activity.CreatedAt, activity.UpdatedAt, activity.SourceEventID, activity.LastEventID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert activity: %w", err)
		}
		return nil
	})
}

// Update applies a partial update to an activity projection. Nil fields keep
// their stored values. Returns projection.ErrActivityNotFound if no row matches.
func (s *activityStore) Update(ctx context.Context, id uuid.UUID, update projection.ActivityUpdate) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("activity_id", id.String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_activity", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE activities
			SET title = COALESCE($2, title),
			    description = COALESCE($3, description),
			    status = COALESCE($4, status),
			    allowed_users = COALESCE($5, allowed_users),
			    last_event_id = $6,
			    updated_at = $7
			WHERE id = $1`,
			id, update.Title, update.Description, update.Status,
			update.AllowedUsers, update.LastEventID, update.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update activity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return projection.ErrActivityNotFound
		}
		return nil
	})
}

// AddParticipant appends a user to the activity's participant set. Returns
// false without error when the user already joined, so replayed events leave
// the count untouched. Returns projection.ErrActivityNotFound if the activity
// does not exist.
func (s *activityStore) AddParticipant(ctx context.Context, activityID, userID, eventID uuid.UUID) (bool, error) {
	var added bool
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("activity_id", activityID.String()),
		attribute.String("user_id", userID.String()),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.add_participant", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE activities
			SET participants = array_append(participants, $2),
			    participant_count = participant_count + 1,
			    last_event_id = $3,
			    updated_at = now()
			WHERE id = $1 AND NOT ($2 = ANY(participants))`,
			activityID, userID, eventID,
		)
		if err != nil {
			return fmt.Errorf("failed to add participant: %w", err)
		}
		if tag.RowsAffected() > 0 {
			added = true
			return nil
		}

		// No row changed: the activity is missing or the user already joined.
		var exists bool
		err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM activities WHERE id = $1)`, activityID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check activity existence: %w", err)
		}
		if !exists {
			return projection.ErrActivityNotFound
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// Get retrieves an activity projection by aggregate ID. Returns
// projection.ErrActivityNotFound if the row does not exist.
func (s *activityStore) Get(ctx context.Context, id uuid.UUID) (*projection.Activity, error) {
	var activity projection.Activity
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("activity_id", id.String()),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_activity", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT id, title, description, status, owner_id,
			       allowed_users, participants, participant_count,
			       created_at, updated_at, source_event_id, last_event_id
			FROM activities
			WHERE id = $1`,
			id,
		)
		err := row.Scan(
			&activity.ID, &activity.Title, &activity.Description, &activity.Status, &activity.OwnerID,
			&activity.AllowedUsers, &activity.Participants, &activity.ParticipantCount,
			&activity.CreatedAt, &activity.UpdatedAt, &activity.SourceEventID, &activity.LastEventID,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return projection.ErrActivityNotFound
			}
			return fmt.Errorf("failed to load activity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &activity, nil
}
