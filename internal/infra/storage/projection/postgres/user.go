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

// defaultDBAttributes defines standard OpenTelemetry attributes for PostgreSQL operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

var _ projection.UserStore = (*userStore)(nil)

// userStore provides a PostgreSQL implementation of projection.UserStore.
type userStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewUserStore creates a PostgreSQL-backed user projection store using the
// provided connection pool.
func NewUserStore(pool *pgxpool.Pool, tracer trace.Tracer) *userStore {
	return &userStore{pool: pool, tracer: tracer}
}

// Create inserts a user projection row. Replayed events are absorbed by the
// conflict clause so redelivery never fails or overwrites newer state.
func (s *userStore) Create(ctx context.Context, user *projection.User) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("user_id", user.ID.String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_user", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO users (id, email, name, status, created_at, updated_at, source_event_id, last_event_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			user.ID, user.Email, user.Name, user.Status,
			user.CreatedAt, user.UpdatedAt, user.SourceEventID, user.LastEventID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		return nil
	})
}

// Update applies a partial update to a user projection. Nil fields keep their
// stored values. Returns projection.ErrUserNotFound if no row matches.
func (s *userStore) Update(ctx context.Context, id uuid.UUID, update projection.UserUpdate) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("user_id", id.String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_user", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE users
			SET email = COALESCE($2, email),
			    name = COALESCE($3, name),
			    status = COALESCE($4, status),
			    last_event_id = $5,
			    updated_at = $6
			WHERE id = $1`,
			id, update.Email, update.Name, update.Status, update.LastEventID, update.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update user: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return projection.ErrUserNotFound
		}
		return nil
	})
}

// Get retrieves a user projection by aggregate ID. Returns
// projection.ErrUserNotFound if the row does not exist.
func (s *userStore) Get(ctx context.Context, id uuid.UUID) (*projection.User, error) {
	var user projection.User
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("user_id", id.String()),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_user", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT id, email, name, status, created_at, updated_at, source_event_id, last_event_id
			FROM users
			WHERE id = $1`,
			id,
		)
		err := row.Scan(
			&user.ID, &user.Email, &user.Name, &user.Status,
			&user.CreatedAt, &user.UpdatedAt, &user.SourceEventID, &user.LastEventID,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return projection.ErrUserNotFound
			}
			return fmt.Errorf("failed to load user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}
