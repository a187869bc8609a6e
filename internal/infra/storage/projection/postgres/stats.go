package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/activityhub/event-processor/internal/domain/projection"
	"github.com/activityhub/event-processor/internal/infra/storage"
)

const (
	incrementUsersQuery = `
		UPDATE activity_stats
		SET total_users = total_users + 1, updated_at = now()
		WHERE id = 1`

	incrementActivitiesQuery = `
		UPDATE activity_stats
		SET total_activities = total_activities + 1, updated_at = now()
		WHERE id = 1`
)

var _ projection.StatsStore = (*statsStore)(nil)

// statsStore provides a PostgreSQL implementation of projection.StatsStore.
// Counters are guarded by a processed-event ledger so a redelivered event
// bumps each counter at most once.
type statsStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewStatsStore creates a PostgreSQL-backed stats store using the provided
// connection pool.
func NewStatsStore(pool *pgxpool.Pool, tracer trace.Tracer) *statsStore {
	return &statsStore{pool: pool, tracer: tracer}
}

// IncrementTotalUsers bumps the user counter once per (event, handler) pair.
// Returns false when the ledger shows the event was already applied.
func (s *statsStore) IncrementTotalUsers(ctx context.Context, eventID uuid.UUID, handler string) (bool, error) {
	return s.increment(ctx, "postgres.increment_total_users", incrementUsersQuery, eventID, handler)
}

// IncrementTotalActivities bumps the activity counter once per (event, handler)
// pair. Returns false when the ledger shows the event was already applied.
func (s *statsStore) IncrementTotalActivities(ctx context.Context, eventID uuid.UUID, handler string) (bool, error) {
	return s.increment(ctx, "postgres.increment_total_activities", incrementActivitiesQuery, eventID, handler)
}

// increment records the event in the processed-event ledger and runs the
// counter update in the same transaction. The ledger insert decides whether
// the counter moves: a conflict means a replay, so the update is skipped and
// the transaction commits without touching the counter.
func (s *statsStore) increment(ctx context.Context, spanName, incrementQuery string, eventID uuid.UUID, handler string) (bool, error) {
	var applied bool
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("event_id", eventID.String()),
		attribute.String("handler", handler),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, spanName, dbAttrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
				INSERT INTO processed_events (event_id, handler_name)
				VALUES ($1, $2)
				ON CONFLICT (event_id, handler_name) DO NOTHING`,
				eventID, handler,
			)
			if err != nil {
				return fmt.Errorf("failed to record processed event: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return nil
			}

			if _, err := tx.Exec(ctx, incrementQuery); err != nil {
				return fmt.Errorf("failed to increment counter: %w", err)
			}
			applied = true
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Get retrieves the singleton stats row.
func (s *statsStore) Get(ctx context.Context) (*projection.Stats, error) {
	var stats projection.Stats
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_stats", defaultDBAttributes, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT total_users, total_activities, updated_at
			FROM activity_stats
			WHERE id = 1`,
		)
		if err := row.Scan(&stats.TotalUsers, &stats.TotalActivities, &stats.UpdatedAt); err != nil {
			return fmt.Errorf("failed to load stats: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
