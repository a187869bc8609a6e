package projection

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/activityhub/event-processor/internal/domain/events"
	"github.com/activityhub/event-processor/internal/domain/projection"
	"github.com/activityhub/event-processor/pkg/common/logger"
)

const defaultUserStatus = "active"

// UserCreatedHandler projects UserCreated events into the users read model.
type UserCreatedHandler struct {
	users projection.UserStore

	logger *logger.Logger
	tracer trace.Tracer
}

// NewUserCreatedHandler creates a handler that inserts user rows.
func NewUserCreatedHandler(users projection.UserStore, log *logger.Logger, tracer trace.Tracer) *UserCreatedHandler {
	return &UserCreatedHandler{
		users:  users,
		logger: log.With("component", "user_created_handler"),
		tracer: tracer,
	}
}

func (h *UserCreatedHandler) Name() string                { return "user_created_handler" }
func (h *UserCreatedHandler) EventType() events.EventType { return events.EventTypeUserCreated }

// Validate accepts every UserCreated event; the row identity comes from the
// aggregate id, which decoding guarantees.
func (h *UserCreatedHandler) Validate(evt events.CanonicalEvent) bool { return true }

// Handle inserts the user row. Replays are no-ops because the insert keeps
// the original row on conflict.
func (h *UserCreatedHandler) Handle(ctx context.Context, evt events.CanonicalEvent) error {
	ctx, span := h.tracer.Start(ctx, "user_created_handler.handle",
		trace.WithAttributes(attribute.String("user_id", evt.AggregateID.String())))
	defer span.End()

	email, _ := stringField(evt.Payload, "email")
	name, _ := stringField(evt.Payload, "name")
	status, ok := stringField(evt.Payload, "status")
	if !ok {
		status = defaultUserStatus
	}

	user := &projection.User{
		ID:            evt.AggregateID,
		Email:         email,
		Name:          name,
		Status:        status,
		CreatedAt:     evt.CreatedAt,
		UpdatedAt:     evt.CreatedAt,
		SourceEventID: evt.EventID,
		LastEventID:   evt.EventID,
	}

	if err := h.users.Create(ctx, user); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create user projection")
		return fmt.Errorf("creating user %s: %w", evt.AggregateID, err)
	}

	h.logger.Debug(ctx, "User projection created", "user_id", evt.AggregateID.String())
	return nil
}

// UserStatsHandler maintains the global user counter. It is registered for
// UserCreated alongside UserCreatedHandler, so both run for every event;
// the processed-events ledger keeps the counter exact across replays.
type UserStatsHandler struct {
	stats projection.StatsStore

	logger *logger.Logger
	tracer trace.Tracer
}

// NewUserStatsHandler creates a handler that increments the user counter.
func NewUserStatsHandler(stats projection.StatsStore, log *logger.Logger, tracer trace.Tracer) *UserStatsHandler {
	return &UserStatsHandler{
		stats:  stats,
		logger: log.With("component", "user_stats_handler"),
		tracer: tracer,
	}
}

func (h *UserStatsHandler) Name() string                            { return "user_stats_handler" }
func (h *UserStatsHandler) EventType() events.EventType             { return events.EventTypeUserCreated }
func (h *UserStatsHandler) Validate(evt events.CanonicalEvent) bool { return true }

func (h *UserStatsHandler) Handle(ctx context.Context, evt events.CanonicalEvent) error {
	ctx, span := h.tracer.Start(ctx, "user_stats_handler.handle",
		trace.WithAttributes(attribute.String("event_id", evt.EventID.String())))
	defer span.End()

	applied, err := h.stats.IncrementTotalUsers(ctx, evt.EventID, h.Name())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to increment user count")
		return fmt.Errorf("incrementing user count for event %s: %w", evt.EventID, err)
	}
	if !applied {
		h.logger.Debug(ctx, "User count already applied for event", "event_id", evt.EventID.String())
	}
	return nil
}

// UserUpdatedHandler applies UserUpdated events to existing user rows.
type UserUpdatedHandler struct {
	users projection.UserStore

	logger *logger.Logger
	tracer trace.Tracer
}

// NewUserUpdatedHandler creates a handler that updates user rows.
func NewUserUpdatedHandler(users projection.UserStore, log *logger.Logger, tracer trace.Tracer) *UserUpdatedHandler {
	return &UserUpdatedHandler{
		users:  users,
		logger: log.With("component", "user_updated_handler"),
		tracer: tracer,
	}
}

func (h *UserUpdatedHandler) Name() string                            { return "user_updated_handler" }
func (h *UserUpdatedHandler) EventType() events.EventType             { return events.EventTypeUserUpdated }
func (h *UserUpdatedHandler) Validate(evt events.CanonicalEvent) bool { return true }

// Handle applies the changed fields. An update for a user that was never
// projected is a handler failure: the create may still be in flight on
// another partition, and redelivery will retry it.
func (h *UserUpdatedHandler) Handle(ctx context.Context, evt events.CanonicalEvent) error {
	ctx, span := h.tracer.Start(ctx, "user_updated_handler.handle",
		trace.WithAttributes(attribute.String("user_id", evt.AggregateID.String())))
	defer span.End()

	update := projection.UserUpdate{
		Email:       optionalString(evt.Payload, "email"),
		Name:        optionalString(evt.Payload, "name"),
		Status:      optionalString(evt.Payload, "status"),
		LastEventID: evt.EventID,
		UpdatedAt:   evt.CreatedAt,
	}

	if err := h.users.Update(ctx, evt.AggregateID, update); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update user projection")
		return fmt.Errorf("updating user %s: %w", evt.AggregateID, err)
	}

	h.logger.Debug(ctx, "User projection updated", "user_id", evt.AggregateID.String())
	return nil
}
