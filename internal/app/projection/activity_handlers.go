package projection

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/activityhub/event-processor/internal/domain/events"
	"github.com/activityhub/event-processor/internal/domain/projection"
	"github.com/activityhub/event-processor/pkg/common/logger"
)

const defaultActivityStatus = "draft"

// ActivityCreatedHandler projects ActivityCreated events into the
// activities read model and maintains the global activity counter.
type ActivityCreatedHandler struct {
	activities projection.ActivityStore
	stats      projection.StatsStore

	logger *logger.Logger
	tracer trace.Tracer
}

// NewActivityCreatedHandler creates a handler that inserts activity rows.
func NewActivityCreatedHandler(
	activities projection.ActivityStore,
	stats projection.StatsStore,
	log *logger.Logger,
	tracer trace.Tracer,
) *ActivityCreatedHandler {
	return &ActivityCreatedHandler{
		activities: activities,
		stats:      stats,
		logger:     log.With("component", "activity_created_handler"),
		tracer:     tracer,
	}
}

func (h *ActivityCreatedHandler) Name() string                            { return "activity_created_handler" }
func (h *ActivityCreatedHandler) EventType() events.EventType             { return events.EventTypeActivityCreated }
func (h *ActivityCreatedHandler) Validate(evt events.CanonicalEvent) bool { return true }

// Handle inserts the activity row, seeding the participant set with the
// owner, then bumps the global counter through the ledger. The two writes
// are individually idempotent, so a crash between them is repaired by the
// replay.
func (h *ActivityCreatedHandler) Handle(ctx context.Context, evt events.CanonicalEvent) error {
	ctx, span := h.tracer.Start(ctx, "activity_created_handler.handle",
		trace.WithAttributes(attribute.String("activity_id", evt.AggregateID.String())))
	defer span.End()

	title, _ := stringField(evt.Payload, "title")
	description, _ := stringField(evt.Payload, "description")
	status, ok := stringField(evt.Payload, "status")
	if !ok {
		status = defaultActivityStatus
	}

	activity := &projection.Activity{
		ID:            evt.AggregateID,
		Title:         title,
		Description:   description,
		Status:        status,
		AllowedUsers:  idList(evt.Payload, "allowed_users"),
		CreatedAt:     evt.CreatedAt,
		UpdatedAt:     evt.CreatedAt,
		SourceEventID: evt.EventID,
		LastEventID:   evt.EventID,
	}

	if ownerID, ok := idField(evt.Payload, "owner_id"); ok {
		activity.OwnerID = ownerID
		activity.Participants = []uuid.UUID{ownerID}
		activity.ParticipantCount = 1
	}

	if err := h.activities.Create(ctx, activity); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create activity projection")
		return fmt.Errorf("creating activity %s: %w", evt.AggregateID, err)
	}

	applied, err := h.stats.IncrementTotalActivities(ctx, evt.EventID, h.Name())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to increment activity count")
		return fmt.Errorf("incrementing activity count for event %s: %w", evt.EventID, err)
	}
	if !applied {
		h.logger.Debug(ctx, "Activity count already applied for event", "event_id", evt.EventID.String())
	}

	h.logger.Debug(ctx, "Activity projection created", "activity_id", evt.AggregateID.String())
	return nil
}

// ActivityUpdatedHandler applies ActivityUpdated events to existing rows.
type ActivityUpdatedHandler struct {
	activities projection.ActivityStore

	logger *logger.Logger
	tracer trace.Tracer
}

// NewActivityUpdatedHandler creates a handler that updates activity rows.
func NewActivityUpdatedHandler(activities projection.ActivityStore, log *logger.Logger, tracer trace.Tracer) *ActivityUpdatedHandler {
	return &ActivityUpdatedHandler{
		activities: activities,
		logger:     log.With("component", "activity_updated_handler"),
		tracer:     tracer,
	}
}

func (h *ActivityUpdatedHandler) Name() string                            { return "activity_updated_handler" }
func (h *ActivityUpdatedHandler) EventType() events.EventType             { return events.EventTypeActivityUpdated }
func (h *ActivityUpdatedHandler) Validate(evt events.CanonicalEvent) bool { return true }

func (h *ActivityUpdatedHandler) Handle(ctx context.Context, evt events.CanonicalEvent) error {
	ctx, span := h.tracer.Start(ctx, "activity_updated_handler.handle",
		trace.WithAttributes(attribute.String("activity_id", evt.AggregateID.String())))
	defer span.End()

	update := projection.ActivityUpdate{
		Title:        optionalString(evt.Payload, "title"),
		Description:  optionalString(evt.Payload, "description"),
		Status:       optionalString(evt.Payload, "status"),
		AllowedUsers: idList(evt.Payload, "allowed_users"),
		LastEventID:  evt.EventID,
		UpdatedAt:    evt.CreatedAt,
	}

	if err := h.activities.Update(ctx, evt.AggregateID, update); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update activity projection")
		return fmt.Errorf("updating activity %s: %w", evt.AggregateID, err)
	}

	h.logger.Debug(ctx, "Activity projection updated", "activity_id", evt.AggregateID.String())
	return nil
}

// ParticipantJoinedHandler adds users to an activity's participant set.
type ParticipantJoinedHandler struct {
	activities projection.ActivityStore

	logger *logger.Logger
	tracer trace.Tracer
}

// NewParticipantJoinedHandler creates a handler that maintains participant
// sets.
func NewParticipantJoinedHandler(activities projection.ActivityStore, log *logger.Logger, tracer trace.Tracer) *ParticipantJoinedHandler {
	return &ParticipantJoinedHandler{
		activities: activities,
		logger:     log.With("component", "participant_joined_handler"),
		tracer:     tracer,
	}
}

func (h *ParticipantJoinedHandler) Name() string { return "participant_joined_handler" }
func (h *ParticipantJoinedHandler) EventType() events.EventType {
	return events.EventTypeParticipantJoined
}

// Validate requires both ids that address the participant-set update.
// Events without them are declined rather than failed: the upstream writes
// them for every join, so their absence means the event is not a join.
func (h *ParticipantJoinedHandler) Validate(evt events.CanonicalEvent) bool {
	_, hasActivity := stringField(evt.Payload, "activity_id")
	_, hasUser := stringField(evt.Payload, "user_id")
	return hasActivity && hasUser
}

// Handle adds the user to the participant set. A replay finds the user
// already present and changes nothing.
func (h *ParticipantJoinedHandler) Handle(ctx context.Context, evt events.CanonicalEvent) error {
	activityID, _ := idField(evt.Payload, "activity_id")
	userID, _ := idField(evt.Payload, "user_id")

	ctx, span := h.tracer.Start(ctx, "participant_joined_handler.handle",
		trace.WithAttributes(
			attribute.String("activity_id", activityID.String()),
			attribute.String("user_id", userID.String()),
		))
	defer span.End()

	added, err := h.activities.AddParticipant(ctx, activityID, userID, evt.EventID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to add participant")
		return fmt.Errorf("adding participant %s to activity %s: %w", userID, activityID, err)
	}
	if !added {
		h.logger.Debug(ctx, "Participant already present",
			"activity_id", activityID.String(), "user_id", userID.String())
	}

	return nil
}
