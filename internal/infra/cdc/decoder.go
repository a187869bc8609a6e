package cdc

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/activityhub/event-processor/internal/domain/events"
)

// Required after-image fields for create and update operations.
const (
	fieldEventID       = "event_id"
	fieldAggregateID   = "aggregate_id"
	fieldAggregateType = "aggregate_type"
	fieldEventType     = "event_type"
	fieldPayload       = "payload"
	fieldCreatedAt     = "created_at"
	fieldSequenceID    = "sequence_id"
)

// Decoder normalizes raw change envelopes into canonical events. It is
// stateless and safe for concurrent use.
type Decoder struct{}

// NewDecoder constructs a Decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Decode classifies the envelope's operation and maps its after-image onto a
// CanonicalEvent.
//
// Delete and snapshot operations return (nil, true, nil): a deterministic
// skip signal, never an error. Create and update operations require an
// after-image carrying event_id, aggregate_id, aggregate_type, event_type,
// payload, and created_at; anything missing yields a DecodeError.
func (d *Decoder) Decode(value []byte) (*events.CanonicalEvent, bool, error) {
	var envelope ChangeEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return nil, false, DecodeError{Reason: "invalid JSON", Err: err}
	}

	switch envelope.Op {
	case OpDelete, OpSnapshot:
		return nil, true, nil
	case OpCreate, OpUpdate:
	default:
		return nil, false, DecodeError{Field: "op", Reason: "unknown operation " + string(envelope.Op)}
	}

	if envelope.After == nil {
		return nil, false, DecodeError{Field: "after", Reason: "missing after image for operation " + string(envelope.Op)}
	}

	eventID, err := requiredID(envelope.After, fieldEventID)
	if err != nil {
		return nil, false, err
	}

	aggregateID, err := requiredID(envelope.After, fieldAggregateID)
	if err != nil {
		return nil, false, err
	}

	aggregateType, err := requiredString(envelope.After, fieldAggregateType)
	if err != nil {
		return nil, false, err
	}

	eventType, err := requiredString(envelope.After, fieldEventType)
	if err != nil {
		return nil, false, err
	}

	payload, err := payloadObject(envelope.After)
	if err != nil {
		return nil, false, err
	}

	createdAt, err := sourceTimestamp(envelope.After)
	if err != nil {
		return nil, false, err
	}

	evt := events.CanonicalEvent{
		EventID:       eventID,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     events.EventType(eventType),
		Payload:       payload,
		CreatedAt:     createdAt,
		Sequence:      optionalSequence(envelope.After),
	}

	return &evt, false, nil
}

func requiredString(after map[string]any, field string) (string, error) {
	raw, ok := after[field]
	if !ok || raw == nil {
		return "", DecodeError{Field: "after." + field, Reason: "missing required field"}
	}

	s, ok := raw.(string)
	if !ok || s == "" {
		return "", DecodeError{Field: "after." + field, Reason: "expected non-empty string"}
	}

	return s, nil
}

// requiredID parses the field as a UUID. Sources that key rows by something
// other than a UUID still need a stable identity downstream, so non-UUID
// strings are mapped to a deterministic name-based UUID instead of failing.
func requiredID(after map[string]any, field string) (uuid.UUID, error) {
	s, err := requiredString(after, field)
	if err != nil {
		return uuid.Nil, err
	}

	return DeterministicID(s), nil
}

// DeterministicID returns the value parsed as a UUID when it is one, or a
// name-based UUID derived from it otherwise. The same input always yields
// the same id, which keeps replays idempotent.
func DeterministicID(s string) uuid.UUID {
	if id, err := uuid.Parse(s); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(s))
}

// payloadObject extracts the event body. The capture connector emits json
// columns as embedded JSON strings, so both shapes are accepted.
func payloadObject(after map[string]any) (map[string]any, error) {
	raw, ok := after[fieldPayload]
	if !ok || raw == nil {
		return nil, DecodeError{Field: "after." + fieldPayload, Reason: "missing required field"}
	}

	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case string:
		var payload map[string]any
		if err := json.Unmarshal([]byte(v), &payload); err != nil {
			return nil, DecodeError{Field: "after." + fieldPayload, Reason: "embedded JSON is invalid", Err: err}
		}
		return payload, nil
	default:
		return nil, DecodeError{Field: "after." + fieldPayload, Reason: "expected object or JSON string"}
	}
}

// sourceTimestamp derives the event's creation time from source data. The
// connector emits timestamp columns either as RFC3339 strings or as epoch
// integers whose unit depends on converter settings; magnitude decides the
// unit. The decoder's own clock is never consulted.
func sourceTimestamp(after map[string]any) (time.Time, error) {
	raw, ok := after[fieldCreatedAt]
	if !ok || raw == nil {
		return time.Time{}, DecodeError{Field: "after." + fieldCreatedAt, Reason: "missing required field"}
	}

	switch v := raw.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, DecodeError{Field: "after." + fieldCreatedAt, Reason: "expected RFC3339 timestamp", Err: err}
		}
		return ts.UTC(), nil
	case float64:
		return epochToTime(int64(v)), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, DecodeError{Field: "after." + fieldCreatedAt, Reason: "expected integer epoch", Err: err}
		}
		return epochToTime(n), nil
	default:
		return time.Time{}, DecodeError{Field: "after." + fieldCreatedAt, Reason: "expected timestamp string or epoch integer"}
	}
}

func epochToTime(n int64) time.Time {
	switch {
	case n >= 1e15: // microseconds
		return time.UnixMicro(n).UTC()
	case n >= 1e12: // milliseconds
		return time.UnixMilli(n).UTC()
	default: // seconds
		return time.Unix(n, 0).UTC()
	}
}

func optionalSequence(after map[string]any) int64 {
	raw, ok := after[fieldSequenceID]
	if !ok || raw == nil {
		return 0
	}

	switch v := raw.(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
