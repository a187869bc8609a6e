// Package projection contains the event handlers that fold canonical events
// into the persistent read models. Handlers are registered with the event
// registry and invoked by the dispatch loop; each one is idempotent because
// the upstream delivery is at-least-once.
package projection

import (
	"github.com/google/uuid"

	"github.com/activityhub/event-processor/internal/infra/cdc"
)

// stringField returns the payload value for key when it is a non-empty
// string.
func stringField(payload map[string]any, key string) (string, bool) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return "", false
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// optionalString returns a pointer to the payload string for key, or nil
// when absent. Update events carry only the fields that changed.
func optionalString(payload map[string]any, key string) *string {
	s, ok := stringField(payload, key)
	if !ok {
		return nil
	}
	return &s
}

// idField resolves the payload value for key to a UUID, deriving a
// deterministic one for non-UUID source keys.
func idField(payload map[string]any, key string) (uuid.UUID, bool) {
	s, ok := stringField(payload, key)
	if !ok {
		return uuid.Nil, false
	}
	return cdc.DeterministicID(s), true
}

// idList resolves a payload array of id strings. Non-string elements are
// dropped.
func idList(payload map[string]any, key string) []uuid.UUID {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok || s == "" {
			continue
		}
		ids = append(ids, cdc.DeterministicID(s))
	}
	return ids
}
