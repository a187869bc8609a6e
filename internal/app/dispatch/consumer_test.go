package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/activityhub/event-processor/internal/domain/events"
	"github.com/activityhub/event-processor/internal/infra/cdc"
	"github.com/activityhub/event-processor/pkg/common/logger"
)

// mockHandler is a manual mock implementation of events.Handler.
type mockHandler struct {
	name      string
	eventType events.EventType

	validateFunc func(evt events.CanonicalEvent) bool
	handleFunc   func(ctx context.Context, evt events.CanonicalEvent) error
}

func (m *mockHandler) Name() string                { return m.name }
func (m *mockHandler) EventType() events.EventType { return m.eventType }

func (m *mockHandler) Validate(evt events.CanonicalEvent) bool {
	if m.validateFunc == nil {
		return true
	}
	return m.validateFunc(evt)
}

func (m *mockHandler) Handle(ctx context.Context, evt events.CanonicalEvent) error {
	if m.handleFunc == nil {
		return nil
	}
	return m.handleFunc(ctx, evt)
}

// fakeStreamSource delivers canned batches through the batch callback, then
// either fails, blocks until cancellation, or returns cleanly.
type fakeStreamSource struct {
	batches          [][]events.Message
	consumeErr       error
	blockUntilCancel bool

	mu      sync.Mutex
	results []events.BatchResult
	closed  bool
}

func (s *fakeStreamSource) Consume(ctx context.Context, fn events.BatchFunc) error {
	for _, batch := range s.batches {
		result := fn(ctx, batch)

		s.mu.Lock()
		s.results = append(s.results, result)
		s.mu.Unlock()

		if result.Err != nil {
			return result.Err
		}
	}

	if s.consumeErr != nil {
		return s.consumeErr
	}
	if s.blockUntilCancel {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *fakeStreamSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStreamSource) batchResults() []events.BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.BatchResult(nil), s.results...)
}

// noopConsumerMetrics implements ConsumerMetrics with no-ops.
type noopConsumerMetrics struct{}

func (noopConsumerMetrics) IncMessageConsumed(context.Context, string)           {}
func (noopConsumerMetrics) IncConsumeError(context.Context, string)              {}
func (noopConsumerMetrics) IncCommitCompleted(context.Context, string)           {}
func (noopConsumerMetrics) IncCommitError(context.Context, string)               {}
func (noopConsumerMetrics) ObserveCommitDuration(context.Context, time.Duration) {}
func (noopConsumerMetrics) IncEventsProcessed(context.Context, string)           {}
func (noopConsumerMetrics) IncEventsSkipped(context.Context)                     {}
func (noopConsumerMetrics) IncDecodeFailures(context.Context)                    {}
func (noopConsumerMetrics) IncUnhandledEvents(context.Context, string)           {}
func (noopConsumerMetrics) IncValidationRejections(context.Context, string)      {}
func (noopConsumerMetrics) IncHandlerFailures(context.Context, string)           {}
func (noopConsumerMetrics) ObserveHandlerDuration(context.Context, string, time.Duration) {
}
func (noopConsumerMetrics) ObserveEventProcessingTime(context.Context, time.Duration) {}
func (noopConsumerMetrics) ObserveBatchSize(context.Context, int)                     {}
func (noopConsumerMetrics) ObserveBatchProcessingTime(context.Context, time.Duration) {}

func newTestConsumer(t *testing.T, source events.StreamSource, registry *events.Registry, cfg Config) *Consumer {
	t.Helper()
	return NewConsumer(
		"consumer-test",
		source,
		registry,
		cdc.NewDecoder(),
		logger.Noop(),
		noopConsumerMetrics{},
		noop.NewTracerProvider().Tracer("test"),
		cfg,
	)
}

func envelopeJSON(t *testing.T, op string, after map[string]any) []byte {
	t.Helper()
	envelope := map[string]any{"op": op, "ts_ms": 1700000000000}
	if after != nil {
		envelope["after"] = after
	}
	raw, err := json.Marshal(envelope)
	require.NoError(t, err)
	return raw
}

func userCreatedAfter(eventID string) map[string]any {
	return map[string]any{
		"event_id":       eventID,
		"aggregate_id":   "a1",
		"aggregate_type": "user",
		"event_type":     "UserCreated",
		"payload":        map[string]any{"user_id": "a1", "name": "Ada"},
		"created_at":     "2024-01-15T10:30:00Z",
	}
}

func singleMessageBatch(value []byte) [][]events.Message {
	return [][]events.Message{{
		{Topic: "outbox", Partition: 0, Offset: 1, Value: value, Timestamp: time.Unix(1700000000, 0)},
	}}
}

func TestConsumer_InvokesHandlersInRegistrationOrder(t *testing.T) {
	var mu sync.Mutex
	var invoked []string

	record := func(name string) func(ctx context.Context, evt events.CanonicalEvent) error {
		return func(ctx context.Context, evt events.CanonicalEvent) error {
			mu.Lock()
			defer mu.Unlock()
			invoked = append(invoked, name)
			return nil
		}
	}

	created := &mockHandler{name: "user_created_handler", eventType: events.EventTypeUserCreated, handleFunc: record("user_created_handler")}
	stats := &mockHandler{name: "user_stats_handler", eventType: events.EventTypeUserCreated, handleFunc: record("user_stats_handler")}

	registry := events.NewRegistry()
	registry.Register(created)
	registry.Register(stats)

	source := &fakeStreamSource{batches: singleMessageBatch(envelopeJSON(t, "c", userCreatedAfter("e1")))}
	consumer := newTestConsumer(t, source, registry, Config{})

	require.NoError(t, consumer.Run(context.Background()))

	assert.Equal(t, []string{"user_created_handler", "user_stats_handler"}, invoked)

	snap := consumer.Stats()
	assert.Equal(t, int64(1), snap.TotalProcessed)
	assert.Zero(t, snap.TotalErrors)
	assert.Zero(t, snap.TotalSkipped)

	results := source.batchResults()
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Committed)
	assert.NoError(t, results[0].Err)
}

func TestConsumer_HandlerSeesCanonicalEventFromAfterImage(t *testing.T) {
	var got events.CanonicalEvent
	handler := &mockHandler{
		name:      "capture",
		eventType: events.EventTypeUserCreated,
		handleFunc: func(ctx context.Context, evt events.CanonicalEvent) error {
			got = evt
			return nil
		},
	}

	registry := events.NewRegistry()
	registry.Register(handler)

	source := &fakeStreamSource{batches: singleMessageBatch(envelopeJSON(t, "c", userCreatedAfter("e1")))}
	consumer := newTestConsumer(t, source, registry, Config{})

	require.NoError(t, consumer.Run(context.Background()))

	assert.Equal(t, cdc.DeterministicID("e1"), got.EventID)
	assert.Equal(t, cdc.DeterministicID("a1"), got.AggregateID)
	assert.Equal(t, "user", got.AggregateType)
	assert.Equal(t, events.EventTypeUserCreated, got.EventType)
	assert.Equal(t, "Ada", got.Payload["name"])
	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), got.CreatedAt)
}

func TestConsumer_SkipsDeleteAndSnapshotOperations(t *testing.T) {
	handler := &mockHandler{
		name:      "user_created_handler",
		eventType: events.EventTypeUserCreated,
		handleFunc: func(ctx context.Context, evt events.CanonicalEvent) error {
			t.Error("handler should not be invoked for skipped operations")
			return nil
		},
	}

	registry := events.NewRegistry()
	registry.Register(handler)

	source := &fakeStreamSource{batches: [][]events.Message{{
		{Topic: "outbox", Offset: 1, Value: envelopeJSON(t, "d", nil)},
		{Topic: "outbox", Offset: 2, Value: envelopeJSON(t, "r", userCreatedAfter("e1"))},
	}}}
	consumer := newTestConsumer(t, source, registry, Config{})

	require.NoError(t, consumer.Run(context.Background()))

	snap := consumer.Stats()
	assert.Zero(t, snap.TotalProcessed)
	assert.Zero(t, snap.TotalErrors)
	assert.Equal(t, int64(2), snap.TotalSkipped)

	results := source.batchResults()
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Committed)
}

func TestConsumer_DuplicateRegistrationInvokesHandlerTwice(t *testing.T) {
	var invocations int
	handler := &mockHandler{
		name:      "user_created_handler",
		eventType: events.EventTypeUserCreated,
		handleFunc: func(ctx context.Context, evt events.CanonicalEvent) error {
			invocations++
			return nil
		},
	}

	registry := events.NewRegistry()
	registry.Register(handler)
	registry.Register(handler)

	source := &fakeStreamSource{batches: singleMessageBatch(envelopeJSON(t, "c", userCreatedAfter("e1")))}
	consumer := newTestConsumer(t, source, registry, Config{})

	require.NoError(t, consumer.Run(context.Background()))

	assert.Equal(t, 2, invocations)
	assert.Equal(t, int64(1), consumer.Stats().TotalProcessed)
}

func TestConsumer_HandlerFailureDoesNotBlockSiblings(t *testing.T) {
	var mu sync.Mutex
	var invoked []string

	first := &mockHandler{name: "first", eventType: events.EventTypeUserCreated,
		handleFunc: func(ctx context.Context, evt events.CanonicalEvent) error {
			mu.Lock()
			defer mu.Unlock()
			invoked = append(invoked, "first")
			return nil
		}}
	failing := &mockHandler{name: "failing", eventType: events.EventTypeUserCreated,
		handleFunc: func(ctx context.Context, evt events.CanonicalEvent) error {
			mu.Lock()
			defer mu.Unlock()
			invoked = append(invoked, "failing")
			return errors.New("projection write failed")
		}}
	last := &mockHandler{name: "last", eventType: events.EventTypeUserCreated,
		handleFunc: func(ctx context.Context, evt events.CanonicalEvent) error {
			mu.Lock()
			defer mu.Unlock()
			invoked = append(invoked, "last")
			return nil
		}}

	registry := events.NewRegistry()
	registry.Register(first)
	registry.Register(failing)
	registry.Register(last)

	source := &fakeStreamSource{batches: singleMessageBatch(envelopeJSON(t, "c", userCreatedAfter("e1")))}
	consumer := newTestConsumer(t, source, registry, Config{})

	require.NoError(t, consumer.Run(context.Background()))

	assert.Equal(t, []string{"first", "failing", "last"}, invoked)

	snap := consumer.Stats()
	assert.Equal(t, int64(1), snap.TotalProcessed)
	assert.Equal(t, int64(1), snap.TotalErrors)

	// A handler failure never blocks the cursor.
	results := source.batchResults()
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Committed)
	assert.NoError(t, results[0].Err)
}

func TestConsumer_ValidationRejectionSkipsHandler(t *testing.T) {
	declined := &mockHandler{
		name:         "declined",
		eventType:    events.EventTypeUserCreated,
		validateFunc: func(evt events.CanonicalEvent) bool { return false },
		handleFunc: func(ctx context.Context, evt events.CanonicalEvent) error {
			t.Error("declined handler should not be invoked")
			return nil
		},
	}

	var invocations int
	accepted := &mockHandler{
		name:      "accepted",
		eventType: events.EventTypeUserCreated,
		handleFunc: func(ctx context.Context, evt events.CanonicalEvent) error {
			invocations++
			return nil
		},
	}

	registry := events.NewRegistry()
	registry.Register(declined)
	registry.Register(accepted)

	source := &fakeStreamSource{batches: singleMessageBatch(envelopeJSON(t, "c", userCreatedAfter("e1")))}
	consumer := newTestConsumer(t, source, registry, Config{})

	require.NoError(t, consumer.Run(context.Background()))

	assert.Equal(t, 1, invocations)

	// A rejection is not an error.
	snap := consumer.Stats()
	assert.Equal(t, int64(1), snap.TotalProcessed)
	assert.Zero(t, snap.TotalErrors)
}

func TestConsumer_UnhandledEventTypeLeftUncounted(t *testing.T) {
	registry := events.NewRegistry()

	source := &fakeStreamSource{batches: singleMessageBatch(envelopeJSON(t, "c", userCreatedAfter("e1")))}
	consumer := newTestConsumer(t, source, registry, Config{})

	require.NoError(t, consumer.Run(context.Background()))

	snap := consumer.Stats()
	assert.Zero(t, snap.TotalProcessed)
	assert.Zero(t, snap.TotalErrors)
	assert.Zero(t, snap.TotalSkipped)

	// The message is still acknowledged.
	results := source.batchResults()
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Committed)
}

func TestConsumer_SkipPolicyAdvancesPastPoisonMessage(t *testing.T) {
	var invocations int
	handler := &mockHandler{
		name:      "user_created_handler",
		eventType: events.EventTypeUserCreated,
		handleFunc: func(ctx context.Context, evt events.CanonicalEvent) error {
			invocations++
			return nil
		},
	}

	registry := events.NewRegistry()
	registry.Register(handler)

	source := &fakeStreamSource{batches: [][]events.Message{{
		{Topic: "outbox", Offset: 1, Value: []byte("not json")},
		{Topic: "outbox", Offset: 2, Value: envelopeJSON(t, "c", userCreatedAfter("e1"))},
	}}}
	consumer := newTestConsumer(t, source, registry, Config{})

	require.NoError(t, consumer.Run(context.Background()))

	assert.Equal(t, 1, invocations)

	snap := consumer.Stats()
	assert.Equal(t, int64(1), snap.TotalProcessed)
	assert.Equal(t, int64(1), snap.TotalErrors)

	results := source.batchResults()
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Committed)
	assert.NoError(t, results[0].Err)
}

func TestConsumer_HaltPolicyCommitsPrefixAndStops(t *testing.T) {
	var invocations int
	handler := &mockHandler{
		name:      "user_created_handler",
		eventType: events.EventTypeUserCreated,
		handleFunc: func(ctx context.Context, evt events.CanonicalEvent) error {
			invocations++
			return nil
		},
	}

	registry := events.NewRegistry()
	registry.Register(handler)

	source := &fakeStreamSource{batches: [][]events.Message{{
		{Topic: "outbox", Offset: 1, Value: envelopeJSON(t, "c", userCreatedAfter("e1"))},
		{Topic: "outbox", Offset: 2, Value: []byte("not json")},
		{Topic: "outbox", Offset: 3, Value: envelopeJSON(t, "c", userCreatedAfter("e2"))},
	}}}
	consumer := newTestConsumer(t, source, registry, Config{DecodeFailurePolicy: DecodePolicyHalt})

	err := consumer.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "poison message")

	// Only the message before the poison one was dispatched.
	assert.Equal(t, 1, invocations)

	results := source.batchResults()
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Committed)
	assert.Error(t, results[0].Err)

	assert.Equal(t, StateStopped, consumer.State())
}

func TestConsumer_TransportErrorIsFatal(t *testing.T) {
	brokerErr := errors.New("all brokers unreachable")
	source := &fakeStreamSource{consumeErr: brokerErr}
	consumer := newTestConsumer(t, source, events.NewRegistry(), Config{})

	err := consumer.Run(context.Background())
	require.ErrorIs(t, err, brokerErr)
	assert.ErrorContains(t, err, "consuming from stream source")
	assert.Equal(t, StateStopped, consumer.State())
}

func TestConsumer_GracefulShutdownOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &fakeStreamSource{blockUntilCancel: true}
	consumer := newTestConsumer(t, source, events.NewRegistry(), Config{})

	assert.Equal(t, StateInitializing, consumer.State())

	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool { return consumer.State() == StateRunning },
		5*time.Second, time.Millisecond)
	assert.True(t, consumer.Stats().Running)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}

	assert.Equal(t, StateStopped, consumer.State())
	assert.False(t, consumer.Stats().Running)
}

func TestConsumer_RedeliveredMessageDispatchesAgain(t *testing.T) {
	var invocations int
	handler := &mockHandler{
		name:      "user_created_handler",
		eventType: events.EventTypeUserCreated,
		handleFunc: func(ctx context.Context, evt events.CanonicalEvent) error {
			invocations++
			return nil
		},
	}

	registry := events.NewRegistry()
	registry.Register(handler)

	// The same envelope delivered twice, as happens when a crash and
	// restart replay an uncommitted batch.
	value := envelopeJSON(t, "c", userCreatedAfter("e1"))
	source := &fakeStreamSource{batches: [][]events.Message{
		{{Topic: "outbox", Offset: 1, Value: value}},
		{{Topic: "outbox", Offset: 1, Value: value}},
	}}
	consumer := newTestConsumer(t, source, registry, Config{})

	require.NoError(t, consumer.Run(context.Background()))

	assert.Equal(t, 2, invocations)
	assert.Equal(t, int64(2), consumer.Stats().TotalProcessed)
}

func TestConsumer_StatsTrackLastBatch(t *testing.T) {
	registry := events.NewRegistry()
	registry.Register(&mockHandler{name: "user_created_handler", eventType: events.EventTypeUserCreated})

	source := &fakeStreamSource{batches: [][]events.Message{{
		{Topic: "outbox", Offset: 1, Value: envelopeJSON(t, "c", userCreatedAfter("e1"))},
		{Topic: "outbox", Offset: 2, Value: envelopeJSON(t, "c", userCreatedAfter("e2"))},
	}}}
	consumer := newTestConsumer(t, source, registry, Config{})

	require.NoError(t, consumer.Run(context.Background()))

	snap := consumer.Stats()
	assert.Equal(t, 2, snap.LastBatchSize)
	assert.False(t, snap.LastBatchAt.IsZero())
	assert.Greater(t, snap.UptimeSeconds, 0.0)
}
