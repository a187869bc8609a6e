package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/activityhub/event-processor/internal/infra/eventbus/kafka"
)

// ConsumerMetrics defines metrics operations needed by the dispatch loop.
type ConsumerMetrics interface {
	// Stream source metrics.
	kafka.SourceMetrics

	// Event dispatch metrics.
	IncEventsProcessed(ctx context.Context, eventType string)
	IncEventsSkipped(ctx context.Context)
	IncDecodeFailures(ctx context.Context)
	IncUnhandledEvents(ctx context.Context, eventType string)
	IncValidationRejections(ctx context.Context, handler string)
	IncHandlerFailures(ctx context.Context, handler string)
	ObserveHandlerDuration(ctx context.Context, handler string, duration time.Duration)
	ObserveEventProcessingTime(ctx context.Context, duration time.Duration)
	ObserveBatchSize(ctx context.Context, size int)
	ObserveBatchProcessingTime(ctx context.Context, duration time.Duration)
}

// consumerMetrics implements ConsumerMetrics.
type consumerMetrics struct {
	// Stream source metrics.
	messagesConsumed metric.Int64Counter
	consumeErrors    metric.Int64Counter
	commitsCompleted metric.Int64Counter
	commitErrors     metric.Int64Counter
	commitDuration   metric.Float64Histogram

	// Event dispatch metrics.
	eventsProcessed      metric.Int64Counter
	eventsSkipped        metric.Int64Counter
	decodeFailures       metric.Int64Counter
	unhandledEvents      metric.Int64Counter
	validationRejections metric.Int64Counter
	handlerFailures      metric.Int64Counter
	handlerDuration      metric.Float64Histogram
	eventProcessingTime  metric.Float64Histogram
	batchSize            metric.Int64Histogram
	batchProcessingTime  metric.Float64Histogram
}

const namespace = "event_processor"

// NewConsumerMetrics creates a new dispatch metrics instance.
func NewConsumerMetrics(mp metric.MeterProvider) (*consumerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	c := new(consumerMetrics)
	var err error

	if c.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed from the change topic"),
	); err != nil {
		return nil, err
	}

	if c.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if c.commitsCompleted, err = meter.Int64Counter(
		"commits_completed_total",
		metric.WithDescription("Total number of offset commit operations completed successfully"),
	); err != nil {
		return nil, err
	}

	if c.commitErrors, err = meter.Int64Counter(
		"commit_errors_total",
		metric.WithDescription("Total number of offset commit operation errors"),
	); err != nil {
		return nil, err
	}

	if c.commitDuration, err = meter.Float64Histogram(
		"commit_duration_seconds",
		metric.WithDescription("Time taken to commit offsets"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if c.eventsProcessed, err = meter.Int64Counter(
		"events_processed_total",
		metric.WithDescription("Total number of canonical events dispatched to handlers"),
	); err != nil {
		return nil, err
	}

	if c.eventsSkipped, err = meter.Int64Counter(
		"events_skipped_total",
		metric.WithDescription("Total number of change messages skipped by operation type"),
	); err != nil {
		return nil, err
	}

	if c.decodeFailures, err = meter.Int64Counter(
		"decode_failures_total",
		metric.WithDescription("Total number of messages that failed envelope decoding"),
	); err != nil {
		return nil, err
	}

	if c.unhandledEvents, err = meter.Int64Counter(
		"unhandled_events_total",
		metric.WithDescription("Total number of events with no registered handler"),
	); err != nil {
		return nil, err
	}

	if c.validationRejections, err = meter.Int64Counter(
		"validation_rejections_total",
		metric.WithDescription("Total number of events declined by handler validation"),
	); err != nil {
		return nil, err
	}

	if c.handlerFailures, err = meter.Int64Counter(
		"handler_failures_total",
		metric.WithDescription("Total number of handler invocation failures"),
	); err != nil {
		return nil, err
	}

	if c.handlerDuration, err = meter.Float64Histogram(
		"handler_duration_seconds",
		metric.WithDescription("Time taken by individual handler invocations"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if c.eventProcessingTime, err = meter.Float64Histogram(
		"event_processing_duration_seconds",
		metric.WithDescription("End-to-end time to process one canonical event"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if c.batchSize, err = meter.Int64Histogram(
		"batch_size",
		metric.WithDescription("Size of message batches delivered to the dispatcher"),
	); err != nil {
		return nil, err
	}

	if c.batchProcessingTime, err = meter.Float64Histogram(
		"batch_processing_duration_seconds",
		metric.WithDescription("Time taken to process one message batch"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return c, nil
}

// Interface implementation methods.
func (c *consumerMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	c.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (c *consumerMetrics) IncConsumeError(ctx context.Context, topic string) {
	c.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (c *consumerMetrics) IncCommitCompleted(ctx context.Context, topic string) {
	c.commitsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (c *consumerMetrics) IncCommitError(ctx context.Context, topic string) {
	c.commitErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (c *consumerMetrics) ObserveCommitDuration(ctx context.Context, duration time.Duration) {
	c.commitDuration.Record(ctx, duration.Seconds())
}

func (c *consumerMetrics) IncEventsProcessed(ctx context.Context, eventType string) {
	c.eventsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (c *consumerMetrics) IncEventsSkipped(ctx context.Context) {
	c.eventsSkipped.Add(ctx, 1)
}

func (c *consumerMetrics) IncDecodeFailures(ctx context.Context) {
	c.decodeFailures.Add(ctx, 1)
}

func (c *consumerMetrics) IncUnhandledEvents(ctx context.Context, eventType string) {
	c.unhandledEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (c *consumerMetrics) IncValidationRejections(ctx context.Context, handler string) {
	c.validationRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("handler", handler)))
}

func (c *consumerMetrics) IncHandlerFailures(ctx context.Context, handler string) {
	c.handlerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("handler", handler)))
}

func (c *consumerMetrics) ObserveHandlerDuration(ctx context.Context, handler string, duration time.Duration) {
	c.handlerDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("handler", handler)))
}

func (c *consumerMetrics) ObserveEventProcessingTime(ctx context.Context, duration time.Duration) {
	c.eventProcessingTime.Record(ctx, duration.Seconds())
}

func (c *consumerMetrics) ObserveBatchSize(ctx context.Context, size int) {
	c.batchSize.Record(ctx, int64(size))
}

func (c *consumerMetrics) ObserveBatchProcessingTime(ctx context.Context, duration time.Duration) {
	c.batchProcessingTime.Record(ctx, duration.Seconds())
}
