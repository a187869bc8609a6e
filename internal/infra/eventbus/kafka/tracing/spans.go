package tracing

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// StartBatchSpan creates a new span covering the delivery of one message
// batch to the dispatcher, including offset commit.
func StartBatchSpan(ctx context.Context, batch []*sarama.ConsumerMessage, tracer trace.Tracer) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		semconv.MessagingSystemKafka,
		semconv.MessagingOperationReceive,
		semconv.MessagingBatchMessageCount(len(batch)),
	}
	if len(batch) > 0 {
		first := batch[0]
		attrs = append(attrs,
			semconv.MessagingDestinationName(first.Topic),
			semconv.MessagingKafkaDestinationPartition(int(first.Partition)),
			semconv.MessagingKafkaMessageOffset(int(first.Offset)),
		)
	}
	return tracer.Start(ctx, "kafka.deliver_batch", trace.WithAttributes(attrs...))
}
