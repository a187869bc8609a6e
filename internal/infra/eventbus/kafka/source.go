// Package kafka provides the Kafka-backed stream source the dispatch
// pipeline consumes change envelopes from.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/activityhub/event-processor/internal/domain/events"
	"github.com/activityhub/event-processor/internal/infra/eventbus/kafka/tracing"
	"github.com/activityhub/event-processor/pkg/common/logger"
)

// SourceMetrics defines metrics operations needed to monitor message
// delivery and offset commits.
type SourceMetrics interface {
	IncMessageConsumed(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
	IncCommitCompleted(ctx context.Context, topic string)
	IncCommitError(ctx context.Context, topic string)
	ObserveCommitDuration(ctx context.Context, duration time.Duration)
}

const (
	defaultMaxBatchSize = 100
	defaultMaxBatchWait = time.Second
)

// SourceConfig contains settings for consuming the change topic.
type SourceConfig struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// Topic is the change-capture topic the connector publishes to.
	Topic string

	// GroupID identifies the consumer group. Partition assignment within
	// the group is the only cross-instance coordination the pipeline uses.
	GroupID string

	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string

	// MaxBatchSize caps how many messages are delivered to the dispatcher
	// at once. Defaults to 100.
	MaxBatchSize int

	// MaxBatchWait bounds how long a partial batch waits for more messages
	// before being delivered. Defaults to 1s.
	MaxBatchWait time.Duration
}

var _ events.StreamSource = (*StreamSource)(nil)

// StreamSource implements events.StreamSource on top of a Kafka consumer
// group. It assembles per-partition batches, hands them to the dispatcher,
// and commits offsets manually once the dispatcher acknowledges them.
// Auto-commit stays disabled so a crash mid-batch replays it.
type StreamSource struct {
	consumerGroup sarama.ConsumerGroup
	cfg           *SourceConfig

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics SourceMetrics
}

// NewStreamSource creates a StreamSource from an established consumer group.
func NewStreamSource(
	consumerGroup sarama.ConsumerGroup,
	cfg *SourceConfig,
	log *logger.Logger,
	metrics SourceMetrics,
	tracer trace.Tracer,
) (*StreamSource, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka stream source")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required for kafka stream source")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}

	log = log.With(
		"component", "kafka_stream_source",
		"topic", cfg.Topic,
		"group_id", cfg.GroupID,
		"client_id", cfg.ClientID,
	)

	return &StreamSource{
		consumerGroup: consumerGroup,
		cfg:           cfg,
		logger:        log,
		metrics:       metrics,
		tracer:        tracer,
	}, nil
}

// Consume blocks, delivering batches to fn until the context is cancelled
// or a fatal error occurs. Consumer-group rebalances re-enter the session
// transparently; transport errors are fatal and surface to the caller,
// which is expected to exit and let supervision restart from the last
// committed offset.
func (s *StreamSource) Consume(ctx context.Context, fn events.BatchFunc) error {
	handler := &batchingHandler{
		fn:           fn,
		maxBatchSize: s.cfg.MaxBatchSize,
		maxBatchWait: s.cfg.MaxBatchWait,
		logger:       s.logger,
		tracer:       s.tracer,
		metrics:      s.metrics,
	}

	s.logger.Info(ctx, "Starting consumer group session")

	for {
		err := s.consumerGroup.Consume(ctx, []string{s.cfg.Topic}, handler)
		switch {
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return nil
		case errors.Is(err, context.Canceled):
			return err
		case err != nil:
			s.metrics.IncConsumeError(ctx, s.cfg.Topic)
			return &SessionError{Topic: s.cfg.Topic, GroupID: s.cfg.GroupID, Err: err}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A nil error here means the session ended for a rebalance; start
		// a new one.
		s.logger.Info(ctx, "Consumer group rebalanced, starting new session")
	}
}

// Close shuts down the consumer group.
func (s *StreamSource) Close() error {
	if err := s.consumerGroup.Close(); err != nil {
		return fmt.Errorf("closing consumer group: %w", err)
	}
	s.logger.Info(context.Background(), "Closed stream source")
	return nil
}

// batchingHandler implements sarama.ConsumerGroupHandler. It buffers claim
// messages into batches bounded by size and wait time, invokes the batch
// callback, then marks and commits the acknowledged prefix.
//
// Sarama runs one ConsumeClaim per assigned partition, so batches never mix
// partitions and arrival order inside a partition is preserved, which is
// the only ordering the pipeline guarantees.
type batchingHandler struct {
	fn           events.BatchFunc
	maxBatchSize int
	maxBatchWait time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics SourceMetrics
}

func (h *batchingHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *batchingHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim assembles batches from one partition's message stream. On
// session shutdown or partition revocation the in-flight batch is still
// processed and committed before returning, so cancellation stays
// batch-granular.
func (h *batchingHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.logger.Info(sess.Context(), "Starting to consume from partition",
		"partition", claim.Partition(),
		"initial_offset", claim.InitialOffset(),
		"member_id", sess.MemberID(),
	)

	claimLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())
	batch := make([]*sarama.ConsumerMessage, 0, h.maxBatchSize)

	timer := time.NewTimer(h.maxBatchWait)
	defer timer.Stop()
	stopTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	stopTimer()

	flush := func(ctx context.Context) error {
		if len(batch) == 0 {
			return nil
		}
		stopTimer()

		err := h.deliver(ctx, sess, claimLogger, batch)
		batch = batch[:0]

		return err
	}

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				// Partition revoked or session ending; hand off what we
				// have before the new owner takes over.
				return flush(context.WithoutCancel(sess.Context()))
			}

			h.metrics.IncMessageConsumed(sess.Context(), msg.Topic)
			batch = append(batch, msg)

			if len(batch) == 1 {
				timer.Reset(h.maxBatchWait)
			}
			if len(batch) >= h.maxBatchSize {
				if err := flush(sess.Context()); err != nil {
					return err
				}
			}

		case <-timer.C:
			if err := flush(sess.Context()); err != nil {
				return err
			}

		case <-sess.Context().Done():
			// The in-flight batch always finishes: process and commit it
			// with a detached context before stopping.
			return flush(context.WithoutCancel(sess.Context()))
		}
	}
}

// deliver invokes the batch callback and commits the prefix it
// acknowledged. The dispatcher acknowledges the whole batch except when a
// halt-on-poison policy stops it early; in that case the poison message's
// offset is deliberately left uncommitted so a restart replays it.
func (h *batchingHandler) deliver(
	ctx context.Context,
	sess sarama.ConsumerGroupSession,
	claimLogger *logger.Logger,
	batch []*sarama.ConsumerMessage,
) error {
	ctx, span := tracing.StartBatchSpan(ctx, batch, h.tracer)
	defer span.End()

	msgs := make([]events.Message, len(batch))
	for i, msg := range batch {
		msgs[i] = events.Message{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       msg.Key,
			Value:     msg.Value,
			Timestamp: msg.Timestamp,
		}
	}

	result := h.fn(ctx, msgs)

	committed := result.Committed
	if committed > len(batch) {
		committed = len(batch)
	}

	if committed > 0 {
		last := batch[committed-1]
		sess.MarkOffset(last.Topic, last.Partition, last.Offset+1, "")

		start := time.Now()
		sess.Commit()
		h.metrics.ObserveCommitDuration(ctx, time.Since(start))
		h.metrics.IncCommitCompleted(ctx, last.Topic)

		claimLogger.Debug(ctx, "Committed batch offsets",
			"partition", last.Partition,
			"through_offset", last.Offset,
			"committed", committed,
			"batch_size", len(batch),
		)
	}

	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "batch processing halted")
		span.SetAttributes(attribute.Int("batch.committed", committed))
		return result.Err
	}

	return nil
}
