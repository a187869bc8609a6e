// Package dispatch owns the event-dispatch loop of the CDC pipeline: it
// pulls batches of change messages from an upstream stream source, decodes
// them into canonical events, fans each event out to its registered
// handlers, and commits the upstream cursor only after a whole batch has
// been processed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/activityhub/event-processor/internal/domain/events"
	"github.com/activityhub/event-processor/pkg/common/logger"
)

// Decoder normalizes a raw message value into a canonical event, a skip
// signal, or a decode error.
type Decoder interface {
	Decode(value []byte) (*events.CanonicalEvent, bool, error)
}

// DecodeFailurePolicy selects what happens to the upstream cursor when a
// message cannot be decoded.
type DecodeFailurePolicy string

const (
	// DecodePolicySkip advances past the poison message. Matching the
	// source system's behavior, the malformed record is counted, logged,
	// and left behind; recovering it is an upstream concern.
	DecodePolicySkip DecodeFailurePolicy = "skip"

	// DecodePolicyHalt commits only the messages before the poison one and
	// stops the run. Supervision restarts the process, which replays the
	// same message; the failure stays visible until someone intervenes.
	DecodePolicyHalt DecodeFailurePolicy = "halt"
)

const defaultSummaryInterval = 30 * time.Second

// Config holds the dispatch loop's tunables.
type Config struct {
	// SummaryInterval is the cadence for aggregate throughput and latency
	// summaries. Defaults to 30s.
	SummaryInterval time.Duration

	// DecodeFailurePolicy decides offset handling for undecodable
	// messages. Defaults to DecodePolicySkip.
	DecodeFailurePolicy DecodeFailurePolicy
}

// Consumer is the dispatch loop. One Consumer runs per process instance;
// partition exclusion across instances is the upstream delivery layer's
// job, never ours.
//
// Delivery is at-least-once: the cursor is committed manually after a whole
// batch has been processed, so a crash mid-batch replays it. Handlers must
// be idempotent for that to be safe.
type Consumer struct {
	id string

	source   events.StreamSource
	registry *events.Registry
	decoder  Decoder

	policy          DecodeFailurePolicy
	summaryInterval time.Duration

	logger  *logger.Logger
	metrics ConsumerMetrics
	tracer  trace.Tracer

	state     atomic.Int32
	startedAt time.Time

	totalProcessed atomic.Int64
	totalErrors    atomic.Int64
	totalSkipped   atomic.Int64

	lastBatchSize atomic.Int64
	lastBatchAt   atomic.Int64 // unix nanos

	window *latencyWindow
}

// NewConsumer wires a dispatch loop against the given source, registry and
// decoder. The registry is an explicit dependency so the loop can be
// exercised in isolation with fakes.
func NewConsumer(
	id string,
	source events.StreamSource,
	registry *events.Registry,
	decoder Decoder,
	log *logger.Logger,
	metrics ConsumerMetrics,
	tracer trace.Tracer,
	cfg Config,
) *Consumer {
	if cfg.SummaryInterval <= 0 {
		cfg.SummaryInterval = defaultSummaryInterval
	}
	if cfg.DecodeFailurePolicy == "" {
		cfg.DecodeFailurePolicy = DecodePolicySkip
	}

	c := &Consumer{
		id:              id,
		source:          source,
		registry:        registry,
		decoder:         decoder,
		policy:          cfg.DecodeFailurePolicy,
		summaryInterval: cfg.SummaryInterval,
		logger:          log.With("component", "dispatch_consumer", "consumer_id", id),
		metrics:         metrics,
		tracer:          tracer,
		window:          newLatencyWindow(),
	}
	c.state.Store(int32(StateInitializing))

	return c
}

// Run blocks, dispatching batches until the context is cancelled or a fatal
// transport error occurs. Cancellation is cooperative and batch-granular:
// the in-flight batch always finishes, its offsets are committed, and only
// then does Run return. Run returns nil on graceful shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	c.startedAt = time.Now()
	c.setState(ctx, StateRunning)
	c.logger.Info(ctx, "Dispatch loop started",
		"decode_failure_policy", string(c.policy),
		"summary_interval", c.summaryInterval.String(),
		"registered_event_types", len(c.registry.EventTypes()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		c.setState(context.WithoutCancel(gctx), StateShuttingDown)
		return nil
	})

	g.Go(func() error {
		c.emitSummaries(gctx)
		return nil
	})

	g.Go(func() error {
		if err := c.source.Consume(gctx, c.processBatch); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("consuming from stream source: %w", err)
		}
		// A clean return still stops the run; the sentinel unblocks the
		// other goroutines without surfacing as a failure.
		return errConsumeDone
	})

	err := g.Wait()

	shutdownCtx := context.WithoutCancel(ctx)
	c.setState(shutdownCtx, StateStopped)
	c.logSummary(shutdownCtx)
	c.logger.Info(shutdownCtx, "Dispatch loop stopped",
		"total_processed", c.totalProcessed.Load(),
		"total_errors", c.totalErrors.Load(),
		"total_skipped", c.totalSkipped.Load(),
	)

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errConsumeDone) {
		return err
	}
	return nil
}

// errConsumeDone signals a clean end of consumption through the errgroup.
var errConsumeDone = errors.New("consume finished")

// State returns the loop's current lifecycle state.
func (c *Consumer) State() State { return State(c.state.Load()) }

// Stats returns a point-in-time snapshot of the loop's counters.
func (c *Consumer) Stats() StatsSnapshot {
	state := c.State()

	var uptime float64
	if !c.startedAt.IsZero() {
		uptime = time.Since(c.startedAt).Seconds()
	}

	var lastBatchAt time.Time
	if nanos := c.lastBatchAt.Load(); nanos > 0 {
		lastBatchAt = time.Unix(0, nanos)
	}

	return StatsSnapshot{
		State:          state,
		Running:        state == StateRunning,
		TotalProcessed: c.totalProcessed.Load(),
		TotalErrors:    c.totalErrors.Load(),
		TotalSkipped:   c.totalSkipped.Load(),
		UptimeSeconds:  uptime,
		LastBatchSize:  int(c.lastBatchSize.Load()),
		LastBatchAt:    lastBatchAt,
	}
}

func (c *Consumer) setState(ctx context.Context, next State) {
	prev := State(c.state.Swap(int32(next)))
	if prev != next {
		c.logger.Info(ctx, "Consumer state changed", "from", prev.String(), "to", next.String())
	}
}

// processBatch handles one batch in arrival order and reports how far the
// source may commit. Every outcome except a halt-policy poison message
// acknowledges the full batch; individual failures never block the cursor.
func (c *Consumer) processBatch(ctx context.Context, msgs []events.Message) events.BatchResult {
	ctx, span := c.tracer.Start(ctx, "dispatch_consumer.process_batch",
		trace.WithAttributes(attribute.Int("batch.size", len(msgs))))
	defer span.End()

	start := time.Now()

	for i, msg := range msgs {
		if err := c.processMessage(ctx, msg); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "halted on poison message")
			return events.BatchResult{Committed: i, Err: err}
		}
	}

	c.lastBatchSize.Store(int64(len(msgs)))
	c.lastBatchAt.Store(time.Now().UnixNano())
	c.metrics.ObserveBatchSize(ctx, len(msgs))
	c.metrics.ObserveBatchProcessingTime(ctx, time.Since(start))

	return events.BatchResult{Committed: len(msgs)}
}

// processMessage decodes and dispatches one message. It returns a non-nil
// error only when the halt policy demands the batch stop at this message;
// every other failure is absorbed into counters and logs.
func (c *Consumer) processMessage(ctx context.Context, msg events.Message) error {
	ctx, span := c.tracer.Start(ctx, "dispatch_consumer.process_message",
		trace.WithAttributes(
			attribute.Int64("messaging.kafka.offset", msg.Offset),
			attribute.Int("messaging.kafka.partition", int(msg.Partition)),
		))
	defer span.End()

	start := time.Now()

	evt, skipped, err := c.decoder.Decode(msg.Value)
	if err != nil {
		c.totalErrors.Add(1)
		c.metrics.IncDecodeFailures(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		c.logger.Error(ctx, "Failed to decode change envelope",
			"error", err, "partition", msg.Partition, "offset", msg.Offset)

		if c.policy == DecodePolicyHalt {
			return fmt.Errorf("poison message at partition %d offset %d: %w", msg.Partition, msg.Offset, err)
		}
		return nil
	}

	if skipped {
		c.totalSkipped.Add(1)
		c.metrics.IncEventsSkipped(ctx)
		c.logger.Debug(ctx, "Change skipped", "partition", msg.Partition, "offset", msg.Offset)
		return nil
	}

	span.SetAttributes(
		attribute.String("event.id", evt.EventID.String()),
		attribute.String("event.type", string(evt.EventType)),
	)

	handlers := c.registry.Handlers(evt.EventType)
	if len(handlers) == 0 {
		// Expected during incremental handler rollout; the event is left
		// uncounted so totals only reflect dispatched work.
		c.metrics.IncUnhandledEvents(ctx, string(evt.EventType))
		c.logger.Warn(ctx, "No handlers registered for event type",
			"event_type", string(evt.EventType), "event_id", evt.EventID.String())
		return nil
	}

	var failures int
	for _, handler := range handlers {
		if !handler.Validate(*evt) {
			c.metrics.IncValidationRejections(ctx, handler.Name())
			c.logger.Debug(ctx, "Handler declined event",
				"handler", handler.Name(),
				"event_type", string(evt.EventType),
				"event_id", evt.EventID.String(),
			)
			continue
		}

		if err := c.invokeHandler(ctx, handler, *evt); err != nil {
			failures++
		}
	}

	result := ProcessingResult{
		EventID:   evt.EventID,
		EventType: evt.EventType,
		Handlers:  len(handlers),
		Failures:  failures,
		Duration:  time.Since(start),
	}
	c.recordResult(ctx, result)

	return nil
}

// invokeHandler isolates one handler invocation: any failure is logged,
// counted, and swallowed so sibling handlers and the rest of the batch
// still run.
func (c *Consumer) invokeHandler(ctx context.Context, handler events.Handler, evt events.CanonicalEvent) error {
	ctx, span := c.tracer.Start(ctx, "dispatch_consumer.invoke_handler",
		trace.WithAttributes(
			attribute.String("handler.name", handler.Name()),
			attribute.String("event.id", evt.EventID.String()),
			attribute.String("event.type", string(evt.EventType)),
		))
	defer span.End()

	start := time.Now()
	err := handler.Handle(ctx, evt)
	c.metrics.ObserveHandlerDuration(ctx, handler.Name(), time.Since(start))

	if err != nil {
		c.totalErrors.Add(1)
		c.metrics.IncHandlerFailures(ctx, handler.Name())
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		c.logger.Error(ctx, "Handler failed",
			"handler", handler.Name(),
			"event_type", string(evt.EventType),
			"event_id", evt.EventID.String(),
			"error", err,
		)
		return err
	}

	return nil
}

func (c *Consumer) recordResult(ctx context.Context, result ProcessingResult) {
	c.totalProcessed.Add(1)
	c.window.observe(result.Duration)
	c.metrics.IncEventsProcessed(ctx, string(result.EventType))
	c.metrics.ObserveEventProcessingTime(ctx, result.Duration)
}

func (c *Consumer) emitSummaries(ctx context.Context) {
	ticker := time.NewTicker(c.summaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.logSummary(ctx)
		}
	}
}

func (c *Consumer) logSummary(ctx context.Context) {
	summary := c.window.drain()
	throughput := float64(summary.Count) / c.summaryInterval.Seconds()

	c.logger.Info(ctx, "Dispatch summary",
		"state", c.State().String(),
		"total_processed", c.totalProcessed.Load(),
		"total_errors", c.totalErrors.Load(),
		"total_skipped", c.totalSkipped.Load(),
		"window_events", summary.Count,
		"throughput_eps", throughput,
		"latency_min_ms", durationMillis(summary.Min),
		"latency_avg_ms", durationMillis(summary.Avg),
		"latency_max_ms", durationMillis(summary.Max),
		"latency_p50_ms", durationMillis(summary.P50),
		"latency_p95_ms", durationMillis(summary.P95),
		"latency_p99_ms", durationMillis(summary.P99),
	)
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
