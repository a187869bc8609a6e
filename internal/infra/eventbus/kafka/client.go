package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/activityhub/event-processor/pkg/common/logger"
)

// ClientConfig contains all configuration needed for Kafka client setup
type ClientConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
}

// NewClient creates and configures a Kafka client with the provided settings.
// Offsets are committed manually after each processed batch, so auto-commit
// is disabled here.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Group.Member.UserData = []byte(cfg.ClientID)
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Version should be consistent across all components
	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

// ConnectStreamSource creates a StreamSource using the provided Kafka client.
// It handles retries for establishing the consumer group connection, since
// brokers are often still coming up when the processor starts.
func ConnectStreamSource(
	cfg *SourceConfig,
	client sarama.Client,
	log *logger.Logger,
	metrics SourceMetrics,
	tracer trace.Tracer,
) (*StreamSource, error) {
	var source *StreamSource

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			return fmt.Errorf("creating consumer group: %w", err)
		}

		source, err = NewStreamSource(consumerGroup, cfg, log, metrics, tracer)
		if err != nil {
			consumerGroup.Close()
			return fmt.Errorf("creating stream source: %w", err)
		}
		return nil
	}

	err := backoff.Retry(operation, expBackoff)
	if err != nil {
		return nil, fmt.Errorf("failed to connect stream source after retries: %w", err)
	}

	return source, nil
}
