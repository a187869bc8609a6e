// Package memory provides an in-memory stream source for tests and local
// development where a broker is not available. Messages are not persisted:
// anything published before a crash is gone, so it must never back a
// production deployment.
package memory

import (
	"context"
	"sync"

	"github.com/activityhub/event-processor/internal/domain/events"
)

const defaultMaxBatchSize = 100

var _ events.StreamSource = (*Source)(nil)

// Source is an in-memory events.StreamSource. Publish enqueues messages;
// Consume drains them in arrival order, delivering batches capped at the
// configured size.
type Source struct {
	mu        sync.Mutex
	messages  []events.Message
	committed int
	closed    bool

	notify chan struct{}

	maxBatchSize int
}

// NewSource creates an in-memory source delivering batches of at most
// maxBatchSize messages. Values <= 0 fall back to the default.
func NewSource(maxBatchSize int) *Source {
	if maxBatchSize <= 0 {
		maxBatchSize = defaultMaxBatchSize
	}
	return &Source{
		notify:       make(chan struct{}, 1),
		maxBatchSize: maxBatchSize,
	}
}

// Publish enqueues a message for delivery. Publishing after Close is a no-op.
func (s *Source) Publish(msg events.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	s.wake()
}

// Consume delivers queued messages to fn in arrival order until the context
// is cancelled, the source is closed and drained, or fn reports an error.
func (s *Source) Consume(ctx context.Context, fn events.BatchFunc) error {
	for {
		batch, err := s.nextBatch(ctx)
		if err != nil {
			return err
		}
		if batch == nil {
			return nil
		}

		result := fn(ctx, batch)

		committed := result.Committed
		if committed > len(batch) {
			committed = len(batch)
		}
		s.mu.Lock()
		s.committed += committed
		s.mu.Unlock()

		if result.Err != nil {
			return result.Err
		}
	}
}

// Close stops delivery after the queue drains. Safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.wake()
	return nil
}

// Committed reports how many messages consumers have acknowledged so far.
func (s *Source) Committed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

func (s *Source) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// nextBatch blocks until messages are queued, the context ends, or the
// source is closed with an empty queue. A nil batch with nil error means
// closed and drained.
func (s *Source) nextBatch(ctx context.Context) ([]events.Message, error) {
	for {
		s.mu.Lock()
		if len(s.messages) > 0 {
			n := len(s.messages)
			if n > s.maxBatchSize {
				n = s.maxBatchSize
			}
			batch := make([]events.Message, n)
			copy(batch, s.messages[:n])
			s.messages = s.messages[n:]
			s.mu.Unlock()
			return batch, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}
