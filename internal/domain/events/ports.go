// Package events provides the canonical event model and handler contracts
// the change-data-capture dispatch pipeline is built around.
package events

import (
	"context"
	"time"
)

// Message is one raw record delivered by the upstream change stream, before
// any decoding. Partition and Offset identify the record's position for
// commit bookkeeping and diagnostics.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// BatchResult tells the stream source how much of a delivered batch may be
// committed. Committed is the count of leading messages whose offsets are
// safe to advance past; it is always the full batch unless a halt-on-poison
// policy stopped processing early. A non-nil Err ends the consume run.
type BatchResult struct {
	Committed int
	Err       error
}

// BatchFunc processes one batch of raw messages in arrival order and
// reports how far the source may commit.
type BatchFunc func(ctx context.Context, msgs []Message) BatchResult

// StreamSource is an ordered, partitioned stream of change envelopes. It
// abstracts the broker so the dispatcher can be exercised against an
// in-memory stream in tests.
//
// Implementations deliver batches of up to a configured ceiling, invoke fn,
// then commit the acknowledged prefix manually. Auto-commit is never used:
// a crash between fn returning and the commit replays the batch, which is
// what gives the pipeline its at-least-once guarantee.
type StreamSource interface {
	// Consume blocks, delivering batches to fn until the context is
	// cancelled or a fatal error occurs. Cancellation is cooperative and
	// batch-granular: an in-flight batch always completes before Consume
	// returns.
	Consume(ctx context.Context, fn BatchFunc) error

	// Close releases the source's resources.
	Close() error
}
