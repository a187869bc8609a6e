package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/activityhub/event-processor/internal/domain/events"
)

// ProcessingResult records the outcome of dispatching one canonical event.
// It is transient: the consumer folds it into counters and the latency
// window, then discards it.
type ProcessingResult struct {
	EventID   uuid.UUID
	EventType events.EventType
	Handlers  int
	Failures  int
	Duration  time.Duration
}

// StatsSnapshot is a point-in-time, read-only view of the consumer's
// counters for health endpoints and tests. Only the dispatch loop mutates
// the underlying values.
type StatsSnapshot struct {
	State          State
	Running        bool
	TotalProcessed int64
	TotalErrors    int64
	TotalSkipped   int64
	UptimeSeconds  float64
	LastBatchSize  int
	LastBatchAt    time.Time
}

// LatencySummary aggregates per-event dispatch latencies over one summary
// window.
type LatencySummary struct {
	Count int
	Min   time.Duration
	Avg   time.Duration
	Max   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// maxWindowSamples bounds the per-window sample buffer. At the default batch
// ceiling and summary cadence the window rarely exceeds a few thousand
// events; anything past the bound still feeds min/avg/max exactly and is
// simply absent from the percentiles.
const maxWindowSamples = 4096

// latencyWindow collects dispatch latencies between summary emissions.
type latencyWindow struct {
	mu      sync.Mutex
	count   int
	sum     time.Duration
	min     time.Duration
	max     time.Duration
	samples []time.Duration
}

func newLatencyWindow() *latencyWindow {
	return &latencyWindow{samples: make([]time.Duration, 0, 256)}
}

func (w *latencyWindow) observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == 0 || d < w.min {
		w.min = d
	}
	if d > w.max {
		w.max = d
	}
	w.sum += d
	w.count++

	if len(w.samples) < maxWindowSamples {
		w.samples = append(w.samples, d)
	}
}

// drain returns the summary for the window observed so far and resets it.
func (w *latencyWindow) drain() LatencySummary {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == 0 {
		return LatencySummary{}
	}

	sorted := make([]time.Duration, len(w.samples))
	copy(sorted, w.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	summary := LatencySummary{
		Count: w.count,
		Min:   w.min,
		Avg:   w.sum / time.Duration(w.count),
		Max:   w.max,
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}

	w.count = 0
	w.sum = 0
	w.min = 0
	w.max = 0
	w.samples = w.samples[:0]

	return summary
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
