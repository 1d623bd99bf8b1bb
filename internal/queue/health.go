package queue

import (
	"sync"
	"time"

	"schemealert/internal/clock"
	"schemealert/internal/types"
)

// Health thresholds. Breaching one degrades the queue; breaching two or more
// marks it unhealthy.
const (
	// statsWindow is the lookback for processing and error rates.
	statsWindow = 5 * time.Minute

	// depthBreachPercent flags the queue when lane depth passes this share
	// of capacity.
	depthBreachPercent = 80.0

	// oldestBreachAge flags the queue when the oldest pending message has
	// waited this long.
	oldestBreachAge = 30 * time.Minute

	// errorBreachPercent flags the queue when the recent error rate passes
	// this share of processed messages.
	errorBreachPercent = 10.0

	// messageOverheadBytes approximates per-message bookkeeping on top of
	// the payload when estimating memory footprint.
	messageOverheadBytes = 256
)

// Health is the advisory snapshot reported by the queue's health check.
// It never gates queue operations.
type Health struct {
	State types.QueueHealthState `json:"state"`

	Depth           int `json:"depth"`
	ScheduledCount  int `json:"scheduled_count"`
	InFlightCount   int `json:"in_flight_count"`
	DeadLetterCount int `json:"dead_letter_count"`

	OldestMessageAge     time.Duration `json:"oldest_message_age"`
	ProcessingRatePerMin float64       `json:"processing_rate_per_min"`
	ErrorRatePercent     float64       `json:"error_rate_percent"`
	ApproxMemoryBytes    int64         `json:"approx_memory_bytes"`

	Issues []string `json:"issues,omitempty"`
}

// Health derives the queue's advisory status from depth, staleness,
// throughput, and error-rate thresholds.
func (q *Queue) Health() Health {
	now := q.clock.Now()
	processed, failed := q.stats.counts(now)

	q.mu.Lock()
	h := Health{
		Depth:           q.laneDepthLocked(),
		ScheduledCount:  len(q.scheduled),
		InFlightCount:   len(q.inflight),
		DeadLetterCount: len(q.deadLetters),
	}

	var oldest time.Time
	var memory int64
	scan := func(msg *types.QueuedMessage) {
		if oldest.IsZero() || msg.Metadata.CreatedAt.Before(oldest) {
			oldest = msg.Metadata.CreatedAt
		}
		memory += int64(len(msg.Payload)) + messageOverheadBytes
	}
	for _, lane := range q.lanes {
		for _, msg := range lane {
			scan(msg)
		}
	}
	for _, msg := range q.inflight {
		scan(msg)
	}
	for _, msg := range q.scheduled {
		memory += int64(len(msg.Payload)) + messageOverheadBytes
	}
	for i := range q.deadLetters {
		memory += int64(len(q.deadLetters[i].Message.Payload)) + messageOverheadBytes
	}
	capacity := q.cfg.MaxSize
	q.mu.Unlock()

	if !oldest.IsZero() {
		h.OldestMessageAge = now.Sub(oldest)
	}
	h.ApproxMemoryBytes = memory
	h.ProcessingRatePerMin = float64(processed) / statsWindow.Minutes()
	if total := processed + failed; total > 0 {
		h.ErrorRatePercent = float64(failed) / float64(total) * 100.0
	}

	if capacity > 0 && float64(h.Depth)/float64(capacity)*100.0 > depthBreachPercent {
		h.Issues = append(h.Issues, "queue depth above capacity threshold")
	}
	if h.OldestMessageAge > oldestBreachAge {
		h.Issues = append(h.Issues, "oldest pending message is stale")
	}
	if h.Depth > 0 && processed == 0 {
		h.Issues = append(h.Issues, "no recent throughput with pending messages")
	}
	if h.ErrorRatePercent > errorBreachPercent {
		h.Issues = append(h.Issues, "error rate above threshold")
	}

	switch len(h.Issues) {
	case 0:
		h.State = types.QueueHealthy
	case 1:
		h.State = types.QueueDegraded
	default:
		h.State = types.QueueUnhealthy
	}
	return h
}

// rateStats tracks recent processed/failed timestamps for rate computation.
// Entries older than the stats window are trimmed on every access.
type rateStats struct {
	mu        sync.Mutex
	clock     clock.Clock
	processed []time.Time
	failed    []time.Time
}

func newRateStats(clk clock.Clock) *rateStats {
	return &rateStats{clock: clk}
}

func (s *rateStats) recordProcessed(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = append(trim(s.processed, at), at)
}

func (s *rateStats) recordError(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(trim(s.failed, at), at)
}

func (s *rateStats) counts(now time.Time) (processed, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = trim(s.processed, now)
	s.failed = trim(s.failed, now)
	return len(s.processed), len(s.failed)
}

func trim(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-statsWindow)
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}
