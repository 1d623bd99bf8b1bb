// Package dispatch drives the outbound side of the pipeline: it pulls
// quota-adjusted batches from the message queue, spends rate limiter tokens
// per message at send time, pushes payloads through the channel gateway, and
// feeds every outcome back into the queue's retry and dead-letter logic.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"schemealert/internal/clock"
	"schemealert/internal/queue"
	"schemealert/internal/ratelimit"
	"schemealert/internal/types"
)

// defaultTrackTTL bounds how long a sent message is kept around waiting for
// its delivery receipt before the tracking entry is pruned.
const defaultTrackTTL = 24 * time.Hour

// RateGate is the narrow rate limiter surface the dispatcher spends tokens
// through. Tokens are consumed per message at send time, not at batch
// selection, so an aborted batch never strands spent tokens.
type RateGate interface {
	Consume(channel types.Channel, count int) bool
	Recommend(channel types.Channel, priority types.Priority) ratelimit.Recommendation
}

// Result aggregates one dispatch cycle for observability.
type Result struct {
	CycleID           string        `json:"cycle_id"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	BatchSize         int           `json:"batch_size"`
	Sent              int           `json:"sent"`
	TransientFailures int           `json:"transient_failures"`
	PermanentFailures int           `json:"permanent_failures"`
	Released          int           `json:"released"`
	PerMinute         float64       `json:"per_minute"`
	Skipped           bool          `json:"skipped"`
}

// Dispatcher runs periodic send cycles. It is safe to invoke RunCycle and
// ApplyDeliveryStatus concurrently; a cycle overlapping itself is a no-op.
type Dispatcher struct {
	queue   *queue.Queue
	gate    RateGate
	gateway types.ChannelGateway
	clock   clock.Clock
	logger  types.Logger

	mu       sync.Mutex
	inFlight bool

	trackMu    sync.Mutex
	trackTTL   time.Duration
	deliveries map[string]sentRecord
}

// sentRecord is one accepted send awaiting its delivery receipt.
type sentRecord struct {
	msg    types.QueuedMessage
	sentAt time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTrackTTL overrides how long accepted sends wait for delivery receipts.
func WithTrackTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		d.trackTTL = ttl
	}
}

// New creates a Dispatcher.
func New(q *queue.Queue, gate RateGate, gateway types.ChannelGateway, clk clock.Clock, logger types.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:      q,
		gate:       gate,
		gateway:    gateway,
		clock:      clk,
		logger:     logger.With("component", "dispatcher"),
		trackTTL:   defaultTrackTTL,
		deliveries: make(map[string]sentRecord),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunCycle pulls one batch and sends it. Per-message failures never abort
// the batch; each message resolves independently through the queue.
func (d *Dispatcher) RunCycle(ctx context.Context) *Result {
	d.mu.Lock()
	if d.inFlight {
		d.mu.Unlock()
		d.logger.Info("dispatch cycle already in flight, skipping")
		return &Result{Skipped: true}
	}
	d.inFlight = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight = false
		d.mu.Unlock()
	}()

	start := d.clock.Now()
	result := &Result{
		CycleID:   uuid.New().String(),
		StartedAt: start,
	}

	d.pruneTracked(start)

	batch := d.queue.NextBatch(ctx)
	result.BatchSize = len(batch)
	if len(batch) == 0 {
		return result
	}

	log := d.logger.With("cycle_id", result.CycleID)
	for i := range batch {
		d.dispatchOne(ctx, &batch[i], result, log)
	}

	result.Duration = d.clock.Now().Sub(start)
	if result.Duration > 0 {
		result.PerMinute = float64(result.Sent) / result.Duration.Minutes()
	}

	log.Info("dispatch cycle complete",
		"batch_size", result.BatchSize,
		"sent", result.Sent,
		"transient_failures", result.TransientFailures,
		"permanent_failures", result.PermanentFailures,
		"released", result.Released,
		"duration", result.Duration,
	)
	return result
}

// dispatchOne sends a single message. The gateway call happens with no queue
// or limiter state held; the outcome is applied back through the queue's own
// serialized transitions.
func (d *Dispatcher) dispatchOne(ctx context.Context, msg *types.QueuedMessage, result *Result, log types.Logger) {
	if !d.gate.Consume(msg.Channel, 1) {
		// Tokens ran out mid-batch. The message was never offered to the
		// gateway, so it goes back on the schedule with its budget intact.
		rec := d.gate.Recommend(msg.Channel, msg.Priority)
		delay := rec.Delay
		if delay <= 0 {
			delay = time.Second
		}
		if err := d.queue.Release(ctx, msg.ID, delay); err != nil {
			log.Error("failed to release rate-limited message", "message_id", msg.ID, "error", err)
		}
		result.Released++
		return
	}

	sendResult, err := d.gateway.Send(ctx, msg.Channel, msg.Payload)
	if err != nil {
		if types.IsPermanentDelivery(err) {
			result.PermanentFailures++
		} else {
			result.TransientFailures++
		}
		if markErr := d.queue.MarkFailed(ctx, msg.ID, err); markErr != nil {
			log.Error("failed to record delivery failure", "message_id", msg.ID, "error", markErr)
		}
		return
	}

	d.track(sendResult.DeliveryID, *msg)
	if err := d.queue.MarkSent(ctx, msg.ID); err != nil {
		log.Error("failed to mark message sent", "message_id", msg.ID, "error", err)
		return
	}
	result.Sent++
}

// track remembers an accepted send so a later delivery receipt can be
// resolved back to the message.
func (d *Dispatcher) track(deliveryID string, msg types.QueuedMessage) {
	if deliveryID == "" {
		return
	}
	d.trackMu.Lock()
	defer d.trackMu.Unlock()
	d.deliveries[deliveryID] = sentRecord{msg: msg, sentAt: d.clock.Now()}
}

// pruneTracked drops tracking entries whose receipt never arrived within the
// TTL. A receipt that late is indistinguishable from a lost one.
func (d *Dispatcher) pruneTracked(now time.Time) {
	cutoff := now.Add(-d.trackTTL)
	d.trackMu.Lock()
	defer d.trackMu.Unlock()
	for id, rec := range d.deliveries {
		if rec.sentAt.Before(cutoff) {
			delete(d.deliveries, id)
		}
	}
}

// TrackedDeliveries reports how many accepted sends are awaiting receipts.
func (d *Dispatcher) TrackedDeliveries() int {
	d.trackMu.Lock()
	defer d.trackMu.Unlock()
	return len(d.deliveries)
}
