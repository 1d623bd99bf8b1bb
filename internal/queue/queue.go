// Package queue implements the quota-aware priority message queue: three
// FIFO lanes, a scheduled-delivery store, an in-flight set, and a capped
// dead-letter store with retry backoff in between. All mutations serialize
// on a single mutex; external I/O never happens while it is held.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"schemealert/internal/clock"
	"schemealert/internal/config"
	"schemealert/internal/ratelimit"
	"schemealert/internal/types"
)

// RateAdvisor is the slice of the rate limiter the queue consults: scheduling
// recommendations at admission and daily quota pressure for batch sizing.
type RateAdvisor interface {
	Recommend(channel types.Channel, priority types.Priority) ratelimit.Recommendation
	DayUtilization(channel types.Channel) float64
}

// Quota pressure thresholds for batch sizing. Below the reduced threshold
// lanes drain at full configured size; between the two they drain at half
// size; above the high-only threshold only the high lane is served.
const (
	quotaReducedPercent  = 75.0
	quotaHighOnlyPercent = 90.0
)

// Queue is the in-memory message queue. Construct with New; the zero value
// is not usable.
type Queue struct {
	mu sync.Mutex

	cfg    config.QueueConfig
	policy RetryPolicy
	clock  clock.Clock
	logger types.Logger

	advisor RateAdvisor
	store   types.MessageStore
	archive *Archive
	jitter  JitterFunc

	lanes     map[types.Priority][]*types.QueuedMessage
	scheduled map[string]*types.QueuedMessage
	inflight  map[string]*types.QueuedMessage
	failures  map[string][]types.FailureRecord

	deadLetters []types.DeadLetterEntry

	events *eventBus
	stats  *rateStats
}

// Option configures optional queue collaborators.
type Option func(*Queue)

// WithRateAdvisor wires the rate limiter's scheduling advice into admission
// and batch sizing. Without it the queue admits at face value.
func WithRateAdvisor(a RateAdvisor) Option {
	return func(q *Queue) { q.advisor = a }
}

// WithStore wires a durable message store. Store failures are logged and do
// not fail queue operations; in-memory state is the source of truth within
// one process lifetime.
func WithStore(s types.MessageStore) Option {
	return func(q *Queue) { q.store = s }
}

// WithArchive wires the compressed archive that receives dead-letter entries
// evicted under the store's capacity cap.
func WithArchive(a *Archive) Option {
	return func(q *Queue) { q.archive = a }
}

// WithJitterFunc replaces the retry jitter for deterministic tests.
func WithJitterFunc(fn JitterFunc) Option {
	return func(q *Queue) { q.jitter = fn }
}

var messageValidator = validator.New()

// New constructs an empty queue.
func New(cfg config.QueueConfig, clk clock.Clock, logger types.Logger, opts ...Option) *Queue {
	q := &Queue{
		cfg: cfg,
		policy: RetryPolicy{
			MaxRetries:    cfg.DefaultMaxRetries,
			BaseDelay:     cfg.RetryBaseDelay,
			MaxDelay:      cfg.RetryMaxDelay,
			BackoffFactor: cfg.RetryBackoffFactor,
		},
		clock:     clk,
		logger:    logger,
		jitter:    defaultJitter,
		lanes:     make(map[types.Priority][]*types.QueuedMessage, len(types.PrioritiesDescending)),
		scheduled: make(map[string]*types.QueuedMessage),
		inflight:  make(map[string]*types.QueuedMessage),
		failures:  make(map[string][]types.FailureRecord),
		events:    newEventBus(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.stats = newRateStats(clk)
	return q
}

// SubscribeEvents registers an observer for queue state transitions and
// returns its id for later unsubscription.
func (q *Queue) SubscribeEvents(fn EventFunc) string {
	return q.events.subscribe(fn)
}

// UnsubscribeEvents removes a previously registered observer.
func (q *Queue) UnsubscribeEvents(id string) {
	q.events.unsubscribe(id)
}

// Enqueue admits a message. Invalid messages are rejected synchronously
// without mutating state; a full queue rejects with a capacity error. When a
// rate advisor is wired and the channel is saturated, the message's
// scheduledAt is pushed forward by the recommended delay instead of
// rejecting. Messages scheduled in the future land in the scheduled store,
// everything else in the lane matching its priority.
func (q *Queue) Enqueue(ctx context.Context, msg *types.QueuedMessage) error {
	if err := validateMessage(msg); err != nil {
		return err
	}

	now := q.clock.Now()
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = q.cfg.DefaultMaxRetries
	}
	if msg.Metadata.CreatedAt.IsZero() {
		msg.Metadata.CreatedAt = now
	}
	msg.Metadata.UpdatedAt = now
	if msg.ScheduledAt.IsZero() {
		msg.ScheduledAt = now
	}

	deferred := false
	if q.advisor != nil {
		rec := q.advisor.Recommend(msg.Channel, msg.Priority)
		if !rec.CanSendNow {
			pushed := now.Add(rec.Delay)
			if pushed.After(msg.ScheduledAt) {
				msg.ScheduledAt = pushed
			}
			deferred = true
			q.logger.Info("enqueue deferred by rate limit",
				"message_id", msg.ID,
				"channel", string(msg.Channel),
				"window", rec.LimitingWindow,
				"delay", rec.Delay.String(),
				"code", string(types.ErrCodeRateLimitDeferred),
			)
		}
	}

	var pending []Event
	q.mu.Lock()
	if q.holdsMessage(msg.ID) {
		q.mu.Unlock()
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"duplicate message id", nil, map[string]any{"message_id": msg.ID})
	}

	if msg.ScheduledAt.After(now) {
		q.scheduled[msg.ID] = msg
		ev := q.eventFor(EventScheduled, msg, now)
		if deferred {
			ev.Detail = string(types.ErrCodeRateLimitDeferred)
		}
		pending = append(pending, ev)
	} else {
		if q.activeSizeLocked()+1 > q.cfg.MaxSize {
			q.mu.Unlock()
			return types.NewAppErrorWithDetails(types.ErrCodeCapacityQueue,
				"queue capacity exceeded", nil,
				map[string]any{"capacity": q.cfg.MaxSize})
		}
		q.lanes[msg.Priority] = append(q.lanes[msg.Priority], msg)
		pending = append(pending, q.eventFor(EventEnqueued, msg, now))
	}
	q.mu.Unlock()

	q.persistMessage(ctx, *msg)
	q.events.publish(pending)
	return nil
}

// PromoteScheduled moves scheduled messages whose time has come into their
// priority lane, oldest scheduledAt first, stopping at queue capacity. It
// runs before every batch selection and may also be driven by a timer.
func (q *Queue) PromoteScheduled(ctx context.Context) int {
	now := q.clock.Now()

	var pending []Event
	q.mu.Lock()
	due := make([]*types.QueuedMessage, 0)
	for _, msg := range q.scheduled {
		if !msg.ScheduledAt.After(now) {
			due = append(due, msg)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})

	promoted := 0
	for _, msg := range due {
		if q.activeSizeLocked()+1 > q.cfg.MaxSize {
			q.logger.Warn("promotion paused at queue capacity",
				"waiting", len(due)-promoted,
			)
			break
		}
		delete(q.scheduled, msg.ID)
		msg.Metadata.UpdatedAt = now
		q.lanes[msg.Priority] = append(q.lanes[msg.Priority], msg)
		pending = append(pending, q.eventFor(EventPromoted, msg, now))
		promoted++
	}
	q.mu.Unlock()

	q.events.publish(pending)
	return promoted
}

// NextBatch promotes due scheduled messages, then pulls a bounded batch from
// the lanes in priority order. Lane caps shrink as daily quota utilization
// rises, down to high-priority-only above the critical threshold. Pulled
// messages move to the in-flight set until MarkSent or MarkFailed resolves
// them.
func (q *Queue) NextBatch(ctx context.Context) []types.QueuedMessage {
	q.PromoteScheduled(ctx)

	high, medium, low := q.batchSizes()

	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make([]types.QueuedMessage, 0, high+medium+low)
	batch = q.pullLaneLocked(batch, types.PriorityHigh, high)
	batch = q.pullLaneLocked(batch, types.PriorityMedium, medium)
	batch = q.pullLaneLocked(batch, types.PriorityLow, low)
	return batch
}

// pullLaneLocked dequeues up to limit messages from one lane into the
// in-flight set, preserving enqueue order.
func (q *Queue) pullLaneLocked(batch []types.QueuedMessage, priority types.Priority, limit int) []types.QueuedMessage {
	lane := q.lanes[priority]
	n := limit
	if n > len(lane) {
		n = len(lane)
	}
	for i := 0; i < n; i++ {
		msg := lane[i]
		q.inflight[msg.ID] = msg
		batch = append(batch, *msg)
	}
	q.lanes[priority] = lane[n:]
	return batch
}

// batchSizes derives per-lane caps from the worst daily quota utilization
// across channels.
func (q *Queue) batchSizes() (high, medium, low int) {
	high, medium, low = q.cfg.BatchSizeHigh, q.cfg.BatchSizeMedium, q.cfg.BatchSizeLow
	if q.advisor == nil {
		return high, medium, low
	}

	var worst float64
	for _, ch := range types.AllChannels {
		if u := q.advisor.DayUtilization(ch); u > worst {
			worst = u
		}
	}

	switch {
	case worst >= quotaHighOnlyPercent:
		return high, 0, 0
	case worst >= quotaReducedPercent:
		return (high + 1) / 2, (medium + 1) / 2, (low + 1) / 2
	default:
		return high, medium, low
	}
}

// MarkSent resolves an in-flight message as delivered and removes it.
func (q *Queue) MarkSent(ctx context.Context, id string) error {
	now := q.clock.Now()

	q.mu.Lock()
	msg, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return types.NewAppError(types.ErrCodeNotFoundMessage,
			fmt.Sprintf("message %s is not in flight", id), nil)
	}
	delete(q.inflight, id)
	delete(q.failures, id)
	ev := q.eventFor(EventSent, msg, now)
	q.mu.Unlock()

	q.stats.recordProcessed(now)
	q.deleteStored(ctx, id)
	q.events.publish([]Event{ev})
	return nil
}

// MarkFailed resolves an in-flight message as failed. Permanent delivery
// errors dead-letter immediately regardless of remaining retry budget;
// transient errors within budget re-enter the scheduled store with
// exponential backoff and jitter; an exhausted budget dead-letters with the
// full failure history.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	if cause == nil {
		cause = errors.New("delivery failed")
	}
	now := q.clock.Now()

	var pending []Event
	var persist *types.QueuedMessage
	var deadLetter *types.DeadLetterEntry
	var evicted *types.DeadLetterEntry

	q.mu.Lock()
	msg, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return types.NewAppError(types.ErrCodeNotFoundMessage,
			fmt.Sprintf("message %s is not in flight", id), nil)
	}
	delete(q.inflight, id)

	q.failures[id] = append(q.failures[id], types.FailureRecord{
		At:     now,
		Reason: cause.Error(),
		Code:   string(types.CodeOf(cause)),
	})

	// A message gets maxRetries delivery attempts in total: once the failure
	// history reaches that count the retry budget is spent. The RetryCount
	// check bounds messages whose history was reset by an interim success,
	// such as an accepted send later failed by a delivery receipt.
	switch {
	case types.IsPermanentDelivery(cause),
		len(q.failures[id]) >= msg.MaxRetries,
		msg.RetryCount >= msg.MaxRetries:
		entry, evictedEntry := q.deadLetterLocked(msg, now)
		deadLetter = entry
		evicted = evictedEntry
		pending = append(pending, q.eventFor(EventDeadLettered, msg, now))
		if evictedEntry != nil {
			ev := q.eventFor(EventDeadLetterEvicted, &evictedEntry.Message, now)
			ev.Detail = "evicted at dead-letter capacity"
			pending = append(pending, ev)
		}
	default:
		msg.RetryCount++
		delay := q.jitter(CalculateRetryDelay(q.policy, msg.RetryCount))
		msg.ScheduledAt = now.Add(delay)
		msg.Metadata.UpdatedAt = now
		q.scheduled[id] = msg
		ev := q.eventFor(EventRetryScheduled, msg, now)
		ev.Detail = fmt.Sprintf("retry %d/%d in %s", msg.RetryCount, msg.MaxRetries, delay)
		pending = append(pending, ev)
		persist = msg
	}
	q.mu.Unlock()

	q.stats.recordError(now)

	if persist != nil {
		q.persistMessage(ctx, *persist)
	}
	if deadLetter != nil {
		q.persistDeadLetter(ctx, *deadLetter)
		q.deleteStored(ctx, id)
	}
	if evicted != nil {
		q.archiveDeadLetter(ctx, *evicted)
	}
	q.events.publish(pending)
	return nil
}

// Release returns an in-flight message to the scheduled store without
// recording a failure. The dispatcher uses this when rate limiter tokens run
// out mid-batch: the message was never offered to the gateway, so it keeps
// its full retry budget and re-enters a lane once the delay elapses.
func (q *Queue) Release(ctx context.Context, id string, delay time.Duration) error {
	now := q.clock.Now()

	q.mu.Lock()
	msg, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return types.NewAppError(types.ErrCodeNotFoundMessage,
			fmt.Sprintf("message %s is not in flight", id), nil)
	}
	delete(q.inflight, id)
	msg.ScheduledAt = now.Add(delay)
	msg.Metadata.UpdatedAt = now
	q.scheduled[id] = msg
	ev := q.eventFor(EventScheduled, msg, now)
	ev.Detail = fmt.Sprintf("released for %s, channel saturated", delay)
	q.mu.Unlock()

	q.persistMessage(ctx, *msg)
	q.events.publish([]Event{ev})
	return nil
}

// ReportDeliveryFailure applies a post-send failure for a message the queue
// no longer holds, typically a failed receipt from the delivery status feed
// arriving after the gateway accepted the send. The message re-enters the
// same retry/dead-letter bookkeeping as an in-flight failure.
func (q *Queue) ReportDeliveryFailure(ctx context.Context, msg types.QueuedMessage, cause error) error {
	q.mu.Lock()
	if _, ok := q.inflight[msg.ID]; ok {
		q.mu.Unlock()
		return q.MarkFailed(ctx, msg.ID, cause)
	}
	if q.holdsMessage(msg.ID) {
		// Already back in a lane or the scheduled store; the receipt is
		// stale and the live copy owns the retry bookkeeping.
		q.mu.Unlock()
		return nil
	}
	m := msg
	q.inflight[m.ID] = &m
	q.mu.Unlock()

	return q.MarkFailed(ctx, m.ID, cause)
}

// deadLetterLocked moves a message into the dead-letter store, evicting the
// oldest entry when the store is at capacity. Returns the new entry and the
// evicted one, if any.
func (q *Queue) deadLetterLocked(msg *types.QueuedMessage, now time.Time) (*types.DeadLetterEntry, *types.DeadLetterEntry) {
	var evicted *types.DeadLetterEntry
	if len(q.deadLetters) >= q.cfg.DeadLetterMaxSize {
		old := q.deadLetters[0]
		q.deadLetters = q.deadLetters[1:]
		evicted = &old
	}

	history := q.failures[msg.ID]
	failures := make([]types.FailureRecord, len(history))
	copy(failures, history)
	delete(q.failures, msg.ID)

	entry := types.DeadLetterEntry{
		Message:  *msg,
		Failures: failures,
		FailedAt: now,
	}
	q.deadLetters = append(q.deadLetters, entry)
	return &entry, evicted
}

// DeadLetters returns a copy of the dead-letter store, oldest first.
func (q *Queue) DeadLetters() []types.DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.DeadLetterEntry, len(q.deadLetters))
	copy(out, q.deadLetters)
	return out
}

// RequeueDeadLetter is the operator action that puts a dead-lettered message
// back into its priority lane with a fresh retry budget. The failure history
// is dropped with the entry; the message starts over.
func (q *Queue) RequeueDeadLetter(ctx context.Context, messageID string) error {
	now := q.clock.Now()

	q.mu.Lock()
	idx := q.deadLetterIndexLocked(messageID)
	if idx < 0 {
		q.mu.Unlock()
		return types.NewAppError(types.ErrCodeNotFoundDeadLetter,
			fmt.Sprintf("dead-letter entry %s not found", messageID), nil)
	}
	if q.activeSizeLocked()+1 > q.cfg.MaxSize {
		q.mu.Unlock()
		return types.NewAppErrorWithDetails(types.ErrCodeCapacityQueue,
			"queue capacity exceeded", nil, map[string]any{"capacity": q.cfg.MaxSize})
	}

	entry := q.deadLetters[idx]
	q.deadLetters = append(q.deadLetters[:idx], q.deadLetters[idx+1:]...)

	msg := entry.Message
	msg.RetryCount = 0
	msg.ScheduledAt = now
	msg.Metadata.UpdatedAt = now
	q.lanes[msg.Priority] = append(q.lanes[msg.Priority], &msg)
	ev := q.eventFor(EventRequeued, &msg, now)
	q.mu.Unlock()

	q.logger.Info("dead-letter entry requeued", "message_id", messageID)
	q.deleteStoredDeadLetter(ctx, messageID)
	q.persistMessage(ctx, msg)
	q.events.publish([]Event{ev})
	return nil
}

// DiscardDeadLetter is the operator action that drops a dead-letter entry.
// The entry is archived on the way out, so a discard stays recoverable.
func (q *Queue) DiscardDeadLetter(ctx context.Context, messageID string) error {
	now := q.clock.Now()

	q.mu.Lock()
	idx := q.deadLetterIndexLocked(messageID)
	if idx < 0 {
		q.mu.Unlock()
		return types.NewAppError(types.ErrCodeNotFoundDeadLetter,
			fmt.Sprintf("dead-letter entry %s not found", messageID), nil)
	}
	entry := q.deadLetters[idx]
	q.deadLetters = append(q.deadLetters[:idx], q.deadLetters[idx+1:]...)
	ev := q.eventFor(EventDiscarded, &entry.Message, now)
	q.mu.Unlock()

	q.logger.Info("dead-letter entry discarded", "message_id", messageID)
	q.archiveDeadLetter(ctx, entry)
	q.events.publish([]Event{ev})
	return nil
}

// Depth returns the number of messages waiting in priority lanes.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.laneDepthLocked()
}

// ScheduledCount returns the number of messages parked in the scheduled store.
func (q *Queue) ScheduledCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.scheduled)
}

// InFlightCount returns the number of messages awaiting a send result.
func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// DeadLetterCount returns the dead-letter store size.
func (q *Queue) DeadLetterCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deadLetters)
}

func (q *Queue) laneDepthLocked() int {
	depth := 0
	for _, lane := range q.lanes {
		depth += len(lane)
	}
	return depth
}

func (q *Queue) activeSizeLocked() int {
	return q.laneDepthLocked() + len(q.inflight)
}

func (q *Queue) holdsMessage(id string) bool {
	if _, ok := q.scheduled[id]; ok {
		return true
	}
	if _, ok := q.inflight[id]; ok {
		return true
	}
	for _, lane := range q.lanes {
		for _, msg := range lane {
			if msg.ID == id {
				return true
			}
		}
	}
	return q.deadLetterIndexLocked(id) >= 0
}

func (q *Queue) deadLetterIndexLocked(messageID string) int {
	for i, entry := range q.deadLetters {
		if entry.Message.ID == messageID {
			return i
		}
	}
	return -1
}

func (q *Queue) eventFor(t EventType, msg *types.QueuedMessage, at time.Time) Event {
	return Event{
		Type:      t,
		MessageID: msg.ID,
		UserID:    msg.UserID,
		Channel:   msg.Channel,
		Priority:  msg.Priority,
		At:        at,
	}
}

// persistMessage writes through to the durable store when one is wired.
// Store failures are logged, never surfaced: in-memory state is the source
// of truth within one process lifetime.
func (q *Queue) persistMessage(ctx context.Context, msg types.QueuedMessage) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveMessage(ctx, msg); err != nil {
		q.logger.Error("durable store save failed", "message_id", msg.ID, "error", err)
	}
}

func (q *Queue) deleteStored(ctx context.Context, id string) {
	if q.store == nil {
		return
	}
	if err := q.store.DeleteMessage(ctx, id); err != nil {
		q.logger.Error("durable store delete failed", "message_id", id, "error", err)
	}
}

func (q *Queue) persistDeadLetter(ctx context.Context, entry types.DeadLetterEntry) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveDeadLetter(ctx, entry); err != nil {
		q.logger.Error("durable store dead-letter save failed",
			"message_id", entry.Message.ID, "error", err)
	}
}

func (q *Queue) deleteStoredDeadLetter(ctx context.Context, messageID string) {
	if q.store == nil {
		return
	}
	if err := q.store.DeleteDeadLetter(ctx, messageID); err != nil {
		q.logger.Error("durable store dead-letter delete failed",
			"message_id", messageID, "error", err)
	}
}

// archiveDeadLetter compresses a dead-letter entry leaving the store, whether
// evicted under the capacity cap or discarded by an operator, so neither path
// silently loses an undelivered alert.
func (q *Queue) archiveDeadLetter(ctx context.Context, entry types.DeadLetterEntry) {
	q.deleteStoredDeadLetter(ctx, entry.Message.ID)
	if q.archive == nil {
		q.logger.Warn("dead-letter entry dropped without archive",
			"message_id", entry.Message.ID)
		return
	}
	if err := q.archive.Store(entry); err != nil {
		q.logger.Error("dead-letter archive failed",
			"message_id", entry.Message.ID, "error", err)
	}
}

// validateMessage maps struct tag violations onto the validation error codes
// operators see. The first violation wins.
func validateMessage(msg *types.QueuedMessage) error {
	if msg == nil {
		return types.NewAppError(types.ErrCodeValidationMissingField, "message is nil", nil)
	}

	err := messageValidator.Struct(msg)
	if err == nil {
		if msg.RetryCount < 0 || (msg.MaxRetries > 0 && msg.RetryCount > msg.MaxRetries) {
			return types.NewAppError(types.ErrCodeValidationRetryBudget,
				"retry count outside budget", nil)
		}
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return types.NewAppError(types.ErrCodeValidationMissingField, "invalid message", err)
	}

	first := verrs[0]
	code := types.ErrCodeValidationMissingField
	switch first.Field() {
	case "Channel":
		code = types.ErrCodeValidationChannel
	case "Priority":
		code = types.ErrCodeValidationPriority
	case "Payload":
		code = types.ErrCodeValidationEmptyPayload
	}
	return types.NewAppErrorWithDetails(code,
		fmt.Sprintf("invalid message field %s", first.Field()), err,
		map[string]any{"field": first.Field(), "rule": first.Tag()})
}
