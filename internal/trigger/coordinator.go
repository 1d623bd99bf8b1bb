// Package trigger implements the alert trigger coordinator: the cycle that
// turns newly changed schemes into enqueued notifications. Each cycle walks
// pending → processing → completed|failed, guarded by a single in-flight
// flag so overlapping invocations become no-ops.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"schemealert/internal/clock"
	"schemealert/internal/config"
	"schemealert/internal/matcher"
	"schemealert/internal/types"
)

// Enqueuer is the slice of the message queue the coordinator depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *types.QueuedMessage) error
}

// EventRecorder persists per-scheme audit records.
type EventRecorder interface {
	SaveTriggerEvent(ctx context.Context, event types.AlertTriggerEvent) error
}

// Match-score bands for queue priority. A near-perfect match is worth
// burning high-priority batch capacity on; marginal qualifiers wait.
const (
	highPriorityScore   = 85
	mediumPriorityScore = 70
)

// CycleResult aggregates one coordinator cycle for observability.
type CycleResult struct {
	CycleID           string                    `json:"cycle_id"`
	Status            types.TriggerStatus       `json:"status"`
	SchemesProcessed  int                       `json:"schemes_processed"`
	SchemesFailed     int                       `json:"schemes_failed"`
	EligibleUsers     int                       `json:"eligible_users"`
	NotificationsSent int                       `json:"notifications_sent"`
	SLABreaches       int                       `json:"sla_breaches"`
	Duration          time.Duration             `json:"duration"`
	Events            []types.AlertTriggerEvent `json:"events,omitempty"`
	Skipped           bool                      `json:"skipped"`
}

// Coordinator drives alert processing cycles. Construct with New; a zero
// value is not usable.
type Coordinator struct {
	cfg       config.TriggerConfig
	clock     clock.Clock
	schemes   types.SchemeSource
	users     types.UserSource
	formatter types.MessageFormatter
	matcher   *matcher.Matcher
	queue     Enqueuer
	recorder  EventRecorder
	logger    types.Logger

	mu       sync.Mutex
	inFlight bool
	cursor   time.Time
}

// Config bundles the coordinator's collaborators.
type Config struct {
	Trigger   config.TriggerConfig
	Clock     clock.Clock
	Schemes   types.SchemeSource
	Users     types.UserSource
	Formatter types.MessageFormatter
	Matcher   *matcher.Matcher
	Queue     Enqueuer
	Recorder  EventRecorder
	Logger    types.Logger
}

// New creates a Coordinator. The cursor starts empty; the first cycle looks
// back exactly one freshness SLA so no scheme change is missed across
// restarts.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:       cfg.Trigger,
		clock:     cfg.Clock,
		schemes:   cfg.Schemes,
		users:     cfg.Users,
		formatter: cfg.Formatter,
		matcher:   cfg.Matcher,
		queue:     cfg.Queue,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
	}
}

// Cursor returns the timestamp the next cycle will list scheme changes from.
func (c *Coordinator) Cursor() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// RunCycle executes one processing cycle. A second invocation while one is
// active is a no-op returning an empty skipped result, not an error. A
// failure listing schemes hard-fails the cycle without advancing the cursor;
// a failure on one scheme is recorded and isolated from its siblings, and
// the cursor still advances so a permanently broken scheme cannot wedge the
// pipeline.
func (c *Coordinator) RunCycle(ctx context.Context) (*CycleResult, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		c.logger.Info("trigger cycle already in flight, skipping")
		return &CycleResult{Skipped: true, Status: types.TriggerCompleted}, nil
	}
	c.inFlight = true
	since := c.cursor
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	start := c.clock.Now()
	if since.IsZero() {
		since = start.Add(-c.cfg.FreshnessSLA)
	}

	result := &CycleResult{
		CycleID: uuid.New().String(),
		Status:  types.TriggerProcessing,
	}
	logger := c.logger.With("cycle_id", result.CycleID)
	logger.Info("trigger cycle started", "since", since.Format(time.RFC3339))

	schemes, err := c.schemes.ListChangedSchemes(ctx, since)
	if err != nil {
		result.Status = types.TriggerFailed
		result.Duration = c.clock.Now().Sub(start)
		logger.Error("listing changed schemes failed", "error", err)
		return result, fmt.Errorf("listing changed schemes: %w", err)
	}

	for _, scheme := range schemes {
		if lag := start.Sub(scheme.UpdatedAt); lag > c.cfg.FreshnessSLA {
			result.SLABreaches++
			logger.Warn("freshness window missed for scheme",
				"scheme_id", scheme.ID,
				"lag", lag.String(),
				"code", string(types.ErrCodeSLAFreshnessBreach),
			)
		}

		event := c.processScheme(ctx, scheme, result.CycleID, start)
		result.Events = append(result.Events, event)
		result.SchemesProcessed++
		result.EligibleUsers += event.EligibleUsers
		result.NotificationsSent += event.NotificationsSent
		if event.Status == types.TriggerFailed {
			result.SchemesFailed++
		}

		if err := c.recorder.SaveTriggerEvent(ctx, event); err != nil {
			logger.Error("recording trigger event failed",
				"scheme_id", scheme.ID, "error", err)
		}
	}

	// Scheme-level failures do not block the cursor: reprocessing a
	// permanently broken scheme forever would starve everything behind it.
	c.mu.Lock()
	c.cursor = start
	c.mu.Unlock()

	result.Status = types.TriggerCompleted
	result.Duration = c.clock.Now().Sub(start)
	logger.Info("trigger cycle complete",
		"schemes", result.SchemesProcessed,
		"failed", result.SchemesFailed,
		"eligible_users", result.EligibleUsers,
		"notifications", result.NotificationsSent,
		"duration", result.Duration.String(),
	)
	return result, nil
}

// processScheme runs matching and enqueueing for one scheme. All failures
// are absorbed into the returned event; nothing propagates to the cycle.
func (c *Coordinator) processScheme(ctx context.Context, scheme types.Scheme, cycleID string, asOf time.Time) types.AlertTriggerEvent {
	start := c.clock.Now()
	event := types.AlertTriggerEvent{
		ID:         uuid.New().String(),
		SchemeID:   scheme.ID,
		CycleID:    cycleID,
		Status:     types.TriggerProcessing,
		OccurredAt: start,
	}

	finish := func(status types.TriggerStatus, err error) types.AlertTriggerEvent {
		event.Status = status
		event.Duration = c.clock.Now().Sub(start)
		if err != nil {
			event.Error = err.Error()
		}
		return event
	}

	filter := matcher.BuildCandidateFilter(scheme, c.cfg.ExcludeApplied)
	candidates, err := c.users.FindCandidateUsers(ctx, filter)
	if err != nil {
		c.logger.Error("candidate lookup failed",
			"scheme_id", scheme.ID, "error", err)
		return finish(types.TriggerFailed,
			types.NewAppError(types.ErrCodeCycleSchemeFailed,
				fmt.Sprintf("candidate lookup for scheme %s", scheme.ID), err))
	}

	matches := c.scoreCandidates(ctx, candidates, scheme, asOf)
	event.EligibleUsers = len(matches)

	for _, m := range matches {
		if c.enqueueNotification(ctx, m.user, scheme, m.result) {
			event.NotificationsSent++
		}
	}

	return finish(types.TriggerCompleted, nil)
}

type scoredCandidate struct {
	user   types.UserProfile
	result types.MatchResult
}

// scoreCandidates runs the matcher over all candidates with bounded
// concurrency and returns the qualifying ones in candidate order. Scoring is
// pure, so workers write disjoint slots and need no locking.
func (c *Coordinator) scoreCandidates(ctx context.Context, candidates []types.UserProfile, scheme types.Scheme, asOf time.Time) []scoredCandidate {
	results := make([]*types.MatchResult, len(candidates))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ScoringConcurrency)
	for i, user := range candidates {
		if !user.Prefs.SchemeAlertsEnabled {
			continue
		}
		g.Go(func() error {
			r := c.matcher.Score(user, scheme, asOf)
			if c.matcher.Qualifies(r) {
				results[i] = &r
			}
			return nil
		})
	}
	// Workers never return errors; Wait only fences completion.
	_ = g.Wait()

	matches := make([]scoredCandidate, 0, len(candidates))
	for i, r := range results {
		if r != nil {
			matches = append(matches, scoredCandidate{user: candidates[i], result: *r})
		}
	}
	return matches
}

// enqueueNotification renders and enqueues one qualifying match. Returns
// whether the message was admitted; failures are logged and skipped so one
// user cannot block the rest of the scheme.
func (c *Coordinator) enqueueNotification(ctx context.Context, user types.UserProfile, scheme types.Scheme, match types.MatchResult) bool {
	channel := preferredChannel(user.Prefs)

	payload, err := c.formatter.Render(ctx, user, scheme, match, channel)
	if err != nil {
		c.logger.Error("rendering notification failed",
			"scheme_id", scheme.ID, "user_id", user.ID, "error", err)
		return false
	}

	msg := &types.QueuedMessage{
		ID:       uuid.New().String(),
		UserID:   user.ID,
		Channel:  channel,
		Priority: priorityFor(match.MatchScore),
		Payload:  payload,
		Metadata: types.MessageMetadata{
			Source:        "alert-trigger",
			CorrelationID: scheme.ID,
		},
	}

	if err := c.queue.Enqueue(ctx, msg); err != nil {
		c.logger.Error("enqueue failed",
			"scheme_id", scheme.ID,
			"user_id", user.ID,
			"code", string(types.CodeOf(err)),
			"error", err,
		)
		return false
	}
	return true
}

// preferredChannel picks the first enabled channel from the user's
// preferences, defaulting to chat.
func preferredChannel(prefs types.NotificationPrefs) types.Channel {
	for _, ch := range prefs.Channels {
		if ch.Valid() {
			return ch
		}
	}
	return types.ChannelChat
}

// priorityFor maps a match score onto a queue priority band.
func priorityFor(score int) types.Priority {
	switch {
	case score >= highPriorityScore:
		return types.PriorityHigh
	case score >= mediumPriorityScore:
		return types.PriorityMedium
	default:
		return types.PriorityLow
	}
}
