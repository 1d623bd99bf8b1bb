// Package ratelimit enforces per-channel delivery provider quotas. Each
// channel carries two short-window token buckets (second, minute) refilled
// lazily from elapsed time, and two long-window quota counters (hour, day)
// keyed by period strings with explicit reset timestamps.
//
// All state is in-memory arithmetic; the limiter never makes external calls.
// Consume/refill operations are serialized behind one mutex so tokens cannot
// be double-spent under concurrent access.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"schemealert/internal/clock"
	"schemealert/internal/config"
	"schemealert/internal/types"
)

// Recommendation is the limiter's scheduling advice for a channel.
type Recommendation struct {
	// CanSendNow is true when every window has capacity for one message.
	CanSendNow bool

	// Delay is the recommended deferral when CanSendNow is false: the time
	// until the exhausted window frees enough capacity. Callers re-check at
	// send time, so an optimistic estimate self-corrects.
	Delay time.Duration

	// AlternateChannel suggests a channel that currently has capacity, when
	// one exists. Advisory only; channel choice stays with the caller.
	AlternateChannel *types.Channel

	// LimitingWindow names the window that blocked sending ("second",
	// "minute", "hour", "day"). Empty when CanSendNow.
	LimitingWindow string
}

// Snapshot is a point-in-time view of one channel's rate limit state.
type Snapshot struct {
	Channel        types.Channel `json:"channel"`
	SecondTokens   float64       `json:"second_tokens"`
	MinuteTokens   float64       `json:"minute_tokens"`
	HourUsed       int           `json:"hour_used"`
	HourLimit      int           `json:"hour_limit"`
	HourResetAt    time.Time     `json:"hour_reset_at"`
	DayUsed        int           `json:"day_used"`
	DayLimit       int           `json:"day_limit"`
	DayResetAt     time.Time     `json:"day_reset_at"`
	DayUtilization float64       `json:"day_utilization"` // percentage
}

// quotaWindow is a cumulative counter for one long window. The counter for
// an expired period is lazily discarded on the next read.
type quotaWindow struct {
	limit     int
	periodKey string
	used      int
	resetAt   time.Time
}

// roll discards the counter if now has moved past the window's period.
func (w *quotaWindow) roll(now time.Time, key string, resetAt time.Time) {
	if w.periodKey != key {
		w.periodKey = key
		w.used = 0
		w.resetAt = resetAt
	}
}

func (w *quotaWindow) remaining() int {
	r := w.limit - w.used
	if r < 0 {
		return 0
	}
	return r
}

// channelState holds all four windows for one channel.
type channelState struct {
	cfg    config.ChannelRateConfig
	second *rate.Limiter
	minute *rate.Limiter
	hour   quotaWindow
	day    quotaWindow
}

// Limiter tracks token buckets and quotas for every channel.
// It is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	channels map[types.Channel]*channelState
	alerts   *quotaAlerter
	logger   types.Logger
}

// New creates a Limiter for the chat and text channels from configuration.
// The alert function may be nil; quota alerts are then logged only.
func New(cfg config.RateLimitConfig, clk clock.Clock, logger types.Logger) *Limiter {
	l := &Limiter{
		clock:    clk,
		channels: make(map[types.Channel]*channelState, len(types.AllChannels)),
		logger:   logger,
	}
	l.channels[types.ChannelChat] = newChannelState(cfg.Chat(), clk.Now())
	l.channels[types.ChannelText] = newChannelState(cfg.Text(), clk.Now())
	l.alerts = newQuotaAlerter(cfg, clk, logger)
	return l
}

func newChannelState(cfg config.ChannelRateConfig, now time.Time) *channelState {
	// Bucket capacity is the configured rate plus the burst allowance.
	st := &channelState{
		cfg:    cfg,
		second: rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.PerSecond+cfg.Burst),
		minute: rate.NewLimiter(rate.Limit(float64(cfg.PerMinute)/60.0), cfg.PerMinute+cfg.Burst),
	}
	st.hour = quotaWindow{limit: cfg.HourlyQuota}
	st.day = quotaWindow{limit: cfg.DailyQuota}
	st.hour.roll(now, hourKey(now), nextHour(now))
	st.day.roll(now, dayKey(now), nextDay(now))
	return st
}

// SubscribeQuotaAlerts registers a quota alert observer and returns its id.
func (l *Limiter) SubscribeQuotaAlerts(fn QuotaAlertFunc) string {
	return l.alerts.subscribe(fn)
}

// UnsubscribeQuotaAlerts removes a previously registered observer.
func (l *Limiter) UnsubscribeQuotaAlerts(id string) {
	l.alerts.unsubscribe(id)
}

// CanSend reports whether count messages can be sent on the channel right
// now: every window (second, minute, hour, day) must have enough remaining
// capacity. CanSend never consumes.
func (l *Limiter) CanSend(channel types.Channel, count int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.channels[channel]
	if !ok {
		return false
	}
	window, _ := l.limitingWindow(st, count, l.clock.Now())
	return window == ""
}

// Consume atomically spends count tokens on the channel across all windows.
// If any window lacks capacity it consumes nothing and returns false;
// callers must never assume partial consumption.
func (l *Limiter) Consume(channel types.Channel, count int) bool {
	l.mu.Lock()
	st, ok := l.channels[channel]
	if !ok {
		l.mu.Unlock()
		return false
	}

	// One clock read for both the capacity check and the spend: a refill
	// between two reads could otherwise pass the check while the spend at
	// the earlier instant fails, reporting success on an unspent bucket.
	now := l.clock.Now()
	if window, _ := l.limitingWindow(st, count, now); window != "" {
		l.mu.Unlock()
		return false
	}

	// Same instant as the check, so both buckets must admit.
	if !st.second.AllowN(now, count) || !st.minute.AllowN(now, count) {
		l.mu.Unlock()
		return false
	}
	st.hour.used += count
	st.day.used += count

	hourUtil := utilization(st.hour.used, st.hour.limit)
	dayUtil := utilization(st.day.used, st.day.limit)
	l.mu.Unlock()

	// Alert evaluation happens outside the state lock; it may invoke
	// arbitrary observer callbacks.
	l.alerts.evaluate(channel, "hour", hourUtil)
	l.alerts.evaluate(channel, "day", dayUtil)

	return true
}

// Recommend returns scheduling advice for sending one message on the
// channel at the given priority. High-priority lookups also probe the other
// channel so the caller can fail over when the preferred one is saturated.
func (l *Limiter) Recommend(channel types.Channel, priority types.Priority) Recommendation {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.channels[channel]
	if !ok {
		return Recommendation{CanSendNow: false, Delay: time.Minute, LimitingWindow: "unknown"}
	}

	now := l.clock.Now()
	window, delay := l.limitingWindow(st, 1, now)
	if window == "" {
		return Recommendation{CanSendNow: true}
	}

	rec := Recommendation{
		CanSendNow:     false,
		Delay:          delay,
		LimitingWindow: window,
	}

	// Suggest the other channel when it has immediate capacity. Only
	// surfaced for high priority; routine alerts just wait.
	if priority == types.PriorityHigh {
		for _, alt := range types.AllChannels {
			if alt == channel {
				continue
			}
			if altState, ok := l.channels[alt]; ok {
				if w, _ := l.limitingWindow(altState, 1, now); w == "" {
					altCopy := alt
					rec.AlternateChannel = &altCopy
					break
				}
			}
		}
	}

	return rec
}

// DayUtilization returns the channel's daily quota utilization percentage.
// The message queue uses this to shrink batch sizes under quota pressure.
func (l *Limiter) DayUtilization(channel types.Channel) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.channels[channel]
	if !ok {
		return 0
	}
	now := l.clock.Now()
	st.day.roll(now, dayKey(now), nextDay(now))
	return utilization(st.day.used, st.day.limit)
}

// SnapshotChannel returns a point-in-time view of one channel's state.
func (l *Limiter) SnapshotChannel(channel types.Channel) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.channels[channel]
	if !ok {
		return Snapshot{Channel: channel}
	}

	now := l.clock.Now()
	st.hour.roll(now, hourKey(now), nextHour(now))
	st.day.roll(now, dayKey(now), nextDay(now))

	return Snapshot{
		Channel:        channel,
		SecondTokens:   st.second.TokensAt(now),
		MinuteTokens:   st.minute.TokensAt(now),
		HourUsed:       st.hour.used,
		HourLimit:      st.hour.limit,
		HourResetAt:    st.hour.resetAt,
		DayUsed:        st.day.used,
		DayLimit:       st.day.limit,
		DayResetAt:     st.day.resetAt,
		DayUtilization: utilization(st.day.used, st.day.limit),
	}
}

// limitingWindow rolls the quota windows forward to now and returns the
// first window without capacity for count along with the time until it
// frees. Returns ("", 0) when every window has capacity. Callers must hold
// l.mu and pass the same now they spend with.
func (l *Limiter) limitingWindow(st *channelState, count int, now time.Time) (string, time.Duration) {
	st.hour.roll(now, hourKey(now), nextHour(now))
	st.day.roll(now, dayKey(now), nextDay(now))

	if tokens := st.second.TokensAt(now); tokens < float64(count) {
		return "second", bucketDelay(tokens, count, float64(st.cfg.PerSecond))
	}
	if tokens := st.minute.TokensAt(now); tokens < float64(count) {
		return "minute", bucketDelay(tokens, count, float64(st.cfg.PerMinute)/60.0)
	}
	if st.hour.remaining() < count {
		return "hour", st.hour.resetAt.Sub(now)
	}
	if st.day.remaining() < count {
		return "day", st.day.resetAt.Sub(now)
	}
	return "", 0
}

// bucketDelay is the time a continuously refilling bucket needs to
// accumulate the missing tokens.
func bucketDelay(tokens float64, count int, perSecond float64) time.Duration {
	if perSecond <= 0 {
		return time.Minute
	}
	missing := float64(count) - tokens
	d := time.Duration(missing / perSecond * float64(time.Second))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func utilization(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}

func hourKey(t time.Time) string {
	return fmt.Sprintf("%s-%02d", t.UTC().Format("2006-01-02"), t.UTC().Hour())
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func nextHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}

func nextDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
