package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"schemealert/internal/clock"
	"schemealert/internal/config"
	"schemealert/internal/types"
)

// QuotaAlert is an observational notice that a channel's quota utilization
// crossed a configured threshold. Alerts never block sending by themselves.
type QuotaAlert struct {
	Channel     types.Channel         `json:"channel"`
	Window      string                `json:"window"` // "hour" or "day"
	Level       types.QuotaAlertLevel `json:"level"`
	Utilization float64               `json:"utilization"`
	At          time.Time             `json:"at"`
}

// QuotaAlertFunc receives quota alerts. Observers must not block; slow
// consumers should hand off to their own goroutine.
type QuotaAlertFunc func(alert QuotaAlert)

// quotaAlerter fires threshold alerts with a per-(channel, window, level)
// cooldown so sustained pressure does not produce alert storms.
type quotaAlerter struct {
	mu        sync.Mutex
	warning   float64
	critical  float64
	cooldown  time.Duration
	clock     clock.Clock
	lastFired map[string]time.Time
	observers map[string]QuotaAlertFunc
	logger    types.Logger
}

func newQuotaAlerter(cfg config.RateLimitConfig, clk clock.Clock, logger types.Logger) *quotaAlerter {
	return &quotaAlerter{
		warning:   cfg.WarningPercent,
		critical:  cfg.CriticalPercent,
		cooldown:  cfg.AlertCooldown,
		clock:     clk,
		lastFired: make(map[string]time.Time),
		observers: make(map[string]QuotaAlertFunc),
		logger:    logger,
	}
}

func (a *quotaAlerter) subscribe(fn QuotaAlertFunc) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := uuid.New().String()
	a.observers[id] = fn
	return id
}

func (a *quotaAlerter) unsubscribe(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.observers, id)
}

// evaluate fires at most one alert for the highest threshold the current
// utilization has crossed, respecting the cooldown window.
func (a *quotaAlerter) evaluate(channel types.Channel, window string, utilization float64) {
	level := a.levelFor(utilization)
	if level == "" {
		return
	}

	now := a.clock.Now()
	key := fmt.Sprintf("%s/%s/%s", channel, window, level)

	a.mu.Lock()
	if last, ok := a.lastFired[key]; ok && now.Sub(last) < a.cooldown {
		a.mu.Unlock()
		return
	}
	a.lastFired[key] = now
	fns := make([]QuotaAlertFunc, 0, len(a.observers))
	for _, fn := range a.observers {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	alert := QuotaAlert{
		Channel:     channel,
		Window:      window,
		Level:       level,
		Utilization: utilization,
		At:          now,
	}

	a.logger.Warn("quota utilization threshold crossed",
		"channel", string(channel),
		"window", window,
		"level", string(level),
		"utilization", utilization,
	)

	for _, fn := range fns {
		fn(alert)
	}
}

func (a *quotaAlerter) levelFor(utilization float64) types.QuotaAlertLevel {
	switch {
	case utilization >= 100:
		return types.QuotaAlertExceeded
	case utilization >= a.critical:
		return types.QuotaAlertCritical
	case utilization >= a.warning:
		return types.QuotaAlertWarning
	default:
		return ""
	}
}
