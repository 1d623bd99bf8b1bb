package types

import (
	"time"
)

// AgeRange bounds user age eligibility in whole years. Zero values mean
// the bound is open.
type AgeRange struct {
	Min int `json:"min,omitempty"`
	Max int `json:"max,omitempty"`
}

// IncomeRange bounds monthly income eligibility. Zero values mean the bound
// is open.
type IncomeRange struct {
	Min float64 `json:"min,omitempty"`
	Max float64 `json:"max,omitempty"`
}

// EligibilityCriteria is the strict criteria set attached to a scheme.
// Empty slices mean the criterion does not apply.
type EligibilityCriteria struct {
	BusinessTypes []string     `json:"business_types,omitempty"`
	States        []string     `json:"states,omitempty"`
	Districts     []string     `json:"districts,omitempty"`
	Age           *AgeRange    `json:"age,omitempty"`
	Income        *IncomeRange `json:"income,omitempty"`
}

// Scheme is an immutable snapshot of a government support scheme taken at
// the start of a processing cycle.
type Scheme struct {
	ID                string              `json:"id"`
	Title             string              `json:"title"`
	Criteria          EligibilityCriteria `json:"criteria"`
	SuccessRate       float64             `json:"success_rate"` // percentage of historical applications approved
	AvgProcessingDays int                 `json:"avg_processing_days"`
	OnlineApplication bool                `json:"online_application"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// NotificationPrefs carries the per-user delivery preferences this subsystem
// consults. Rendering/localization concerns stay with the formatter.
type NotificationPrefs struct {
	SchemeAlertsEnabled bool      `json:"scheme_alerts_enabled"`
	Channels            []Channel `json:"channels,omitempty"`
	Language            string    `json:"language,omitempty"`
}

// UserProfile is the read-only artisan profile consumed during matching.
type UserProfile struct {
	ID            string            `json:"id"`
	BusinessType  string            `json:"business_type"`
	State         string            `json:"state"`
	District      string            `json:"district,omitempty"`
	DateOfBirth   time.Time         `json:"date_of_birth"`
	MonthlyIncome float64           `json:"monthly_income"`
	Prefs         NotificationPrefs `json:"prefs"`
}

// Age returns the user's age in whole years as of the given date.
// The as-of date is caller supplied so scoring stays deterministic in tests.
func (u *UserProfile) Age(asOf time.Time) int {
	years := asOf.Year() - u.DateOfBirth.Year()
	anniversary := u.DateOfBirth.AddDate(years, 0, 0)
	if anniversary.After(asOf) {
		years--
	}
	return years
}

// MatchResult is the ephemeral outcome of scoring one (user, scheme) pair.
// It is produced per cycle and not persisted by this subsystem.
type MatchResult struct {
	UserID   string `json:"user_id"`
	SchemeID string `json:"scheme_id"`

	// MatchScore includes bonus points; EligibilityMatch tracks only the
	// strict criteria deductions. Both are clamped to [0,100].
	MatchScore       int `json:"match_score"`
	EligibilityMatch int `json:"eligibility_match"`

	Reasons             []string `json:"reasons,omitempty"`
	MissingRequirements []string `json:"missing_requirements,omitempty"`
}

// MessageMetadata carries bookkeeping fields on a queued message.
type MessageMetadata struct {
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Source        string    `json:"source,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// QueuedMessage is a single outbound notification moving through the queue.
// At any moment a message lives in exactly one of: the scheduled store, one
// priority lane, the in-flight set, or the dead-letter store.
type QueuedMessage struct {
	ID          string          `json:"id" validate:"required"`
	UserID      string          `json:"user_id" validate:"required"`
	Channel     Channel         `json:"channel" validate:"required,oneof=chat text"`
	Priority    Priority        `json:"priority" validate:"required,oneof=high medium low"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Payload     []byte          `json:"payload" validate:"required,min=1"`
	Metadata    MessageMetadata `json:"metadata"`
}

// FailureRecord is one entry in a message's ordered failure history.
type FailureRecord struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
	Code   string    `json:"code,omitempty"`
}

// DeadLetterEntry holds a message that exhausted its retry budget or hit a
// permanent delivery error, together with its full failure history. Entries
// leave the store only through explicit operator action.
type DeadLetterEntry struct {
	Message  QueuedMessage   `json:"message"`
	Failures []FailureRecord `json:"failures"`
	FailedAt time.Time       `json:"failed_at"`
}

// AlertTriggerEvent is the audit record of one scheme's processing cycle.
type AlertTriggerEvent struct {
	ID                string        `json:"id"`
	SchemeID          string        `json:"scheme_id"`
	CycleID           string        `json:"cycle_id"`
	EligibleUsers     int           `json:"eligible_users"`
	NotificationsSent int           `json:"notifications_sent"`
	Duration          time.Duration `json:"duration"`
	Status            TriggerStatus `json:"status"`
	Error             string        `json:"error,omitempty"`
	OccurredAt        time.Time     `json:"occurred_at"`
}

// SendResult is the gateway's answer for one send attempt.
type SendResult struct {
	DeliveryID string `json:"delivery_id"`
}

// DeliveryStatusEvent is one inbound record from the delivery status feed,
// keyed by the delivery id the gateway returned at send time.
type DeliveryStatusEvent struct {
	DeliveryID string         `json:"delivery_id"`
	MessageID  string         `json:"message_id"`
	Status     DeliveryStatus `json:"status"`
	ErrorCode  string         `json:"error_code,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
