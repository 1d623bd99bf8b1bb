package types

import (
	"context"
	"time"
)

// Logger is the narrow structured logging interface components depend on.
// Implementations wrap *slog.Logger; the With method returns a Logger so
// call sites never see the concrete type.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// SchemeSource lists schemes whose last-updated timestamp is newer than the
// cursor. Implemented by the external scheme record store.
type SchemeSource interface {
	// ListChangedSchemes returns schemes updated strictly after since,
	// ordered by UpdatedAt ascending.
	ListChangedSchemes(ctx context.Context, since time.Time) ([]Scheme, error)
}

// CandidateFilter is the coarse pre-filter derived from a scheme's criteria,
// used to narrow candidate users before fine-grained scoring.
type CandidateFilter struct {
	BusinessTypes []string
	States        []string
	Districts     []string
	// ExcludeApplied excludes users who already applied to the scheme.
	ExcludeApplied bool
	SchemeID       string
}

// UserSource retrieves candidate users matching a coarse filter.
// Implemented by the external user record store.
type UserSource interface {
	FindCandidateUsers(ctx context.Context, filter CandidateFilter) ([]UserProfile, error)
}

// MessageFormatter renders the opaque channel payload for one qualifying
// match. Template and localization concerns live entirely behind it.
type MessageFormatter interface {
	Render(ctx context.Context, user UserProfile, scheme Scheme, match MatchResult, channel Channel) ([]byte, error)
}

// ChannelGateway sends one rendered payload over an outbound channel.
// Errors are classified through the AppError taxonomy: delivery_transient
// drives retry scheduling, delivery_permanent dead-letters immediately.
type ChannelGateway interface {
	Send(ctx context.Context, channel Channel, payload []byte) (*SendResult, error)
}

// MessageStore persists queue state. The in-memory implementation is the
// correctness baseline; a durable implementation is an enhancement for
// crash recovery, never a requirement within one process lifetime.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg QueuedMessage) error
	DeleteMessage(ctx context.Context, id string) error
	SaveDeadLetter(ctx context.Context, entry DeadLetterEntry) error
	DeleteDeadLetter(ctx context.Context, messageID string) error
	SaveTriggerEvent(ctx context.Context, event AlertTriggerEvent) error
	ListTriggerEvents(ctx context.Context, limit int) ([]AlertTriggerEvent, error)
}
