package db

import (
	"context"
	"encoding/json"
	"time"

	"schemealert/internal/types"
)

// Store is the PostgreSQL-backed MessageStore. The queue remains correct
// without it; the store exists so queue state survives a process restart.
// Rows mirror the queue's holdings: queue_messages for live messages,
// dead_letters for exhausted ones, trigger_events for the cycle audit trail.
type Store struct {
	db DBTX
}

// NewStore creates a Store backed by the given database connection
// (pool or transaction).
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

var _ types.MessageStore = (*Store)(nil)

// SaveMessage upserts a live queue message. Called on every state
// transition, so the same id is written repeatedly with updated fields.
func (s *Store) SaveMessage(ctx context.Context, msg types.QueuedMessage) error {
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to encode message metadata", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO queue_messages
		 (id, user_id, channel, priority, scheduled_at, retry_count, max_retries, payload, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			scheduled_at = EXCLUDED.scheduled_at,
			retry_count = EXCLUDED.retry_count,
			metadata = EXCLUDED.metadata`,
		msg.ID,
		msg.UserID,
		string(msg.Channel),
		string(msg.Priority),
		msg.ScheduledAt,
		msg.RetryCount,
		msg.MaxRetries,
		msg.Payload,
		metadata,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to save queue message", err)
	}
	return nil
}

// DeleteMessage removes a live queue message. Deleting an id that is not
// present is not an error; the queue retires messages it may never have
// persisted.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM queue_messages WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to delete queue message", err)
	}
	return nil
}

// SaveDeadLetter records an exhausted message with its failure history.
// The message snapshot and failure list are stored as JSONB so entries can
// be inspected and requeued without schema churn.
func (s *Store) SaveDeadLetter(ctx context.Context, entry types.DeadLetterEntry) error {
	message, err := json.Marshal(entry.Message)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to encode dead letter message", err)
	}
	failures, err := json.Marshal(entry.Failures)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to encode failure history", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO dead_letters (message_id, message, failures, failed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (message_id) DO UPDATE SET
			message = EXCLUDED.message,
			failures = EXCLUDED.failures,
			failed_at = EXCLUDED.failed_at`,
		entry.Message.ID,
		message,
		failures,
		entry.FailedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to save dead letter", err)
	}
	return nil
}

// DeleteDeadLetter removes a dead letter after an operator requeues or
// discards it.
func (s *Store) DeleteDeadLetter(ctx context.Context, messageID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM dead_letters WHERE message_id = $1`,
		messageID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to delete dead letter", err)
	}
	return nil
}

// SaveTriggerEvent appends one scheme cycle audit record. Events are
// immutable once written.
func (s *Store) SaveTriggerEvent(ctx context.Context, event types.AlertTriggerEvent) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO trigger_events
		 (id, scheme_id, cycle_id, eligible_users, notifications_sent,
		  duration_ms, status, error, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		event.ID,
		event.SchemeID,
		event.CycleID,
		event.EligibleUsers,
		event.NotificationsSent,
		event.Duration.Milliseconds(),
		string(event.Status),
		nilIfEmpty(event.Error),
		event.OccurredAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to save trigger event", err)
	}
	return nil
}

// ListTriggerEvents returns the most recent cycle audit records, newest
// first.
func (s *Store) ListTriggerEvents(ctx context.Context, limit int) ([]types.AlertTriggerEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, scheme_id, cycle_id, eligible_users, notifications_sent,
		        duration_ms, status, error, occurred_at
		 FROM trigger_events
		 ORDER BY occurred_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to list trigger events", err)
	}
	defer rows.Close()

	var events []types.AlertTriggerEvent
	for rows.Next() {
		var (
			ev         types.AlertTriggerEvent
			durationMS int64
			status     string
			errMsg     *string
		)
		if err := rows.Scan(&ev.ID, &ev.SchemeID, &ev.CycleID, &ev.EligibleUsers,
			&ev.NotificationsSent, &durationMS, &status, &errMsg, &ev.OccurredAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to scan trigger event row", err)
		}
		ev.Duration = time.Duration(durationMS) * time.Millisecond
		ev.Status = types.TriggerStatus(status)
		if errMsg != nil {
			ev.Error = *errMsg
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "error iterating trigger event rows", err)
	}

	return events, nil
}

// LoadMessages returns every persisted live message for queue recovery
// after a restart. Messages are re-admitted through the queue's normal
// intake so lane placement and scheduling are recomputed.
func (s *Store) LoadMessages(ctx context.Context) ([]types.QueuedMessage, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, channel, priority, scheduled_at, retry_count,
		        max_retries, payload, metadata
		 FROM queue_messages
		 ORDER BY scheduled_at`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to load queue messages", err)
	}
	defer rows.Close()

	var messages []types.QueuedMessage
	for rows.Next() {
		var (
			msg      types.QueuedMessage
			channel  string
			priority string
			metadata []byte
		)
		if err := rows.Scan(&msg.ID, &msg.UserID, &channel, &priority, &msg.ScheduledAt,
			&msg.RetryCount, &msg.MaxRetries, &msg.Payload, &metadata); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to scan queue message row", err)
		}
		msg.Channel = types.Channel(channel)
		msg.Priority = types.Priority(priority)
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &msg.Metadata)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "error iterating queue message rows", err)
	}

	return messages, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
