package queue

import (
	"context"
	"sort"
	"sync"

	"schemealert/internal/types"
)

// Compile-time assertion that MemoryStore implements MessageStore.
var _ types.MessageStore = (*MemoryStore)(nil)

// MemoryStore is the in-memory MessageStore. It is the correctness baseline:
// the pipeline behaves identically with or without a durable store, which
// only adds crash recovery.
type MemoryStore struct {
	mu          sync.Mutex
	messages    map[string]types.QueuedMessage
	deadLetters map[string]types.DeadLetterEntry
	events      []types.AlertTriggerEvent
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:    make(map[string]types.QueuedMessage),
		deadLetters: make(map[string]types.DeadLetterEntry),
	}
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg types.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	return nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) SaveDeadLetter(_ context.Context, entry types.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters[entry.Message.ID] = entry
	return nil
}

func (s *MemoryStore) DeleteDeadLetter(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadLetters, messageID)
	return nil
}

func (s *MemoryStore) SaveTriggerEvent(_ context.Context, event types.AlertTriggerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// ListTriggerEvents returns the most recent trigger events, newest first.
func (s *MemoryStore) ListTriggerEvents(_ context.Context, limit int) ([]types.AlertTriggerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.AlertTriggerEvent, len(s.events))
	copy(out, s.events)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MessageCount returns the number of persisted active messages.
func (s *MemoryStore) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// DeadLetterCount returns the number of persisted dead-letter entries.
func (s *MemoryStore) DeadLetterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadLetters)
}
