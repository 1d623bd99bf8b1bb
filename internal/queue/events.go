package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"schemealert/internal/types"
)

// EventType identifies a queue state transition observers can react to.
type EventType string

const (
	EventEnqueued          EventType = "enqueued"
	EventScheduled         EventType = "scheduled"
	EventPromoted          EventType = "promoted"
	EventSent              EventType = "sent"
	EventRetryScheduled    EventType = "retry_scheduled"
	EventDeadLettered      EventType = "dead_lettered"
	EventDeadLetterEvicted EventType = "dead_letter_evicted"
	EventRequeued          EventType = "requeued"
	EventDiscarded         EventType = "discarded"
)

// Event is one queue state transition. Events are advisory telemetry;
// observers must not feed back into queue mutations synchronously.
type Event struct {
	Type      EventType      `json:"type"`
	MessageID string         `json:"message_id"`
	UserID    string         `json:"user_id,omitempty"`
	Channel   types.Channel  `json:"channel,omitempty"`
	Priority  types.Priority `json:"priority,omitempty"`
	At        time.Time      `json:"at"`
	Detail    string         `json:"detail,omitempty"`
}

// EventFunc receives queue events. It is invoked synchronously outside the
// queue's lock; long-running observers should hand off to their own goroutine.
type EventFunc func(Event)

// eventBus is the observer registry behind Subscribe/Unsubscribe. Observers
// are keyed by a generated id so unsubscribe needs no func comparison.
type eventBus struct {
	mu        sync.Mutex
	observers map[string]EventFunc
}

func newEventBus() *eventBus {
	return &eventBus{observers: make(map[string]EventFunc)}
}

func (b *eventBus) subscribe(fn EventFunc) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New().String()
	b.observers[id] = fn
	return id
}

func (b *eventBus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.observers, id)
}

func (b *eventBus) publish(events []Event) {
	if len(events) == 0 {
		return
	}

	b.mu.Lock()
	fns := make([]EventFunc, 0, len(b.observers))
	for _, fn := range b.observers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}
