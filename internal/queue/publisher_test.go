package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemealert/internal/types"
)

// mockSQSSender captures SendMessage calls for test assertions. It is
// mutex-guarded because Run publishes from its own goroutine.
type mockSQSSender struct {
	mu    sync.Mutex
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

func (m *mockSQSSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func deadLetterEvent(id string) Event {
	return Event{
		Type:      EventDeadLettered,
		MessageID: id,
		UserID:    "user-1",
		Channel:   types.ChannelChat,
		Priority:  types.PriorityHigh,
		At:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Detail:    "retries exhausted",
	}
}

func TestObserve_TerminalEventIsPublished(t *testing.T) {
	sender := &mockSQSSender{}
	p := NewEventPublisher(sender, "https://sqs.test/ops", nopLogger{})

	p.Observe(deadLetterEvent("msg-1"))

	select {
	case ev := <-p.events:
		p.publish(context.Background(), ev)
	default:
		t.Fatal("expected event in publish buffer")
	}

	require.Len(t, sender.calls, 1)
	call := sender.calls[0]
	assert.Equal(t, "https://sqs.test/ops", aws.ToString(call.QueueUrl))
	assert.Equal(t, "dead_lettered", aws.ToString(call.MessageAttributes["event_type"].StringValue))

	var got Event
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(call.MessageBody)), &got))
	assert.Equal(t, "msg-1", got.MessageID)
	assert.Equal(t, types.ChannelChat, got.Channel)
	assert.Equal(t, "retries exhausted", got.Detail)
}

func TestObserve_RoutineEventsAreFiltered(t *testing.T) {
	p := NewEventPublisher(&mockSQSSender{}, "https://sqs.test/ops", nopLogger{})

	p.Observe(Event{Type: EventEnqueued, MessageID: "msg-1"})
	p.Observe(Event{Type: EventSent, MessageID: "msg-1"})
	p.Observe(Event{Type: EventPromoted, MessageID: "msg-1"})

	assert.Empty(t, p.events)
}

func TestObserve_FullBufferDropsNotBlocks(t *testing.T) {
	p := NewEventPublisher(&mockSQSSender{}, "https://sqs.test/ops", nopLogger{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < publishBuffer+10; i++ {
			p.Observe(deadLetterEvent("msg-overflow"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Observe blocked on a full buffer")
	}
	assert.Len(t, p.events, publishBuffer)
}

func TestRun_DrainsBufferUntilCancelled(t *testing.T) {
	sender := &mockSQSSender{}
	p := NewEventPublisher(sender, "https://sqs.test/ops", nopLogger{})

	p.Observe(deadLetterEvent("msg-1"))
	p.Observe(Event{Type: EventDiscarded, MessageID: "msg-2", At: time.Now().UTC()})

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	assert.Eventually(t, func() bool {
		return sender.callCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestPublish_SendFailureIsSwallowed(t *testing.T) {
	sender := &mockSQSSender{err: assert.AnError}
	p := NewEventPublisher(sender, "https://sqs.test/ops", nopLogger{})

	p.publish(context.Background(), deadLetterEvent("msg-1"))

	require.Len(t, sender.calls, 1)
}
