package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemealert/internal/clock"
	"schemealert/internal/config"
	"schemealert/internal/queue"
	"schemealert/internal/ratelimit"
	"schemealert/internal/types"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)        {}
func (nopLogger) Warn(string, ...any)        {}
func (nopLogger) Error(string, ...any)       {}
func (n nopLogger) With(...any) types.Logger { return n }

// stubGate grants a fixed number of Consume calls, then refuses.
type stubGate struct {
	mu     sync.Mutex
	budget int
	delay  time.Duration
}

func (s *stubGate) Consume(types.Channel, int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.budget <= 0 {
		return false
	}
	s.budget--
	return true
}

func (s *stubGate) Recommend(types.Channel, types.Priority) ratelimit.Recommendation {
	return ratelimit.Recommendation{Delay: s.delay}
}

// stubGateway records sends and fails the message ids it is told to.
type stubGateway struct {
	mu       sync.Mutex
	sent     []string
	failWith map[string]error
	block    chan struct{} // when set, Send blocks until closed
}

func (s *stubGateway) Send(_ context.Context, _ types.Channel, payload []byte) (*types.SendResult, error) {
	if s.block != nil {
		<-s.block
	}
	id := string(payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failWith[id]; ok {
		return nil, err
	}
	s.sent = append(s.sent, id)
	return &types.SendResult{DeliveryID: "dlv-" + id}, nil
}

func (s *stubGateway) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxSize:            100,
		DeadLetterMaxSize:  10,
		DefaultMaxRetries:  3,
		RetryBaseDelay:     30 * time.Second,
		RetryMaxDelay:      30 * time.Minute,
		RetryBackoffFactor: 2.0,
		BatchSizeHigh:      20,
		BatchSizeMedium:    10,
		BatchSizeLow:       5,
	}
}

func newFixture(t *testing.T, gate *stubGate, gw *stubGateway) (*Dispatcher, *queue.Queue, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	q := queue.New(testQueueConfig(), fake, nopLogger{})
	d := New(q, gate, gw, fake, nopLogger{})
	return d, q, fake
}

// enqueue adds a message whose payload equals its id so the stub gateway can
// key failures without decoding anything.
func enqueue(t *testing.T, q *queue.Queue, id string, priority types.Priority) {
	t.Helper()
	err := q.Enqueue(context.Background(), &types.QueuedMessage{
		ID:       id,
		UserID:   "user-" + id,
		Channel:  types.ChannelChat,
		Priority: priority,
		Payload:  []byte(id),
	})
	require.NoError(t, err)
}

func TestRunCycle_SendsWholeBatch(t *testing.T) {
	gate := &stubGate{budget: 10}
	gw := &stubGateway{}
	d, q, _ := newFixture(t, gate, gw)
	ctx := context.Background()

	enqueue(t, q, "m1", types.PriorityHigh)
	enqueue(t, q, "m2", types.PriorityMedium)
	enqueue(t, q, "m3", types.PriorityLow)

	result := d.RunCycle(ctx)

	assert.Equal(t, 3, result.BatchSize)
	assert.Equal(t, 3, result.Sent)
	assert.Zero(t, result.TransientFailures)
	assert.Zero(t, result.PermanentFailures)
	assert.Zero(t, q.Depth())
	assert.Zero(t, q.InFlightCount())
	assert.Equal(t, 3, d.TrackedDeliveries())
}

func TestRunCycle_PriorityOrderReachesGateway(t *testing.T) {
	gate := &stubGate{budget: 10}
	gw := &stubGateway{}
	d, q, _ := newFixture(t, gate, gw)

	enqueue(t, q, "low-1", types.PriorityLow)
	enqueue(t, q, "high-1", types.PriorityHigh)
	enqueue(t, q, "med-1", types.PriorityMedium)
	enqueue(t, q, "high-2", types.PriorityHigh)

	d.RunCycle(context.Background())

	assert.Equal(t, []string{"high-1", "high-2", "med-1", "low-1"}, gw.sentIDs())
}

func TestRunCycle_RateExhaustionReleasesRemainder(t *testing.T) {
	gate := &stubGate{budget: 1, delay: 2 * time.Second}
	gw := &stubGateway{}
	d, q, fake := newFixture(t, gate, gw)
	ctx := context.Background()

	enqueue(t, q, "m1", types.PriorityHigh)
	enqueue(t, q, "m2", types.PriorityHigh)
	enqueue(t, q, "m3", types.PriorityHigh)

	result := d.RunCycle(ctx)

	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 2, result.Released)
	assert.Equal(t, 2, q.ScheduledCount(), "released messages re-enter the schedule")
	assert.Zero(t, q.InFlightCount())

	// Once the recommended delay elapses and tokens return, the released
	// messages go out with their retry budget untouched.
	gate.mu.Lock()
	gate.budget = 10
	gate.mu.Unlock()
	fake.Advance(3 * time.Second)

	result = d.RunCycle(ctx)
	assert.Equal(t, 2, result.Sent)
	assert.Zero(t, q.ScheduledCount())
}

func TestRunCycle_TransientFailureDoesNotAbortBatch(t *testing.T) {
	gate := &stubGate{budget: 10}
	gw := &stubGateway{failWith: map[string]error{
		"m2": types.NewAppError(types.ErrCodeDeliveryTransient, "provider hiccup", nil),
	}}
	d, q, _ := newFixture(t, gate, gw)

	enqueue(t, q, "m1", types.PriorityHigh)
	enqueue(t, q, "m2", types.PriorityHigh)
	enqueue(t, q, "m3", types.PriorityHigh)

	result := d.RunCycle(context.Background())

	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 1, result.TransientFailures)
	assert.Equal(t, []string{"m1", "m3"}, gw.sentIDs())
	assert.Equal(t, 1, q.ScheduledCount(), "transient failure re-enters the schedule")
	assert.Zero(t, q.DeadLetterCount())
}

func TestRunCycle_PermanentFailureDeadLetters(t *testing.T) {
	gate := &stubGate{budget: 10}
	gw := &stubGateway{failWith: map[string]error{
		"m1": types.NewAppError(types.ErrCodeDeliveryPermanent, "invalid recipient", nil),
	}}
	d, q, _ := newFixture(t, gate, gw)

	enqueue(t, q, "m1", types.PriorityHigh)

	result := d.RunCycle(context.Background())

	assert.Zero(t, result.Sent)
	assert.Equal(t, 1, result.PermanentFailures)
	assert.Equal(t, 1, q.DeadLetterCount())
	assert.Zero(t, q.ScheduledCount())
}

func TestRunCycle_OverlapIsNoOp(t *testing.T) {
	gate := &stubGate{budget: 10}
	gw := &stubGateway{block: make(chan struct{})}
	d, q, _ := newFixture(t, gate, gw)
	ctx := context.Background()

	enqueue(t, q, "m1", types.PriorityHigh)

	done := make(chan *Result, 1)
	go func() {
		done <- d.RunCycle(ctx)
	}()

	// Wait until the first cycle is parked inside the gateway send.
	require.Eventually(t, func() bool {
		return q.InFlightCount() == 1
	}, time.Second, 5*time.Millisecond)

	second := d.RunCycle(ctx)
	assert.True(t, second.Skipped)

	close(gw.block)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Sent)
}

func TestRunCycle_PrunesStaleTracking(t *testing.T) {
	gate := &stubGate{budget: 10}
	gw := &stubGateway{}
	d, q, fake := newFixture(t, gate, gw)
	ctx := context.Background()

	enqueue(t, q, "m1", types.PriorityHigh)
	d.RunCycle(ctx)
	require.Equal(t, 1, d.TrackedDeliveries())

	fake.Advance(25 * time.Hour)
	d.RunCycle(ctx)

	assert.Zero(t, d.TrackedDeliveries(), "receipts older than the TTL are abandoned")
}
