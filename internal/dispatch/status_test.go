package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemealert/internal/types"
)

// sendAndTrack runs one cycle over a single message and returns its delivery id.
func sendAndTrack(t *testing.T, d *Dispatcher, id string) string {
	t.Helper()
	result := d.RunCycle(context.Background())
	require.Equal(t, 1, result.Sent)
	return "dlv-" + id
}

func TestApplyDeliveryStatus_DeliveredClosesTracking(t *testing.T) {
	d, q, _ := newFixture(t, &stubGate{budget: 10}, &stubGateway{})
	ctx := context.Background()
	enqueue(t, q, "m1", types.PriorityHigh)
	deliveryID := sendAndTrack(t, d, "m1")

	err := d.ApplyDeliveryStatus(ctx, types.DeliveryStatusEvent{
		DeliveryID: deliveryID,
		Status:     types.DeliveryStatusDelivered,
	})

	require.NoError(t, err)
	assert.Zero(t, d.TrackedDeliveries())
	assert.Zero(t, q.ScheduledCount())
	assert.Zero(t, q.DeadLetterCount())
}

func TestApplyDeliveryStatus_SentKeepsTrackingOpen(t *testing.T) {
	d, q, _ := newFixture(t, &stubGate{budget: 10}, &stubGateway{})
	ctx := context.Background()
	enqueue(t, q, "m1", types.PriorityHigh)
	deliveryID := sendAndTrack(t, d, "m1")

	err := d.ApplyDeliveryStatus(ctx, types.DeliveryStatusEvent{
		DeliveryID: deliveryID,
		Status:     types.DeliveryStatusSent,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, d.TrackedDeliveries(), "carrier ack is not terminal")
}

func TestApplyDeliveryStatus_FailedReceiptSchedulesRetry(t *testing.T) {
	d, q, _ := newFixture(t, &stubGate{budget: 10}, &stubGateway{})
	ctx := context.Background()
	enqueue(t, q, "m1", types.PriorityHigh)
	deliveryID := sendAndTrack(t, d, "m1")

	err := d.ApplyDeliveryStatus(ctx, types.DeliveryStatusEvent{
		DeliveryID: deliveryID,
		Status:     types.DeliveryStatusFailed,
		ErrorCode:  "carrier_timeout",
	})

	require.NoError(t, err)
	assert.Zero(t, d.TrackedDeliveries())
	assert.Equal(t, 1, q.ScheduledCount(), "transient receipt failure re-enters the schedule")
	assert.Zero(t, q.DeadLetterCount())
}

func TestApplyDeliveryStatus_PermanentReceiptDeadLetters(t *testing.T) {
	d, q, _ := newFixture(t, &stubGate{budget: 10}, &stubGateway{})
	ctx := context.Background()
	enqueue(t, q, "m1", types.PriorityHigh)
	deliveryID := sendAndTrack(t, d, "m1")

	err := d.ApplyDeliveryStatus(ctx, types.DeliveryStatusEvent{
		DeliveryID: deliveryID,
		Status:     types.DeliveryStatusFailed,
		ErrorCode:  "invalid_recipient",
	})

	require.NoError(t, err)
	assert.Equal(t, 1, q.DeadLetterCount())
	assert.Zero(t, q.ScheduledCount())

	letters := q.DeadLetters()
	require.Len(t, letters, 1)
	require.Len(t, letters[0].Failures, 1)
	assert.Equal(t, string(types.ErrCodeDeliveryPermanent), letters[0].Failures[0].Code)
}

func TestApplyDeliveryStatus_RepeatedReceiptFailuresStayBounded(t *testing.T) {
	d, q, fake := newFixture(t, &stubGate{budget: 100}, &stubGateway{})
	ctx := context.Background()
	enqueue(t, q, "m1", types.PriorityHigh)

	// Accept-then-fail loops must eventually dead-letter instead of cycling
	// forever: each loop raises RetryCount even though an accepted send
	// clears the failure history.
	for i := 0; i < 4; i++ {
		if q.DeadLetterCount() > 0 {
			break
		}
		fake.Advance(40 * time.Minute) // past max retry backoff
		result := d.RunCycle(ctx)
		require.Equal(t, 1, result.Sent, "loop %d", i)

		err := d.ApplyDeliveryStatus(ctx, types.DeliveryStatusEvent{
			DeliveryID: "dlv-m1",
			Status:     types.DeliveryStatusFailed,
			ErrorCode:  "carrier_timeout",
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, q.DeadLetterCount())
	assert.Zero(t, q.ScheduledCount())
}

func TestApplyDeliveryStatus_UnknownDeliveryID(t *testing.T) {
	d, _, _ := newFixture(t, &stubGate{budget: 10}, &stubGateway{})

	err := d.ApplyDeliveryStatus(context.Background(), types.DeliveryStatusEvent{
		DeliveryID: "dlv-ghost",
		Status:     types.DeliveryStatusDelivered,
	})

	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNotFoundMessage, types.CodeOf(err))
}

func TestApplyDeliveryStatus_MissingDeliveryID(t *testing.T) {
	d, _, _ := newFixture(t, &stubGate{budget: 10}, &stubGateway{})

	err := d.ApplyDeliveryStatus(context.Background(), types.DeliveryStatusEvent{
		Status: types.DeliveryStatusDelivered,
	})

	require.Error(t, err)
	assert.Equal(t, types.ErrCodeValidationMissingField, types.CodeOf(err))
}
