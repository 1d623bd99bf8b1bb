package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemealert/internal/dispatch"
	"schemealert/internal/queue"
	"schemealert/internal/trigger"
	"schemealert/internal/types"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)      {}
func (nopLogger) Warn(string, ...any)      {}
func (nopLogger) Error(string, ...any)     {}
func (nopLogger) With(...any) types.Logger { return nopLogger{} }

type mockCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (m *mockCloudWatch) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.err != nil {
		return nil, m.err
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func findDatum(t *testing.T, data []cwtypes.MetricDatum, name string, dims ...string) cwtypes.MetricDatum {
	t.Helper()
	for _, d := range data {
		if aws.ToString(d.MetricName) != name {
			continue
		}
		if len(dims) > 0 {
			if len(d.Dimensions) == 0 || aws.ToString(d.Dimensions[0].Value) != dims[0] {
				continue
			}
		}
		return d
	}
	t.Fatalf("datum %s %v not found", name, dims)
	return cwtypes.MetricDatum{}
}

func TestRecordDispatchCycle(t *testing.T) {
	mock := &mockCloudWatch{}
	emitter := New(mock, "SchemeAlert/Test", nopLogger{})

	emitter.RecordDispatchCycle(context.Background(), &dispatch.Result{
		Sent:              7,
		TransientFailures: 2,
		PermanentFailures: 1,
		Duration:          1500 * time.Millisecond,
	})

	require.Len(t, mock.inputs, 1)
	input := mock.inputs[0]
	assert.Equal(t, "SchemeAlert/Test", aws.ToString(input.Namespace))

	sent := findDatum(t, input.MetricData, "MessagesSent")
	assert.Equal(t, 7.0, aws.ToFloat64(sent.Value))

	transient := findDatum(t, input.MetricData, "DeliveryFailures", "transient")
	assert.Equal(t, 2.0, aws.ToFloat64(transient.Value))

	permanent := findDatum(t, input.MetricData, "DeliveryFailures", "permanent")
	assert.Equal(t, 1.0, aws.ToFloat64(permanent.Value))

	duration := findDatum(t, input.MetricData, "DispatchDuration")
	assert.Equal(t, 1500.0, aws.ToFloat64(duration.Value))
	assert.Equal(t, cwtypes.StandardUnitMilliseconds, duration.Unit)
}

func TestRecordDispatchCycle_SkippedCycleEmitsNothing(t *testing.T) {
	mock := &mockCloudWatch{}
	emitter := New(mock, "SchemeAlert/Test", nopLogger{})

	emitter.RecordDispatchCycle(context.Background(), &dispatch.Result{Skipped: true})
	emitter.RecordDispatchCycle(context.Background(), nil)

	assert.Empty(t, mock.inputs)
}

func TestRecordTriggerCycle(t *testing.T) {
	mock := &mockCloudWatch{}
	emitter := New(mock, "SchemeAlert/Test", nopLogger{})

	emitter.RecordTriggerCycle(context.Background(), &trigger.CycleResult{
		SchemesProcessed:  4,
		SchemesFailed:     1,
		NotificationsSent: 12,
		SLABreaches:       1,
	})

	require.Len(t, mock.inputs, 1)
	data := mock.inputs[0].MetricData

	assert.Equal(t, 4.0, aws.ToFloat64(findDatum(t, data, "SchemesProcessed").Value))
	assert.Equal(t, 1.0, aws.ToFloat64(findDatum(t, data, "SchemesFailed").Value))
	assert.Equal(t, 12.0, aws.ToFloat64(findDatum(t, data, "NotificationsQueued").Value))
	assert.Equal(t, 1.0, aws.ToFloat64(findDatum(t, data, "FreshnessSLABreaches").Value))
}

func TestRecordQueueHealth(t *testing.T) {
	mock := &mockCloudWatch{}
	emitter := New(mock, "SchemeAlert/Test", nopLogger{})

	emitter.RecordQueueHealth(context.Background(), queue.Health{
		State:            types.QueueDegraded,
		Depth:            42,
		DeadLetterCount:  3,
		OldestMessageAge: 90 * time.Second,
		ErrorRatePercent: 12.5,
	})

	require.Len(t, mock.inputs, 1)
	data := mock.inputs[0].MetricData

	depth := findDatum(t, data, "QueueDepth")
	assert.Equal(t, 42.0, aws.ToFloat64(depth.Value))
	require.Len(t, depth.Dimensions, 1)
	assert.Equal(t, string(types.QueueDegraded), aws.ToString(depth.Dimensions[0].Value))

	assert.Equal(t, 3.0, aws.ToFloat64(findDatum(t, data, "DeadLetterDepth").Value))
	assert.Equal(t, 90.0, aws.ToFloat64(findDatum(t, data, "OldestMessageAge").Value))
	assert.Equal(t, 12.5, aws.ToFloat64(findDatum(t, data, "ErrorRate").Value))
}

func TestRecordQuotaUtilization(t *testing.T) {
	mock := &mockCloudWatch{}
	emitter := New(mock, "SchemeAlert/Test", nopLogger{})

	emitter.RecordQuotaUtilization(context.Background(), types.ChannelChat, 85.0)

	require.Len(t, mock.inputs, 1)
	datum := findDatum(t, mock.inputs[0].MetricData, "DailyQuotaUtilization", string(types.ChannelChat))
	assert.Equal(t, 85.0, aws.ToFloat64(datum.Value))
	assert.Equal(t, cwtypes.StandardUnitPercent, datum.Unit)
}

func TestEmitFailureIsSwallowed(t *testing.T) {
	mock := &mockCloudWatch{err: errors.New("throttled")}
	emitter := New(mock, "SchemeAlert/Test", nopLogger{})

	emitter.RecordQuotaUtilization(context.Background(), types.ChannelText, 50.0)

	require.Len(t, mock.inputs, 1)
}
