// Package metrics emits pipeline telemetry to CloudWatch: dispatch cycle
// outcomes, trigger cycle outcomes, queue health, and quota utilization.
// Emission failures are logged and never fail the caller; telemetry is
// advisory.
package metrics

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"schemealert/internal/dispatch"
	"schemealert/internal/queue"
	"schemealert/internal/trigger"
	"schemealert/internal/types"
)

// Metric and dimension names. Dashboards key on these; treat as API.
const (
	metricMessagesSent      = "MessagesSent"
	metricDeliveryFailures  = "DeliveryFailures"
	metricDispatchDuration  = "DispatchDuration"
	metricQueueDepth        = "QueueDepth"
	metricDeadLetterDepth   = "DeadLetterDepth"
	metricOldestMessageAge  = "OldestMessageAge"
	metricErrorRate         = "ErrorRate"
	metricSchemesProcessed  = "SchemesProcessed"
	metricSchemesFailed     = "SchemesFailed"
	metricNotificationsSent = "NotificationsQueued"
	metricSLABreaches       = "FreshnessSLABreaches"
	metricQuotaUtilization  = "DailyQuotaUtilization"

	dimFailureKind = "Kind"
	dimChannel     = "Channel"
	dimHealthState = "State"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Emitter publishes pipeline metrics to one CloudWatch namespace.
type Emitter struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// New creates an Emitter publishing to the given namespace.
func New(client CloudWatchClient, namespace string, logger types.Logger) *Emitter {
	return &Emitter{
		client:    client,
		namespace: namespace,
		logger:    logger.With("component", "metrics"),
	}
}

// RecordDispatchCycle emits the outcome of one dispatch cycle.
func (e *Emitter) RecordDispatchCycle(ctx context.Context, result *dispatch.Result) {
	if result == nil || result.Skipped {
		return
	}
	data := []cwtypes.MetricDatum{
		{
			MetricName: aws.String(metricMessagesSent),
			Value:      aws.Float64(float64(result.Sent)),
			Unit:       cwtypes.StandardUnitCount,
		},
		{
			MetricName: aws.String(metricDeliveryFailures),
			Value:      aws.Float64(float64(result.TransientFailures)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(dimFailureKind), Value: aws.String("transient")},
			},
		},
		{
			MetricName: aws.String(metricDeliveryFailures),
			Value:      aws.Float64(float64(result.PermanentFailures)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(dimFailureKind), Value: aws.String("permanent")},
			},
		},
		{
			MetricName: aws.String(metricDispatchDuration),
			Value:      aws.Float64(float64(result.Duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
		},
	}
	e.put(ctx, data, "dispatch cycle")
}

// RecordTriggerCycle emits the outcome of one alert trigger cycle.
func (e *Emitter) RecordTriggerCycle(ctx context.Context, result *trigger.CycleResult) {
	if result == nil || result.Skipped {
		return
	}
	data := []cwtypes.MetricDatum{
		{
			MetricName: aws.String(metricSchemesProcessed),
			Value:      aws.Float64(float64(result.SchemesProcessed)),
			Unit:       cwtypes.StandardUnitCount,
		},
		{
			MetricName: aws.String(metricSchemesFailed),
			Value:      aws.Float64(float64(result.SchemesFailed)),
			Unit:       cwtypes.StandardUnitCount,
		},
		{
			MetricName: aws.String(metricNotificationsSent),
			Value:      aws.Float64(float64(result.NotificationsSent)),
			Unit:       cwtypes.StandardUnitCount,
		},
		{
			MetricName: aws.String(metricSLABreaches),
			Value:      aws.Float64(float64(result.SLABreaches)),
			Unit:       cwtypes.StandardUnitCount,
		},
	}
	e.put(ctx, data, "trigger cycle")
}

// RecordQueueHealth emits the advisory queue health snapshot.
func (e *Emitter) RecordQueueHealth(ctx context.Context, h queue.Health) {
	data := []cwtypes.MetricDatum{
		{
			MetricName: aws.String(metricQueueDepth),
			Value:      aws.Float64(float64(h.Depth)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(dimHealthState), Value: aws.String(string(h.State))},
			},
		},
		{
			MetricName: aws.String(metricDeadLetterDepth),
			Value:      aws.Float64(float64(h.DeadLetterCount)),
			Unit:       cwtypes.StandardUnitCount,
		},
		{
			MetricName: aws.String(metricOldestMessageAge),
			Value:      aws.Float64(h.OldestMessageAge.Seconds()),
			Unit:       cwtypes.StandardUnitSeconds,
		},
		{
			MetricName: aws.String(metricErrorRate),
			Value:      aws.Float64(h.ErrorRatePercent),
			Unit:       cwtypes.StandardUnitPercent,
		},
	}
	e.put(ctx, data, "queue health")
}

// RecordQuotaUtilization emits one channel's daily quota utilization.
// Wired to the rate limiter's quota alert subscription.
func (e *Emitter) RecordQuotaUtilization(ctx context.Context, channel types.Channel, percent float64) {
	data := []cwtypes.MetricDatum{
		{
			MetricName: aws.String(metricQuotaUtilization),
			Value:      aws.Float64(percent),
			Unit:       cwtypes.StandardUnitPercent,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(dimChannel), Value: aws.String(string(channel))},
			},
		},
	}
	e.put(ctx, data, "quota utilization")
}

func (e *Emitter) put(ctx context.Context, data []cwtypes.MetricDatum, what string) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(e.namespace),
		MetricData: data,
	}
	if _, err := e.client.PutMetricData(ctx, input); err != nil {
		e.logger.Error("failed to emit metrics", "what", what, "error", err)
	}
}
