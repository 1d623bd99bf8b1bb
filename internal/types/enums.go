package types

// Channel identifies an outbound delivery channel.
type Channel string

const (
	ChannelChat Channel = "chat"
	ChannelText Channel = "text"
)

// Valid reports whether the channel is one of the supported values.
func (c Channel) Valid() bool {
	return c == ChannelChat || c == ChannelText
}

// AllChannels lists every supported channel in a stable order.
// Rate limiter and queue components iterate this instead of hardcoding.
var AllChannels = []Channel{ChannelChat, ChannelText}

// Priority orders messages within the queue. Higher priorities are drained
// first each dispatch cycle.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether the priority is one of the supported values.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// PrioritiesDescending lists priorities from most to least urgent.
// Batch selection drains lanes in this order.
var PrioritiesDescending = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// DeliveryStatus is the provider-reported state of an outbound message,
// received through the delivery status feed.
type DeliveryStatus string

const (
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Terminal reports whether the status ends the message lifecycle on the
// success path. A failed status feeds the retry path instead.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryStatusDelivered || s == DeliveryStatusRead
}

// TriggerStatus is the lifecycle state of one alert processing cycle.
type TriggerStatus string

const (
	TriggerPending    TriggerStatus = "pending"
	TriggerProcessing TriggerStatus = "processing"
	TriggerCompleted  TriggerStatus = "completed"
	TriggerFailed     TriggerStatus = "failed"
)

// QueueHealthState is the advisory health classification of the message queue.
type QueueHealthState string

const (
	QueueHealthy   QueueHealthState = "healthy"
	QueueDegraded  QueueHealthState = "degraded"
	QueueUnhealthy QueueHealthState = "unhealthy"
)

// QuotaAlertLevel classifies quota utilization alerts.
type QuotaAlertLevel string

const (
	QuotaAlertWarning  QuotaAlertLevel = "warning"
	QuotaAlertCritical QuotaAlertLevel = "critical"
	QuotaAlertExceeded QuotaAlertLevel = "exceeded"
)
