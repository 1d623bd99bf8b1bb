// Package config defines the global configuration for the SchemeAlert
// pipeline. Configuration is loaded once at process start and is immutable
// thereafter. It follows 12-Factor principles: all values come from the
// environment (optionally seeded by a .env file), and any missing required
// value or invalid format fails the process immediately on startup.
package config

import (
	"time"
)

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"schemealert"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig
	Database  DatabaseConfig
	AWS       AWSConfig
	Matcher   MatcherConfig
	Queue     QueueConfig
	RateLimit RateLimitConfig
	Trigger   TriggerConfig
	Dispatch  DispatchConfig
	Gateway   GatewayConfig
	Records   RecordsConfig
	Operator  OperatorConfig
}

// ServerConfig holds the operator/ingress HTTP server settings.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

// DatabaseConfig holds the optional durable store connection settings.
// When URL is empty the pipeline runs with the in-memory store only.
type DatabaseConfig struct {
	URL             string        `envconfig:"DATABASE_URL"`
	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"ap-south-1"`

	// DeliveryStatusQueue is the SQS queue carrying provider delivery
	// receipts. Empty disables the SQS status feed (the HTTP webhook still
	// accepts status events).
	DeliveryStatusQueue string `envconfig:"SQS_DELIVERY_STATUS" validate:"omitempty,url"`

	// OpsEventsQueue receives queue lifecycle events (dead letters,
	// evictions, discards) for downstream ops tooling. Empty disables
	// publishing.
	OpsEventsQueue string `envconfig:"SQS_OPS_EVENTS" validate:"omitempty,url"`

	// MetricNamespace is the CloudWatch namespace for pipeline telemetry.
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"SchemeAlert"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// MatcherConfig holds eligibility scoring policy knobs. The qualification
// threshold is policy, not hard-coded business meaning.
type MatcherConfig struct {
	QualifyingScore int `envconfig:"MATCH_QUALIFYING_SCORE" default:"60" validate:"min=0,max=100"`
}

// QueueConfig holds message queue sizing and retry policy.
type QueueConfig struct {
	MaxSize           int `envconfig:"QUEUE_MAX_SIZE" default:"10000" validate:"min=1"`
	DeadLetterMaxSize int `envconfig:"QUEUE_DLQ_MAX_SIZE" default:"1000" validate:"min=1"`

	DefaultMaxRetries  int           `envconfig:"QUEUE_MAX_RETRIES" default:"3" validate:"min=0"`
	RetryBaseDelay     time.Duration `envconfig:"QUEUE_RETRY_BASE_DELAY" default:"30s"`
	RetryMaxDelay      time.Duration `envconfig:"QUEUE_RETRY_MAX_DELAY" default:"30m"`
	RetryBackoffFactor float64       `envconfig:"QUEUE_RETRY_BACKOFF_FACTOR" default:"2.0" validate:"gte=1"`

	// Per-lane batch caps at full quota headroom. Batch sizes shrink as
	// daily quota utilization rises.
	BatchSizeHigh   int `envconfig:"QUEUE_BATCH_HIGH" default:"20" validate:"min=1"`
	BatchSizeMedium int `envconfig:"QUEUE_BATCH_MEDIUM" default:"10" validate:"min=0"`
	BatchSizeLow    int `envconfig:"QUEUE_BATCH_LOW" default:"5" validate:"min=0"`
}

// ChannelRateConfig holds the per-channel token bucket rates and long-window
// quotas imposed by the delivery provider.
type ChannelRateConfig struct {
	PerSecond   int
	PerMinute   int
	Burst       int
	HourlyQuota int
	DailyQuota  int
}

// RateLimitConfig holds rate limiting for both channels plus quota alerting
// policy. Leaf fields carry explicit env names because envconfig cannot
// derive distinct prefixes for a shared nested struct type.
type RateLimitConfig struct {
	ChatPerSecond   int `envconfig:"CHAT_RATE_PER_SECOND" default:"20" validate:"min=1"`
	ChatPerMinute   int `envconfig:"CHAT_RATE_PER_MINUTE" default:"600" validate:"min=1"`
	ChatBurst       int `envconfig:"CHAT_RATE_BURST" default:"10" validate:"min=0"`
	ChatHourlyQuota int `envconfig:"CHAT_QUOTA_HOURLY" default:"10000" validate:"min=1"`
	ChatDailyQuota  int `envconfig:"CHAT_QUOTA_DAILY" default:"100000" validate:"min=1"`

	TextPerSecond   int `envconfig:"TEXT_RATE_PER_SECOND" default:"5" validate:"min=1"`
	TextPerMinute   int `envconfig:"TEXT_RATE_PER_MINUTE" default:"100" validate:"min=1"`
	TextBurst       int `envconfig:"TEXT_RATE_BURST" default:"5" validate:"min=0"`
	TextHourlyQuota int `envconfig:"TEXT_QUOTA_HOURLY" default:"2000" validate:"min=1"`
	TextDailyQuota  int `envconfig:"TEXT_QUOTA_DAILY" default:"20000" validate:"min=1"`

	// Quota alert thresholds as utilization percentages.
	WarningPercent  float64       `envconfig:"QUOTA_WARNING_PCT" default:"75"`
	CriticalPercent float64       `envconfig:"QUOTA_CRITICAL_PCT" default:"90"`
	AlertCooldown   time.Duration `envconfig:"QUOTA_ALERT_COOLDOWN" default:"5m"`
}

// Chat returns the chat channel's rate configuration.
func (r RateLimitConfig) Chat() ChannelRateConfig {
	return ChannelRateConfig{
		PerSecond:   r.ChatPerSecond,
		PerMinute:   r.ChatPerMinute,
		Burst:       r.ChatBurst,
		HourlyQuota: r.ChatHourlyQuota,
		DailyQuota:  r.ChatDailyQuota,
	}
}

// Text returns the text channel's rate configuration.
func (r RateLimitConfig) Text() ChannelRateConfig {
	return ChannelRateConfig{
		PerSecond:   r.TextPerSecond,
		PerMinute:   r.TextPerMinute,
		Burst:       r.TextBurst,
		HourlyQuota: r.TextHourlyQuota,
		DailyQuota:  r.TextDailyQuota,
	}
}

// TriggerConfig holds alert trigger coordinator policy.
type TriggerConfig struct {
	// Interval between processing cycles.
	Interval time.Duration `envconfig:"TRIGGER_INTERVAL" default:"1m"`

	// FreshnessSLA is the maximum acceptable delay between a scheme change
	// and a cycle considering it. The first cycle after startup looks back
	// exactly this far so no scheme is missed across restarts.
	FreshnessSLA time.Duration `envconfig:"TRIGGER_FRESHNESS_SLA" default:"5m"`

	// ExcludeApplied excludes users who already applied to a scheme.
	ExcludeApplied bool `envconfig:"TRIGGER_EXCLUDE_APPLIED" default:"true"`

	// ScoringConcurrency bounds concurrent candidate scoring per scheme.
	ScoringConcurrency int `envconfig:"TRIGGER_SCORING_CONCURRENCY" default:"8" validate:"min=1"`
}

// DispatchConfig holds batch dispatcher cadence.
type DispatchConfig struct {
	Interval time.Duration `envconfig:"DISPATCH_INTERVAL" default:"5s"`
}

// GatewayConfig holds the outbound channel gateway endpoints.
type GatewayConfig struct {
	ChatURL   string        `envconfig:"GATEWAY_CHAT_URL" validate:"omitempty,url"`
	TextURL   string        `envconfig:"GATEWAY_TEXT_URL" validate:"omitempty,url"`
	APIKey    string        `envconfig:"GATEWAY_API_KEY"`
	Timeout   time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
	UserAgent string        `envconfig:"GATEWAY_USER_AGENT" default:"SchemeAlert/1.0"`
}

// RecordsConfig holds the artisan-platform records API endpoint serving
// scheme and user reads. Empty BaseURL leaves the trigger loop disabled;
// the queue, dispatcher, and operator API still run.
type RecordsConfig struct {
	BaseURL   string        `envconfig:"RECORDS_BASE_URL" validate:"omitempty,url"`
	APIKey    string        `envconfig:"RECORDS_API_KEY"`
	Timeout   time.Duration `envconfig:"RECORDS_TIMEOUT" default:"15s"`
	UserAgent string        `envconfig:"RECORDS_USER_AGENT" default:"SchemeAlert/1.0"`
}

// OperatorConfig secures the operator endpoints (dead-letter actions).
// APIKeyHash is a bcrypt hash of the operator key; empty disables auth
// (local development only).
type OperatorConfig struct {
	APIKeyHash string `envconfig:"OPERATOR_API_KEY_HASH"`
}
