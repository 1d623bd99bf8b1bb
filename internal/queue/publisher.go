package queue

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"schemealert/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// publishBuffer bounds how many events can wait for the publish loop.
// Observe drops on overflow rather than stall the queue.
const publishBuffer = 256

// EventPublisher forwards terminal queue events to an SQS ops queue so
// external tooling can react to dead letters without polling the operator
// API. Publishing is advisory telemetry: failures are logged, never
// surfaced to the queue.
//
// Wire it with Queue.SubscribeEvents(p.Observe) and run the send loop in
// its own goroutine.
type EventPublisher struct {
	client   SQSSender
	queueURL string
	logger   types.Logger
	events   chan Event
}

// NewEventPublisher creates a publisher targeting the given ops queue URL.
func NewEventPublisher(client SQSSender, queueURL string, logger types.Logger) *EventPublisher {
	return &EventPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger.With("component", "event_publisher"),
		events:   make(chan Event, publishBuffer),
	}
}

// Observe enqueues a queue event for publishing. It satisfies the EventFunc
// contract: it never blocks the queue, dropping events when the buffer is
// full. Only terminal transitions are published; routine enqueue and send
// traffic stays local.
func (p *EventPublisher) Observe(ev Event) {
	switch ev.Type {
	case EventDeadLettered, EventDeadLetterEvicted, EventDiscarded:
	default:
		return
	}

	select {
	case p.events <- ev:
	default:
		p.logger.Warn("event publish buffer full, dropping event",
			"type", string(ev.Type), "message_id", ev.MessageID)
	}
}

// Run drains the event buffer until the context ends.
func (p *EventPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			p.publish(ctx, ev)
		}
	}
}

func (p *EventPublisher) publish(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal queue event",
			"type", string(ev.Type), "message_id", ev.MessageID, "error", err)
		return
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(ev.Type)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.Error("failed to publish queue event",
			"type", string(ev.Type), "message_id", ev.MessageID, "error", err)
		return
	}

	p.logger.Info("queue event published",
		"type", string(ev.Type),
		"message_id", ev.MessageID,
		"channel", string(ev.Channel),
	)
}
