// Package statusfeed consumes provider delivery receipts from SQS and applies
// them to the dispatch pipeline. Each receipt maps a delivery id back to a
// sent message and settles it: confirmed, retried, or dead-lettered.
package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"schemealert/internal/types"
)

// pollErrorBackoff spaces out retries when the queue itself is unreachable.
const pollErrorBackoff = 5 * time.Second

// SQSReceiver abstracts the SQS receive/delete operations for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// StatusApplier settles one delivery receipt against pipeline state.
// Implemented by the dispatcher.
type StatusApplier interface {
	ApplyDeliveryStatus(ctx context.Context, ev types.DeliveryStatusEvent) error
}

// Consumer long-polls the delivery status queue and applies each receipt
// independently: one bad record never blocks the batch.
type Consumer struct {
	client   SQSReceiver
	queueURL string
	applier  StatusApplier
	logger   types.Logger
}

// New creates a Consumer for the given queue URL.
func New(client SQSReceiver, queueURL string, applier StatusApplier, logger types.Logger) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		applier:  applier,
		logger:   logger.With("component", "statusfeed"),
	}
}

// Run long-polls until the context is cancelled. Receive errors are logged
// and polling continues; SQS visibility timeout handles redelivery of
// records that fail to apply.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("delivery status consumer starting", "queue_url", c.queueURL)
	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("delivery status consumer stopping")
			return
		}
		if err := c.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("delivery status poll failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(pollErrorBackoff):
			}
		}
	}
}

// Poll performs a single long-poll receive and processes the batch. Exposed
// separately so tests can drive polling deterministically.
func (c *Consumer) Poll(ctx context.Context) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		return err
	}

	for _, record := range out.Messages {
		if c.processRecord(ctx, record) {
			c.ack(ctx, record)
		}
	}
	return nil
}

// processRecord applies one receipt. It reports whether the record should be
// deleted from the queue: malformed bodies and unknown deliveries are
// acknowledged (retrying cannot fix them), transient apply failures are left
// for SQS redelivery.
func (c *Consumer) processRecord(ctx context.Context, record sqsTypes.Message) bool {
	var ev types.DeliveryStatusEvent
	if err := json.Unmarshal([]byte(aws.ToString(record.Body)), &ev); err != nil {
		c.logger.Error("malformed delivery status record",
			"sqs_message_id", aws.ToString(record.MessageId),
			"error", err,
		)
		return true
	}

	err := c.applier.ApplyDeliveryStatus(ctx, ev)
	switch {
	case err == nil:
		return true
	case types.CodeOf(err) == types.ErrCodeNotFoundMessage:
		// Receipt for a pruned or pre-restart delivery; redelivery cannot
		// resolve it.
		c.logger.Warn("receipt for unknown delivery dropped",
			"delivery_id", ev.DeliveryID,
			"status", ev.Status,
		)
		return true
	case types.CodeOf(err) == types.ErrCodeValidationMissingField:
		c.logger.Error("invalid delivery status record dropped",
			"delivery_id", ev.DeliveryID,
			"error", err,
		)
		return true
	default:
		c.logger.Error("failed to apply delivery status, leaving for redelivery",
			"delivery_id", ev.DeliveryID,
			"error", err,
		)
		return false
	}
}

func (c *Consumer) ack(ctx context.Context, record sqsTypes.Message) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: record.ReceiptHandle,
	})
	if err != nil {
		c.logger.Error("failed to delete delivery status record",
			"sqs_message_id", aws.ToString(record.MessageId),
			"error", err,
		)
	}
}
