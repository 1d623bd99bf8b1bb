package dispatch

import (
	"context"
	"fmt"

	"schemealert/internal/types"
)

// permanentReceiptCodes are provider error codes on failed receipts that can
// never succeed on retry. Anything else is treated as transient.
var permanentReceiptCodes = map[string]bool{
	"invalid_recipient": true,
	"recipient_blocked": true,
	"opt_out":           true,
	"unsubscribed":      true,
}

// ApplyDeliveryStatus maps one inbound delivery receipt onto queue state.
//
//   - delivered/read close the delivery on the success path
//   - sent is a non-terminal carrier ack; tracking stays open
//   - failed feeds the message back into retry/dead-letter bookkeeping
//
// Receipts for unknown deliveries (pre-restart sends, pruned tracking) are
// reported as not found; callers log and drop them.
func (d *Dispatcher) ApplyDeliveryStatus(ctx context.Context, ev types.DeliveryStatusEvent) error {
	if ev.DeliveryID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"delivery status event has no delivery id", nil)
	}

	d.trackMu.Lock()
	rec, ok := d.deliveries[ev.DeliveryID]
	if ok && ev.Status != types.DeliveryStatusSent {
		delete(d.deliveries, ev.DeliveryID)
	}
	d.trackMu.Unlock()

	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundMessage,
			fmt.Sprintf("no tracked delivery %s", ev.DeliveryID), nil)
	}

	log := d.logger.With(
		"delivery_id", ev.DeliveryID,
		"message_id", rec.msg.ID,
		"status", ev.Status,
	)

	switch ev.Status {
	case types.DeliveryStatusSent:
		// Carrier accepted; the terminal receipt is still to come.
		return nil

	case types.DeliveryStatusDelivered, types.DeliveryStatusRead:
		log.Info("delivery confirmed")
		return nil

	case types.DeliveryStatusFailed:
		cause := receiptFailure(ev)
		log.Warn("delivery failed after send", "provider_code", ev.ErrorCode)
		return d.queue.ReportDeliveryFailure(ctx, rec.msg, cause)

	default:
		return types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("unknown delivery status %q", ev.Status), nil)
	}
}

// receiptFailure builds the delivery error a failed receipt represents.
func receiptFailure(ev types.DeliveryStatusEvent) error {
	code := types.ErrCodeDeliveryTransient
	if permanentReceiptCodes[ev.ErrorCode] {
		code = types.ErrCodeDeliveryPermanent
	}
	return types.NewAppErrorWithDetails(code,
		fmt.Sprintf("provider reported delivery failure: %s", ev.ErrorCode),
		nil,
		map[string]any{"provider_code": ev.ErrorCode, "delivery_id": ev.DeliveryID},
	)
}
