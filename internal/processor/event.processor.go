package processor

import (
	"context"
	"errors"

	"github.com/nimasrn/payment-gateway/internal/idempotency"
	"github.com/nimasrn/payment-gateway/internal/model"
	"github.com/nimasrn/payment-gateway/internal/queue"
	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/nimasrn/payment-gateway/pkg/prom"
)

type MerchantNotifier interface {
	Target(event *model.TransitionEvent) string
	Notify(ctx context.Context, event *model.TransitionEvent) error
}

type Deduper interface {
	AcquireProcessingLock(ctx context.Context, key string) (*idempotency.ProcessingContext, error)
	MarkSuccess(ctx context.Context, pc *idempotency.ProcessingContext) error
	MarkFailure(ctx context.Context, pc *idempotency.ProcessingContext, reason error) error
	ReleaseLock(ctx context.Context, pc *idempotency.ProcessingContext) error
}

// EventProcessor consumes transition events: every event is written to the
// audit log once, then delivered to the merchant callback.
type EventProcessor struct {
	notifier MerchantNotifier
	dedupe   Deduper
}

func NewEventProcessor(notifier MerchantNotifier, dedupe Deduper) *EventProcessor {
	return &EventProcessor{notifier: notifier, dedupe: dedupe}
}

func (p *EventProcessor) GetType() string {
	return "transition"
}

// Process returns nil when the message should be acked and an error when it
// should be redelivered.
func (p *EventProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var event model.TransitionEvent
	if err := msg.Decode(&event); err != nil || event.TransactionID == "" {
		// a malformed event never gets better
		logger.Error("dropping malformed transition event", "message_id", msg.ID, "error", err)
		prom.AddEventDelivery("unknown", "malformed")
		return nil
	}
	if event.EventID == "" {
		event.EventID = msg.ID
	}
	name := EventName(event.To)
	log := logger.With("event_id", event.EventID, "transaction_id", event.TransactionID)

	pc, err := p.dedupe.AcquireProcessingLock(ctx, "event:"+event.EventID)
	switch {
	case errors.Is(err, idempotency.ErrAlreadyProcessed):
		log.Debug("transition event already handled")
		prom.AddEventDelivery(name, "duplicate")
		return nil
	case errors.Is(err, idempotency.ErrMaxRetriesExceeded):
		log.Error("giving up on merchant notification", "error", err)
		prom.AddEventDelivery(name, "exhausted")
		return nil
	case err != nil:
		return err
	}
	defer func() { _ = p.dedupe.ReleaseLock(context.WithoutCancel(ctx), pc) }()

	if !pc.IsRetry {
		audit(log, &event, msg)
	}

	if p.notifier.Target(&event) == "" {
		prom.AddEventDelivery(name, "no_callback")
		return p.dedupe.MarkSuccess(ctx, pc)
	}

	err = p.notifier.Notify(ctx, &event)
	switch {
	case err == nil:
		prom.AddEventDelivery(name, "delivered")
		log.Info("merchant notified", "event", name, "attempt", pc.RetryCount+1)
		return p.dedupe.MarkSuccess(ctx, pc)
	case errors.Is(err, ErrNotificationRejected):
		prom.AddEventDelivery(name, "rejected")
		log.Warn("merchant rejected notification", "error", err)
		return p.dedupe.MarkSuccess(ctx, pc)
	}

	prom.AddEventDelivery(name, "failed")
	if markErr := p.dedupe.MarkFailure(ctx, pc, err); markErr != nil {
		log.Error("failed to record notification failure", "error", markErr)
	}
	return err
}

func audit(log *logger.ZapLogger, event *model.TransitionEvent, msg *queue.Message) {
	log.Info("audit: transaction transition",
		"stream_id", msg.ID,
		"order_id", event.OrderID,
		"customer_id", event.CustomerID,
		"merchant_id", event.MerchantID,
		"provider", string(event.Provider),
		"amount", event.Amount,
		"currency", event.Currency,
		"from", string(event.From),
		"to", string(event.To),
		"source", string(event.Source),
		"reason", event.Reason,
		"occurred_at", event.OccurredAt)
}
