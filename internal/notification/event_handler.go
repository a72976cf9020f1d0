package notification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starforge/botpay/internal/core/events"
)

// EventHandler bridges the event bus to the dispatcher. The reconciliation
// engine publishes payment.completed exactly once per payment, so every
// delivery here maps to one user-visible notification; delivery failures are
// retried by the dispatcher's transport, never by re-publishing.
type EventHandler struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewEventHandler(dispatcher Dispatcher, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (h *EventHandler) HandlePaymentCompleted(ctx context.Context, event events.Event) error {
	completed, ok := event.(*events.PaymentCompletedEvent)
	if !ok {
		return fmt.Errorf("expected PaymentCompletedEvent, got %T", event)
	}

	if err := h.dispatcher.NotifyPaymentSuccess(ctx, completed.UserID, completed.AmountRub, completed.Stars); err != nil {
		h.logger.Error("payment notification dispatch failed",
			"user_id", completed.UserID,
			"payment_id", completed.PaymentID,
			"error", err)
		return err
	}

	return nil
}

func (h *EventHandler) RegisterEventHandlers(bus *events.EventBus) {
	bus.Subscribe(events.EventTypePaymentCompleted, h.HandlePaymentCompleted)
	h.logger.Info("notification event handlers registered",
		"handlers", []string{events.EventTypePaymentCompleted})
}
