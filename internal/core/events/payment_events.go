package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentCompleted = "payment.completed"
	EventTypePaymentFailed    = "payment.failed"
	EventTypeCreditRepaired   = "payment.credit_repaired"
)

// PaymentCompletedEvent is published exactly once per payment, after the
// transition+credit transaction commits.
type PaymentCompletedEvent struct {
	BaseEvent
	PaymentID        int64   `json:"payment_id"`
	InvoiceID        int64   `json:"invoice_id"`
	UserID           int64   `json:"user_id"`
	AmountRub        string  `json:"amount_rub"`
	Stars            int64   `json:"stars"`
	SubscriptionTier *string `json:"subscription_tier,omitempty"`
}

func NewPaymentCompletedEvent(paymentID, invoiceID, userID int64, amountRub string, stars int64, tier *string) *PaymentCompletedEvent {
	return &PaymentCompletedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentCompleted,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id": paymentID,
				"invoice_id": invoiceID,
				"user_id":    userID,
				"amount_rub": amountRub,
				"stars":      stars,
			},
		},
		PaymentID:        paymentID,
		InvoiceID:        invoiceID,
		UserID:           userID,
		AmountRub:        amountRub,
		Stars:            stars,
		SubscriptionTier: tier,
	}
}

type PaymentFailedEvent struct {
	BaseEvent
	PaymentID int64  `json:"payment_id"`
	InvoiceID int64  `json:"invoice_id"`
	UserID    int64  `json:"user_id"`
	Reason    string `json:"reason"`
}

func NewPaymentFailedEvent(paymentID, invoiceID, userID int64, reason string) *PaymentFailedEvent {
	return &PaymentFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentFailed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id": paymentID,
				"invoice_id": invoiceID,
				"user_id":    userID,
				"reason":     reason,
			},
		},
		PaymentID: paymentID,
		InvoiceID: invoiceID,
		UserID:    userID,
		Reason:    reason,
	}
}

// CreditRepairedEvent marks a completed-but-uncredited payment whose ledger
// credit was re-applied by the repair path. These are a monitored condition,
// not part of the happy path.
type CreditRepairedEvent struct {
	BaseEvent
	PaymentID int64 `json:"payment_id"`
	InvoiceID int64 `json:"invoice_id"`
	UserID    int64 `json:"user_id"`
	Stars     int64 `json:"stars"`
}

func NewCreditRepairedEvent(paymentID, invoiceID, userID, stars int64) *CreditRepairedEvent {
	return &CreditRepairedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeCreditRepaired,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id": paymentID,
				"invoice_id": invoiceID,
				"user_id":    userID,
				"stars":      stars,
			},
		},
		PaymentID: paymentID,
		InvoiceID: invoiceID,
		UserID:    userID,
		Stars:     stars,
	}
}
