package payment

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/starforge/botpay/internal/core/datamodel/payment"
)

// Plain-text acknowledgment tokens the gateway expects. The gateway treats
// any 200 body starting with "OK{InvId}" as a final acknowledgment and stops
// redelivery.
const (
	TokenInvalidSignature  = "Invalid signature"
	TokenMissingShpParams  = "Missing required shp_ parameters"
	TokenPaymentNotFound   = "Payment not found"
	TokenAmountMismatch    = "Amount mismatch"
	TokenFetchError        = "Internal server error during payment fetch"
	TokenUpdateError       = "Internal server error during payment update"
	TokenSubscriptionError = "Internal server error during subscription update"
)

func TokenOK(invID string) string {
	return "OK" + invID
}

func TokenAlreadyProcessed(invID string) string {
	return fmt.Sprintf("OK%s (already processed)", invID)
}

// OutcomeCode classifies what a callback delivery amounted to. Conflict-style
// results (lost the transition race, redelivery of a completed payment) are
// AlreadyProcessed, which is a success from the gateway's point of view.
type OutcomeCode string

const (
	OutcomeSuccess          OutcomeCode = "success"
	OutcomeAlreadyProcessed OutcomeCode = "already_processed"
	OutcomeValidationFailed OutcomeCode = "validation_failed"
	OutcomeNotFound         OutcomeCode = "not_found"
	OutcomeTransientFailure OutcomeCode = "transient_failure"
)

// Outcome is the engine's answer for one callback delivery: what to tell the
// gateway and how the delivery was classified.
type Outcome struct {
	Code       OutcomeCode
	Token      string
	HTTPStatus int
}

func successOutcome(invID string) Outcome {
	return Outcome{Code: OutcomeSuccess, Token: TokenOK(invID), HTTPStatus: http.StatusOK}
}

func alreadyProcessedOutcome(invID string) Outcome {
	return Outcome{Code: OutcomeAlreadyProcessed, Token: TokenAlreadyProcessed(invID), HTTPStatus: http.StatusOK}
}

func validationOutcome(token string) Outcome {
	return Outcome{Code: OutcomeValidationFailed, Token: token, HTTPStatus: http.StatusBadRequest}
}

func notFoundOutcome() Outcome {
	return Outcome{Code: OutcomeNotFound, Token: TokenPaymentNotFound, HTTPStatus: http.StatusNotFound}
}

func transientOutcome(token string) Outcome {
	return Outcome{Code: OutcomeTransientFailure, Token: token, HTTPStatus: http.StatusInternalServerError}
}

// TransitionResult reports an atomic conditional status transition.
// AlreadyDone means another delivery won the race; the caller must still
// acknowledge the gateway but skip credit and notification.
type TransitionResult int

const (
	TransitionApplied TransitionResult = iota
	TransitionAlreadyDone
	TransitionNotFound
)

// CompletionResult reports the transactional PENDING→COMPLETED transition
// combined with the ledger credit.
type CompletionResult struct {
	Applied    bool
	NewBalance int64
}

// Store is the durable payment record keyed by invoice id. FindByInvoiceID
// returns internal.ErrPaymentNotFound for unknown invoices; every other error
// is a transient data-access failure, safe to retry.
type Store interface {
	Create(ctx context.Context, p *payment.Payment) error
	FindByInvoiceID(ctx context.Context, invoiceID int64) (*payment.Payment, error)
	FindByUUID(ctx context.Context, paymentUUID string) (*payment.Payment, error)

	// TryTransition is a compare-and-swap on the status column.
	TryTransition(ctx context.Context, paymentID int64, from, to string) (TransitionResult, error)

	// CompleteAndCredit runs the PENDING→COMPLETED transition, the ledger
	// credit, and the credited_at stamp in a single database transaction.
	// Applied=false means the transition was lost to a concurrent delivery.
	CompleteAndCredit(ctx context.Context, p *payment.Payment) (CompletionResult, error)

	// RepairCredit re-applies the ledger credit for a COMPLETED payment whose
	// credited_at is still null. The credited_at claim is conditional, so
	// concurrent repairs apply the credit at most once.
	RepairCredit(ctx context.Context, p *payment.Payment) (bool, error)

	FindUncredited(ctx context.Context, olderThan time.Time, limit int) ([]*payment.Payment, error)
	StatusCounts(ctx context.Context) (map[string]int64, error)
}

// SubscriptionUpdater is invoked for subscription-type payments, outside the
// reconciliation transaction boundary.
type SubscriptionUpdater interface {
	UpdateUserSubscription(ctx context.Context, userID int64, tier string) error
}
