package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	internal "github.com/starforge/botpay/internal"
	"github.com/starforge/botpay/internal/core/datamodel/payment"
	"github.com/starforge/botpay/internal/core/events"
)

// ReconciliationEngine matches a gateway result callback to a pending payment
// and applies its effects exactly once. The single strong guarantee is that a
// payment transitions PENDING→COMPLETED at most once; the ledger credit rides
// in the same transaction and everything downstream (notification,
// subscription) keys off that single-winner transition.
type ReconciliationEngine struct {
	verifier SignatureVerifier
	store    Store
	subs     SubscriptionUpdater
	bus      *events.EventBus
	// queryTimeout bounds each store/ledger/subscription call; the detached
	// callback context itself carries no deadline.
	queryTimeout time.Duration
	logger       *slog.Logger
}

func NewReconciliationEngine(verifier SignatureVerifier, store Store, subs SubscriptionUpdater, bus *events.EventBus, queryTimeout time.Duration, logger *slog.Logger) *ReconciliationEngine {
	return &ReconciliationEngine{
		verifier:     verifier,
		store:        store,
		subs:         subs,
		bus:          bus,
		queryTimeout: queryTimeout,
		logger:       logger,
	}
}

// HandleResult runs one callback delivery through the state machine:
// parse → verify → look up → reconcile (or acknowledge a duplicate).
// It never returns an error; every path collapses into an Outcome the
// handler writes back verbatim.
func (e *ReconciliationEngine) HandleResult(ctx context.Context, cb ResultCallback) Outcome {
	if cb.MissingShpParams() {
		e.logger.Warn("callback rejected: missing shp_ correlation parameters",
			"inv_id", cb.InvID)
		return validationOutcome(TokenMissingShpParams)
	}

	if !e.verifier.VerifyResult(cb.OutSum, cb.InvID, cb.Signature, cb.IsTest) {
		e.logger.Warn("callback rejected: signature verification failed",
			"inv_id", cb.InvID,
			"signature_present", cb.Signature != "")
		return validationOutcome(TokenInvalidSignature)
	}

	invoiceID, ok := cb.InvoiceID()
	if !ok {
		e.logger.Warn("callback rejected: unparsable invoice id", "inv_id", cb.InvID)
		return notFoundOutcome()
	}

	// From here on the handler must not be aborted by a gateway disconnect:
	// once the transition starts, cancelling mid-flight would leave the
	// system ambiguous. Each call still carries its own query deadline.
	ctx = internal.Detach(ctx)

	fetchCtx, cancel := internal.WithTimeout(ctx, e.queryTimeout)
	p, err := e.store.FindByInvoiceID(fetchCtx, invoiceID)
	cancel()
	if err != nil {
		if errors.Is(err, internal.ErrPaymentNotFound) {
			e.logger.Warn("callback for unknown invoice", "invoice_id", invoiceID)
			return notFoundOutcome()
		}
		e.logger.Error("payment fetch failed", "invoice_id", invoiceID, "error", err)
		return transientOutcome(TokenFetchError)
	}

	if reject, outcome := e.rejectForged(cb, p); reject {
		return outcome
	}

	if p.IsTerminal() {
		return e.handleRedelivery(ctx, cb, p)
	}

	return e.reconcile(ctx, cb, p)
}

// rejectForged re-validates the callback against the stored payment: a
// legitimate invoice id replayed with a different amount or foreign
// correlation parameters mutates nothing.
func (e *ReconciliationEngine) rejectForged(cb ResultCallback, p *payment.Payment) (bool, Outcome) {
	callbackUserID, ok := cb.CallbackUserID()
	if !ok || callbackUserID != p.UserID || cb.PaymentUUID != p.PaymentUUID {
		e.logger.Warn("callback correlation does not match payment record",
			"invoice_id", p.InvoiceID,
			"payment_id", p.ID)
		return true, notFoundOutcome()
	}

	amount, err := decimal.NewFromString(cb.OutSum)
	if err != nil || !amount.Equal(p.Amount) {
		e.logger.Warn("callback amount does not match payment record",
			"invoice_id", p.InvoiceID,
			"out_sum", cb.OutSum,
			"expected", p.Amount.StringFixed(2))
		return true, validationOutcome(TokenAmountMismatch)
	}

	return false, Outcome{}
}

// handleRedelivery acknowledges a callback for a payment already in a
// terminal state. Nothing is re-credited and nothing is re-notified; the only
// side effect allowed here is the credit repair for a completed payment whose
// ledger write was lost to a partial failure.
func (e *ReconciliationEngine) handleRedelivery(ctx context.Context, cb ResultCallback, p *payment.Payment) Outcome {
	if p.NeedsCreditRepair() {
		repairCtx, cancel := internal.WithTimeout(ctx, e.queryTimeout)
		repaired, err := e.store.RepairCredit(repairCtx, p)
		cancel()
		if err != nil {
			e.logger.Error("credit repair failed",
				"payment_id", p.ID,
				"invoice_id", p.InvoiceID,
				"error", err)
			return transientOutcome(TokenUpdateError)
		}
		if repaired {
			e.logger.Warn("repaired completed-but-uncredited payment",
				"payment_id", p.ID,
				"invoice_id", p.InvoiceID,
				"user_id", p.UserID,
				"stars", p.Stars)
			e.bus.Publish(ctx, events.NewCreditRepairedEvent(p.ID, p.InvoiceID, p.UserID, p.Stars))
		}
	}

	e.logger.Info("duplicate callback acknowledged",
		"payment_id", p.ID,
		"invoice_id", p.InvoiceID,
		"status", p.Status)
	return alreadyProcessedOutcome(cb.InvID)
}

func (e *ReconciliationEngine) reconcile(ctx context.Context, cb ResultCallback, p *payment.Payment) Outcome {
	completeCtx, cancel := internal.WithTimeout(ctx, e.queryTimeout)
	result, err := e.store.CompleteAndCredit(completeCtx, p)
	cancel()
	if err != nil {
		e.logger.Error("payment completion failed",
			"payment_id", p.ID,
			"invoice_id", p.InvoiceID,
			"error", err)
		return transientOutcome(TokenUpdateError)
	}

	if !result.Applied {
		// lost the race to a concurrent delivery; the winner credited
		e.logger.Info("transition lost to concurrent delivery",
			"payment_id", p.ID,
			"invoice_id", p.InvoiceID)
		return alreadyProcessedOutcome(cb.InvID)
	}

	e.logger.Info("payment reconciled",
		"payment_id", p.ID,
		"invoice_id", p.InvoiceID,
		"user_id", p.UserID,
		"stars", p.Stars,
		"new_balance", result.NewBalance)

	e.bus.Publish(ctx, events.NewPaymentCompletedEvent(
		p.ID, p.InvoiceID, p.UserID, p.Amount.StringFixed(2), p.Stars, p.SubscriptionTier))

	if p.SubscriptionTier != nil {
		subCtx, cancel := internal.WithTimeout(ctx, e.queryTimeout)
		err := e.subs.UpdateUserSubscription(subCtx, p.UserID, *p.SubscriptionTier)
		cancel()
		if err != nil {
			e.logger.Error("subscription update failed after credit",
				"payment_id", p.ID,
				"user_id", p.UserID,
				"tier", *p.SubscriptionTier,
				"error", err)
			return transientOutcome(TokenSubscriptionError)
		}
	}

	return successOutcome(cb.InvID)
}
