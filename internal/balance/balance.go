package balance

import (
	"context"

	"github.com/starforge/botpay/internal/core/datamodel/balance"
)

// EntryRef ties a credit or debit to the payment or generation job that
// caused it. Every ledger call must carry one; deduplication itself is the
// caller's responsibility (the reconciliation engine's atomic transition for
// credits, the billing caller's job id for debits).
type EntryRef struct {
	Type string
	ID   string
}

func PaymentRef(paymentID string) EntryRef {
	return EntryRef{Type: balance.RefTypePayment, ID: paymentID}
}

func GenerationRef(jobID string) EntryRef {
	return EntryRef{Type: balance.RefTypeGeneration, ID: jobID}
}

// Ledger is the per-user star balance. Credit always succeeds; Debit fails
// with ErrInsufficientStars when the balance would go negative. Both are
// single atomic server-side updates, never read-then-write.
type Ledger interface {
	Credit(ctx context.Context, userID, stars int64, ref EntryRef) (int64, error)
	Debit(ctx context.Context, userID, stars int64, ref EntryRef) (int64, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	Entries(ctx context.Context, userID int64, limit int) ([]*balance.Entry, error)
}
