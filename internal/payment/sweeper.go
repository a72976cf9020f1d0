package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	internal "github.com/starforge/botpay/internal"
	"github.com/starforge/botpay/internal/core/events"
)

// Sweeper is the background repair path for the partial-application state:
// payments that reached COMPLETED but whose ledger credit was lost to a crash
// between transition and credit. Any payment it finds is an alert-worthy
// condition, logged at error level before being repaired.
type Sweeper struct {
	store        Store
	bus          *events.EventBus
	logger       *slog.Logger
	minAge       time.Duration
	batchSize    int
	queryTimeout time.Duration
}

func NewSweeper(store Store, bus *events.EventBus, logger *slog.Logger, minAge time.Duration, batchSize int, queryTimeout time.Duration) *Sweeper {
	if minAge <= 0 {
		minAge = 2 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		store:        store,
		bus:          bus,
		logger:       logger,
		minAge:       minAge,
		batchSize:    batchSize,
		queryTimeout: queryTimeout,
	}
}

// Sweep repairs one batch of completed-but-uncredited payments and returns
// how many credits were re-applied. The minimum age keeps it from racing
// in-flight reconciliations that simply have not committed yet.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.minAge)

	scanCtx, cancel := internal.WithTimeout(ctx, s.queryTimeout)
	stale, err := s.store.FindUncredited(scanCtx, cutoff, s.batchSize)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("scan for uncredited payments: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	s.logger.Error("found completed payments with missing ledger credits",
		"count", len(stale))

	repaired := 0
	for _, p := range stale {
		repairCtx, cancel := internal.WithTimeout(ctx, s.queryTimeout)
		ok, err := s.store.RepairCredit(repairCtx, p)
		cancel()
		if err != nil {
			s.logger.Error("sweep credit repair failed",
				"payment_id", p.ID,
				"invoice_id", p.InvoiceID,
				"error", err)
			continue
		}
		if !ok {
			// another delivery or sweep got there first
			continue
		}

		repaired++
		s.logger.Warn("sweep repaired payment credit",
			"payment_id", p.ID,
			"invoice_id", p.InvoiceID,
			"user_id", p.UserID,
			"stars", p.Stars)
		s.bus.Publish(ctx, events.NewCreditRepairedEvent(p.ID, p.InvoiceID, p.UserID, p.Stars))
	}

	return repaired, nil
}
