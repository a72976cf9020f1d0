package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	internal "github.com/starforge/botpay/internal"
	balancepkg "github.com/starforge/botpay/internal/balance"
	balancepg "github.com/starforge/botpay/internal/balance/postgres"
	"github.com/starforge/botpay/internal/core/datamodel/payment"
	paymentpkg "github.com/starforge/botpay/internal/payment"
)

type PaymentStore struct {
	db *gorm.DB
}

func NewPaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

var _ paymentpkg.Store = (*PaymentStore)(nil)

// Create inserts a PENDING payment and assigns its invoice id. The invoice id
// column may be filled by a database default; when it is not (sqlite in
// tests), the row id doubles as the invoice id.
func (s *PaymentStore) Create(ctx context.Context, p *payment.Payment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("invoice_id").Create(p).Error; err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		if err := tx.First(p, p.ID).Error; err != nil {
			return fmt.Errorf("reload payment: %w", err)
		}
		if p.InvoiceID == 0 {
			if err := tx.Model(p).Update("invoice_id", p.ID).Error; err != nil {
				return fmt.Errorf("assign invoice id: %w", err)
			}
			p.InvoiceID = p.ID
		}
		return nil
	})
}

func (s *PaymentStore) FindByInvoiceID(ctx context.Context, invoiceID int64) (*payment.Payment, error) {
	var p payment.Payment
	err := s.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("find payment by invoice id: %w", err)
	}
	return &p, nil
}

func (s *PaymentStore) FindByUUID(ctx context.Context, paymentUUID string) (*payment.Payment, error) {
	var p payment.Payment
	err := s.db.WithContext(ctx).Where("payment_uuid = ?", paymentUUID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("find payment by uuid: %w", err)
	}
	return &p, nil
}

// TryTransition performs a compare-and-swap on the status column. Exactly one
// of any number of concurrent deliveries observes TransitionApplied.
func (s *PaymentStore) TryTransition(ctx context.Context, paymentID int64, from, to string) (paymentpkg.TransitionResult, error) {
	return tryTransitionTx(s.db.WithContext(ctx), paymentID, from, to)
}

func tryTransitionTx(tx *gorm.DB, paymentID int64, from, to string) (paymentpkg.TransitionResult, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	if to == payment.StatusCompleted {
		updates["completed_at"] = time.Now().UTC()
	}

	res := tx.Model(&payment.Payment{}).
		Where("id = ? AND status = ?", paymentID, from).
		Updates(updates)
	if res.Error != nil {
		return paymentpkg.TransitionNotFound, fmt.Errorf("transition payment status: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return paymentpkg.TransitionApplied, nil
	}

	var count int64
	if err := tx.Model(&payment.Payment{}).Where("id = ?", paymentID).Count(&count).Error; err != nil {
		return paymentpkg.TransitionNotFound, fmt.Errorf("check payment existence: %w", err)
	}
	if count == 0 {
		return paymentpkg.TransitionNotFound, nil
	}
	return paymentpkg.TransitionAlreadyDone, nil
}

// CompleteAndCredit runs the status CAS, the ledger credit, the attributing
// entry, and the credited_at stamp in one transaction, so a crash can not
// leave the payment completed with the credit missing.
func (s *PaymentStore) CompleteAndCredit(ctx context.Context, p *payment.Payment) (paymentpkg.CompletionResult, error) {
	var result paymentpkg.CompletionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		transition, err := tryTransitionTx(tx, p.ID, payment.StatusPending, payment.StatusCompleted)
		if err != nil {
			return err
		}
		if transition != paymentpkg.TransitionApplied {
			result.Applied = false
			return nil
		}

		newBalance, err := balancepg.CreditInTx(tx, p.UserID, p.Stars, balancepkg.PaymentRef(p.PaymentUUID))
		if err != nil {
			return err
		}

		if err := markCreditedTx(tx, p.ID); err != nil {
			return err
		}

		result.Applied = true
		result.NewBalance = newBalance
		return nil
	})
	if err != nil {
		return paymentpkg.CompletionResult{}, err
	}
	return result, nil
}

// RepairCredit claims the credited_at stamp with a conditional update before
// crediting; a concurrent repair that loses the claim rolls up as a no-op.
func (s *PaymentStore) RepairCredit(ctx context.Context, p *payment.Payment) (bool, error) {
	repaired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&payment.Payment{}).
			Where("id = ? AND status = ? AND credited_at IS NULL", p.ID, payment.StatusCompleted).
			Update("credited_at", time.Now().UTC())
		if res.Error != nil {
			return fmt.Errorf("claim credit repair: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if _, err := balancepg.CreditInTx(tx, p.UserID, p.Stars, balancepkg.PaymentRef(p.PaymentUUID)); err != nil {
			return err
		}
		repaired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return repaired, nil
}

func markCreditedTx(tx *gorm.DB, paymentID int64) error {
	res := tx.Model(&payment.Payment{}).
		Where("id = ? AND credited_at IS NULL", paymentID).
		Update("credited_at", time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("mark payment credited: %w", res.Error)
	}
	return nil
}

func (s *PaymentStore) FindUncredited(ctx context.Context, olderThan time.Time, limit int) ([]*payment.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	var payments []*payment.Payment
	err := s.db.WithContext(ctx).
		Where("status = ? AND credited_at IS NULL AND completed_at < ?", payment.StatusCompleted, olderThan).
		Order("completed_at ASC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("find uncredited payments: %w", err)
	}
	return payments, nil
}

func (s *PaymentStore) StatusCounts(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&payment.Payment{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count payments by status: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
