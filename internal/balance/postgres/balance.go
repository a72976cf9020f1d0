package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	internal "github.com/starforge/botpay/internal"
	balancepkg "github.com/starforge/botpay/internal/balance"
	"github.com/starforge/botpay/internal/core/datamodel/balance"
)

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

var _ balancepkg.Ledger = (*LedgerRepository)(nil)

// Credit adds stars to the user's account and records the attributing entry
// in one transaction. The balance update is a server-side upsert increment so
// concurrent credits for the same user never lose updates.
func (r *LedgerRepository) Credit(ctx context.Context, userID, stars int64, ref balancepkg.EntryRef) (int64, error) {
	var newBalance int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		newBalance, err = CreditInTx(tx, userID, stars, ref)
		return err
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// CreditInTx applies a credit inside an existing transaction. The
// reconciliation store uses it to keep the payment transition and the ledger
// credit in one commit.
func CreditInTx(tx *gorm.DB, userID, stars int64, ref balancepkg.EntryRef) (int64, error) {
	if stars <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", stars)
	}

	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"balance":    gorm.Expr("balance_accounts.balance + ?", stars),
			"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
		}),
	}).Create(&balance.Account{UserID: userID, Balance: stars}).Error
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}

	entry := &balance.Entry{
		UserID:  userID,
		Delta:   stars,
		RefType: ref.Type,
		RefID:   ref.ID,
	}
	if err := tx.Create(entry).Error; err != nil {
		return 0, fmt.Errorf("record credit entry: %w", err)
	}

	var account balance.Account
	if err := tx.First(&account, "user_id = ?", userID).Error; err != nil {
		return 0, fmt.Errorf("read balance after credit: %w", err)
	}
	return account.Balance, nil
}

// Debit removes stars with an atomic conditional decrement: the WHERE clause
// rejects the update when the balance is too low, so two concurrent debits
// can never both pass a stale check.
func (r *LedgerRepository) Debit(ctx context.Context, userID, stars int64, ref balancepkg.EntryRef) (int64, error) {
	if stars <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", stars)
	}

	var newBalance int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&balance.Account{}).
			Where("user_id = ? AND balance >= ?", userID, stars).
			Update("balance", gorm.Expr("balance - ?", stars))
		if res.Error != nil {
			return fmt.Errorf("debit balance: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// distinguish a missing account from a low balance
			var account balance.Account
			if err := tx.First(&account, "user_id = ?", userID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return internal.ErrAccountNotFound
				}
				return fmt.Errorf("read balance: %w", err)
			}
			return internal.ErrInsufficientStars
		}

		entry := &balance.Entry{
			UserID:  userID,
			Delta:   -stars,
			RefType: ref.Type,
			RefID:   ref.ID,
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("record debit entry: %w", err)
		}

		var account balance.Account
		if err := tx.First(&account, "user_id = ?", userID).Error; err != nil {
			return fmt.Errorf("read balance after debit: %w", err)
		}
		newBalance = account.Balance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

func (r *LedgerRepository) Balance(ctx context.Context, userID int64) (int64, error) {
	var account balance.Account
	err := r.db.WithContext(ctx).First(&account, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, internal.ErrAccountNotFound
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return account.Balance, nil
}

func (r *LedgerRepository) Entries(ctx context.Context, userID int64, limit int) ([]*balance.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []*balance.Entry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
