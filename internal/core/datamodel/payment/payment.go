package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Payment is the durable record of one payment attempt. InvoiceID is the
// gateway correlation key and carries a unique constraint: exactly one payment
// exists per invoice. Stars is fixed when the invoice is created and never
// recomputed from callback data.
type Payment struct {
	ID               int64           `gorm:"primaryKey"`
	PaymentUUID      string          `gorm:"column:payment_uuid;not null;uniqueIndex"`
	InvoiceID        int64           `gorm:"column:invoice_id;uniqueIndex"`
	UserID           int64           `gorm:"column:user_id;not null;index"`
	Amount           decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null"`
	Stars            int64           `gorm:"column:stars;not null"`
	Status           string          `gorm:"column:status;default:pending;index"`
	SubscriptionTier *string         `gorm:"column:subscription_tier"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
	CompletedAt      *time.Time      `gorm:"column:completed_at"`
	// CreditedAt is stamped when the ledger credit for this payment has been
	// applied. A completed payment with a nil CreditedAt is the
	// partial-application state the repair sweep looks for.
	CreditedAt *time.Time `gorm:"column:credited_at"`
}

func (Payment) TableName() string {
	return "payments"
}

func (p *Payment) IsTerminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}

func (p *Payment) NeedsCreditRepair() bool {
	return p.Status == StatusCompleted && p.CreditedAt == nil
}
