package balance

import "time"

// Account is the per-user star balance. Balance is only ever changed through
// server-side atomic updates; a debit can never drive it below zero.
type Account struct {
	UserID    int64     `gorm:"column:user_id;primaryKey"`
	Balance   int64     `gorm:"column:balance;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Account) TableName() string {
	return "balance_accounts"
}

const (
	RefTypePayment    = "payment"
	RefTypeGeneration = "generation"
)

// Entry attributes every balance change to exactly one payment or
// generation-job record. Delta is positive for credits and negative for
// debits.
type Entry struct {
	ID        int64     `gorm:"primaryKey"`
	UserID    int64     `gorm:"column:user_id;not null;index"`
	Delta     int64     `gorm:"column:delta;not null"`
	RefType   string    `gorm:"column:ref_type;not null"`
	RefID     string    `gorm:"column:ref_id;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (Entry) TableName() string {
	return "balance_entries"
}
