package subscription

import "time"

// UserSubscription mirrors the latest tier purchased through a
// subscription-type payment. It is written outside the reconciliation
// transaction boundary.
type UserSubscription struct {
	UserID    int64     `gorm:"column:user_id;primaryKey"`
	Tier      string    `gorm:"column:tier;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (UserSubscription) TableName() string {
	return "user_subscriptions"
}
