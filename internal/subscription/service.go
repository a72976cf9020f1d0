package subscription

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/starforge/botpay/internal/core/datamodel/subscription"
)

// Service upserts the user's subscription tier. It runs outside the
// reconciliation transaction boundary: a failed tier write does not undo the
// payment completion or the credit.
type Service struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewService(db *gorm.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger}
}

func (s *Service) UpdateUserSubscription(ctx context.Context, userID int64, tier string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"tier":       tier,
			"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
		}),
	}).Create(&subscription.UserSubscription{UserID: userID, Tier: tier}).Error
	if err != nil {
		return fmt.Errorf("update user subscription: %w", err)
	}

	s.logger.Info("user subscription updated", "user_id", userID, "tier", tier)
	return nil
}

func (s *Service) GetTier(ctx context.Context, userID int64) (string, error) {
	var sub subscription.UserSubscription
	err := s.db.WithContext(ctx).First(&sub, "user_id = ?", userID).Error
	if err != nil {
		return "", err
	}
	return sub.Tier, nil
}
