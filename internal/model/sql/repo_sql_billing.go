package sql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"genmarket/internal/entity"

	"gorm.io/gorm"
)

// SavePlan creates or replaces a subscription plan.
func (r *GormRepository) SavePlan(ctx context.Context, plan *entity.DbSubscriptionPlan) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if plan == nil {
		return fmt.Errorf("plan is nil")
	}
	if plan.ID == 0 {
		return r.db.WithContext(ctx).Create(plan).Error
	}
	return r.db.WithContext(ctx).Save(plan).Error
}

func (r *GormRepository) GetPlan(ctx context.Context, id uint) (*entity.DbSubscriptionPlan, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	var plan entity.DbSubscriptionPlan
	if err := r.db.WithContext(ctx).First(&plan, id).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *GormRepository) ListPlans(ctx context.Context, includeInactive bool) ([]entity.DbSubscriptionPlan, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	query := r.db.WithContext(ctx).Model(&entity.DbSubscriptionPlan{})
	if !includeInactive {
		query = query.Where("is_active = ?", true)
	}
	var plans []entity.DbSubscriptionPlan
	if err := query.Order("id ASC").Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

// CreateSubscription stores a subscription; times are kept in UTC so that
// range comparisons behave the same on every driver.
func (r *GormRepository) CreateSubscription(ctx context.Context, sub *entity.DbSubscription) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	sub.StartsAt = sub.StartsAt.UTC()
	sub.ExpiresAt = sub.ExpiresAt.UTC()
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *GormRepository) ExtendSubscription(ctx context.Context, id uint, expiresAt time.Time) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	result := r.db.WithContext(ctx).
		Model(&entity.DbSubscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"expires_at": expiresAt.UTC(),
			"status":     entity.SubscriptionStatusActive,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// FindActiveSubscription returns the latest running subscription of a user on a plan.
func (r *GormRepository) FindActiveSubscription(ctx context.Context, userID, planID uint, now time.Time) (*entity.DbSubscription, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	var sub entity.DbSubscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND plan_id = ? AND status = ? AND expires_at > ?", userID, planID, entity.SubscriptionStatusActive, now.UTC()).
		Order("expires_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *GormRepository) ListSubscriptions(ctx context.Context, userID uint) ([]entity.DbSubscription, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	var subs []entity.DbSubscription
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// ListGrantableSubscriptions returns active subscriptions that have not been granted for day.
func (r *GormRepository) ListGrantableSubscriptions(ctx context.Context, now time.Time, day string) ([]entity.DbSubscription, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	now = now.UTC()
	var subs []entity.DbSubscription
	err := r.db.WithContext(ctx).
		Where("status = ? AND starts_at <= ? AND expires_at > ? AND last_grant_date < ?",
			entity.SubscriptionStatusActive, now, now, day).
		Order("id ASC").
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// MarkSubscriptionGranted records day as granted. It returns false when the
// day was already recorded by a concurrent run.
func (r *GormRepository) MarkSubscriptionGranted(ctx context.Context, id uint, day string) (bool, error) {
	if r == nil || r.db == nil {
		return false, fmt.Errorf("repository not initialised")
	}
	result := r.db.WithContext(ctx).
		Model(&entity.DbSubscription{}).
		Where("id = ? AND last_grant_date < ?", id, day).
		Update("last_grant_date", day)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ExpireSubscriptions flips ended subscriptions to expired.
func (r *GormRepository) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("repository not initialised")
	}
	result := r.db.WithContext(ctx).
		Model(&entity.DbSubscription{}).
		Where("status = ? AND expires_at <= ?", entity.SubscriptionStatusActive, now.UTC()).
		Update("status", entity.SubscriptionStatusExpired)
	return result.RowsAffected, result.Error
}

func (r *GormRepository) CreatePaymentOrder(ctx context.Context, order *entity.DbPaymentOrder) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if order == nil {
		return fmt.Errorf("order is nil")
	}
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *GormRepository) GetPaymentOrder(ctx context.Context, orderNo string) (*entity.DbPaymentOrder, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	orderNo = strings.TrimSpace(orderNo)
	if orderNo == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var order entity.DbPaymentOrder
	if err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// MarkPaymentOrderPaid moves a pending order to paid. A transaction id that is
// already recorded on another order surfaces as gorm.ErrDuplicatedKey.
func (r *GormRepository) MarkPaymentOrderPaid(ctx context.Context, orderNo, transactionID string, paidAt time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, fmt.Errorf("repository not initialised")
	}
	result := r.db.WithContext(ctx).
		Model(&entity.DbPaymentOrder{}).
		Where("order_no = ? AND status = ?", orderNo, entity.OrderStatusPending).
		Updates(map[string]interface{}{
			"status":         entity.OrderStatusPaid,
			"transaction_id": transactionID,
			"paid_at":        paidAt.UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
