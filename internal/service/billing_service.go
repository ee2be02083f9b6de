package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"genmarket/internal/entity"
	"genmarket/internal/ledger"
	"genmarket/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// BillingService 积分余额、支付订单、订阅与每日发放
type BillingService struct {
	repo      model.Repository
	grantHour int
	location  *time.Location
	now       func() time.Time
}

// NewBillingService grantHour 为每日发放的最早小时，location 决定自然日边界
func NewBillingService(repo model.Repository, grantHour int, location *time.Location) *BillingService {
	if location == nil {
		location = time.UTC
	}
	if grantHour < 0 || grantHour > 23 {
		grantHour = 0
	}
	return &BillingService{repo: repo, grantHour: grantHour, location: location, now: time.Now}
}

func (s *BillingService) Balance(ctx context.Context, userID uint) (*entity.DbCreditAccount, error) {
	return s.repo.GetCreditAccount(ctx, userID)
}

func (s *BillingService) ListEntries(ctx context.Context, params *entity.LedgerQuery) ([]entity.DbCreditLedgerEntry, *entity.Meta, error) {
	return s.repo.ListLedgerEntries(ctx, params)
}

// Audit 按流水重放核对余额
func (s *BillingService) Audit(ctx context.Context, userID uint) (entity.LedgerAudit, error) {
	account, err := s.repo.GetCreditAccount(ctx, userID)
	if err != nil {
		return entity.LedgerAudit{}, err
	}
	entries, err := s.repo.ReplayLedgerEntries(ctx, userID)
	if err != nil {
		return entity.LedgerAudit{}, err
	}
	return ledger.Audit(userID, account.Balance, entries), nil
}

// GrantCredits 管理员手动发放积分
func (s *BillingService) GrantCredits(ctx context.Context, userID uint, amount decimal.Decimal, reference, note string) (*entity.DbCreditLedgerEntry, error) {
	if _, err := s.repo.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	var entry *entity.DbCreditLedgerEntry
	err := s.repo.Transaction(ctx, func(tx model.Repository) error {
		var err error
		entry, err = ledger.Grant(ctx, tx, userID, amount, entity.LedgerReasonAdminGrant, reference, note)
		return err
	})
	if err != nil {
		return nil, err
	}
	logrus.WithContext(ctx).WithFields(logrus.Fields{
		"user_id":   userID,
		"amount":    amount.String(),
		"reference": reference,
	}).Info("credits_granted")
	return entry, nil
}

func (s *BillingService) ListPlans(ctx context.Context, includeInactive bool) ([]entity.DbSubscriptionPlan, error) {
	return s.repo.ListPlans(ctx, includeInactive)
}

// SavePlan 新建或更新套餐，ID 为 0 时新建
func (s *BillingService) SavePlan(ctx context.Context, req entity.PlanRequest) (*entity.DbSubscriptionPlan, error) {
	if req.DailyCredits.IsNegative() || req.Price.IsNegative() {
		return nil, ErrInvalidAmount
	}
	plan := &entity.DbSubscriptionPlan{}
	if req.ID != 0 {
		existing, err := s.repo.GetPlan(ctx, req.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrPlanNotFound
			}
			return nil, err
		}
		plan = existing
	} else {
		plan.IsActive = true
	}

	plan.Name = strings.TrimSpace(req.Name)
	plan.DailyCredits = req.DailyCredits
	plan.DurationDays = req.DurationDays
	plan.Price = req.Price
	plan.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if plan.Currency == "" {
		plan.Currency = "USD"
	}
	if req.IsActive != nil {
		plan.IsActive = *req.IsActive
	}
	if err := s.repo.SavePlan(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *BillingService) ListSubscriptions(ctx context.Context, userID uint) ([]entity.DbSubscription, error) {
	return s.repo.ListSubscriptions(ctx, userID)
}

// CreateOrder 创建待支付订单
func (s *BillingService) CreateOrder(ctx context.Context, userID uint, req entity.CreateOrderRequest) (*entity.DbPaymentOrder, error) {
	order := &entity.DbPaymentOrder{
		OrderNo:  newOrderNo(s.now()),
		UserID:   userID,
		Kind:     req.Kind,
		Currency: strings.ToUpper(strings.TrimSpace(req.Currency)),
		Status:   entity.OrderStatusPending,
	}

	switch req.Kind {
	case entity.OrderKindCredits:
		if !req.Credits.IsPositive() || req.Amount.IsNegative() {
			return nil, ErrInvalidAmount
		}
		order.Credits = req.Credits
		order.Amount = req.Amount
	case entity.OrderKindSubscription:
		if req.PlanID == nil {
			return nil, ErrPlanNotFound
		}
		plan, err := s.repo.GetPlan(ctx, *req.PlanID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrPlanNotFound
			}
			return nil, err
		}
		if !plan.IsActive {
			return nil, ErrPlanNotFound
		}
		planID := plan.ID
		order.PlanID = &planID
		order.Amount = plan.Price
		order.Currency = plan.Currency
	default:
		return nil, ErrInvalidOrder
	}
	if order.Currency == "" {
		order.Currency = "USD"
	}

	if err := s.repo.CreatePaymentOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// CompletePayment 处理已验签的支付成功回调。同一交易号只入账一次，
// 重复回调返回 applied=false。
func (s *BillingService) CompletePayment(ctx context.Context, orderNo, transactionID string) (*entity.DbPaymentOrder, bool, error) {
	orderNo = strings.TrimSpace(orderNo)
	transactionID = strings.TrimSpace(transactionID)
	if orderNo == "" || transactionID == "" {
		return nil, false, ErrInvalidOrder
	}

	now := s.now()
	applied := false
	err := s.repo.Transaction(ctx, func(tx model.Repository) error {
		order, err := tx.GetPaymentOrder(ctx, orderNo)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		if order.Status == entity.OrderStatusPaid {
			if order.TransactionID != nil && *order.TransactionID == transactionID {
				return nil
			}
			return fmt.Errorf("%w: order already paid by another transaction", ErrInvalidOrder)
		}

		won, err := tx.MarkPaymentOrderPaid(ctx, orderNo, transactionID, now)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		applied = true

		switch order.Kind {
		case entity.OrderKindCredits:
			_, err = ledger.Grant(ctx, tx, order.UserID, order.Credits, entity.LedgerReasonPurchase, transactionID, "order "+order.OrderNo)
			return err
		case entity.OrderKindSubscription:
			if order.PlanID == nil {
				return ErrPlanNotFound
			}
			plan, err := tx.GetPlan(ctx, *order.PlanID)
			if err != nil {
				return err
			}
			_, err = s.activate(ctx, tx, order.UserID, plan, order.OrderNo)
			return err
		default:
			return ErrInvalidOrder
		}
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, false, fmt.Errorf("%w: transaction id already used", ErrInvalidOrder)
		}
		return nil, false, err
	}

	order, err := s.repo.GetPaymentOrder(ctx, orderNo)
	if err != nil {
		return nil, false, err
	}
	logrus.WithContext(ctx).WithFields(logrus.Fields{
		"order_no":       orderNo,
		"transaction_id": transactionID,
		"applied":        applied,
	}).Info("payment_completed")
	return order, applied, nil
}

// ActivateSubscription 管理员直接为用户开通套餐
func (s *BillingService) ActivateSubscription(ctx context.Context, userID, planID uint) (*entity.DbSubscription, error) {
	var sub *entity.DbSubscription
	err := s.repo.Transaction(ctx, func(tx model.Repository) error {
		plan, err := tx.GetPlan(ctx, planID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPlanNotFound
			}
			return err
		}
		sub, err = s.activate(ctx, tx, userID, plan, "")
		return err
	})
	return sub, err
}

// activate 延长已有的同套餐订阅或新建订阅，并立即发放当天额度
func (s *BillingService) activate(ctx context.Context, tx model.Repository, userID uint, plan *entity.DbSubscriptionPlan, orderNo string) (*entity.DbSubscription, error) {
	now := s.now()
	duration := time.Duration(plan.DurationDays) * 24 * time.Hour

	sub, err := tx.FindActiveSubscription(ctx, userID, plan.ID, now)
	switch {
	case err == nil:
		sub.ExpiresAt = sub.ExpiresAt.Add(duration)
		if err := tx.ExtendSubscription(ctx, sub.ID, sub.ExpiresAt); err != nil {
			return nil, err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		sub = &entity.DbSubscription{
			UserID:        userID,
			PlanID:        plan.ID,
			Status:        entity.SubscriptionStatusActive,
			StartsAt:      now,
			ExpiresAt:     now.Add(duration),
			SourceOrderNo: orderNo,
		}
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if _, err := s.grantDay(ctx, tx, sub, plan, s.today(now)); err != nil {
		return nil, err
	}
	return sub, nil
}

// RunDailyGrants 过期到期订阅；到达发放小时后给每个有效订阅发放当天额度，
// 每个订阅每个自然日只发一次。
func (s *BillingService) RunDailyGrants(ctx context.Context) (int, error) {
	now := s.now().In(s.location)

	expired, err := s.repo.ExpireSubscriptions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	if expired > 0 {
		logrus.WithField("count", expired).Info("subscriptions_expired")
	}

	if now.Hour() < s.grantHour {
		return 0, nil
	}

	day := s.today(now)
	subs, err := s.repo.ListGrantableSubscriptions(ctx, now, day)
	if err != nil {
		return 0, err
	}

	granted := 0
	for i := range subs {
		sub := subs[i]
		won := false
		err := s.repo.Transaction(ctx, func(tx model.Repository) error {
			plan, err := tx.GetPlan(ctx, sub.PlanID)
			if err != nil {
				return err
			}
			won, err = s.grantDay(ctx, tx, &sub, plan, day)
			return err
		})
		if err != nil {
			logrus.WithError(err).WithField("subscription_id", sub.ID).Error("daily_grant_failed")
			continue
		}
		if won {
			granted++
		}
	}
	return granted, nil
}

func (s *BillingService) grantDay(ctx context.Context, tx model.Repository, sub *entity.DbSubscription, plan *entity.DbSubscriptionPlan, day string) (bool, error) {
	won, err := tx.MarkSubscriptionGranted(ctx, sub.ID, day)
	if err != nil || !won {
		return false, err
	}
	sub.LastGrantDate = day
	if !plan.DailyCredits.IsPositive() {
		return true, nil
	}
	reference := fmt.Sprintf("subscription:%d:%s", sub.ID, day)
	if _, err := ledger.Grant(ctx, tx, sub.UserID, plan.DailyCredits, entity.LedgerReasonSubscriptionDaily, reference, plan.Name); err != nil {
		return false, err
	}
	return true, nil
}

func (s *BillingService) today(now time.Time) string {
	return now.In(s.location).Format(entity.GrantDateLayout)
}

func newOrderNo(now time.Time) string {
	return now.UTC().Format("20060102150405") + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}
