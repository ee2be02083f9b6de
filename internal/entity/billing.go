package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusCancelled = "cancelled"
)

const (
	OrderKindCredits      = "credits"
	OrderKindSubscription = "subscription"

	OrderStatusPending = "pending"
	OrderStatusPaid    = "paid"
)

// GrantDateLayout 每日发放记录使用的日期格式
const GrantDateLayout = "2006-01-02"

// DbSubscriptionPlan 订阅套餐，订阅期内每天发放 DailyCredits
type DbSubscriptionPlan struct {
	ID           uint            `gorm:"primarykey" json:"id"`
	Name         string          `gorm:"type:varchar(128);not null" json:"name"`
	DailyCredits decimal.Decimal `gorm:"column:daily_credits;type:decimal(20,4);not null" json:"daily_credits"`
	DurationDays int             `gorm:"column:duration_days;not null" json:"duration_days"`
	Price        decimal.Decimal `gorm:"column:price;type:decimal(20,4);not null" json:"price"`
	Currency     string          `gorm:"type:varchar(8);not null" json:"currency"`
	IsActive     bool            `gorm:"column:is_active;not null" json:"is_active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (DbSubscriptionPlan) TableName() string {
	return "subscription_plans"
}

// DbSubscription 用户订阅，LastGrantDate 为最近一次发放的自然日
type DbSubscription struct {
	ID            uint      `gorm:"primarykey" json:"id"`
	UserID        uint      `gorm:"column:user_id;not null;index" json:"user_id"`
	PlanID        uint      `gorm:"column:plan_id;not null;index" json:"plan_id"`
	Status        string    `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	StartsAt      time.Time `gorm:"column:starts_at;not null" json:"starts_at"`
	ExpiresAt     time.Time `gorm:"column:expires_at;not null;index" json:"expires_at"`
	LastGrantDate string    `gorm:"column:last_grant_date;type:varchar(10);not null;default:''" json:"last_grant_date"`
	SourceOrderNo string    `gorm:"column:source_order_no;type:varchar(64)" json:"source_order_no,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (DbSubscription) TableName() string {
	return "subscriptions"
}

// DbPaymentOrder 支付订单，TransactionID 唯一，保证同一笔支付只入账一次
type DbPaymentOrder struct {
	ID            uint            `gorm:"primarykey" json:"id"`
	OrderNo       string          `gorm:"column:order_no;type:varchar(64);uniqueIndex;not null" json:"order_no"`
	UserID        uint            `gorm:"column:user_id;not null;index" json:"user_id"`
	Kind          string          `gorm:"column:kind;type:varchar(16);not null" json:"kind"`
	PlanID        *uint           `gorm:"column:plan_id" json:"plan_id,omitempty"`
	Credits       decimal.Decimal `gorm:"column:credits;type:decimal(20,4);not null" json:"credits"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(20,4);not null" json:"amount"`
	Currency      string          `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	Status        string          `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	TransactionID *string         `gorm:"column:transaction_id;type:varchar(128);uniqueIndex" json:"transaction_id,omitempty"`
	PaidAt        *time.Time      `gorm:"column:paid_at" json:"paid_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (DbPaymentOrder) TableName() string {
	return "payment_orders"
}

type PlanRequest struct {
	ID           uint            `json:"id"`
	Name         string          `json:"name" binding:"required"`
	DailyCredits decimal.Decimal `json:"daily_credits"`
	DurationDays int             `json:"duration_days" binding:"required,gt=0"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency" binding:"omitempty,len=3"`
	IsActive     *bool           `json:"is_active"`
}

type CreateOrderRequest struct {
	Kind     string          `json:"kind" binding:"required,oneof=credits subscription"`
	PlanID   *uint           `json:"plan_id"`
	Credits  decimal.Decimal `json:"credits"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" binding:"omitempty,len=3"`
}

// PaymentCallback 支付渠道回调中经过验签的部分
type PaymentCallback struct {
	OrderNo       string `json:"order_no" binding:"required"`
	TransactionID string `json:"transaction_id" binding:"required"`
	Status        string `json:"status" binding:"required"`
}

type ActivateSubscriptionRequest struct {
	UserID uint `json:"user_id" binding:"required"`
	PlanID uint `json:"plan_id" binding:"required"`
}
