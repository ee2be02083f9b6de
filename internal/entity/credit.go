package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerReason 积分流水类别
type LedgerReason string

const (
	LedgerReasonTaskReserve       LedgerReason = "task_reserve"
	LedgerReasonTaskRefund        LedgerReason = "task_refund"
	LedgerReasonPurchase          LedgerReason = "purchase"
	LedgerReasonSubscriptionDaily LedgerReason = "subscription_daily"
	LedgerReasonAdminGrant        LedgerReason = "admin_grant"
)

// DbCreditAccount 用户积分余额，首次涉及积分的操作时懒创建
type DbCreditAccount struct {
	UserID    uint            `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Balance   decimal.Decimal `gorm:"column:balance;type:decimal(20,4);not null" json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (DbCreditAccount) TableName() string {
	return "credit_accounts"
}

// DbCreditLedgerEntry 只追加的积分流水，自增 ID 即应用顺序
type DbCreditLedgerEntry struct {
	ID            uint            `gorm:"primarykey" json:"id"`
	UserID        uint            `gorm:"column:user_id;not null;index" json:"user_id"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(20,4);not null" json:"amount"`
	BalanceAfter  decimal.Decimal `gorm:"column:balance_after;type:decimal(20,4);not null" json:"balance_after"`
	Reason        LedgerReason    `gorm:"column:reason;type:varchar(32);not null;index" json:"reason"`
	RelatedTaskID string          `gorm:"column:related_task_id;type:varchar(36);index" json:"related_task_id,omitempty"`
	Reference     string          `gorm:"column:reference;type:varchar(128);index" json:"reference,omitempty"`
	Note          string          `gorm:"column:note;type:text" json:"note,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (DbCreditLedgerEntry) TableName() string {
	return "credit_ledger_entries"
}

type LedgerQuery struct {
	BaseParams
	Reason string `json:"reason" form:"reason"`
	TaskID string `json:"task_id" form:"task_id"`
	UserID uint   `json:"-" form:"-"`
}

type BalanceResponse struct {
	UserID  uint            `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

type LedgerListResponse struct {
	Entries []DbCreditLedgerEntry `json:"entries"`
	Meta    *Meta                 `json:"meta"`
}

type GrantCreditsRequest struct {
	UserID uint            `json:"user_id" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}

// LedgerAudit 按流水重放余额的核对结果
type LedgerAudit struct {
	UserID   uint            `json:"user_id"`
	Balance  decimal.Decimal `json:"balance"`
	Replayed decimal.Decimal `json:"replayed"`
	Entries  int             `json:"entries"`
	Drift    []uint          `json:"drift,omitempty"`
	OK       bool            `json:"ok"`
}
