package model

import (
	"context"
	"time"

	"genmarket/internal/entity"

	"github.com/shopspring/decimal"
)

// Repository 定义数据库操作接口
type Repository interface {
	// Transaction 在同一事务中执行 fn，fn 内只能使用传入的 tx
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	// 用户管理
	CreateUser(ctx context.Context, user *entity.DbUser) error
	UpdateUser(ctx context.Context, id uint, updates entity.UserUpdates) error
	GetUserByEmail(ctx context.Context, email string) (*entity.DbUser, error)
	GetUserByID(ctx context.Context, id uint) (*entity.DbUser, error)
	ListUsers(ctx context.Context, params *entity.UserQuery) ([]entity.DbUser, *entity.Meta, error)
	CountUsers(ctx context.Context) (int64, error)

	// 服务商配置
	CreateProviderConfig(ctx context.Context, cfg *entity.DbProviderConfig) error
	UpdateProviderConfig(ctx context.Context, id string, updates entity.ProviderConfigUpdates) error
	DeleteProviderConfig(ctx context.Context, id string) error
	GetProviderConfig(ctx context.Context, id string) (*entity.DbProviderConfig, error)
	ListProviderConfigs(ctx context.Context, includeDisabled bool) ([]entity.DbProviderConfig, error)

	// 积分账户与流水
	LockCreditAccount(ctx context.Context, userID uint) (*entity.DbCreditAccount, error)
	GetCreditAccount(ctx context.Context, userID uint) (*entity.DbCreditAccount, error)
	SetCreditBalance(ctx context.Context, userID uint, balance decimal.Decimal) error
	CreateLedgerEntry(ctx context.Context, entry *entity.DbCreditLedgerEntry) error
	ListLedgerEntries(ctx context.Context, params *entity.LedgerQuery) ([]entity.DbCreditLedgerEntry, *entity.Meta, error)
	ReplayLedgerEntries(ctx context.Context, userID uint) ([]entity.DbCreditLedgerEntry, error)

	// 生成任务
	CreateTask(ctx context.Context, task *entity.DbGenerationTask) error
	GetTask(ctx context.Context, id string) (*entity.DbGenerationTask, error)
	ListTasks(ctx context.Context, params *entity.TaskQuery) ([]entity.DbGenerationTask, *entity.Meta, error)
	UpdateTask(ctx context.Context, id string, updates entity.TaskUpdates) error
	TransitionTask(ctx context.Context, id string, from []entity.TaskStatus, updates entity.TaskUpdates) (bool, error)
	CountActiveTasks(ctx context.Context, userID uint, provider string) (int64, error)
	ListActiveTasks(ctx context.Context, limit int) ([]entity.DbGenerationTask, error)

	// 转存记录
	ClaimMirroredAsset(ctx context.Context, asset *entity.DbMirroredAsset) (*entity.DbMirroredAsset, bool, error)
	ReleaseStaleMirroredAsset(ctx context.Context, id uint, before time.Time) (bool, error)
	UpdateMirroredAsset(ctx context.Context, id uint, updates entity.MirroredAssetUpdates) error
	ListMirroredAssets(ctx context.Context, taskID string) ([]entity.DbMirroredAsset, error)

	// 套餐、订阅与支付
	SavePlan(ctx context.Context, plan *entity.DbSubscriptionPlan) error
	GetPlan(ctx context.Context, id uint) (*entity.DbSubscriptionPlan, error)
	ListPlans(ctx context.Context, includeInactive bool) ([]entity.DbSubscriptionPlan, error)
	CreateSubscription(ctx context.Context, sub *entity.DbSubscription) error
	ExtendSubscription(ctx context.Context, id uint, expiresAt time.Time) error
	FindActiveSubscription(ctx context.Context, userID, planID uint, now time.Time) (*entity.DbSubscription, error)
	ListSubscriptions(ctx context.Context, userID uint) ([]entity.DbSubscription, error)
	ListGrantableSubscriptions(ctx context.Context, now time.Time, day string) ([]entity.DbSubscription, error)
	MarkSubscriptionGranted(ctx context.Context, id uint, day string) (bool, error)
	ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error)
	CreatePaymentOrder(ctx context.Context, order *entity.DbPaymentOrder) error
	GetPaymentOrder(ctx context.Context, orderNo string) (*entity.DbPaymentOrder, error)
	MarkPaymentOrderPaid(ctx context.Context, orderNo, transactionID string, paidAt time.Time) (bool, error)
}
