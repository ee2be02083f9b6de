package sql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"genmarket/internal/entity"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockCreditAccount loads the account row with a row lock, creating a zero
// balance account on first use. Must be called inside WithTx.
func (r *GormRepository) LockCreditAccount(ctx context.Context, userID uint) (*entity.DbCreditAccount, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	if userID == 0 {
		return nil, fmt.Errorf("invalid user id")
	}

	db := r.db.WithContext(ctx)
	var account entity.DbCreditAccount
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&account).Error
	if err == nil {
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	seed := entity.DbCreditAccount{UserID: userID, Balance: decimal.Zero}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, err
	}
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// GetCreditAccount reads the balance without locking. Missing accounts read as zero.
func (r *GormRepository) GetCreditAccount(ctx context.Context, userID uint) (*entity.DbCreditAccount, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	var account entity.DbCreditAccount
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &entity.DbCreditAccount{UserID: userID, Balance: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// SetCreditBalance overwrites the cached balance of a locked account.
func (r *GormRepository) SetCreditBalance(ctx context.Context, userID uint, balance decimal.Decimal) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	result := r.db.WithContext(ctx).
		Model(&entity.DbCreditAccount{}).
		Where("user_id = ?", userID).
		Update("balance", balance)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CreateLedgerEntry appends a ledger row. Entries are never updated or deleted.
func (r *GormRepository) CreateLedgerEntry(ctx context.Context, entry *entity.DbCreditLedgerEntry) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if entry == nil {
		return fmt.Errorf("ledger entry is nil")
	}
	if entry.UserID == 0 {
		return fmt.Errorf("ledger entry requires a user")
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListLedgerEntries returns ledger rows newest first.
func (r *GormRepository) ListLedgerEntries(ctx context.Context, params *entity.LedgerQuery) ([]entity.DbCreditLedgerEntry, *entity.Meta, error) {
	if r == nil || r.db == nil {
		return nil, nil, fmt.Errorf("repository not initialised")
	}
	if params == nil {
		params = &entity.LedgerQuery{}
	}

	query := r.db.WithContext(ctx).Model(&entity.DbCreditLedgerEntry{})
	if params.UserID != 0 {
		query = query.Where("user_id = ?", params.UserID)
	}
	if reason := strings.TrimSpace(params.Reason); reason != "" {
		query = query.Where("reason = ?", reason)
	}
	if taskID := strings.TrimSpace(params.TaskID); taskID != "" {
		query = query.Where("related_task_id = ?", taskID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, nil, err
	}

	paged, page, pageSize := paginate(query.Order("id DESC"), params.BaseParams)
	var entries []entity.DbCreditLedgerEntry
	if err := paged.Find(&entries).Error; err != nil {
		return nil, nil, err
	}
	return entries, r.calculatePagination(total, page, pageSize), nil
}

// ReplayLedgerEntries returns every entry of a user in application order.
func (r *GormRepository) ReplayLedgerEntries(ctx context.Context, userID uint) ([]entity.DbCreditLedgerEntry, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	var entries []entity.DbCreditLedgerEntry
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
