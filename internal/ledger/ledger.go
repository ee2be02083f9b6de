// Package ledger moves credits between a user's balance and the append-only
// credit ledger. Every function expects to run inside a repository
// transaction so that the account row lock, the balance write and the ledger
// insert commit together.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"genmarket/internal/entity"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is returned when a reservation exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	// ErrInvalidAmount is returned for zero or negative movements.
	ErrInvalidAmount = errors.New("credit amount must be positive")
)

// Store is the subset of the repository the ledger needs.
type Store interface {
	LockCreditAccount(ctx context.Context, userID uint) (*entity.DbCreditAccount, error)
	SetCreditBalance(ctx context.Context, userID uint, balance decimal.Decimal) error
	CreateLedgerEntry(ctx context.Context, entry *entity.DbCreditLedgerEntry) error
}

// Movement describes one balance change.
type Movement struct {
	UserID        uint
	Amount        decimal.Decimal
	Reason        entity.LedgerReason
	RelatedTaskID string
	Reference     string
	Note          string
}

// Reserve debits amount for a task. A zero amount is a no-op and writes no entry.
func Reserve(ctx context.Context, store Store, userID uint, amount decimal.Decimal, taskID string) (*entity.DbCreditLedgerEntry, error) {
	if amount.IsZero() {
		return nil, nil
	}
	if amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	return apply(ctx, store, Movement{
		UserID:        userID,
		Amount:        amount.Neg(),
		Reason:        entity.LedgerReasonTaskReserve,
		RelatedTaskID: taskID,
	})
}

// Refund credits back the reservation of a task.
func Refund(ctx context.Context, store Store, userID uint, amount decimal.Decimal, taskID, note string) (*entity.DbCreditLedgerEntry, error) {
	if amount.IsZero() {
		return nil, nil
	}
	if amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	return apply(ctx, store, Movement{
		UserID:        userID,
		Amount:        amount,
		Reason:        entity.LedgerReasonTaskRefund,
		RelatedTaskID: taskID,
		Note:          note,
	})
}

// Grant adds credits from a purchase, subscription or admin action.
func Grant(ctx context.Context, store Store, userID uint, amount decimal.Decimal, reason entity.LedgerReason, reference, note string) (*entity.DbCreditLedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return apply(ctx, store, Movement{
		UserID:    userID,
		Amount:    amount,
		Reason:    reason,
		Reference: reference,
		Note:      note,
	})
}

func apply(ctx context.Context, store Store, m Movement) (*entity.DbCreditLedgerEntry, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is nil")
	}
	account, err := store.LockCreditAccount(ctx, m.UserID)
	if err != nil {
		return nil, fmt.Errorf("lock credit account: %w", err)
	}

	next := account.Balance.Add(m.Amount)
	if next.IsNegative() {
		return nil, ErrInsufficientBalance
	}

	if err := store.SetCreditBalance(ctx, m.UserID, next); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	entry := &entity.DbCreditLedgerEntry{
		UserID:        m.UserID,
		Amount:        m.Amount,
		BalanceAfter:  next,
		Reason:        m.Reason,
		RelatedTaskID: m.RelatedTaskID,
		Reference:     m.Reference,
		Note:          m.Note,
	}
	if err := store.CreateLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	return entry, nil
}

// Audit replays entries in order and compares the result with balance.
// Drift lists entries whose recorded balance_after disagrees with the replay.
func Audit(userID uint, balance decimal.Decimal, entries []entity.DbCreditLedgerEntry) entity.LedgerAudit {
	running := decimal.Zero
	var drift []uint
	for _, entry := range entries {
		running = running.Add(entry.Amount)
		if !running.Equal(entry.BalanceAfter) {
			drift = append(drift, entry.ID)
		}
	}
	return entity.LedgerAudit{
		UserID:   userID,
		Balance:  balance,
		Replayed: running,
		Entries:  len(entries),
		Drift:    drift,
		OK:       len(drift) == 0 && running.Equal(balance),
	}
}
