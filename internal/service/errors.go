package service

import (
	"errors"

	"genmarket/internal/ledger"
)

var (
	ErrProviderNotFound       = errors.New("provider not found")
	ErrProviderDisabled       = errors.New("provider is disabled")
	ErrInsufficientBalance    = ledger.ErrInsufficientBalance
	ErrInvalidAmount          = ledger.ErrInvalidAmount
	ErrTooManyConcurrentTasks = errors.New("too many concurrent tasks")
	ErrProviderError          = errors.New("provider error")
	ErrTimeoutExceeded        = errors.New("provider timeout exceeded")
	ErrTaskNotFound           = errors.New("task not found")
	ErrTaskFinished           = errors.New("task already finished")
	ErrInvalidTaskType        = errors.New("invalid task type")
	ErrMirrorUnavailable      = errors.New("task has no output to mirror")
	ErrPlanNotFound           = errors.New("plan not found")
	ErrOrderNotFound          = errors.New("order not found")
	ErrInvalidOrder           = errors.New("invalid order")
)
