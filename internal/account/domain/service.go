package domain

import (
	"context"
	"errors"
)

type Service interface {
	GetOrCreate(ctx context.Context, userID string) (*CreditAccount, error)
	Get(ctx context.Context, userID string) (*CreditAccount, error)
	ApplyDelta(ctx context.Context, userID string, delta int64) (*CreditAccount, error)
	Reset(ctx context.Context, userID string) (*CreditAccount, error)
	// DefaultView returns the account a new user would receive, without persisting it.
	DefaultView(userID string) CreditAccount
	// WithRepository returns a copy of the service bound to repo, typically a
	// transaction-scoped store.
	WithRepository(repo Repository) Service
}

var (
	ErrInvalidUserID       = errors.New("invalid_user_id")
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrNegativeUsage       = errors.New("negative_usage")
	ErrResetNotDue         = errors.New("reset_not_due")
)
