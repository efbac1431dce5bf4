package domain

import (
	"context"
	"time"
)

// Repository persists credit accounts. Every mutation is a single conditional
// write evaluated by the backing store.
type Repository interface {
	// InsertAccountIfAbsent reports whether the account was created.
	InsertAccountIfAbsent(ctx context.Context, account *CreditAccount) (bool, error)
	GetAccount(ctx context.Context, userID string) (*CreditAccount, error)
	// ApplyAccountDelta adds delta to used credits and subtracts it from available
	// credits only if available >= delta and used + delta >= 0.
	ApplyAccountDelta(ctx context.Context, userID string, delta int64, now time.Time) (*CreditAccount, error)
	// ResetAccount restores the allocation only if expires_at <= now.
	ResetAccount(ctx context.Context, userID string, spec ResetSpec, now time.Time) (*CreditAccount, error)
	ListAccountsDueForReset(ctx context.Context, now time.Time, afterUserID string, limit int) ([]CreditAccount, error)
	ListAccounts(ctx context.Context, afterUserID string, limit int) ([]CreditAccount, error)
}
