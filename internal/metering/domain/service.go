package domain

import (
	"context"
	"errors"
)

// Service meters costed features against per-user credit balances.
//
// For one (user, feature, session) key the lifecycle is
// debit (pending) -> outcome (succeeded | failed) -> optional refund.
type Service interface {
	Debit(ctx context.Context, req DebitRequest) (DebitResult, error)
	MarkOutcome(ctx context.Context, req OutcomeRequest) error
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	GetBalance(ctx context.Context, userID string) (Balance, error)
}

var (
	ErrInvalidRequest      = errors.New(CodeInvalidRequest)
	ErrUnknownFeature      = errors.New(CodeUnknownFeature)
	ErrInsufficientCredits = errors.New(CodeInsufficientCredits)
	ErrStoreUnavailable    = errors.New(CodeStoreUnavailable)
)
