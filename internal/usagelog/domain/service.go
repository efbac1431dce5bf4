package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/creditmeter/pkg/db/pagination"
)

type Service interface {
	Record(ctx context.Context, req RecordRequest) (*Entry, bool, error)
	FindBySessionKey(ctx context.Context, key SessionKey) (*Entry, error)
	MarkOutcome(ctx context.Context, key SessionKey, outcome Outcome, metadata map[string]any) (bool, error)
	MarkRefunded(ctx context.Context, key SessionKey) (bool, error)
	SumActiveCost(ctx context.Context, userID string, since time.Time) (int64, error)
	List(ctx context.Context, req ListRequest) (*ListResponse, error)
	WithRepository(repo Repository) Service
}

type RecordRequest struct {
	Key                   SessionKey
	Cost                  int64
	Metadata              map[string]any
	AvailableCreditsAfter int64
}

type ListRequest struct {
	UserID    string
	PageToken string
	PageSize  int
}

type ListResponse struct {
	Entries  []Entry             `json:"entries"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

var (
	ErrInvalidSessionKey = errors.New("invalid_session_key")
	ErrInvalidOutcome    = errors.New("invalid_outcome")
	ErrInvalidCost       = errors.New("invalid_cost")
	ErrInvalidPageToken  = errors.New("invalid_page_token")
	ErrEntryNotFound     = errors.New("entry_not_found")
)
