package domain

import "time"

type DebitRequest struct {
	UserID    string         `json:"user_id"`
	Feature   string         `json:"feature"`
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DebitResult is always populated, including when Debit also returns an error.
type DebitResult struct {
	Success          bool   `json:"success"`
	AvailableCredits int64  `json:"available_credits"`
	Cost             int64  `json:"cost"`
	Error            string `json:"error,omitempty"`
	Duplicate        bool   `json:"duplicate"`
	EntryID          string `json:"entry_id,omitempty"`
}

type OutcomeRequest struct {
	UserID    string         `json:"user_id"`
	Feature   string         `json:"feature"`
	SessionID string         `json:"session_id"`
	Outcome   string         `json:"outcome"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type RefundRequest struct {
	UserID    string `json:"user_id"`
	Feature   string `json:"feature"`
	SessionID string `json:"session_id"`
}

type RefundResult struct {
	Success          bool   `json:"success"`
	AvailableCredits int64  `json:"available_credits"`
	Refunded         bool   `json:"refunded"`
	Error            string `json:"error,omitempty"`
}

// Balance is a read-only account snapshot. Exists is false when the user has
// never been metered and the plan defaults are shown instead.
type Balance struct {
	UserID           string     `json:"user_id"`
	PlanTier         string     `json:"plan"`
	TotalCredits     int64      `json:"total_credits"`
	UsedCredits      int64      `json:"used_credits"`
	AvailableCredits int64      `json:"available_credits"`
	LastReset        time.Time  `json:"last_reset"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Exists           bool       `json:"exists"`
}

const (
	CodeInsufficientCredits = "insufficient_credits"
	CodeUnknownFeature      = "unknown_feature"
	CodeStoreUnavailable    = "store_unavailable"
	CodeInvalidRequest      = "invalid_request"
	CodeInternal            = "internal_error"
)
