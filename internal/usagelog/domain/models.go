package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

func (o Outcome) Terminal() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

// ParseOutcome accepts only terminal outcomes.
func ParseOutcome(value string) (Outcome, error) {
	switch Outcome(strings.ToLower(strings.TrimSpace(value))) {
	case OutcomeSucceeded:
		return OutcomeSucceeded, nil
	case OutcomeFailed:
		return OutcomeFailed, nil
	default:
		return "", ErrInvalidOutcome
	}
}

// Column widths of the session key in usage_log_entries.
const (
	MaxUserIDLength    = 128
	MaxFeatureLength   = 128
	MaxSessionIDLength = 256
)

// SessionKey identifies one logical feature invocation.
type SessionKey struct {
	UserID    string `json:"user_id"`
	Feature   string `json:"feature"`
	SessionID string `json:"session_id"`
}

func (k SessionKey) Normalize() SessionKey {
	return SessionKey{
		UserID:    strings.TrimSpace(k.UserID),
		Feature:   strings.TrimSpace(k.Feature),
		SessionID: strings.TrimSpace(k.SessionID),
	}
}

// Valid reports whether every part is present and fits its column.
func (k SessionKey) Valid() bool {
	return fits(k.UserID, MaxUserIDLength) && fits(k.Feature, MaxFeatureLength) && fits(k.SessionID, MaxSessionIDLength)
}

func fits(value string, limit int) bool {
	return value != "" && len(value) <= limit
}

// Entry is one append-only debit record. At most one exists per session key.
type Entry struct {
	ID                    snowflake.ID      `json:"id" gorm:"primaryKey"`
	UserID                string            `json:"user_id" gorm:"column:user_id;type:varchar(128);not null;uniqueIndex:ux_usage_log_session,priority:1;index:ix_usage_log_user_time,priority:1"`
	Feature               string            `json:"feature" gorm:"column:feature;type:varchar(128);not null;uniqueIndex:ux_usage_log_session,priority:2"`
	SessionID             string            `json:"session_id" gorm:"column:session_id;type:varchar(256);not null;uniqueIndex:ux_usage_log_session,priority:3"`
	Cost                  int64             `json:"cost" gorm:"column:cost;not null"`
	Timestamp             time.Time         `json:"timestamp" gorm:"column:recorded_at;not null;index:ix_usage_log_user_time,priority:2"`
	Outcome               Outcome           `json:"outcome" gorm:"column:outcome;type:varchar(16);not null;default:pending"`
	OutcomeAt             *time.Time        `json:"outcome_at,omitempty" gorm:"column:outcome_at"`
	Refunded              bool              `json:"refunded" gorm:"column:refunded;not null;default:false"`
	RefundedAt            *time.Time        `json:"refunded_at,omitempty" gorm:"column:refunded_at"`
	Metadata              datatypes.JSONMap `json:"metadata,omitempty" gorm:"column:metadata;type:json"`
	AvailableCreditsAfter int64             `json:"available_credits_after" gorm:"column:available_credits_after;not null"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "usage_log_entries" }

func (e Entry) Key() SessionKey {
	return SessionKey{UserID: e.UserID, Feature: e.Feature, SessionID: e.SessionID}
}
