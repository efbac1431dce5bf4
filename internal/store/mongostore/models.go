package mongostore

import (
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/creditmeter/internal/account/domain"
	usagelogdomain "github.com/smallbiznis/creditmeter/internal/usagelog/domain"
	"gorm.io/datatypes"
)

type accountModel struct {
	UserID           string     `bson:"_id"`
	PlanTier         string     `bson:"plan_tier"`
	TotalCredits     int64      `bson:"total_credits"`
	UsedCredits      int64      `bson:"used_credits"`
	AvailableCredits int64      `bson:"available_credits"`
	LastReset        time.Time  `bson:"last_reset"`
	ExpiresAt        *time.Time `bson:"expires_at,omitempty"`
	Version          int64      `bson:"version"`
	CreatedAt        time.Time  `bson:"created_at"`
	UpdatedAt        time.Time  `bson:"updated_at"`
}

type entryModel struct {
	ID                    int64          `bson:"_id"`
	UserID                string         `bson:"user_id"`
	Feature               string         `bson:"feature"`
	SessionID             string         `bson:"session_id"`
	Cost                  int64          `bson:"cost"`
	RecordedAt            time.Time      `bson:"recorded_at"`
	Outcome               string         `bson:"outcome"`
	OutcomeAt             *time.Time     `bson:"outcome_at,omitempty"`
	Refunded              bool           `bson:"refunded"`
	RefundedAt            *time.Time     `bson:"refunded_at,omitempty"`
	Metadata              map[string]any `bson:"metadata,omitempty"`
	AvailableCreditsAfter int64          `bson:"available_credits_after"`
}

func toAccountModel(a *accountdomain.CreditAccount) accountModel {
	return accountModel{
		UserID:           a.UserID,
		PlanTier:         a.PlanTier,
		TotalCredits:     a.TotalCredits,
		UsedCredits:      a.UsedCredits,
		AvailableCredits: a.AvailableCredits,
		LastReset:        a.LastReset.UTC(),
		ExpiresAt:        utcPtr(a.ExpiresAt),
		Version:          a.Version,
		CreatedAt:        a.CreatedAt.UTC(),
		UpdatedAt:        a.UpdatedAt.UTC(),
	}
}

func fromAccountModel(m *accountModel) *accountdomain.CreditAccount {
	return &accountdomain.CreditAccount{
		UserID:           m.UserID,
		PlanTier:         m.PlanTier,
		TotalCredits:     m.TotalCredits,
		UsedCredits:      m.UsedCredits,
		AvailableCredits: m.AvailableCredits,
		LastReset:        m.LastReset.UTC(),
		ExpiresAt:        utcPtr(m.ExpiresAt),
		Version:          m.Version,
		CreatedAt:        m.CreatedAt.UTC(),
		UpdatedAt:        m.UpdatedAt.UTC(),
	}
}

func toEntryModel(e *usagelogdomain.Entry) entryModel {
	m := entryModel{
		ID:                    e.ID.Int64(),
		UserID:                e.UserID,
		Feature:               e.Feature,
		SessionID:             e.SessionID,
		Cost:                  e.Cost,
		RecordedAt:            e.Timestamp.UTC(),
		Outcome:               string(e.Outcome),
		OutcomeAt:             utcPtr(e.OutcomeAt),
		Refunded:              e.Refunded,
		RefundedAt:            utcPtr(e.RefundedAt),
		AvailableCreditsAfter: e.AvailableCreditsAfter,
	}
	if len(e.Metadata) > 0 {
		m.Metadata = map[string]any(e.Metadata)
	}
	return m
}

func fromEntryModel(m *entryModel) *usagelogdomain.Entry {
	e := &usagelogdomain.Entry{
		ID:                    snowflake.ID(m.ID),
		UserID:                m.UserID,
		Feature:               m.Feature,
		SessionID:             m.SessionID,
		Cost:                  m.Cost,
		Timestamp:             m.RecordedAt.UTC(),
		Outcome:               usagelogdomain.Outcome(m.Outcome),
		OutcomeAt:             utcPtr(m.OutcomeAt),
		Refunded:              m.Refunded,
		RefundedAt:            utcPtr(m.RefundedAt),
		AvailableCreditsAfter: m.AvailableCreditsAfter,
	}
	if len(m.Metadata) > 0 {
		e.Metadata = datatypes.JSONMap(m.Metadata)
	}
	return e
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
