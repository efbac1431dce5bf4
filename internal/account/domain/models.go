package domain

import "time"

// CreditAccount is the per-user balance record. AvailableCredits always equals
// TotalCredits - UsedCredits and neither goes below zero.
type CreditAccount struct {
	UserID           string     `json:"user_id" gorm:"column:user_id;primaryKey;type:varchar(128)"`
	PlanTier         string     `json:"plan_tier" gorm:"column:plan_tier;type:varchar(64);not null"`
	TotalCredits     int64      `json:"total_credits" gorm:"column:total_credits;not null"`
	UsedCredits      int64      `json:"used_credits" gorm:"column:used_credits;not null;default:0"`
	AvailableCredits int64      `json:"available_credits" gorm:"column:available_credits;not null"`
	LastReset        time.Time  `json:"last_reset" gorm:"column:last_reset;not null"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty" gorm:"column:expires_at;index:ix_credit_accounts_expires_at"`
	Version          int64      `json:"version" gorm:"column:version;not null;default:0"`
	CreatedAt        time.Time  `json:"created_at" gorm:"column:created_at;not null"`
	UpdatedAt        time.Time  `json:"updated_at" gorm:"column:updated_at;not null"`
}

// TableName sets the database table name.
func (CreditAccount) TableName() string { return "credit_accounts" }

// Consistent reports whether the balance identity holds.
func (a CreditAccount) Consistent() bool {
	return a.UsedCredits >= 0 &&
		a.AvailableCredits >= 0 &&
		a.AvailableCredits == a.TotalCredits-a.UsedCredits
}

// ResetSpec is the allocation an account is restored to by a reset.
type ResetSpec struct {
	PlanTier     string
	TotalCredits int64
	LastReset    time.Time
	ExpiresAt    *time.Time
}
