package gormstore

import (
	"context"
	"time"

	accountdomain "github.com/smallbiznis/creditmeter/internal/account/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) InsertAccountIfAbsent(ctx context.Context, account *accountdomain.CreditAccount) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(account)
	if res.Error != nil {
		return false, wrapErr("insert account", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) GetAccount(ctx context.Context, userID string) (*accountdomain.CreditAccount, error) {
	var account accountdomain.CreditAccount
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&account).Error
	if err != nil {
		if isNotFound(err) {
			return nil, accountdomain.ErrAccountNotFound
		}
		return nil, wrapErr("get account", err)
	}
	return &account, nil
}

func (s *Store) ApplyAccountDelta(ctx context.Context, userID string, delta int64, now time.Time) (*accountdomain.CreditAccount, error) {
	res := s.db.WithContext(ctx).
		Model(&accountdomain.CreditAccount{}).
		Where("user_id = ? AND available_credits >= ? AND used_credits + ? >= 0", userID, delta, delta).
		Updates(map[string]any{
			"used_credits":      gorm.Expr("used_credits + ?", delta),
			"available_credits": gorm.Expr("available_credits - ?", delta),
			"version":           gorm.Expr("version + 1"),
			"updated_at":        now,
		})
	if res.Error != nil {
		return nil, wrapErr("apply delta", res.Error)
	}

	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		if delta > 0 {
			return account, accountdomain.ErrInsufficientCredits
		}
		return account, accountdomain.ErrNegativeUsage
	}
	return account, nil
}

func (s *Store) ResetAccount(ctx context.Context, userID string, spec accountdomain.ResetSpec, now time.Time) (*accountdomain.CreditAccount, error) {
	res := s.db.WithContext(ctx).
		Model(&accountdomain.CreditAccount{}).
		Where("user_id = ? AND expires_at IS NOT NULL AND expires_at <= ?", userID, now).
		Updates(map[string]any{
			"plan_tier":         spec.PlanTier,
			"total_credits":     spec.TotalCredits,
			"used_credits":      0,
			"available_credits": spec.TotalCredits,
			"last_reset":        spec.LastReset,
			"expires_at":        spec.ExpiresAt,
			"version":           gorm.Expr("version + 1"),
			"updated_at":        now,
		})
	if res.Error != nil {
		return nil, wrapErr("reset account", res.Error)
	}

	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return account, accountdomain.ErrResetNotDue
	}
	return account, nil
}

func (s *Store) ListAccountsDueForReset(ctx context.Context, now time.Time, afterUserID string, limit int) ([]accountdomain.CreditAccount, error) {
	var accounts []accountdomain.CreditAccount
	err := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ? AND user_id > ?", now, afterUserID).
		Order("user_id ASC").
		Limit(limit).
		Find(&accounts).Error
	if err != nil {
		return nil, wrapErr("list due accounts", err)
	}
	return accounts, nil
}

func (s *Store) ListAccounts(ctx context.Context, afterUserID string, limit int) ([]accountdomain.CreditAccount, error) {
	var accounts []accountdomain.CreditAccount
	err := s.db.WithContext(ctx).
		Where("user_id > ?", afterUserID).
		Order("user_id ASC").
		Limit(limit).
		Find(&accounts).Error
	if err != nil {
		return nil, wrapErr("list accounts", err)
	}
	return accounts, nil
}
