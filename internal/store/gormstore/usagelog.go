package gormstore

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagelogdomain "github.com/smallbiznis/creditmeter/internal/usagelog/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

func (s *Store) InsertEntry(ctx context.Context, entry *usagelogdomain.Entry) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "user_id"},
				{Name: "feature"},
				{Name: "session_id"},
			},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		return false, wrapErr("insert entry", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) FindEntry(ctx context.Context, key usagelogdomain.SessionKey) (*usagelogdomain.Entry, error) {
	var entry usagelogdomain.Entry
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND feature = ? AND session_id = ?", key.UserID, key.Feature, key.SessionID).
		Take(&entry).Error
	if err != nil {
		if isNotFound(err) {
			return nil, usagelogdomain.ErrEntryNotFound
		}
		return nil, wrapErr("find entry", err)
	}
	return &entry, nil
}

func (s *Store) SetEntryOutcome(ctx context.Context, key usagelogdomain.SessionKey, outcome usagelogdomain.Outcome, metadata map[string]any, at time.Time) (bool, error) {
	updates := map[string]any{
		"outcome":    outcome,
		"outcome_at": at,
	}
	if metadata != nil {
		updates["metadata"] = datatypes.JSONMap(metadata)
	}
	res := s.db.WithContext(ctx).
		Model(&usagelogdomain.Entry{}).
		Where("user_id = ? AND feature = ? AND session_id = ? AND outcome = ?",
			key.UserID, key.Feature, key.SessionID, usagelogdomain.OutcomePending).
		Updates(updates)
	if res.Error != nil {
		return false, wrapErr("set outcome", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) SetEntryRefunded(ctx context.Context, key usagelogdomain.SessionKey, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&usagelogdomain.Entry{}).
		Where("user_id = ? AND feature = ? AND session_id = ? AND refunded = ?",
			key.UserID, key.Feature, key.SessionID, false).
		Updates(map[string]any{
			"refunded":    true,
			"refunded_at": at,
		})
	if res.Error != nil {
		return false, wrapErr("set refunded", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) SumActiveCost(ctx context.Context, userID string, since time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&usagelogdomain.Entry{}).
		Select("COALESCE(SUM(cost), 0)").
		Where("user_id = ? AND refunded = ? AND recorded_at >= ?", userID, false, since).
		Scan(&total).Error
	if err != nil {
		return 0, wrapErr("sum active cost", err)
	}
	return total, nil
}

func (s *Store) ListEntries(ctx context.Context, userID string, beforeID snowflake.ID, limit int) ([]usagelogdomain.Entry, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if beforeID != 0 {
		query = query.Where("id < ?", beforeID)
	}
	var entries []usagelogdomain.Entry
	if err := query.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, wrapErr("list entries", err)
	}
	return entries, nil
}
