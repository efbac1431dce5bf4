package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Repository interface {
	// InsertEntry reports false when an entry with the same session key already exists.
	InsertEntry(ctx context.Context, entry *Entry) (bool, error)
	FindEntry(ctx context.Context, key SessionKey) (*Entry, error)
	// SetEntryOutcome only transitions entries that are still pending. A nil
	// metadata map leaves the stored metadata unchanged.
	SetEntryOutcome(ctx context.Context, key SessionKey, outcome Outcome, metadata map[string]any, at time.Time) (bool, error)
	// SetEntryRefunded only transitions entries that are not yet refunded.
	SetEntryRefunded(ctx context.Context, key SessionKey, at time.Time) (bool, error)
	// SumActiveCost totals non-refunded costs recorded at or after since.
	SumActiveCost(ctx context.Context, userID string, since time.Time) (int64, error)
	// ListEntries returns entries newest first with ID below beforeID (0 for no bound).
	ListEntries(ctx context.Context, userID string, beforeID snowflake.ID, limit int) ([]Entry, error)
}
