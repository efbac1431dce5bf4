package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/store/memory"
	usagelogdomain "github.com/smallbiznis/creditmeter/internal/usagelog/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

func setupUsageLogService(t *testing.T) (usagelogdomain.Service, *clock.FakeClock) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC))
	return New(Params{
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  memory.New(),
		Clock: fake,
	}), fake
}

func TestRecordIsIdempotentPerSessionKey(t *testing.T) {
	svc, _ := setupUsageLogService(t)
	ctx := context.Background()
	key := usagelogdomain.SessionKey{UserID: "u1", Feature: "chat_message", SessionID: "s1"}

	first, inserted, err := svc.Record(ctx, usagelogdomain.RecordRequest{Key: key, Cost: 1, AvailableCreditsAfter: 249})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, usagelogdomain.OutcomePending, first.Outcome)

	second, inserted, err := svc.Record(ctx, usagelogdomain.RecordRequest{Key: key, Cost: 1, AvailableCreditsAfter: 100})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Nil(t, second)

	stored, err := svc.FindBySessionKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
	assert.Equal(t, int64(249), stored.AvailableCreditsAfter)
}

func TestRecordValidatesInput(t *testing.T) {
	svc, _ := setupUsageLogService(t)
	ctx := context.Background()

	_, _, err := svc.Record(ctx, usagelogdomain.RecordRequest{Key: usagelogdomain.SessionKey{UserID: "u1", Feature: "f"}})
	assert.ErrorIs(t, err, usagelogdomain.ErrInvalidSessionKey)

	_, _, err = svc.Record(ctx, usagelogdomain.RecordRequest{
		Key:  usagelogdomain.SessionKey{UserID: "u1", Feature: "f", SessionID: "s"},
		Cost: -1,
	})
	assert.ErrorIs(t, err, usagelogdomain.ErrInvalidCost)
}

func TestMarkOutcomeMergesMetadataOnce(t *testing.T) {
	svc, _ := setupUsageLogService(t)
	ctx := context.Background()
	key := usagelogdomain.SessionKey{UserID: "u1", Feature: "replay_upload", SessionID: "s1"}

	_, err := svc.MarkOutcome(ctx, key, usagelogdomain.OutcomeSucceeded, nil)
	require.ErrorIs(t, err, usagelogdomain.ErrEntryNotFound)

	_, _, err = svc.Record(ctx, usagelogdomain.RecordRequest{
		Key:      key,
		Cost:     20,
		Metadata: map[string]any{"file": "match.rofl"},
	})
	require.NoError(t, err)

	_, err = svc.MarkOutcome(ctx, key, usagelogdomain.OutcomePending, nil)
	require.ErrorIs(t, err, usagelogdomain.ErrInvalidOutcome)

	updated, err := svc.MarkOutcome(ctx, key, usagelogdomain.OutcomeFailed, map[string]any{"error": "parse"})
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = svc.MarkOutcome(ctx, key, usagelogdomain.OutcomeSucceeded, nil)
	require.NoError(t, err)
	assert.False(t, updated)

	entry, err := svc.FindBySessionKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, usagelogdomain.OutcomeFailed, entry.Outcome)
	assert.Equal(t, datatypes.JSONMap{"file": "match.rofl", "error": "parse"}, entry.Metadata)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc, fake := setupUsageLogService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		fake.Advance(time.Second)
		_, _, err := svc.Record(ctx, usagelogdomain.RecordRequest{
			Key:  usagelogdomain.SessionKey{UserID: "u1", Feature: "chat_message", SessionID: fmt.Sprintf("s%d", i)},
			Cost: 1,
		})
		require.NoError(t, err)
	}

	first, err := svc.List(ctx, usagelogdomain.ListRequest{UserID: "u1", PageSize: 3})
	require.NoError(t, err)
	require.Len(t, first.Entries, 3)
	assert.True(t, first.PageInfo.HasMore)
	assert.Equal(t, "s4", first.Entries[0].SessionID)

	second, err := svc.List(ctx, usagelogdomain.ListRequest{UserID: "u1", PageSize: 3, PageToken: first.PageInfo.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second.Entries, 2)
	assert.False(t, second.PageInfo.HasMore)
	assert.Equal(t, "s0", second.Entries[1].SessionID)

	_, err = svc.List(ctx, usagelogdomain.ListRequest{UserID: "u1", PageToken: "not-a-token"})
	assert.ErrorIs(t, err, usagelogdomain.ErrInvalidPageToken)
}
