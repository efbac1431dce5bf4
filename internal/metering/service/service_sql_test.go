package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountservice "github.com/smallbiznis/creditmeter/internal/account/service"
	catalogdomain "github.com/smallbiznis/creditmeter/internal/catalog/domain"
	catalogservice "github.com/smallbiznis/creditmeter/internal/catalog/service"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	meteringdomain "github.com/smallbiznis/creditmeter/internal/metering/domain"
	"github.com/smallbiznis/creditmeter/internal/plan"
	"github.com/smallbiznis/creditmeter/internal/store/gormstore"
	usagelogservice "github.com/smallbiznis/creditmeter/internal/usagelog/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupSQLEngine(t *testing.T) *Service {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := gormstore.New(conn, nil, zap.NewNop())
	require.NoError(t, store.Migrate(context.Background()))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	fake := clock.NewFakeClock(start)
	catalog, err := catalogservice.NewStatic(catalogdomain.DefaultEntries(), config.UnknownFeatureReject, zap.NewNop())
	require.NoError(t, err)

	return New(Params{
		Cfg:     config.Config{Metering: config.MeteringConfig{MaxRetries: 3, RetryBackoff: time.Millisecond}},
		Log:     zap.NewNop(),
		Store:   store,
		Catalog: catalog,
		Accounts: accountservice.New(accountservice.Params{
			Log:    zap.NewNop(),
			Repo:   store,
			Policy: plan.NewPolicy(config.NewStaticPlanConfigHolder(config.DefaultPlanConfig())),
			Clock:  fake,
		}),
		UsageLog: usagelogservice.New(usagelogservice.Params{
			Log:   zap.NewNop(),
			GenID: node,
			Repo:  store,
			Clock: fake,
		}),
	}).(*Service)
}

func TestSQLStoreDebitRefundLifecycle(t *testing.T) {
	svc := setupSQLEngine(t)
	ctx := context.Background()

	res, err := svc.Debit(ctx, meteringdomain.DebitRequest{
		UserID: "u-sql", Feature: "replay_upload", SessionID: "s-1",
		Metadata: map[string]any{"file": "match.rofl"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(230), res.AvailableCredits)

	replay, err := svc.Debit(ctx, debit("u-sql", "replay_upload", "s-1"))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, res.EntryID, replay.EntryID)

	require.NoError(t, svc.MarkOutcome(ctx, meteringdomain.OutcomeRequest{
		UserID: "u-sql", Feature: "replay_upload", SessionID: "s-1", Outcome: "failed",
	}))

	refunded, err := svc.Refund(ctx, refund("u-sql", "replay_upload", "s-1"))
	require.NoError(t, err)
	assert.True(t, refunded.Refunded)
	assert.Equal(t, int64(250), refunded.AvailableCredits)

	again, err := svc.Refund(ctx, refund("u-sql", "replay_upload", "s-1"))
	require.NoError(t, err)
	assert.False(t, again.Refunded)
	assert.Equal(t, int64(250), again.AvailableCredits)

	balance, err := svc.GetBalance(ctx, "u-sql")
	require.NoError(t, err)
	assert.True(t, balance.Exists)
	assert.Equal(t, int64(0), balance.UsedCredits)
}

func TestSQLStoreConcurrentDebitsNeverOverspend(t *testing.T) {
	const n = 8
	svc := setupSQLEngine(t)
	ctx := context.Background()

	// 250 credits leave room for exactly n-1 replay uploads after 110 are spent.
	_, err := svc.accounts.GetOrCreate(ctx, "u-sql")
	require.NoError(t, err)
	_, err = svc.accounts.ApplyDelta(ctx, "u-sql", 250-20*(n-1))
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		successes    atomic.Int32
		insufficient atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Debit(ctx, debit("u-sql", "replay_upload", fmt.Sprintf("s-%d", i)))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, meteringdomain.ErrInsufficientCredits):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(n-1), successes.Load())
	assert.Equal(t, int32(1), insufficient.Load())

	balance, err := svc.GetBalance(ctx, "u-sql")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.AvailableCredits)
	assert.Equal(t, int64(250), balance.UsedCredits)
}
