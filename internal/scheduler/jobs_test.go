package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	accountdomain "github.com/smallbiznis/creditmeter/internal/account/domain"
	accountservice "github.com/smallbiznis/creditmeter/internal/account/service"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/plan"
	"github.com/smallbiznis/creditmeter/internal/ratelimit"
	"github.com/smallbiznis/creditmeter/internal/store/memory"
	usagelogdomain "github.com/smallbiznis/creditmeter/internal/usagelog/domain"
	usagelogservice "github.com/smallbiznis/creditmeter/internal/usagelog/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var start = time.Date(2026, time.May, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	sched    *Scheduler
	accounts accountdomain.Service
	usage    usagelogdomain.Service
	clock    *clock.FakeClock
}

func setupScheduler(t *testing.T, locker *ratelimit.Locker) *fixture {
	t.Helper()

	store := memory.New()
	fake := clock.NewFakeClock(start)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	accounts := accountservice.New(accountservice.Params{
		Log:    zap.NewNop(),
		Repo:   store,
		Policy: plan.NewPolicy(config.NewStaticPlanConfigHolder(config.DefaultPlanConfig())),
		Clock:  fake,
	})
	usage := usagelogservice.New(usagelogservice.Params{Log: zap.NewNop(), GenID: node, Repo: store, Clock: fake})

	sched, err := New(Params{
		Log:         zap.NewNop(),
		Accounts:    accounts,
		AccountRepo: store,
		UsageLog:    usage,
		Locker:      locker,
		GenID:       node,
		Clock:       fake,
		Config:      Config{BatchSize: 2},
	})
	require.NoError(t, err)
	return &fixture{sched: sched, accounts: accounts, usage: usage, clock: fake}
}

// charge debits an account and logs a matching usage entry.
func (f *fixture) charge(t *testing.T, userID, session string, cost int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.accounts.GetOrCreate(ctx, userID)
	require.NoError(t, err)
	account, err := f.accounts.ApplyDelta(ctx, userID, cost)
	require.NoError(t, err)
	_, inserted, err := f.usage.Record(ctx, usagelogdomain.RecordRequest{
		Key:                   usagelogdomain.SessionKey{UserID: userID, Feature: "chat_message", SessionID: session},
		Cost:                  cost,
		AvailableCreditsAfter: account.AvailableCredits,
	})
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestResetDueAccountsJobPagesThroughExpiredAccounts(t *testing.T) {
	registry := useTestRegistry(t)
	f := setupScheduler(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.charge(t, fmt.Sprintf("user-%d", i), "s-1", 10)
	}
	f.clock.Advance(10 * 24 * time.Hour)
	f.charge(t, "late-user", "s-1", 10)

	f.clock.Set(start.AddDate(0, 1, 0))
	require.NoError(t, f.sched.ResetDueAccountsJob(ctx))

	for i := 0; i < 5; i++ {
		account, err := f.accounts.Get(ctx, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		assert.Equal(t, int64(0), account.UsedCredits)
		assert.Equal(t, int64(250), account.AvailableCredits)
		assert.Equal(t, start.AddDate(0, 1, 0), account.LastReset)
	}

	late, err := f.accounts.Get(ctx, "late-user")
	require.NoError(t, err)
	assert.Equal(t, int64(10), late.UsedCredits, "account not yet due keeps its usage")

	got := getCounterValue(t, registry, "creditmeter_scheduler_batch_processed_total", map[string]string{
		"service": "creditmeter", "env": "test", "job": JobResetDueAccounts, "resource": "credit_accounts",
	})
	assert.Equal(t, float64(5), got)
}

func TestReconcileLedgerJobFlagsDrift(t *testing.T) {
	registry := useTestRegistry(t)
	f := setupScheduler(t, nil)
	ctx := context.Background()

	f.charge(t, "clean", "s-1", 7)
	f.charge(t, "drifted", "s-1", 5)
	// Balance moved with no matching usage entry.
	_, err := f.accounts.ApplyDelta(ctx, "drifted", 3)
	require.NoError(t, err)

	require.NoError(t, f.sched.ReconcileLedgerJob(ctx))

	got := getCounterValue(t, registry, "creditmeter_ledger_drift_total", map[string]string{
		"service": "creditmeter", "env": "test", "direction": driftOver,
	})
	assert.Equal(t, float64(1), got)
}

func TestReconcileIgnoresRefundedAndPriorPeriodEntries(t *testing.T) {
	registry := useTestRegistry(t)
	f := setupScheduler(t, nil)
	ctx := context.Background()

	f.charge(t, "user-1", "old", 20)
	f.clock.Set(start.AddDate(0, 1, 0))
	require.NoError(t, f.sched.ResetDueAccountsJob(ctx))

	f.clock.Advance(time.Hour)
	f.charge(t, "user-1", "new", 4)
	f.charge(t, "user-1", "refunded", 6)
	_, err := f.accounts.ApplyDelta(ctx, "user-1", -6)
	require.NoError(t, err)
	_, err = f.usage.MarkRefunded(ctx, usagelogdomain.SessionKey{UserID: "user-1", Feature: "chat_message", SessionID: "refunded"})
	require.NoError(t, err)

	require.NoError(t, f.sched.ReconcileLedgerJob(ctx))

	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		assert.NotEqual(t, "creditmeter_ledger_drift_total", mf.GetName(), "no drift expected")
	}
}

func TestRunOnceSkipsJobsWhoseLockIsHeld(t *testing.T) {
	registry := useTestRegistry(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := setupScheduler(t, ratelimit.NewLocker(client))
	f.sched.cfg.EnabledJobs = []string{JobResetDueAccounts}
	ctx := context.Background()

	f.charge(t, "user-1", "s-1", 10)
	f.clock.Set(start.AddDate(0, 2, 0))

	require.NoError(t, mr.Set(fmt.Sprintf(jobLockKey, JobResetDueAccounts), "other-replica"))
	require.NoError(t, f.sched.RunOnce(ctx))

	account, err := f.accounts.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.UsedCredits)
	assert.Equal(t, float64(1), getCounterValue(t, registry, "creditmeter_scheduler_batch_deferred_total", map[string]string{
		"service": "creditmeter", "env": "test", "job": JobResetDueAccounts, "reason": "lock_held",
	}))

	mr.Del(fmt.Sprintf(jobLockKey, JobResetDueAccounts))
	require.NoError(t, f.sched.RunOnce(ctx))

	account, err = f.accounts.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.UsedCredits)
	assert.False(t, mr.Exists(fmt.Sprintf(jobLockKey, JobResetDueAccounts)), "lease released after run")
}
