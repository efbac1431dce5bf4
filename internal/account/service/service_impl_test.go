package service

import (
	"context"
	"testing"
	"time"

	accountdomain "github.com/smallbiznis/creditmeter/internal/account/domain"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/plan"
	"github.com/smallbiznis/creditmeter/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var start = time.Date(2026, time.January, 15, 8, 0, 0, 0, time.UTC)

func setupAccountService(t *testing.T) (accountdomain.Service, *memory.Store, *clock.FakeClock) {
	t.Helper()
	store := memory.New()
	fake := clock.NewFakeClock(start)
	svc := New(Params{
		Log:    zap.NewNop(),
		Repo:   store,
		Policy: plan.NewPolicy(config.NewStaticPlanConfigHolder(config.DefaultPlanConfig())),
		Clock:  fake,
	})
	return svc, store, fake
}

func TestGetOrCreateAppliesPlanDefaults(t *testing.T) {
	svc, _, _ := setupAccountService(t)
	ctx := context.Background()

	account, err := svc.GetOrCreate(ctx, " user-1 ")
	require.NoError(t, err)
	assert.Equal(t, "user-1", account.UserID)
	assert.Equal(t, "free", account.PlanTier)
	assert.Equal(t, int64(250), account.TotalCredits)
	assert.Equal(t, int64(250), account.AvailableCredits)
	require.NotNil(t, account.ExpiresAt)
	assert.Equal(t, start.AddDate(0, 1, 0), *account.ExpiresAt)

	_, err = svc.ApplyDelta(ctx, "user-1", 10)
	require.NoError(t, err)

	again, err := svc.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(240), again.AvailableCredits)
}

func TestGetOrCreateRejectsBlankUser(t *testing.T) {
	svc, _, _ := setupAccountService(t)
	_, err := svc.GetOrCreate(context.Background(), "  ")
	assert.ErrorIs(t, err, accountdomain.ErrInvalidUserID)
}

func TestDefaultViewDoesNotPersist(t *testing.T) {
	svc, _, _ := setupAccountService(t)

	view := svc.DefaultView("ghost")
	assert.Equal(t, int64(250), view.AvailableCredits)

	_, err := svc.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, accountdomain.ErrAccountNotFound)
}

func TestResetOnlyWhenDue(t *testing.T) {
	svc, _, fake := setupAccountService(t)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	_, err = svc.ApplyDelta(ctx, "user-1", 200)
	require.NoError(t, err)

	_, err = svc.Reset(ctx, "user-1")
	require.ErrorIs(t, err, accountdomain.ErrResetNotDue)

	fake.Advance(31 * 24 * time.Hour)
	account, err := svc.Reset(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.UsedCredits)
	assert.Equal(t, int64(250), account.AvailableCredits)
	assert.Equal(t, fake.Now(), account.LastReset)
	assert.True(t, account.Consistent())

	_, err = svc.Reset(ctx, "missing")
	assert.ErrorIs(t, err, accountdomain.ErrAccountNotFound)
}

func TestWithRepositoryRebindsStore(t *testing.T) {
	svc, _, _ := setupAccountService(t)
	other := memory.New()

	bound := svc.WithRepository(other)
	_, err := bound.GetOrCreate(context.Background(), "user-1")
	require.NoError(t, err)

	_, err = other.GetAccount(context.Background(), "user-1")
	require.NoError(t, err)
	_, err = svc.Get(context.Background(), "user-1")
	assert.ErrorIs(t, err, accountdomain.ErrAccountNotFound)
}
