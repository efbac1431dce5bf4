package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/creditmeter/internal/account/domain"
	accountservice "github.com/smallbiznis/creditmeter/internal/account/service"
	catalogdomain "github.com/smallbiznis/creditmeter/internal/catalog/domain"
	catalogservice "github.com/smallbiznis/creditmeter/internal/catalog/service"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	meteringdomain "github.com/smallbiznis/creditmeter/internal/metering/domain"
	"github.com/smallbiznis/creditmeter/internal/plan"
	storedomain "github.com/smallbiznis/creditmeter/internal/store/domain"
	"github.com/smallbiznis/creditmeter/internal/store/memory"
	usagelogdomain "github.com/smallbiznis/creditmeter/internal/usagelog/domain"
	usagelogservice "github.com/smallbiznis/creditmeter/internal/usagelog/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var start = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc      *Service
	store    *memory.Store
	accounts accountdomain.Service
	usage    usagelogdomain.Service
	clock    *clock.FakeClock
	sleeps   []time.Duration
	mu       sync.Mutex
}

func setupEngine(t *testing.T, unknownPolicy string) *harness {
	t.Helper()

	store := memory.New()
	fake := clock.NewFakeClock(start)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	catalog, err := catalogservice.NewStatic(catalogdomain.DefaultEntries(), unknownPolicy, zap.NewNop())
	require.NoError(t, err)

	accounts := accountservice.New(accountservice.Params{
		Log:    zap.NewNop(),
		Repo:   store,
		Policy: plan.NewPolicy(config.NewStaticPlanConfigHolder(config.DefaultPlanConfig())),
		Clock:  fake,
	})
	usage := usagelogservice.New(usagelogservice.Params{
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  store,
		Clock: fake,
	})

	cfg := config.Config{Metering: config.MeteringConfig{MaxRetries: 3, RetryBackoff: time.Second}}
	svc := New(Params{
		Cfg:      cfg,
		Log:      zap.NewNop(),
		Store:    store,
		Catalog:  catalog,
		Accounts: accounts,
		UsageLog: usage,
	}).(*Service)

	h := &harness{svc: svc, store: store, accounts: accounts, usage: usage, clock: fake}
	svc.sleep = func(d time.Duration) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.sleeps = append(h.sleeps, d)
	}
	return h
}

// spend moves an account to the given available balance by charging the difference.
func (h *harness) spend(t *testing.T, userID string, available int64) {
	t.Helper()
	ctx := context.Background()
	account, err := h.accounts.GetOrCreate(ctx, userID)
	require.NoError(t, err)
	_, err = h.accounts.ApplyDelta(ctx, userID, account.AvailableCredits-available)
	require.NoError(t, err)
}

func debit(userID, feature, session string) meteringdomain.DebitRequest {
	return meteringdomain.DebitRequest{UserID: userID, Feature: feature, SessionID: session}
}

func refund(userID, feature, session string) meteringdomain.RefundRequest {
	return meteringdomain.RefundRequest{UserID: userID, Feature: feature, SessionID: session}
}

func assertConsistent(t *testing.T, h *harness, userID string) meteringdomain.Balance {
	t.Helper()
	balance, err := h.svc.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, balance.TotalCredits-balance.UsedCredits, balance.AvailableCredits)
	assert.GreaterOrEqual(t, balance.AvailableCredits, int64(0))
	assert.GreaterOrEqual(t, balance.UsedCredits, int64(0))
	return balance
}

func TestFreeAccountDrainsToZero(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)
	ctx := context.Background()

	for i := 1; i <= 250; i++ {
		res, err := h.svc.Debit(ctx, debit("u-a", "chat_message", fmt.Sprintf("s-%d", i)))
		require.NoError(t, err)
		require.True(t, res.Success)
		require.Equal(t, int64(250-i), res.AvailableCredits)
	}

	res, err := h.svc.Debit(ctx, debit("u-a", "chat_message", "s-251"))
	assert.ErrorIs(t, err, meteringdomain.ErrInsufficientCredits)
	assert.False(t, res.Success)
	assert.Equal(t, meteringdomain.CodeInsufficientCredits, res.Error)
	assert.Equal(t, int64(0), res.AvailableCredits)

	balance := assertConsistent(t, h, "u-a")
	assert.Equal(t, int64(0), balance.AvailableCredits)
	assert.Equal(t, int64(250), balance.UsedCredits)

	_, err = h.usage.FindBySessionKey(ctx, usagelogdomain.SessionKey{UserID: "u-a", Feature: "chat_message", SessionID: "s-251"})
	assert.ErrorIs(t, err, usagelogdomain.ErrEntryNotFound)
}

func TestDebitRejectedWhenCostExceedsBalance(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)
	ctx := context.Background()
	h.spend(t, "u-b", 40)

	res, err := h.svc.Debit(ctx, debit("u-b", "replay_analysis", "s-1"))
	assert.ErrorIs(t, err, meteringdomain.ErrInsufficientCredits)
	assert.False(t, res.Success)
	assert.Equal(t, int64(40), res.AvailableCredits)
	assert.Equal(t, int64(50), res.Cost)

	balance := assertConsistent(t, h, "u-b")
	assert.Equal(t, int64(40), balance.AvailableCredits)
}

func TestDebitFailRefundRoundTrip(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)
	ctx := context.Background()
	h.spend(t, "u-c", 100)

	res, err := h.svc.Debit(ctx, debit("u-c", "replay_upload", "s-1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(80), res.AvailableCredits)

	require.NoError(t, h.svc.MarkOutcome(ctx, meteringdomain.OutcomeRequest{
		UserID: "u-c", Feature: "replay_upload", SessionID: "s-1",
		Outcome: "failed", Metadata: map[string]any{"reason": "parse_error"},
	}))

	first, err := h.svc.Refund(ctx, refund("u-c", "replay_upload", "s-1"))
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.True(t, first.Refunded)
	assert.Equal(t, int64(100), first.AvailableCredits)

	entry, err := h.usage.FindBySessionKey(ctx, usagelogdomain.SessionKey{UserID: "u-c", Feature: "replay_upload", SessionID: "s-1"})
	require.NoError(t, err)
	assert.True(t, entry.Refunded)
	assert.Equal(t, usagelogdomain.OutcomeFailed, entry.Outcome)
	assert.Equal(t, "parse_error", entry.Metadata["reason"])

	second, err := h.svc.Refund(ctx, refund("u-c", "replay_upload", "s-1"))
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.False(t, second.Refunded)
	assert.Equal(t, int64(100), second.AvailableCredits)

	assert.Equal(t, int64(100), assertConsistent(t, h, "u-c").AvailableCredits)
}

func TestDebitIsIdempotentPerSession(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)
	ctx := context.Background()

	first, err := h.svc.Debit(ctx, debit("u-d", "stats_compare", "s-1"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	_, err = h.svc.Debit(ctx, debit("u-d", "chat_message", "s-2"))
	require.NoError(t, err)

	second, err := h.svc.Debit(ctx, debit("u-d", "chat_message", "s-1"))
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.False(t, second.Duplicate, "different feature is a different session key")

	replay, err := h.svc.Debit(ctx, debit(" u-d", "stats_compare", "s-1 "))
	require.NoError(t, err)
	assert.True(t, replay.Success)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.AvailableCredits, replay.AvailableCredits)
	assert.Equal(t, first.EntryID, replay.EntryID)

	balance := assertConsistent(t, h, "u-d")
	assert.Equal(t, int64(3+1+1), balance.UsedCredits)
}

func TestDebitRejectsInvalidRequest(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)

	res, err := h.svc.Debit(context.Background(), debit("u-e", "chat_message", "  "))
	assert.ErrorIs(t, err, meteringdomain.ErrInvalidRequest)
	assert.Equal(t, meteringdomain.CodeInvalidRequest, res.Error)

	_, err = h.svc.Debit(context.Background(), debit("", "chat_message", "s-1"))
	assert.ErrorIs(t, err, meteringdomain.ErrInvalidRequest)
}

func TestDebitRejectsKeysWiderThanSchema(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)
	ctx := context.Background()

	res, err := h.svc.Debit(ctx, debit("u-w", "chat_message", strings.Repeat("s", 257)))
	assert.ErrorIs(t, err, meteringdomain.ErrInvalidRequest)
	assert.False(t, res.Success)

	_, err = h.svc.Debit(ctx, debit(strings.Repeat("u", 129), "chat_message", "s-1"))
	assert.ErrorIs(t, err, meteringdomain.ErrInvalidRequest)

	_, err = h.svc.Refund(ctx, refund("u-w", "chat_message", strings.Repeat("s", 257)))
	assert.ErrorIs(t, err, meteringdomain.ErrInvalidRequest)

	res, err = h.svc.Debit(ctx, debit("u-w", "chat_message", strings.Repeat("s", 256)))
	require.NoError(t, err)
	assert.True(t, res.Success)

	balance, err := h.svc.GetBalance(ctx, "u-w")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance.UsedCredits)
}

func TestUnknownFeaturePolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("reject", func(t *testing.T) {
		h := setupEngine(t, config.UnknownFeatureReject)
		res, err := h.svc.Debit(ctx, debit("u-f", "chat_mesage", "s-1"))
		assert.ErrorIs(t, err, meteringdomain.ErrUnknownFeature)
		assert.False(t, res.Success)
		assert.Equal(t, meteringdomain.CodeUnknownFeature, res.Error)

		balance, err := h.svc.GetBalance(ctx, "u-f")
		require.NoError(t, err)
		assert.False(t, balance.Exists)
	})

	t.Run("free", func(t *testing.T) {
		h := setupEngine(t, config.UnknownFeatureFree)
		res, err := h.svc.Debit(ctx, debit("u-f", "admin_export", "s-1"))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, int64(250), res.AvailableCredits)

		_, err = h.usage.FindBySessionKey(ctx, usagelogdomain.SessionKey{UserID: "u-f", Feature: "admin_export", SessionID: "s-1"})
		assert.ErrorIs(t, err, usagelogdomain.ErrEntryNotFound)
	})
}

func TestZeroCostFeatureDoesNotTouchStore(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)
	ctx := context.Background()

	res, err := h.svc.Debit(ctx, debit("u-g", "health_probe", "s-1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(0), res.Cost)
	assert.Equal(t, int64(250), res.AvailableCredits)

	_, err = h.accounts.Get(ctx, "u-g")
	assert.ErrorIs(t, err, accountdomain.ErrAccountNotFound)
}

func TestMarkOutcomeNoOps(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)
	ctx := context.Background()

	require.NoError(t, h.svc.MarkOutcome(ctx, meteringdomain.OutcomeRequest{
		UserID: "u-i", Feature: "chat_message", SessionID: "missing", Outcome: "succeeded",
	}))

	_, err := h.svc.Debit(ctx, debit("u-i", "chat_message", "s-1"))
	require.NoError(t, err)

	key := meteringdomain.OutcomeRequest{UserID: "u-i", Feature: "chat_message", SessionID: "s-1", Outcome: "succeeded"}
	require.NoError(t, h.svc.MarkOutcome(ctx, key))
	key.Outcome = "failed"
	require.NoError(t, h.svc.MarkOutcome(ctx, key))

	entry, err := h.usage.FindBySessionKey(ctx, usagelogdomain.SessionKey{UserID: "u-i", Feature: "chat_message", SessionID: "s-1"})
	require.NoError(t, err)
	assert.Equal(t, usagelogdomain.OutcomeSucceeded, entry.Outcome)

	key.Outcome = "pending"
	assert.ErrorIs(t, h.svc.MarkOutcome(ctx, key), meteringdomain.ErrInvalidRequest)

	assert.Equal(t, int64(249), assertConsistent(t, h, "u-i").AvailableCredits)
}

func TestRefundNoOps(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)
	ctx := context.Background()

	res, err := h.svc.Refund(ctx, refund("u-j", "chat_message", "never-debited"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Refunded)
	assert.Equal(t, int64(250), res.AvailableCredits)

	_, err = h.svc.Debit(ctx, debit("u-j", "stats_lookup", "s-1"))
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkOutcome(ctx, meteringdomain.OutcomeRequest{
		UserID: "u-j", Feature: "stats_lookup", SessionID: "s-1", Outcome: "succeeded",
	}))

	res, err = h.svc.Refund(ctx, refund("u-j", "stats_lookup", "s-1"))
	require.NoError(t, err)
	assert.False(t, res.Refunded)
	assert.Equal(t, int64(248), res.AvailableCredits)
}

func TestRefundPendingDebit(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)
	ctx := context.Background()

	_, err := h.svc.Debit(ctx, debit("u-k", "match_history_pull", "s-1"))
	require.NoError(t, err)

	res, err := h.svc.Refund(ctx, refund("u-k", "match_history_pull", "s-1"))
	require.NoError(t, err)
	assert.True(t, res.Refunded)
	assert.Equal(t, int64(250), res.AvailableCredits)

	// A refunded session stays consumed.
	replay, err := h.svc.Debit(ctx, debit("u-k", "match_history_pull", "s-1"))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, int64(250), assertConsistent(t, h, "u-k").AvailableCredits)
}

func TestRefundAfterResetDoesNotOverCredit(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)
	ctx := context.Background()

	_, err := h.svc.Debit(ctx, debit("u-l", "replay_upload", "s-1"))
	require.NoError(t, err)

	h.clock.Advance(32 * 24 * time.Hour)
	_, err = h.accounts.Reset(ctx, "u-l")
	require.NoError(t, err)

	res, err := h.svc.Refund(ctx, refund("u-l", "replay_upload", "s-1"))
	require.NoError(t, err)
	assert.True(t, res.Refunded)
	assert.Equal(t, int64(250), res.AvailableCredits)

	balance := assertConsistent(t, h, "u-l")
	assert.Equal(t, int64(0), balance.UsedCredits)
}

func TestGetBalanceForUnknownUser(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)

	balance, err := h.svc.GetBalance(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, balance.Exists)
	assert.Equal(t, "free", balance.PlanTier)
	assert.Equal(t, int64(250), balance.AvailableCredits)
	require.NotNil(t, balance.ExpiresAt)

	_, err = h.accounts.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, accountdomain.ErrAccountNotFound)

	_, err = h.svc.GetBalance(context.Background(), " ")
	assert.ErrorIs(t, err, meteringdomain.ErrInvalidRequest)
}

func transientFault(op string) error {
	return fmt.Errorf("%s: %w: connection reset", op, storedomain.ErrTransient)
}

func TestDebitRetriesTransientFailures(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)
	ctx := context.Background()

	var begins atomic.Int32
	h.store.SetFault(func(op string) error {
		if op == "begin" && begins.Add(1) <= 2 {
			return transientFault(op)
		}
		return nil
	})

	res, err := h.svc.Debit(ctx, debit("u-m", "stats_compare", "s-1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(247), res.AvailableCredits)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps)

	h.store.SetFault(nil)
	assert.Equal(t, int64(3), assertConsistent(t, h, "u-m").UsedCredits)
}

func TestDebitReportsStoreUnavailableAfterRetryBudget(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)
	ctx := context.Background()

	var attempts atomic.Int32
	h.store.SetFault(func(op string) error {
		if op == "commit" {
			attempts.Add(1)
			return transientFault(op)
		}
		return nil
	})

	res, err := h.svc.Debit(ctx, debit("u-n", "chat_message", "s-1"))
	assert.ErrorIs(t, err, meteringdomain.ErrStoreUnavailable)
	assert.False(t, res.Success)
	assert.Equal(t, meteringdomain.CodeStoreUnavailable, res.Error)
	assert.Equal(t, int32(4), attempts.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, h.sleeps)

	h.store.SetFault(nil)
	balance, err := h.svc.GetBalance(ctx, "u-n")
	require.NoError(t, err)
	assert.False(t, balance.Exists, "rolled back attempts leave no account behind")
}

func TestNonTransientFailureIsNotRetried(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)
	boom := errors.New("disk full")
	h.store.SetFault(func(op string) error {
		if op == "apply_delta" {
			return boom
		}
		return nil
	})

	res, err := h.svc.Debit(context.Background(), debit("u-o", "chat_message", "s-1"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, meteringdomain.CodeInternal, res.Error)
	assert.Empty(t, h.sleeps)
}

func TestRefundRetriesThenReportsUnavailable(t *testing.T) {
	h := setupEngine(t, config.UnknownFeatureReject)
	ctx := context.Background()

	_, err := h.svc.Debit(ctx, debit("u-p", "chat_message", "s-1"))
	require.NoError(t, err)

	h.store.SetFault(func(op string) error {
		if op == "set_refunded" {
			return transientFault(op)
		}
		return nil
	})
	res, err := h.svc.Refund(ctx, refund("u-p", "chat_message", "s-1"))
	assert.ErrorIs(t, err, meteringdomain.ErrStoreUnavailable)
	assert.Equal(t, meteringdomain.CodeStoreUnavailable, res.Error)

	h.store.SetFault(nil)
	res, err = h.svc.Refund(ctx, refund("u-p", "chat_message", "s-1"))
	require.NoError(t, err)
	assert.True(t, res.Refunded)
	assert.Equal(t, int64(250), res.AvailableCredits)
}

func TestConcurrentDebitsNeverOverspend(t *testing.T) {
	const (
		n    = 16
		cost = int64(5)
	)
	h := setupEngine(t, config.UnknownFeatureReject)
	h.spend(t, "u-q", cost*(n-1))

	var (
		wg           sync.WaitGroup
		successes    atomic.Int32
		insufficient atomic.Int32
		ready        = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			_, err := h.svc.Debit(context.Background(), debit("u-q", "rank_sync", fmt.Sprintf("s-%d", i)))
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
	close(ready)
	wg.Wait()

	assert.Equal(t, int32(n-1), successes.Load())
	assert.Equal(t, int32(1), insufficient.Load())
	assert.Equal(t, int64(0), assertConsistent(t, h, "u-q").AvailableCredits)
}

func TestConcurrentDuplicateSessionChargesOnce(t *testing.T) {
	const n = 12
	h := setupEngine(t, config.UnknownFeatureReject)

	var (
		wg      sync.WaitGroup
		results = make([]meteringdomain.DebitResult, n)
		ready   = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			res, err := h.svc.Debit(context.Background(), debit("u-r", "replay_upload", "shared"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	close(ready)
	wg.Wait()

	fresh := 0
	for _, res := range results {
		assert.True(t, res.Success)
		assert.Equal(t, int64(230), res.AvailableCredits)
		if !res.Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, int64(20), assertConsistent(t, h, "u-r").UsedCredits)
}

type modelSession struct {
	feature  string
	session  string
	cost     int64
	balance  int64
	refunded bool
}

func TestEngineMatchesReferenceModel(t *testing.T) {
	const steps = 10000
	h := setupEngine(t, config.UnknownFeatureReject)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(20260301, 42))

	features := catalogdomain.DefaultEntries()
	costs := make(map[string]int64, len(features))
	for _, f := range features {
		costs[f.Feature] = f.Cost
	}

	var (
		available int64 = 250
		sessions        = map[string]*modelSession{}
		debited   []*modelSession
	)
	keyOf := func(feature, session string) string { return feature + "/" + session }

	for step := 0; step < steps; step++ {
		feature := features[rng.IntN(len(features))].Feature
		session := fmt.Sprintf("s-%d", rng.IntN(steps/4))

		if rng.IntN(10) < 6 {
			res, err := h.svc.Debit(ctx, debit("u-model", feature, session))
			cost := costs[feature]
			prior, seen := sessions[keyOf(feature, session)]
			switch {
			case cost == 0:
				require.NoError(t, err, "step %d", step)
				require.Equal(t, available, res.AvailableCredits, "step %d", step)
			case seen:
				require.NoError(t, err, "step %d", step)
				require.True(t, res.Duplicate, "step %d", step)
				require.Equal(t, prior.balance, res.AvailableCredits, "step %d", step)
			case cost > available:
				require.ErrorIs(t, err, meteringdomain.ErrInsufficientCredits, "step %d", step)
				require.Equal(t, available, res.AvailableCredits, "step %d", step)
			default:
				require.NoError(t, err, "step %d", step)
				available -= cost
				ms := &modelSession{feature: feature, session: session, cost: cost, balance: available}
				sessions[keyOf(feature, session)] = ms
				debited = append(debited, ms)
				require.Equal(t, available, res.AvailableCredits, "step %d", step)
			}
		} else {
			if len(debited) > 0 && rng.IntN(4) > 0 {
				target := debited[rng.IntN(len(debited))]
				feature, session = target.feature, target.session
			}
			res, err := h.svc.Refund(ctx, refund("u-model", feature, session))
			require.NoError(t, err, "step %d", step)
			prior, seen := sessions[keyOf(feature, session)]
			if seen && !prior.refunded {
				prior.refunded = true
				available += prior.cost
				require.True(t, res.Refunded, "step %d", step)
			} else {
				require.False(t, res.Refunded, "step %d", step)
			}
			require.Equal(t, available, res.AvailableCredits, "step %d", step)
		}

		balance, err := h.svc.GetBalance(ctx, "u-model")
		require.NoError(t, err)
		require.Equal(t, available, balance.AvailableCredits, "step %d", step)
		require.Equal(t, balance.TotalCredits-balance.UsedCredits, balance.AvailableCredits, "step %d", step)
	}
}
