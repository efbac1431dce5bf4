package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	accountdomain "github.com/smallbiznis/creditmeter/internal/account/domain"
	catalogdomain "github.com/smallbiznis/creditmeter/internal/catalog/domain"
	"github.com/smallbiznis/creditmeter/internal/config"
	meteringdomain "github.com/smallbiznis/creditmeter/internal/metering/domain"
	obslogger "github.com/smallbiznis/creditmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/internal/observability/tracing"
	storedomain "github.com/smallbiznis/creditmeter/internal/store/domain"
	usagelogdomain "github.com/smallbiznis/creditmeter/internal/usagelog/domain"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = time.Second
)

// errSessionTaken aborts a unit of work whose ledger insert lost to a
// concurrent debit of the same session.
var errSessionTaken = errors.New("session_taken")

type Params struct {
	fx.In

	Cfg      config.Config
	Log      *zap.Logger
	Store    storedomain.Store
	Catalog  catalogdomain.Service
	Accounts accountdomain.Service
	UsageLog usagelogdomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	store    storedomain.Store
	catalog  catalogdomain.Service
	accounts accountdomain.Service
	usage    usagelogdomain.Service
	metrics  *obsmetrics.Metrics

	maxRetries int
	backoff    time.Duration
	sleep      func(time.Duration)
}

func New(p Params) meteringdomain.Service {
	maxRetries := p.Cfg.Metering.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := p.Cfg.Metering.RetryBackoff
	if backoff < 0 {
		backoff = defaultRetryBackoff
	}
	return &Service{
		log:        p.Log.Named("metering.service"),
		store:      p.Store,
		catalog:    p.Catalog,
		accounts:   p.Accounts,
		usage:      p.UsageLog,
		metrics:    p.Metrics,
		maxRetries: maxRetries,
		backoff:    backoff,
		sleep:      time.Sleep,
	}
}

func (s *Service) Debit(ctx context.Context, req meteringdomain.DebitRequest) (meteringdomain.DebitResult, error) {
	// Once started, a debit runs to completion or until the retry budget is spent.
	ctx = context.WithoutCancel(ctx)

	key := usagelogdomain.SessionKey{UserID: req.UserID, Feature: req.Feature, SessionID: req.SessionID}.Normalize()
	if !key.Valid() {
		return meteringdomain.DebitResult{Error: meteringdomain.CodeInvalidRequest}, meteringdomain.ErrInvalidRequest
	}

	ctx, span := tracing.StartSpan(ctx, "metering.Debit", tracing.AttrFeature.String(key.Feature))
	defer span.End()
	log := obslogger.WithUser(obslogger.WithContext(ctx, s.log), key.UserID).With(
		zap.String("feature", key.Feature),
		zap.String("session_id", key.SessionID),
	)
	category := s.category(key.Feature)

	cost, err := s.catalog.GetCost(key.Feature)
	if err != nil {
		s.metrics.RecordDebit(ctx, key.Feature, category, obsmetrics.ResultUnknown, 0)
		log.Warn("debit rejected: feature not in cost catalog", zap.String("policy", s.catalog.Policy()))
		return meteringdomain.DebitResult{Error: meteringdomain.CodeUnknownFeature}, meteringdomain.ErrUnknownFeature
	}
	span.SetAttributes(tracing.AttrCost.Int64(cost))

	if cost == 0 {
		balance, err := s.GetBalance(ctx, key.UserID)
		if err != nil {
			return s.debitFailure(ctx, log, key, category, err)
		}
		s.metrics.RecordDebit(ctx, key.Feature, category, obsmetrics.ResultFree, 0)
		return meteringdomain.DebitResult{Success: true, AvailableCredits: balance.AvailableCredits}, nil
	}

	var result meteringdomain.DebitResult
	err = s.withRetry(ctx, log, "debit", func(ctx context.Context) error {
		result = meteringdomain.DebitResult{}

		existing, err := s.usage.FindBySessionKey(ctx, key)
		if err == nil {
			result = duplicateResult(existing)
			return nil
		}
		if !errors.Is(err, usagelogdomain.ErrEntryNotFound) {
			return err
		}

		err = s.store.Atomic(ctx, func(ctx context.Context, tx storedomain.Store) error {
			accounts := s.accounts.WithRepository(tx)
			usage := s.usage.WithRepository(tx)

			account, err := accounts.GetOrCreate(ctx, key.UserID)
			if err != nil {
				return err
			}
			if account.AvailableCredits < cost {
				result = insufficientResult(account.AvailableCredits, cost)
				return nil
			}

			updated, err := accounts.ApplyDelta(ctx, key.UserID, cost)
			if errors.Is(err, accountdomain.ErrInsufficientCredits) {
				available := account.AvailableCredits
				if updated != nil {
					available = updated.AvailableCredits
				}
				result = insufficientResult(available, cost)
				return nil
			}
			if err != nil {
				return err
			}

			entry, inserted, err := usage.Record(ctx, usagelogdomain.RecordRequest{
				Key:                   key,
				Cost:                  cost,
				Metadata:              req.Metadata,
				AvailableCreditsAfter: updated.AvailableCredits,
			})
			if err != nil {
				return err
			}
			if !inserted {
				return errSessionTaken
			}

			result = meteringdomain.DebitResult{
				Success:          true,
				AvailableCredits: updated.AvailableCredits,
				Cost:             cost,
				EntryID:          entry.ID.String(),
			}
			return nil
		})
		if errors.Is(err, errSessionTaken) {
			winner, findErr := s.usage.FindBySessionKey(ctx, key)
			if findErr != nil {
				return findErr
			}
			result = duplicateResult(winner)
			return nil
		}
		return err
	})
	if err != nil {
		return s.debitFailure(ctx, log, key, category, err)
	}

	span.SetAttributes(tracing.AttrDuplicate.Bool(result.Duplicate))
	switch {
	case result.Duplicate:
		s.metrics.RecordDebit(ctx, key.Feature, category, obsmetrics.ResultDuplicate, cost)
		log.Info("debit replayed for existing session", zap.String("entry_id", result.EntryID))
		return result, nil
	case !result.Success:
		s.metrics.RecordDebit(ctx, key.Feature, category, obsmetrics.ResultInsufficient, cost)
		log.Info("debit rejected: insufficient credits",
			zap.Int64("cost", cost),
			zap.Int64("available_credits", result.AvailableCredits),
		)
		return result, meteringdomain.ErrInsufficientCredits
	default:
		s.metrics.RecordDebit(ctx, key.Feature, category, obsmetrics.ResultCharged, cost)
		log.Debug("debit charged",
			zap.Int64("cost", cost),
			zap.Int64("available_credits", result.AvailableCredits),
			zap.String("entry_id", result.EntryID),
		)
		return result, nil
	}
}

func (s *Service) debitFailure(ctx context.Context, log *zap.Logger, key usagelogdomain.SessionKey, category string, err error) (meteringdomain.DebitResult, error) {
	if errors.Is(err, meteringdomain.ErrStoreUnavailable) {
		s.metrics.RecordDebit(ctx, key.Feature, category, obsmetrics.ResultUnavailable, 0)
		return meteringdomain.DebitResult{Error: meteringdomain.CodeStoreUnavailable}, err
	}
	if errors.Is(err, accountdomain.ErrInvalidUserID) {
		return meteringdomain.DebitResult{Error: meteringdomain.CodeInvalidRequest}, fmt.Errorf("%w: %w", meteringdomain.ErrInvalidRequest, err)
	}
	log.Error("debit failed", zap.Error(err))
	return meteringdomain.DebitResult{Error: meteringdomain.CodeInternal}, fmt.Errorf("debit: %w", err)
}

func (s *Service) MarkOutcome(ctx context.Context, req meteringdomain.OutcomeRequest) error {
	ctx = context.WithoutCancel(ctx)

	key := usagelogdomain.SessionKey{UserID: req.UserID, Feature: req.Feature, SessionID: req.SessionID}.Normalize()
	if !key.Valid() {
		return meteringdomain.ErrInvalidRequest
	}
	outcome, err := usagelogdomain.ParseOutcome(req.Outcome)
	if err != nil {
		return fmt.Errorf("%w: %w", meteringdomain.ErrInvalidRequest, err)
	}

	ctx, span := tracing.StartSpan(ctx, "metering.MarkOutcome",
		tracing.AttrFeature.String(key.Feature),
		tracing.AttrOutcome.String(string(outcome)),
	)
	defer span.End()
	log := obslogger.WithUser(obslogger.WithContext(ctx, s.log), key.UserID).With(
		zap.String("feature", key.Feature),
		zap.String("session_id", key.SessionID),
		zap.String("outcome", string(outcome)),
	)

	var updated bool
	err = s.withRetry(ctx, log, "mark_outcome", func(ctx context.Context) error {
		var err error
		updated, err = s.usage.MarkOutcome(ctx, key, outcome, req.Metadata)
		return err
	})
	switch {
	case errors.Is(err, usagelogdomain.ErrEntryNotFound):
		log.Info("outcome ignored: no debit recorded for session")
		return nil
	case err != nil:
		span.SetStatus(codes.Error, "mark outcome failed")
		return err
	case !updated:
		log.Info("outcome ignored: session already has a terminal outcome")
		return nil
	}

	s.metrics.RecordOutcome(ctx, key.Feature, string(outcome))
	return nil
}

func (s *Service) Refund(ctx context.Context, req meteringdomain.RefundRequest) (meteringdomain.RefundResult, error) {
	ctx = context.WithoutCancel(ctx)

	key := usagelogdomain.SessionKey{UserID: req.UserID, Feature: req.Feature, SessionID: req.SessionID}.Normalize()
	if !key.Valid() {
		return meteringdomain.RefundResult{Error: meteringdomain.CodeInvalidRequest}, meteringdomain.ErrInvalidRequest
	}

	ctx, span := tracing.StartSpan(ctx, "metering.Refund", tracing.AttrFeature.String(key.Feature))
	defer span.End()
	log := obslogger.WithUser(obslogger.WithContext(ctx, s.log), key.UserID).With(
		zap.String("feature", key.Feature),
		zap.String("session_id", key.SessionID),
	)

	var (
		result    meteringdomain.RefundResult
		status    string
		refundAmt int64
	)
	err := s.withRetry(ctx, log, "refund", func(ctx context.Context) error {
		result = meteringdomain.RefundResult{}
		status = ""
		refundAmt = 0

		return s.store.Atomic(ctx, func(ctx context.Context, tx storedomain.Store) error {
			accounts := s.accounts.WithRepository(tx)
			usage := s.usage.WithRepository(tx)

			entry, err := usage.FindBySessionKey(ctx, key)
			if errors.Is(err, usagelogdomain.ErrEntryNotFound) {
				status = obsmetrics.ResultNotFound
				return s.unchangedRefund(ctx, accounts, key.UserID, &result)
			}
			if err != nil {
				return err
			}

			if entry.Outcome == usagelogdomain.OutcomeSucceeded {
				status = obsmetrics.ResultSettled
				return s.unchangedRefund(ctx, accounts, key.UserID, &result)
			}

			marked, err := usage.MarkRefunded(ctx, key)
			if err != nil {
				return err
			}
			if !marked {
				status = obsmetrics.ResultAlready
				return s.unchangedRefund(ctx, accounts, key.UserID, &result)
			}

			account, err := accounts.Get(ctx, key.UserID)
			if err != nil {
				return err
			}
			if entry.Timestamp.Before(account.LastReset) {
				// The period the debit belonged to has already been restored by a reset.
				status = obsmetrics.ResultRefunded
				result = meteringdomain.RefundResult{Success: true, AvailableCredits: account.AvailableCredits, Refunded: true}
				return nil
			}

			updated, err := accounts.ApplyDelta(ctx, key.UserID, -entry.Cost)
			if err != nil {
				return err
			}
			status = obsmetrics.ResultRefunded
			refundAmt = entry.Cost
			result = meteringdomain.RefundResult{Success: true, AvailableCredits: updated.AvailableCredits, Refunded: true}
			return nil
		})
	})
	if err != nil {
		span.SetStatus(codes.Error, "refund failed")
		if errors.Is(err, meteringdomain.ErrStoreUnavailable) {
			s.metrics.RecordRefund(ctx, key.Feature, obsmetrics.ResultUnavailable, 0)
			return meteringdomain.RefundResult{Error: meteringdomain.CodeStoreUnavailable}, err
		}
		if errors.Is(err, accountdomain.ErrNegativeUsage) {
			s.metrics.RecordIntegrityAlarm(ctx, "negative_usage")
			log.Error("integrity alarm: refund would drive used credits negative", zap.Error(err))
		} else {
			log.Error("refund failed", zap.Error(err))
		}
		return meteringdomain.RefundResult{Error: meteringdomain.CodeInternal}, fmt.Errorf("refund: %w", err)
	}

	s.metrics.RecordRefund(ctx, key.Feature, status, refundAmt)
	span.SetAttributes(tracing.AttrResult.String(status))
	switch status {
	case obsmetrics.ResultNotFound:
		log.Info("refund ignored: no debit recorded for session")
	case obsmetrics.ResultAlready:
		log.Info("refund ignored: session already refunded")
	case obsmetrics.ResultSettled:
		log.Info("refund ignored: session outcome already succeeded")
	default:
		log.Info("debit refunded",
			zap.Int64("cost", refundAmt),
			zap.Int64("available_credits", result.AvailableCredits),
		)
	}
	return result, nil
}

// unchangedRefund reports the current balance for a refund that has no effect.
func (s *Service) unchangedRefund(ctx context.Context, accounts accountdomain.Service, userID string, result *meteringdomain.RefundResult) error {
	account, err := accounts.Get(ctx, userID)
	if errors.Is(err, accountdomain.ErrAccountNotFound) {
		view := accounts.DefaultView(userID)
		account = &view
	} else if err != nil {
		return err
	}
	*result = meteringdomain.RefundResult{Success: true, AvailableCredits: account.AvailableCredits, Refunded: false}
	return nil
}

func (s *Service) GetBalance(ctx context.Context, userID string) (meteringdomain.Balance, error) {
	ctx = context.WithoutCancel(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return meteringdomain.Balance{}, meteringdomain.ErrInvalidRequest
	}

	var account *accountdomain.CreditAccount
	err := s.withRetry(ctx, s.log, "get_balance", func(ctx context.Context) error {
		var err error
		account, err = s.accounts.Get(ctx, userID)
		return err
	})
	switch {
	case errors.Is(err, accountdomain.ErrAccountNotFound):
		view := s.accounts.DefaultView(userID)
		return toBalance(&view, false), nil
	case errors.Is(err, accountdomain.ErrInvalidUserID):
		return meteringdomain.Balance{}, fmt.Errorf("%w: %w", meteringdomain.ErrInvalidRequest, err)
	case err != nil:
		return meteringdomain.Balance{}, err
	}
	return toBalance(account, true), nil
}

// withRetry runs fn once plus up to maxRetries more times while it fails with a
// transient store error, waiting attempt*backoff before each retry.
func (s *Service) withRetry(ctx context.Context, log *zap.Logger, op string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !storedomain.IsTransient(err) {
			return err
		}
		if attempt > s.maxRetries {
			log.Error("store unavailable: retry budget exhausted",
				zap.String("operation", op),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return fmt.Errorf("%w: %s after %d attempts: %w", meteringdomain.ErrStoreUnavailable, op, attempt, err)
		}

		wait := time.Duration(attempt) * s.backoff
		s.metrics.RecordStoreRetry(ctx, op)
		log.Warn("transient store error, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if wait > 0 {
			s.sleep(wait)
		}
	}
}

func (s *Service) category(feature string) string {
	if entry, ok := s.catalog.Lookup(feature); ok {
		return string(entry.Category)
	}
	return "unknown"
}

func duplicateResult(entry *usagelogdomain.Entry) meteringdomain.DebitResult {
	return meteringdomain.DebitResult{
		Success:          true,
		AvailableCredits: entry.AvailableCreditsAfter,
		Cost:             entry.Cost,
		Duplicate:        true,
		EntryID:          entry.ID.String(),
	}
}

func insufficientResult(available, cost int64) meteringdomain.DebitResult {
	return meteringdomain.DebitResult{
		Success:          false,
		AvailableCredits: available,
		Cost:             cost,
		Error:            meteringdomain.CodeInsufficientCredits,
	}
}

func toBalance(account *accountdomain.CreditAccount, exists bool) meteringdomain.Balance {
	return meteringdomain.Balance{
		UserID:           account.UserID,
		PlanTier:         account.PlanTier,
		TotalCredits:     account.TotalCredits,
		UsedCredits:      account.UsedCredits,
		AvailableCredits: account.AvailableCredits,
		LastReset:        account.LastReset,
		ExpiresAt:        account.ExpiresAt,
		Exists:           exists,
	}
}
