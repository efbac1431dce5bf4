package scheduler

import (
	"context"
	"errors"

	accountdomain "github.com/smallbiznis/creditmeter/internal/account/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	driftOver  = "over"
	driftUnder = "under"
)

// ResetDueAccountsJob restores every account whose period has expired. Each reset
// is a guarded write, so an account reset concurrently by another path is skipped.
func (s *Scheduler) ResetDueAccountsJob(ctx context.Context) error {
	ctx, run, finish := s.beginRun(ctx, JobResetDueAccounts, s.cfg.BatchSize)
	defer finish(nil)
	now := s.clock.Now()
	var jobErr error

	after := ""
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		due, err := s.accountRepo.ListAccountsDueForReset(ctx, now, after, s.cfg.BatchSize)
		if err != nil {
			run.fail("scheduler.reset.list_failed", "", err)
			return errors.Join(jobErr, err)
		}
		if len(due) == 0 {
			break
		}

		processed := 0
		for _, account := range due {
			after = account.UserID
			reset, err := s.accounts.Reset(ctx, account.UserID)
			switch {
			case errors.Is(err, accountdomain.ErrResetNotDue):
				continue
			case err != nil:
				jobErr = errors.Join(jobErr, err)
				run.fail("scheduler.reset.failed", account.UserID, err)
				continue
			}
			processed++
			run.log.Debug("scheduler.account.reset",
				zap.String("user_id", reset.UserID),
				zap.Int64("total_credits", reset.TotalCredits),
			)
		}
		run.addProcessed(processed)
		obsmetrics.Scheduler().AddBatchProcessed(JobResetDueAccounts, "credit_accounts", processed)

		if len(due) < s.cfg.BatchSize {
			break
		}
	}

	return jobErr
}

// ReconcileLedgerJob compares each account's used credits with the active usage
// entries of its current period. It only reports; it never corrects balances.
func (s *Scheduler) ReconcileLedgerJob(ctx context.Context) error {
	ctx, run, finish := s.beginRun(ctx, JobReconcileLedger, s.cfg.BatchSize)
	defer finish(nil)
	var jobErr error

	after := ""
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		accounts, err := s.accountRepo.ListAccounts(ctx, after, s.cfg.BatchSize)
		if err != nil {
			run.fail("scheduler.reconcile.list_failed", "", err)
			return errors.Join(jobErr, err)
		}
		if len(accounts) == 0 {
			break
		}

		for _, account := range accounts {
			after = account.UserID
			if err := s.reconcileAccount(ctx, account); err != nil {
				jobErr = errors.Join(jobErr, err)
				run.fail("scheduler.reconcile.failed", account.UserID, err)
			}
		}
		run.addProcessed(len(accounts))
		obsmetrics.Scheduler().AddBatchProcessed(JobReconcileLedger, "credit_accounts", len(accounts))

		if len(accounts) < s.cfg.BatchSize {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) reconcileAccount(ctx context.Context, account accountdomain.CreditAccount) error {
	log := s.logger(ctx).With(zap.String("user_id", account.UserID))

	if !account.Consistent() {
		s.metrics.RecordIntegrityAlarm(ctx, "balance_identity")
		log.Error("integrity alarm: account balance identity violated",
			zap.Int64("total_credits", account.TotalCredits),
			zap.Int64("used_credits", account.UsedCredits),
			zap.Int64("available_credits", account.AvailableCredits),
		)
	}

	ledgerUsed, err := s.usage.SumActiveCost(ctx, account.UserID, account.LastReset)
	if err != nil {
		return err
	}
	if ledgerUsed == account.UsedCredits {
		return nil
	}

	// A debit or refund may have committed between the two reads; confirm once.
	current, err := s.accounts.Get(ctx, account.UserID)
	if err != nil {
		return err
	}
	ledgerUsed, err = s.usage.SumActiveCost(ctx, current.UserID, current.LastReset)
	if err != nil {
		return err
	}
	if ledgerUsed == current.UsedCredits {
		return nil
	}
	account = *current

	direction := driftUnder
	if account.UsedCredits > ledgerUsed {
		direction = driftOver
	}
	obsmetrics.Scheduler().IncLedgerDrift(direction)
	s.metrics.RecordIntegrityAlarm(ctx, "ledger_drift")
	log.Error("integrity alarm: used credits disagree with usage log",
		zap.String("direction", direction),
		zap.Int64("used_credits", account.UsedCredits),
		zap.Int64("ledger_credits", ledgerUsed),
	)
	return nil
}
