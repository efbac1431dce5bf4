package scheduler

import (
	"context"
	"fmt"

	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"go.uber.org/zap"
)

const jobLockKey = "creditmeter:scheduler:%s"

// withJobLock runs fn only on the replica holding the job lease. Without a
// configured locker every replica runs the job.
func (s *Scheduler) withJobLock(ctx context.Context, job string, fn func(ctx context.Context) error) error {
	if !s.locker.Enabled() {
		return fn(ctx)
	}

	key := fmt.Sprintf(jobLockKey, job)
	lease, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire %s lock: %w", job, err)
	}
	if lease == nil {
		obsmetrics.Scheduler().IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.logger(ctx).Debug("scheduler.job.skipped", zap.String("job", job), zap.String("reason", "lock_held"))
		return nil
	}

	defer func() {
		// Released on a fresh context so a timed-out job still frees its lease.
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger(ctx).Warn("scheduler.lock.release_failed", zap.String("job", job), zap.Error(err))
		}
	}()
	return fn(ctx)
}
