package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/creditmeter/internal/clock"
	obscontext "github.com/smallbiznis/creditmeter/internal/observability/context"
	obslogger "github.com/smallbiznis/creditmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

// jobRun accumulates the counters of one job execution. Nested jobs share the
// run of the outermost caller.
type jobRun struct {
	id        string
	log       *zap.Logger
	startedAt time.Time
	processed int
	errors    int
}

type jobRunKey struct{}

// beginRun attaches a run to ctx and logs its start. The returned finish logs the
// summary; it is a no-op for a run inherited from ctx.
func (s *Scheduler) beginRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, func(err error)) {
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return ctx, run, func(error) {}
	}

	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx, _ = correlation.EnsureCorrelationID(ctx)
	run := &jobRun{
		id:        s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	run.log = s.logger(ctx).With(zap.String("job", job), zap.String("run_id", run.id))
	ctx = context.WithValue(ctx, jobRunKey{}, run)

	run.log.Info("scheduler.job.start", zap.Int("batch_size", batchSize))
	return ctx, run, func(err error) {
		if err != nil && run.errors == 0 {
			run.errors = 1
		}
		fields := []zap.Field{
			zap.Duration("elapsed", clock.Since(s.clock, run.startedAt)),
			zap.Int("processed_count", run.processed),
			zap.Int("error_count", run.errors),
		}
		if run.errors > 0 {
			run.log.Warn("scheduler.job.finish", fields...)
			return
		}
		run.log.Info("scheduler.job.finish", fields...)
	}
}

func (r *jobRun) addProcessed(count int) {
	if count > 0 {
		r.processed += count
	}
}

// fail logs a per-account or per-batch error without aborting the run.
func (r *jobRun) fail(msg, userID string, err error) {
	r.errors++
	r.log.Error(msg,
		zap.String("user_id", userID),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}
