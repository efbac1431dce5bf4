package scheduler

import (
	"context"

	"github.com/smallbiznis/creditmeter/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig, New),
	fx.Invoke(Start),
)

// Start runs the reset and reconcile loop for the lifetime of the app when
// SCHEDULER_ENABLED is set.
func Start(lc fx.Lifecycle, cfg config.Config, sched *Scheduler, log *zap.Logger) {
	if !cfg.Scheduler.Enabled {
		log.Info("scheduler disabled")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.StartStopHook(
		func() { go sched.RunForever(ctx) },
		cancel,
	))
}
