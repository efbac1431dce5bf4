package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/config"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyDebitUser = "creditmeter:debit:user:%s"

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Client  *redis.Client       `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// DebitLimiter throttles debit attempts per user ahead of the metering engine.
type DebitLimiter struct {
	enabled bool
	log     *zap.Logger
	bucket  *TokenBucket
	metrics *obsmetrics.Metrics
	rate    float64
	burst   int
}

func NewDebitLimiter(p Params) (*DebitLimiter, error) {
	log := p.Log.Named("ratelimit.debit")
	limitCfg := p.Cfg.RateLimit
	if !limitCfg.Enabled {
		return &DebitLimiter{log: log}, nil
	}
	if p.Client == nil {
		return nil, errors.New("rate limit requires REDIS_ADDR")
	}
	if limitCfg.DebitRate <= 0 || limitCfg.DebitBurst <= 0 {
		return nil, errors.New("debit rate limit must be positive")
	}

	log.Info("debit rate limit enabled",
		zap.Float64("rate", limitCfg.DebitRate),
		zap.Int("burst", limitCfg.DebitBurst),
	)
	return &DebitLimiter{
		enabled: true,
		log:     log,
		bucket:  NewTokenBucket(p.Client),
		metrics: p.Metrics,
		rate:    limitCfg.DebitRate,
		burst:   limitCfg.DebitBurst,
	}, nil
}

func (l *DebitLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowUser fails open when redis is unreachable: metering correctness never
// depends on the limiter.
func (l *DebitLimiter) AllowUser(ctx context.Context, userID string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}

	userID = strings.TrimSpace(userID)
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyDebitUser, userID), l.rate, l.burst)
	if err != nil {
		l.log.Warn("debit rate limit check failed, allowing request", zap.String("user_id", userID), zap.Error(err))
		l.metrics.RecordRateLimitAllowed(ctx, "debit")
		return Result{Allowed: true, Limit: l.burst}, nil
	}
	if !res.Allowed {
		l.metrics.RecordRateLimitDenied(ctx, "debit", "user_bucket_empty")
		return res, nil
	}
	l.metrics.RecordRateLimitAllowed(ctx, "debit")
	return res, nil
}
