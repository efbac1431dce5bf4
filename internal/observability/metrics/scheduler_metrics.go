package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"gorm.io/gorm"
)

// Error types used in scheduler logs.
const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

// Reasons used as the scheduler error counter label.
const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonTransient            = "transient"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonLockHeld = "lock_held"
)

const schedulerNamespace = "creditmeter"

var (
	jobDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}
	runLoopLagBuckets  = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}
)

// SchedulerMetrics tracks reset and reconcile job health.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	batchDeferred  *prometheus.CounterVec
	runLoopLag     prometheus.Histogram
	ledgerDrift    *prometheus.CounterVec
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the process-wide scheduler metrics.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig registers the scheduler metrics on first use, labelled with
// the service and environment from cfg.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := prometheus.Labels{
		"service": valueOr(cfg.ServiceName, "creditmeter"),
		"env":     valueOr(cfg.Environment, "unknown"),
	}
	factory := promauto.With(registerer)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   schedulerNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}

	return &SchedulerMetrics{
		jobRuns:        counter("scheduler_job_runs_total", "Scheduler job runs.", "job"),
		jobTimeouts:    counter("scheduler_job_timeouts_total", "Scheduler jobs that hit their deadline.", "job"),
		jobErrors:      counter("scheduler_job_errors_total", "Scheduler job failures by reason.", "job", "reason"),
		batchProcessed: counter("scheduler_batch_processed_total", "Rows handled by scheduler batches.", "job", "resource"),
		batchDeferred:  counter("scheduler_batch_deferred_total", "Scheduler batches skipped by reason.", "job", "reason"),
		ledgerDrift:    counter("ledger_drift_total", "Accounts whose used credits disagree with their active usage entries.", "direction"),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   schedulerNamespace,
			Name:        "scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     jobDurationBuckets,
			ConstLabels: constLabels,
		}, []string{"job"}),
		runLoopLag: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   schedulerNamespace,
			Name:        "scheduler_runloop_lag_seconds",
			Help:        "Delay between a scheduler tick and the loop picking it up.",
			Buckets:     runLoopLagBuckets,
			ConstLabels: constLabels,
		}),
	}
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m != nil {
		m.jobRuns.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m != nil {
		m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	}
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m != nil {
		m.jobTimeouts.WithLabelValues(job).Inc()
	}
}

// IncJobError counts a failed job run under its classified reason.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m != nil && err != nil {
		m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
	}
}

func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m != nil && count > 0 {
		m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
	}
}

func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m != nil {
		m.batchDeferred.WithLabelValues(job, reason).Inc()
	}
}

func (m *SchedulerMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m != nil {
		m.runLoopLag.Observe(max(lag, 0).Seconds())
	}
}

// IncLedgerDrift counts an account found out of sync with its ledger. direction
// is "over" when used credits exceed the ledger sum and "under" otherwise.
func (m *SchedulerMetrics) IncLedgerDrift(direction string) {
	if m != nil {
		m.ledgerDrift.WithLabelValues(direction).Inc()
	}
}

// ClassifySchedulerErrorType buckets a job error for logs.
func ClassifySchedulerErrorType(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case isContextErr(err):
		return SchedulerErrorTypeDeadlineExceeded
	case isDBError(err):
		return SchedulerErrorTypeDB
	default:
		return SchedulerErrorTypeBusinessRule
	}
}

// IsSchedulerErrorRetryable reports whether the next tick may succeed where this one failed.
func IsSchedulerErrorRetryable(err error) bool {
	return err != nil && (isContextErr(err) || db.IsTransientErr(err))
}

// ClassifySchedulerJobReason maps a job error to a metric label.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case isContextErr(err):
		return SchedulerJobReasonDeadlineExceeded
	case pgCode(err) == "55P03":
		return SchedulerJobReasonDBLockTimeout
	case pgCode(err) == "40001":
		return SchedulerJobReasonSerializationFailure
	case db.IsDuplicateKeyErr(err):
		return SchedulerJobReasonUniqueViolation
	case db.IsTransientErr(err):
		return SchedulerJobReasonTransient
	default:
		return SchedulerJobReasonUnknown
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isDBError(err error) bool {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false
	case errors.Is(err, gorm.ErrInvalidDB),
		errors.Is(err, gorm.ErrInvalidTransaction),
		errors.Is(err, gorm.ErrInvalidData),
		errors.Is(err, gorm.ErrMissingWhereClause),
		errors.Is(err, gorm.ErrDuplicatedKey):
		return true
	}
	return db.IsTransientErr(err) || pgCode(err) != ""
}

func valueOr(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}
