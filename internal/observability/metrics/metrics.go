package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes credit metering instruments.
type Metrics struct {
	debits           metric.Int64Counter
	debitedCredits   metric.Int64Counter
	refunds          metric.Int64Counter
	refundedCredits  metric.Int64Counter
	outcomes         metric.Int64Counter
	storeRetries     metric.Int64Counter
	integrityAlarms  metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the metering instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditmeter"
	}
	meter := provider.Meter(name)

	counters := map[string]*metric.Int64Counter{}
	m := &Metrics{}
	counters["creditmeter_debits_total"] = &m.debits
	counters["creditmeter_debited_credits_total"] = &m.debitedCredits
	counters["creditmeter_refunds_total"] = &m.refunds
	counters["creditmeter_refunded_credits_total"] = &m.refundedCredits
	counters["creditmeter_outcomes_total"] = &m.outcomes
	counters["creditmeter_store_retries_total"] = &m.storeRetries
	counters["creditmeter_integrity_alarms_total"] = &m.integrityAlarms
	counters["creditmeter_rate_limit_allowed_total"] = &m.rateLimitAllowed
	counters["creditmeter_rate_limit_denied_total"] = &m.rateLimitDenied

	for instrument, target := range counters {
		counter, err := meter.Int64Counter(instrument)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", instrument, err)
		}
		*target = counter
	}
	return m, nil
}

// RecordDebit counts a debit attempt by feature and result code.
func (m *Metrics) RecordDebit(ctx context.Context, feature, category, result string, cost int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature", strings.TrimSpace(feature)),
		attribute.String("category", strings.TrimSpace(category)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.debits.Add(ctx, 1, metric.WithAttributes(attrs...))
	if result == ResultCharged && cost > 0 {
		m.debitedCredits.Add(ctx, cost, metric.WithAttributes(attrs...))
	}
}

// RecordRefund counts a refund attempt by feature and result code.
func (m *Metrics) RecordRefund(ctx context.Context, feature, result string, cost int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature", strings.TrimSpace(feature)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.refunds.Add(ctx, 1, metric.WithAttributes(attrs...))
	if result == ResultRefunded && cost > 0 {
		m.refundedCredits.Add(ctx, cost, metric.WithAttributes(attrs...))
	}
}

// RecordOutcome counts terminal outcomes reported by feature executors.
func (m *Metrics) RecordOutcome(ctx context.Context, feature, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature", strings.TrimSpace(feature)),
		attribute.String("result", strings.TrimSpace(outcome)),
	)
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStoreRetry counts a retried store operation.
func (m *Metrics) RecordStoreRetry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.storeRetries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordIntegrityAlarm counts a detected balance/ledger inconsistency.
func (m *Metrics) RecordIntegrityAlarm(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.integrityAlarms.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

const (
	ResultCharged      = "charged"
	ResultFree         = "free"
	ResultDuplicate    = "duplicate"
	ResultInsufficient = "insufficient_credits"
	ResultUnknown      = "unknown_feature"
	ResultUnavailable  = "store_unavailable"
	ResultRefunded     = "refunded"
	ResultNotFound     = "not_found"
	ResultAlready      = "already_refunded"
	ResultSettled      = "settled"
)

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// user_id is never a metric label.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"feature":      {},
	"category":     {},
	"plan_tier":    {},
	"result":       {},
	"operation":    {},
	"endpoint":     {},
	"status_code":  {},
	"status_class": {},
	"reason":       {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
