package metrics

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// HTTPMetrics records per-route request counts, latency and concurrency.
type HTTPMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func NewHTTPMetrics(cfg Config, provider metric.MeterProvider) (*HTTPMetrics, error) {
	meter := provider.Meter(valueOr(cfg.ServiceName, "creditmeter") + "/http")

	requests, err := meter.Int64Counter("creditmeter_http_requests_total")
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("creditmeter_http_request_duration_seconds",
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(httpDurationBuckets...),
	)
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter("creditmeter_http_in_flight")
	if err != nil {
		return nil, err
	}
	return &HTTPMetrics{requests: requests, duration: duration, inFlight: inFlight}, nil
}

// GinMiddleware records every request under its route template. A nil receiver
// turns the middleware into a pass-through.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		ctx := c.Request.Context()
		route := attribute.String("endpoint", routeLabel(c.FullPath()))
		m.inFlight.Add(ctx, 1, metric.WithAttributes(route))
		defer m.inFlight.Add(ctx, -1, metric.WithAttributes(route))

		c.Next()

		m.observe(ctx, route, c.Writer.Status(), time.Since(start))
	}
}

func (m *HTTPMetrics) observe(ctx context.Context, route attribute.KeyValue, status int, elapsed time.Duration) {
	attrs := metric.WithAttributes(FilterAttributes(
		route,
		attribute.String("status_code", strconv.Itoa(status)),
		attribute.String("status_class", strconv.Itoa(status/100)+"xx"),
	)...)
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func routeLabel(route string) string {
	if route = strings.TrimSpace(route); route == "" {
		return "unmatched"
	}
	return route
}
