package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestGinMiddlewareCountsByRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reader := sdkmetric.NewManualReader()
	m, err := NewHTTPMetrics(Config{}, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	r := gin.New()
	r.Use(GinMiddleware(m))
	r.GET("/v1/credits/balance/:user_id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	for _, path := range []string{"/v1/credits/balance/u-1", "/v1/credits/balance/u-2", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	byEndpoint := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, instrument := range scope.Metrics {
			if instrument.Name != "creditmeter_http_requests_total" {
				continue
			}
			for _, point := range instrument.Data.(metricdata.Sum[int64]).DataPoints {
				endpoint, _ := point.Attributes.Value("endpoint")
				byEndpoint[endpoint.AsString()] += point.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{
		"/v1/credits/balance/:user_id": 2,
		"unmatched":                    1,
	}, byEndpoint)
}

func TestGinMiddlewareNilMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware(nil))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
