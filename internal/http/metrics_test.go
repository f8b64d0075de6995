package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func TestHTTPMetrics_Middleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newHTTPMetrics(mp.Meter(instrumentationName), zap.NewNop())

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/mistakes/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("id"))
	})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot, "nope")
	})

	for _, target := range []string{"/api/v1/mistakes/a", "/api/v1/mistakes/b", "/boom", "/nowhere"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if target == "/boom" {
			assert.Equal(t, http.StatusTeapot, rec.Code)
		}
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	statuses := map[string]int64{}
	var sawDuration bool
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			switch metric.Name {
			case "preventd.http.requests_total":
				sum, ok := metric.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					route, _ := dp.Attributes.Value(attribute.Key("route"))
					status, _ := dp.Attributes.Value(attribute.Key("status"))
					counts[route.AsString()] += dp.Value
					statuses[route.AsString()] = status.AsInt64()
				}
			case "preventd.http.request_duration_seconds":
				sawDuration = true
			}
		}
	}

	assert.Equal(t, int64(2), counts["/api/v1/mistakes/:id"], "path parameters share one route label")
	assert.Equal(t, int64(http.StatusTeapot), statuses["/boom"])
	assert.True(t, sawDuration)
	assert.NotContains(t, counts, "/api/v1/mistakes/a")
}

func TestRouteOf(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	assert.Equal(t, "unmatched", routeOf(c))

	c.SetPath("/api/v1/rules")
	assert.Equal(t, "/api/v1/rules", routeOf(c))
}
