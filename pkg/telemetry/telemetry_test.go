package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/config"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/logging"
)

func TestNewDisabledUsesNoopProviders(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false}, logging.NewDefault())
	require.NoError(t, err)
	require.NotNil(t, tel.MeterProvider())

	metrics, err := tel.InitMetrics()
	require.NoError(t, err)
	require.NotNil(t, metrics.ResolutionsTotal)
}

func TestInitMetricsWithPrometheusDisabled(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: true, ServiceName: "sentinel", PrometheusEnabled: false}, logging.NewDefault())
	require.NoError(t, err)

	metrics, err := tel.InitMetrics()
	require.NoError(t, err)
	require.NotNil(t, metrics.CacheHits)
	require.NotNil(t, metrics.ProcessCPUPercent)
}
