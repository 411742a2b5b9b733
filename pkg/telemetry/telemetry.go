// Package telemetry wires OpenTelemetry metrics (exported via Prometheus)
// for Sentinel's resolution, policy, cluster, and blocklist concerns.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/config"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/logging"
)

// Telemetry owns the meter provider, the Prometheus exporter, and the
// HTTP server that serves /metrics.
type Telemetry struct {
	cfg                config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds every instrument Sentinel's components record against.
type Metrics struct {
	ResolutionsTotal    metric.Int64Counter
	ResolutionsByStatus metric.Int64Counter
	ResolutionsByType   metric.Int64Counter
	ResolutionDuration  metric.Float64Histogram

	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter
	CacheSize   metric.Int64UpDownCounter

	PolicyRefreshDuration metric.Float64Histogram
	PolicyRefreshErrors   metric.Int64Counter
	ActiveBlocklistRules  metric.Int64UpDownCounter

	BlocklistRefreshTotal  metric.Int64Counter
	BlocklistRefreshErrors metric.Int64Counter

	ClusterSyncTotal  metric.Int64Counter
	ClusterSyncErrors metric.Int64Counter

	QueryLogDropped metric.Int64Counter

	ProcessCPUPercent metric.Float64ObservableGauge
	ProcessRSSBytes   metric.Int64ObservableGauge
}

// New builds a Telemetry instance. When disabled, every provider is a
// no-op so instrument creation never fails.
func New(ctx context.Context, cfg config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{cfg: cfg, logger: logger, tracerProvider: tracenoop.NewTracerProvider()}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("setting up metrics: %w", err)
	}

	otel.SetTracerProvider(t.tracerProvider)
	logger.Info("telemetry initialized", "service", cfg.ServiceName, "prometheus", cfg.PrometheusEnabled)
	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("creating prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	t.startPrometheusServer()
	return nil
}

func (t *Telemetry) startPrometheusServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("prometheus server failed", "error", err)
		}
	}()
}

// InitMetrics creates every instrument Sentinel records against.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("sentinel")
	m := &Metrics{}

	var err error
	if m.ResolutionsTotal, err = meter.Int64Counter("sentinel.resolutions.total", metric.WithDescription("total DNS queries resolved")); err != nil {
		return nil, err
	}
	if m.ResolutionsByStatus, err = meter.Int64Counter("sentinel.resolutions.by_status", metric.WithDescription("resolutions by decision status")); err != nil {
		return nil, err
	}
	if m.ResolutionsByType, err = meter.Int64Counter("sentinel.resolutions.by_type", metric.WithDescription("resolutions by query type")); err != nil {
		return nil, err
	}
	if m.ResolutionDuration, err = meter.Float64Histogram("sentinel.resolution.duration", metric.WithDescription("resolve duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.CacheHits, err = meter.Int64Counter("sentinel.cache.hits"); err != nil {
		return nil, err
	}
	if m.CacheMisses, err = meter.Int64Counter("sentinel.cache.misses"); err != nil {
		return nil, err
	}
	if m.CacheSize, err = meter.Int64UpDownCounter("sentinel.cache.size"); err != nil {
		return nil, err
	}
	if m.PolicyRefreshDuration, err = meter.Float64Histogram("sentinel.policy.refresh.duration", metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.PolicyRefreshErrors, err = meter.Int64Counter("sentinel.policy.refresh.errors"); err != nil {
		return nil, err
	}
	if m.ActiveBlocklistRules, err = meter.Int64UpDownCounter("sentinel.policy.blocklist_rules"); err != nil {
		return nil, err
	}
	if m.BlocklistRefreshTotal, err = meter.Int64Counter("sentinel.blocklist.refresh.total"); err != nil {
		return nil, err
	}
	if m.BlocklistRefreshErrors, err = meter.Int64Counter("sentinel.blocklist.refresh.errors"); err != nil {
		return nil, err
	}
	if m.ClusterSyncTotal, err = meter.Int64Counter("sentinel.cluster.sync.total"); err != nil {
		return nil, err
	}
	if m.ClusterSyncErrors, err = meter.Int64Counter("sentinel.cluster.sync.errors"); err != nil {
		return nil, err
	}
	if m.QueryLogDropped, err = meter.Int64Counter("sentinel.querylog.dropped"); err != nil {
		return nil, err
	}
	if m.ProcessCPUPercent, err = meter.Float64ObservableGauge("sentinel.process.cpu_percent"); err != nil {
		return nil, err
	}
	if m.ProcessRSSBytes, err = meter.Int64ObservableGauge("sentinel.process.rss_bytes"); err != nil {
		return nil, err
	}

	return m, nil
}

// MeterProvider returns the underlying provider for registering additional
// observable instruments (e.g. the process sampler).
func (t *Telemetry) MeterProvider() metric.MeterProvider { return t.meterProvider }

// TracerProvider returns the (currently no-op) tracer provider.
func (t *Telemetry) TracerProvider() trace.TracerProvider { return t.tracerProvider }

// Shutdown gracefully stops the Prometheus server and SDK meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down prometheus server: %w", err)
		}
	}
	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down meter provider: %w", err)
		}
	}
	t.logger.Info("telemetry shut down")
	return nil
}
