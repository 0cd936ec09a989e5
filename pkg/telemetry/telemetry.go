// Package telemetry wires up the OpenTelemetry metrics pipeline and the
// Prometheus exporter used across the project.
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

	"dns-agent/pkg/config"
	"dns-agent/pkg/logging"
)

// Telemetry holds the meter provider and the Prometheus scrape endpoint.
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds all application metrics. A nil *Metrics is safe to pass
// around; the helper methods no-op on it.
type Metrics struct {
	QueriesTotal       metric.Int64Counter
	QueryDuration      metric.Float64Histogram
	BlockedQueries     metric.Int64Counter
	WhitelistedQueries metric.Int64Counter
	ForwardedQueries   metric.Int64Counter
	FailedQueries      metric.Int64Counter
	MalformedDropped   metric.Int64Counter
	RateLimitedQueries metric.Int64Counter

	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter
	CacheSize   metric.Int64UpDownCounter

	BlocklistSize metric.Int64UpDownCounter

	StorageQueriesDropped metric.Int64Counter
}

// New creates a telemetry instance. With telemetry disabled every metric
// is backed by a no-op provider, so call sites never branch.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
	)

	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("failed to start prometheus server: %w", err)
	}

	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics creates every instrument on the active meter provider.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("dns-agent")

	queriesTotal, err := meter.Int64Counter(
		"dns.queries.total",
		metric.WithDescription("Total number of DNS queries received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	queryDuration, err := meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	blockedQueries, err := meter.Int64Counter(
		"dns.queries.blocked",
		metric.WithDescription("Number of DNS queries answered from the blocklist"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocked queries counter: %w", err)
	}

	whitelistedQueries, err := meter.Int64Counter(
		"dns.queries.whitelisted",
		metric.WithDescription("Number of DNS queries exempted by the allow list"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create whitelisted queries counter: %w", err)
	}

	forwardedQueries, err := meter.Int64Counter(
		"dns.queries.forwarded",
		metric.WithDescription("Number of DNS queries forwarded upstream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwarded queries counter: %w", err)
	}

	failedQueries, err := meter.Int64Counter(
		"dns.queries.failed",
		metric.WithDescription("Number of DNS queries answered with SERVFAIL"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failed queries counter: %w", err)
	}

	malformedDropped, err := meter.Int64Counter(
		"dns.queries.malformed",
		metric.WithDescription("Number of malformed packets dropped without a response"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create malformed counter: %w", err)
	}

	rateLimitedQueries, err := meter.Int64Counter(
		"dns.queries.ratelimited",
		metric.WithDescription("Number of DNS queries rejected by per-client rate limiting"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limited counter: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"dns.cache.hits",
		metric.WithDescription("Number of DNS cache hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"dns.cache.misses",
		metric.WithDescription("Number of DNS cache misses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	cacheSize, err := meter.Int64UpDownCounter(
		"dns.cache.size",
		metric.WithDescription("Number of entries in the DNS cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache size gauge: %w", err)
	}

	blocklistSize, err := meter.Int64UpDownCounter(
		"blocklist.size",
		metric.WithDescription("Number of patterns in the active blocklist"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocklist size gauge: %w", err)
	}

	storageQueriesDropped, err := meter.Int64Counter(
		"storage.queries.dropped",
		metric.WithDescription("Number of query log entries dropped due to a full buffer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage queries dropped counter: %w", err)
	}

	return &Metrics{
		QueriesTotal:          queriesTotal,
		QueryDuration:         queryDuration,
		BlockedQueries:        blockedQueries,
		WhitelistedQueries:    whitelistedQueries,
		ForwardedQueries:      forwardedQueries,
		FailedQueries:         failedQueries,
		MalformedDropped:      malformedDropped,
		RateLimitedQueries:    rateLimitedQueries,
		CacheHits:             cacheHits,
		CacheMisses:           cacheMisses,
		CacheSize:             cacheSize,
		BlocklistSize:         blocklistSize,
		StorageQueriesDropped: storageQueriesDropped,
	}, nil
}

// MeterProvider returns the active meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// AddDroppedQuery implements storage.MetricsRecorder without an import
// cycle between storage and telemetry.
func (m *Metrics) AddDroppedQuery(ctx context.Context, count int64) {
	if m != nil && m.StorageQueriesDropped != nil {
		m.StorageQueriesDropped.Add(ctx, count)
	}
}

// Shutdown stops the Prometheus server and flushes the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
