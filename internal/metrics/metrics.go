// Package metrics wires AEGIS's RED (Rate, Errors, Duration) metrics
// through OpenTelemetry to a Prometheus-compatible /metrics endpoint.
//
// Grounded on the teacher's pkg/observability.Provider for the
// instrument set (request/error counters, duration histograms, an
// active-operations gauge) and its naming convention
// ("<service>.<noun>.<unit>"). The teacher exports over OTLP/gRPC;
// AEGIS instead uses go.opentelemetry.io/otel/exporters/prometheus, the
// pattern demonstrated in the pack's containr repo
// (pkg/observability/exporter.go), since operators want a pull-based
// /metrics scrape target rather than a push pipeline.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provider holds every instrument the PEP and PDP record against.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider

	RequestsTotal       metric.Int64Counter
	PermitsTotal        metric.Int64Counter
	DeniesTotal         metric.Int64Counter
	IndeterminatesTotal metric.Int64Counter
	ErrorsTotal         metric.Int64Counter

	DecisionLatency metric.Float64Histogram
	UpstreamLatency metric.Float64Histogram

	ActiveUpstreams metric.Int64UpDownCounter
	CacheSize       metric.Int64Gauge
	CacheHitRatio   metric.Float64Gauge
}

// New builds a Provider backed by an in-process Prometheus exporter.
// Call Handler to get the /metrics http.Handler.
func New() (*Provider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: create prometheus exporter: %w", err)
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName("aegis")))
	if err != nil {
		return nil, fmt.Errorf("metrics: build resource: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter), sdkmetric.WithResource(res))
	meter := mp.Meter("aegis")

	p := &Provider{meterProvider: mp}

	if p.RequestsTotal, err = meter.Int64Counter("aegis.requests.total",
		metric.WithDescription("Total MCP requests handled"), metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if p.PermitsTotal, err = meter.Int64Counter("aegis.decisions.permit.total",
		metric.WithDescription("Total PERMIT decisions"), metric.WithUnit("{decision}")); err != nil {
		return nil, err
	}
	if p.DeniesTotal, err = meter.Int64Counter("aegis.decisions.deny.total",
		metric.WithDescription("Total DENY decisions"), metric.WithUnit("{decision}")); err != nil {
		return nil, err
	}
	if p.IndeterminatesTotal, err = meter.Int64Counter("aegis.decisions.indeterminate.total",
		metric.WithDescription("Total INDETERMINATE decisions"), metric.WithUnit("{decision}")); err != nil {
		return nil, err
	}
	if p.ErrorsTotal, err = meter.Int64Counter("aegis.errors.total",
		metric.WithDescription("Total request-handling errors"), metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if p.DecisionLatency, err = meter.Float64Histogram("aegis.decision.latency",
		metric.WithDescription("PDP decision latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if p.UpstreamLatency, err = meter.Float64Histogram("aegis.upstream.latency",
		metric.WithDescription("Upstream MCP call latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if p.ActiveUpstreams, err = meter.Int64UpDownCounter("aegis.upstreams.active",
		metric.WithDescription("Currently registered upstreams"), metric.WithUnit("{upstream}")); err != nil {
		return nil, err
	}
	if p.CacheSize, err = meter.Int64Gauge("aegis.cache.size",
		metric.WithDescription("Decision cache entry count"), metric.WithUnit("{entry}")); err != nil {
		return nil, err
	}
	if p.CacheHitRatio, err = meter.Float64Gauge("aegis.cache.hit_ratio",
		metric.WithDescription("Decision cache hit ratio since the cache was created"), metric.WithUnit("1")); err != nil {
		return nil, err
	}

	return p, nil
}

// Handler returns the /metrics scrape endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOutcome increments the matching decision counter.
func (p *Provider) RecordOutcome(ctx context.Context, outcome string) {
	switch outcome {
	case "PERMIT":
		p.PermitsTotal.Add(ctx, 1)
	case "DENY":
		p.DeniesTotal.Add(ctx, 1)
	case "INDETERMINATE":
		p.IndeterminatesTotal.Add(ctx, 1)
	}
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.meterProvider.Shutdown(ctx)
}
