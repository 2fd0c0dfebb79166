package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/jonathan/company-intel"

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// Metrics records collection run instruments. A nil *Metrics records nothing.
type Metrics struct {
	runsStarted   metric.Int64Counter
	runsFinished  metric.Int64Counter
	activeRuns    metric.Int64UpDownCounter
	runDuration   metric.Float64Histogram
	stageDuration metric.Float64Histogram
	pagesScraped  metric.Int64Counter
	chatRequests  metric.Int64Counter
}

// NewMetrics creates the run instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates the run instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.runsStarted, err = meter.Int64Counter("company_intel_runs_started",
		metric.WithDescription("Collection runs started")); err != nil {
		return nil, fmt.Errorf("failed to create runs_started counter: %w", err)
	}
	if m.runsFinished, err = meter.Int64Counter("company_intel_runs_finished",
		metric.WithDescription("Collection runs finished, by terminal status")); err != nil {
		return nil, fmt.Errorf("failed to create runs_finished counter: %w", err)
	}
	if m.activeRuns, err = meter.Int64UpDownCounter("company_intel_active_runs",
		metric.WithDescription("Collection runs currently executing")); err != nil {
		return nil, fmt.Errorf("failed to create active_runs counter: %w", err)
	}
	if m.runDuration, err = meter.Float64Histogram("company_intel_run_duration_seconds",
		metric.WithDescription("Wall time of collection runs"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create run_duration histogram: %w", err)
	}
	if m.stageDuration, err = meter.Float64Histogram("company_intel_stage_duration_seconds",
		metric.WithDescription("Wall time of pipeline stages"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create stage_duration histogram: %w", err)
	}
	if m.pagesScraped, err = meter.Int64Counter("company_intel_pages_scraped",
		metric.WithDescription("Pages scraped, by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create pages_scraped counter: %w", err)
	}
	if m.chatRequests, err = meter.Int64Counter("company_intel_chat_requests",
		metric.WithDescription("Chat requests, by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create chat_requests counter: %w", err)
	}
	return &m, nil
}

// RunStarted counts a new run.
func (m *Metrics) RunStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1)
	m.activeRuns.Add(ctx, 1)
}

// RunFinished records the terminal status and duration of a run.
func (m *Metrics) RunFinished(ctx context.Context, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.runsFinished.Add(ctx, 1, attrs)
	m.activeRuns.Add(ctx, -1)
	m.runDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// StageCompleted records how long a pipeline stage took.
func (m *Metrics) StageCompleted(ctx context.Context, stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// PagesScraped counts scrape outcomes.
func (m *Metrics) PagesScraped(ctx context.Context, succeeded, failed int) {
	if m == nil {
		return
	}
	if succeeded > 0 {
		m.pagesScraped.Add(ctx, int64(succeeded), metric.WithAttributes(attribute.String("outcome", "success")))
	}
	if failed > 0 {
		m.pagesScraped.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("outcome", "failure")))
	}
}

// ChatFinished counts a chat request by outcome.
func (m *Metrics) ChatFinished(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.chatRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
