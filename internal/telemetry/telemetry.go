// Package telemetry exports pipeline metrics and traces over OTLP. When
// disabled, every recorder is a no-op so call sites never branch.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

type telemetry struct {
	tracer         trace.Tracer
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider

	stageCounter    metric.Int64Counter
	stageDuration   metric.Float64Histogram
	fallbackCounter metric.Int64Counter
	jobCounter      metric.Int64Counter
	jobDuration     metric.Float64Histogram
	workerGauge     metric.Int64UpDownCounter
}

func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return &noopTelemetry{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter

	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := tp.Tracer(cfg.ServiceName)
	meter := otel.Meter(cfg.ServiceName)

	stageCounter, err := meter.Int64Counter("scanpipe.stages.total",
		metric.WithDescription("Total number of stage executions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	stageDuration, err := meter.Float64Histogram("scanpipe.stage.duration",
		metric.WithDescription("Stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	fallbackCounter, err := meter.Int64Counter("scanpipe.fallbacks.total",
		metric.WithDescription("Stage executions that degraded to a fallback"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	jobCounter, err := meter.Int64Counter("scanpipe.jobs.total",
		metric.WithDescription("Total number of pipeline runs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	jobDuration, err := meter.Float64Histogram("scanpipe.job.duration",
		metric.WithDescription("End-to-end pipeline duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	workerGauge, err := meter.Int64UpDownCounter("scanpipe.workers.active",
		metric.WithDescription("Number of active workers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		tracer:          tracer,
		meter:           meter,
		tracerProvider:  tp,
		stageCounter:    stageCounter,
		stageDuration:   stageDuration,
		fallbackCounter: fallbackCounter,
		jobCounter:      jobCounter,
		jobDuration:     jobDuration,
		workerGauge:     workerGauge,
	}, nil
}

func (t *telemetry) RecordStage(stage types.Stage, duration float64, outcome types.StageOutcome) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.String("stage.name", string(stage)),
		attribute.String("stage.outcome", string(outcome)),
	}

	t.stageCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.stageDuration.Record(ctx, duration, metric.WithAttributes(attrs...))
}

func (t *telemetry) RecordFallback(stage types.Stage, tool string) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.String("stage.name", string(stage)),
		attribute.String("tool.name", tool),
	}

	t.fallbackCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (t *telemetry) RecordJob(duration float64, success bool) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.Bool("job.success", success),
	}

	t.jobCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.jobDuration.Record(ctx, duration, metric.WithAttributes(attrs...))
}

func (t *telemetry) RecordWorkerMetrics(status *core.WorkerStatus) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.String("worker.id", status.ID),
		attribute.String("worker.status", status.Status),
	}

	if status.Status == "active" {
		t.workerGauge.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		t.workerGauge.Add(ctx, -1, metric.WithAttributes(attrs...))
	}
}

func (t *telemetry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

func (n *noopTelemetry) RecordStage(stage types.Stage, duration float64, outcome types.StageOutcome) {
}
func (n *noopTelemetry) RecordFallback(stage types.Stage, tool string) {}
func (n *noopTelemetry) RecordJob(duration float64, success bool)      {}
func (n *noopTelemetry) RecordWorkerMetrics(status *core.WorkerStatus) {}
func (n *noopTelemetry) Close() error                                  { return nil }

// Noop returns a disabled telemetry recorder.
func Noop() core.Telemetry {
	return &noopTelemetry{}
}
