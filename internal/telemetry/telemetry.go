package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Job pipeline
	jobsAdmitted   metric.Int64Counter
	jobsFinished   metric.Int64Counter
	jobsActive     metric.Int64UpDownCounter
	jobDuration    metric.Float64Histogram
	engineOpsTotal metric.Int64Counter
	engineErrors   metric.Int64Counter

	// Storage backend
	uploadsTotal    metric.Int64Counter
	uploadsActive   metric.Int64UpDownCounter
	uploadDuration  metric.Float64Histogram
	uploadBytes     metric.Int64Counter
	chunksTotal     metric.Int64Counter
	replansTotal    metric.Int64Counter
	archivesTotal   metric.Int64Counter
	statusRenders   metric.Int64Counter
	dbOperations    metric.Int64Counter
	dbOperationTime metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables a second, push based metric exporter when set.
	OTLPEndpoint string
}

// New creates a new telemetry instance. A disabled configuration returns a
// Telemetry whose helpers only run the wrapped functions.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	opts := []sdkmetric.Option{
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("noop")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

func (t *Telemetry) add(c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if t == nil || c == nil {
		return
	}

	c.Add(context.Background(), n, metric.WithAttributes(attrs...))
}

func (t *Telemetry) upDown(c metric.Int64UpDownCounter, n int64) {
	if t == nil || c == nil {
		return
	}

	c.Add(context.Background(), n)
}

func (t *Telemetry) record(h metric.Float64Histogram, v float64, attrs ...attribute.KeyValue) {
	if t == nil || h == nil {
		return
	}

	h.Record(context.Background(), v, metric.WithAttributes(attrs...))
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	}

	t.add(t.httpRequestsTotal, 1, attrs...)
	t.record(t.httpRequestDuration, duration.Seconds(), attrs...)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t == nil {
		return
	}

	t.upDown(t.httpRequestsInFlight, 1)
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t == nil {
		return
	}

	t.upDown(t.httpRequestsInFlight, -1)
}

// RecordJobAdmitted counts a job accepted by the engine.
func (t *Telemetry) RecordJobAdmitted(engine string) {
	if t == nil {
		return
	}

	t.add(t.jobsAdmitted, 1, attribute.String("engine", engine))
	t.upDown(t.jobsActive, 1)
}

// RecordJobFinished counts a job reaching a terminal outcome
// (uploaded, failed, cancelled).
func (t *Telemetry) RecordJobFinished(outcome string, duration time.Duration) {
	if t == nil {
		return
	}

	t.add(t.jobsFinished, 1, attribute.String("outcome", outcome))
	t.upDown(t.jobsActive, -1)
	t.record(t.jobDuration, duration.Seconds(), attribute.String("outcome", outcome))
}

// RecordEngineOperation records a download engine call.
func (t *Telemetry) RecordEngineOperation(engine, operation, status string) {
	if t == nil {
		return
	}

	t.add(t.engineOpsTotal, 1,
		attribute.String("engine", engine),
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if status == "error" {
		t.add(t.engineErrors, 1,
			attribute.String("engine", engine),
			attribute.String("operation", operation),
		)
	}
}

// RecordUpload records a finished single-file upload.
func (t *Telemetry) RecordUpload(status string, bytes int64, duration time.Duration) {
	if t == nil {
		return
	}

	t.add(t.uploadsTotal, 1, attribute.String("status", status))
	t.record(t.uploadDuration, duration.Seconds(), attribute.String("status", status))

	if status == "success" {
		t.add(t.uploadBytes, bytes)
	}
}

// RecordChunk records one chunk PUT.
func (t *Telemetry) RecordChunk(status string) {
	if t == nil {
		return
	}

	t.add(t.chunksTotal, 1, attribute.String("status", status))
}

// RecordReplan records a chunk plan recomputed after a range mismatch.
func (t *Telemetry) RecordReplan() {
	if t == nil {
		return
	}

	t.add(t.replansTotal, 1)
}

// RecordArchive records an archival decision (archived, skipped, fallback).
func (t *Telemetry) RecordArchive(outcome string) {
	if t == nil {
		return
	}

	t.add(t.archivesTotal, 1, attribute.String("outcome", outcome))
}

// RecordStatusRender records a status message render (unchanged, edited, sent, error).
func (t *Telemetry) RecordStatusRender(result string) {
	if t == nil {
		return
	}

	t.add(t.statusRenders, 1, attribute.String("result", result))
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status", status),
	}

	t.add(t.dbOperations, 1, attrs...)
	t.record(t.dbOperationTime, duration.Seconds(), attrs...)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t == nil {
		return
	}

	t.add(t.systemErrors, 1,
		attribute.String("component", component),
		attribute.String("error_type", errorType),
	)
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	return t.meterProvider.Shutdown(ctx)
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&t.httpRequestsTotal, "http_requests_total", "Total number of HTTP requests"},
		{&t.jobsAdmitted, "jobs_admitted_total", "Total number of jobs admitted"},
		{&t.jobsFinished, "jobs_finished_total", "Total number of jobs that reached a terminal outcome"},
		{&t.engineOpsTotal, "engine_operations_total", "Total number of download engine operations"},
		{&t.engineErrors, "engine_errors_total", "Total number of download engine errors"},
		{&t.uploadsTotal, "uploads_total", "Total number of file uploads"},
		{&t.uploadBytes, "upload_bytes_total", "Total number of bytes uploaded"},
		{&t.chunksTotal, "upload_chunks_total", "Total number of upload chunks sent"},
		{&t.replansTotal, "upload_replans_total", "Total number of chunk plans recomputed after a range mismatch"},
		{&t.archivesTotal, "archives_total", "Total number of archival decisions"},
		{&t.statusRenders, "status_renders_total", "Total number of status renders"},
		{&t.dbOperations, "db_operations_total", "Total number of database operations"},
		{&t.systemErrors, "system_errors_total", "Total number of system errors"},
	}

	for _, c := range counters {
		*c.dst, err = t.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	upDowns := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&t.httpRequestsInFlight, "http_requests_in_flight", "Number of HTTP requests currently being processed"},
		{&t.jobsActive, "jobs_active", "Number of jobs currently tracked"},
		{&t.uploadsActive, "uploads_active", "Number of uploads in progress"},
	}

	for _, u := range upDowns {
		*u.dst, err = t.meter.Int64UpDownCounter(u.name, metric.WithDescription(u.desc), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", u.name, err)
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&t.httpRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds"},
		{&t.jobDuration, "job_duration_seconds", "Time from admission to terminal outcome in seconds"},
		{&t.uploadDuration, "upload_duration_seconds", "File upload duration in seconds"},
		{&t.dbOperationTime, "db_operation_duration_seconds", "Database operation duration in seconds"},
	}

	for _, h := range histograms {
		*h.dst, err = t.meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}

// collectSystemMetrics records the uptime gauge. Go runtime metrics come from
// the runtime instrumentation started in New.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.systemUptime.Record(context.Background(), time.Since(startTime).Seconds())
		}
	}
}
