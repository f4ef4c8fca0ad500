package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mltrack/dashboard/internal/config"
	"github.com/mltrack/dashboard/internal/pathutil"
	"github.com/mltrack/dashboard/internal/requestid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "mltrack.dashboard"

	// Export tuning is fixed; the collector is expected to run next to
	// the dashboard.
	exportTimeout        = 3 * time.Second
	metricExportInterval = 10 * time.Second
	traceSamplingRatio   = 1.0
)

// Runtime exposes OpenTelemetry HTTP wrappers and ingest pipeline metric hooks.
type Runtime struct {
	enabled bool
	logger  *slog.Logger
	tracer  oteltrace.Tracer

	runIngestedCounter    metric.Int64Counter
	runDroppedCounter     metric.Int64Counter
	runWriteFailedCounter metric.Int64Counter
	runFlushedCounter     metric.Int64Counter
	flushDurationHist     metric.Float64Histogram
	queryCounter          metric.Int64Counter
	queryDurationHist     metric.Float64Histogram

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.ObservabilityConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{logger: logger}
	if !cfg.Enabled {
		return runtime, nil
	}

	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// Endpoint URLs carry explicit transport intent and win over the
		// insecure toggle to avoid mismatches like https endpoints + insecure=true.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	traceExporterOptions := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(otlpEndpoint),
		otlptracehttp.WithTimeout(exportTimeout),
	}
	if insecure {
		traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
	}
	traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
	if err != nil {
		return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(traceSamplingRatio))),
		sdktrace.WithBatcher(newScrubbingExporter(traceExporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	runtime.tracer = tracerProvider.Tracer(instrumentationName)

	metricExporterOptions := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(otlpEndpoint),
		otlpmetrichttp.WithTimeout(exportTimeout),
	}
	if insecure {
		metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
	}
	metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
	if err != nil {
		_ = runtime.Shutdown(context.Background())
		return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(
		metricExporter,
		sdkmetric.WithInterval(metricExportInterval),
		sdkmetric.WithTimeout(exportTimeout),
	)
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(meterProvider)
	runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)

	otel.SetTextMapPropagator(propagation.TraceContext{})

	meter := otel.Meter(instrumentationName)
	runtime.runIngestedCounter = newCounter(meter, logger,
		"mltrack.run.ingested_total",
		"Count of runs accepted onto the async ingest queue.")
	runtime.runDroppedCounter = newCounter(meter, logger,
		"mltrack.run.queue_dropped_total",
		"Count of runs dropped because the async ingest queue was full.")
	runtime.runWriteFailedCounter = newCounter(meter, logger,
		"mltrack.run.write_failed_total",
		"Count of run records dropped after storage write failures.")
	runtime.runFlushedCounter = newCounter(meter, logger,
		"mltrack.run.flushed_total",
		"Count of run records flushed to storage.")
	runtime.flushDurationHist = newHistogram(meter, logger,
		"mltrack.run.flush_duration_seconds",
		"Duration of run storage flushes.", "s")
	runtime.queryCounter = newCounter(meter, logger,
		"mltrack.analytics.query_total",
		"Count of analytics queries served.")
	runtime.queryDurationHist = newHistogram(meter, logger,
		"mltrack.analytics.query_duration_seconds",
		"Duration of analytics queries.", "s")

	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_insecure", insecure,
		)
	}

	return runtime, nil
}

func newCounter(meter metric.Meter, logger *slog.Logger, name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil && logger != nil {
		logger.Warn("failed to create opentelemetry counter", "metric", name, "error", err)
	}
	return counter
}

func newHistogram(meter metric.Meter, logger *slog.Logger, name, description, unit string) metric.Float64Histogram {
	histogram, err := meter.Float64Histogram(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil && logger != nil {
		logger.Warn("failed to create opentelemetry histogram", "metric", name, "error", err)
	}
	return histogram
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps an inbound HTTP handler with OpenTelemetry spans.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		next,
		"dashboard.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// SpanEnrichmentMiddleware adds dashboard attributes and stable error status on 5xx responses.
func (r *Runtime) SpanEnrichmentMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if span == nil || !span.IsRecording() {
			return
		}

		statusCode := recorder.StatusCode()
		if statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}

		// The request ID middleware runs inside this wrapper, so the
		// response header is the reliable place to read the ID back.
		id := recorder.Header().Get(requestid.Header)
		if id == "" {
			if ctxID, ok := requestid.From(req.Context()); ok {
				id = ctxID
			}
		}
		if id != "" {
			span.SetAttributes(attribute.String("dashboard.request_id", id))
		}
	})
}

// WrapHTTPTransport wraps an outbound HTTP transport with OpenTelemetry spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return clientSpanName(req.Method, req.URL.Path)
		}),
	)
}

// RecordRunEnqueued increments the ingest counter when a run is queued.
func (r *Runtime) RecordRunEnqueued() {
	if !r.Enabled() || r.runIngestedCounter == nil {
		return
	}
	r.runIngestedCounter.Add(context.Background(), 1)
}

// RecordRunQueueDrop increments a counter when the async ingest queue is full.
func (r *Runtime) RecordRunQueueDrop() {
	if !r.Enabled() || r.runDroppedCounter == nil {
		return
	}
	r.runDroppedCounter.Add(context.Background(), 1)
}

// RecordRunWriteFailure increments a counter for run records dropped by storage writes.
func (r *Runtime) RecordRunWriteFailure(operation string, failedCount int, errorClass, driver string) {
	if !r.Enabled() || failedCount <= 0 || r.runWriteFailedCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", strings.TrimSpace(operation)),
	}
	if errorClass = strings.TrimSpace(errorClass); errorClass != "" {
		attrs = append(attrs, attribute.String("error_class", errorClass))
	}
	if driver = strings.TrimSpace(driver); driver != "" {
		attrs = append(attrs, attribute.String("driver", driver))
	}
	r.runWriteFailedCounter.Add(context.Background(), int64(failedCount), metric.WithAttributes(attrs...))
}

// RecordRunFlush records a storage flush batch and its duration.
func (r *Runtime) RecordRunFlush(batchSize int, duration time.Duration) {
	if !r.Enabled() || batchSize <= 0 {
		return
	}
	if r.runFlushedCounter != nil {
		r.runFlushedCounter.Add(context.Background(), int64(batchSize))
	}
	if r.flushDurationHist != nil {
		r.flushDurationHist.Record(context.Background(), duration.Seconds())
	}
}

// RecordAnalyticsQuery counts an analytics query and records its latency.
func (r *Runtime) RecordAnalyticsQuery(kind string, duration time.Duration) {
	if !r.Enabled() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("query", strings.TrimSpace(kind)))
	if r.queryCounter != nil {
		r.queryCounter.Add(context.Background(), 1, attrs)
	}
	if r.queryDurationHist != nil {
		r.queryDurationHist.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// RegisterRunQueueDepthGauge registers an observable gauge backed by the ingest queue length.
func (r *Runtime) RegisterRunQueueDepthGauge(read func() int) {
	if !r.Enabled() || read == nil {
		return
	}
	meter := otel.Meter(instrumentationName)
	gauge, err := meter.Int64ObservableGauge(
		"mltrack.run.queue_depth",
		metric.WithDescription("Current depth of the async run ingest queue."),
	)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("failed to create opentelemetry gauge", "metric", "mltrack.run.queue_depth", "error", err)
		}
		return
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		observer.ObserveInt64(gauge, int64(read()))
		return nil
	}, gauge); err != nil && r.logger != nil {
		r.logger.Warn("failed to register opentelemetry gauge callback", "metric", "mltrack.run.queue_depth", "error", err)
	}
}

// MakeWriteSpanHook returns a storage write hook that records a span per flush.
// It returns nil when instrumentation is disabled.
func (r *Runtime) MakeWriteSpanHook() func(batchSize int) func(error) {
	if !r.Enabled() || r.tracer == nil {
		return nil
	}
	return func(batchSize int) func(error) {
		_, span := r.tracer.Start(
			context.Background(),
			"dashboard.run.write",
			oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
			oteltrace.WithAttributes(attribute.Int("dashboard.run.write.batch_size", batchSize)),
		)
		return func(err error) {
			if err != nil {
				// Storage errors can echo DSNs; scrub before the value
				// becomes a span attribute.
				message := ScrubCredentials(err.Error())
				span.SetAttributes(attribute.String("dashboard.run.write.error_class", message))
				span.SetStatus(codes.Error, message)
			}
			span.End()
		}
	}
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

func routePatternForPath(path string) string {
	switch {
	case pathutil.HasPathPrefix(path, "/api/analytics"):
		return "/api/analytics/*"
	case pathutil.HasPathPrefix(path, "/api/runs"):
		return "/api/runs/*"
	case pathutil.HasPathPrefix(path, "/api"):
		return "/api/*"
	default:
		return "/other"
	}
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func clientSpanName(method, path string) string {
	return "tracking " + normalizedMethod(method) + " " + path
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController discover optional interfaces provided by
// the underlying writer (for example SetWriteDeadline).
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	if w == nil {
		return nil
	}
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) Header() http.Header {
	return w.ResponseWriter.Header()
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hijacker.Hijack()
}

func (w *statusCapturingResponseWriter) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}

func (w *statusCapturingResponseWriter) ReadFrom(r io.Reader) (int64, error) {
	readerFrom, ok := w.ResponseWriter.(io.ReaderFrom)
	if !ok {
		return io.Copy(w.ResponseWriter, r)
	}
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return readerFrom.ReadFrom(r)
}
