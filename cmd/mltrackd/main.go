package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mltrack/dashboard/internal/api"
	"github.com/mltrack/dashboard/internal/config"
	"github.com/mltrack/dashboard/internal/observability"
	"github.com/mltrack/dashboard/internal/version"
)

const defaultConfigPath = "mltrack.yaml"

const runWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		return runVersion(args[1:], os.Stdout, os.Stderr)
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "report":
		return runReport(args[1:], os.Stdout, os.Stderr)
	case "seed":
		return runSeed(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runVersion(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("version", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	format := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "version does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("version", *format, "text")
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if normalizedFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(map[string]string{
			"version": version.Version,
			"commit":  version.Commit,
			"date":    version.Date,
		}); err != nil {
			fmt.Fprintf(errOut, "failed to write version: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintln(out, version.String())
	return 0
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := newServeLogger(cfg)
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	store, err := openRunStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize %s storage: %v\n", strings.TrimSpace(cfg.Storage.Driver), err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close run storage", "error", err)
		}
	}()

	writer := newRunWriter(store, cfg.Ingest.QueueSize)
	writer.Start(context.Background())
	attachRunWriterMetrics(writer, otelRuntime)
	attachRunWriterFailureLogging(logger, writer, otelRuntime, cfg.Storage.Driver)
	// Deferred after the store close above so the queue drains into a
	// still-open store on shutdown.
	defer shutdownRunWriter(logger, writer, runWriterShutdownTimeout)

	var trackingTransport http.RoundTripper
	if otelRuntime != nil {
		trackingTransport = otelRuntime.WrapHTTPTransport(http.DefaultTransport)
	}
	source, sourceName, err := openAnalyticsSource(cfg, store, trackingTransport)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize tracking backend: %v\n", err)
		return 1
	}

	storagePath := ""
	if strings.TrimSpace(cfg.Storage.Driver) == "sqlite" {
		storagePath = cfg.Storage.SQLite.Path
	}

	routerOptions := api.RouterOptions{
		Logger:         logger,
		Version:        version.String(),
		Store:          store,
		Source:         source,
		SearchLimit:    cfg.Analytics.SearchLimit,
		Writer:         writer,
		StorageDriver:  cfg.Storage.Driver,
		StoragePath:    storagePath,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	if otelRuntime != nil {
		routerOptions.QueryObserver = otelRuntime.RecordAnalyticsQuery
	}
	handler := api.NewRouter(routerOptions)
	server := newDashboardServer(cfg, instrumentServerHandler(otelRuntime, handler))

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"port", cfg.Server.Port,
		"storage_driver", cfg.Storage.Driver,
		"analytics_source", sourceName,
		"ingest_queue_size", cfg.Ingest.QueueSize,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("dashboard stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("dashboard failed", "error", err)
			return 1
		}
		return 0
	}
}

// newServeLogger builds the JSON logger used by the serve path. Records
// pick up trace/span IDs when a request span is active.
func newServeLogger(cfg config.Config) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Logging.SlogLevel()})
	return slog.New(observability.NewTraceLogHandler(handler))
}

func newDashboardServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

// instrumentServerHandler layers the telemetry wrappers around the router.
// The enrichment middleware runs inside the otelhttp handler so the server
// span already exists when it annotates status and request id.
func instrumentServerHandler(runtime *observability.Runtime, handler http.Handler) http.Handler {
	if runtime == nil {
		return handler
	}
	return runtime.WrapHTTPHandler(runtime.SpanEnrichmentMiddleware(handler))
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  mltrackd serve [--config path/to/mltrack.yaml]")
	fmt.Fprintln(out, "  mltrackd version [--format text|json]")
	fmt.Fprintln(out, "  mltrackd config validate [--config path/to/mltrack.yaml]")
	fmt.Fprintln(out, "  mltrackd report [--config path/to/mltrack.yaml] [--format text|json] [--from RFC3339|YYYY-MM-DD] [--to RFC3339|YYYY-MM-DD] [--experiments ID,ID] [--group-by model|provider|experiment|user] [--limit N]")
	fmt.Fprintln(out, "  mltrackd seed [--config path/to/mltrack.yaml] [--runs N] [--days N] [--experiments N] [--seed N]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  mltrackd config validate [--config path/to/mltrack.yaml]")
}
