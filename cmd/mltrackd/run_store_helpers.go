package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mltrack/dashboard/internal/config"
	"github.com/mltrack/dashboard/internal/run"
	"github.com/mltrack/dashboard/internal/tracking"
)

func openRunStore(cfg config.Config) (run.RunStore, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		return run.NewSQLiteStore(cfg.Storage.SQLite.Path)
	case "postgres":
		return run.NewPostgresStore(cfg.Storage.Postgres.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func closeRunStoreWithWarning(store run.RunStore, errOut io.Writer) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close run store: %v\n", err)
	}
}

// openTrackingClient builds the remote run source from the tracking
// section. The caller checks that base_url is set. A non-nil transport
// (the telemetry runtime's instrumented one) carries the client's
// outbound requests.
func openTrackingClient(cfg config.Config, transport http.RoundTripper) (*tracking.Client, error) {
	opts := make([]tracking.Option, 0, 3)
	if token := strings.TrimSpace(cfg.Tracking.Token); token != "" {
		opts = append(opts, tracking.WithToken(token))
	}
	if timeout := cfg.Tracking.Timeout(); timeout > 0 {
		opts = append(opts, tracking.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
	if transport != nil {
		opts = append(opts, tracking.WithTransport(transport))
	}
	return tracking.NewClient(cfg.Tracking.BaseURL, opts...)
}

// openAnalyticsSource picks where the analytics engine reads runs from:
// the remote tracking backend when one is configured, the local store
// otherwise. The returned name labels the choice for logs and reports.
func openAnalyticsSource(cfg config.Config, store run.RunStore, transport http.RoundTripper) (run.Source, string, error) {
	if strings.TrimSpace(cfg.Tracking.BaseURL) == "" {
		return store, "local", nil
	}
	client, err := openTrackingClient(cfg, transport)
	if err != nil {
		return nil, "", err
	}
	return client, "tracking", nil
}
