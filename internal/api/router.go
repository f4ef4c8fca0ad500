package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mltrack/dashboard/internal/analytics"
	"github.com/mltrack/dashboard/internal/run"
)

type RouterOptions struct {
	Logger    *slog.Logger
	Version   string
	StartedAt time.Time

	// Store serves the run listing, detail, and experiment endpoints.
	Store run.RunStore
	// Source feeds the analytics engine. It is usually the same store,
	// but can be a remote tracking client instead.
	Source run.Source
	// SearchLimit caps how many runs one analytics computation
	// materializes from Source.
	SearchLimit int
	// Writer accepts ingested runs and reports pipeline diagnostics.
	Writer RunWriter
	// QueryObserver, when set, is told about every analytics query that
	// completes successfully.
	QueryObserver QueryObserver

	StorageDriver  string
	StoragePath    string
	AllowedOrigins []string
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := options.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	var service *analytics.Service
	if options.Source != nil {
		service = analytics.NewService(options.Source, options.SearchLimit)
	}

	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.Version,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Store:         options.Store,
	}))
	mux.Handle("/api/runs", RunsHandler(options.Store, options.Writer))
	mux.Handle("/api/runs/", RunDetailHandler(options.Store))
	mux.Handle("/api/experiments", ExperimentsHandler(options.Store))
	mux.Handle("/api/analytics/models", ModelsHandler(service, options.QueryObserver))
	mux.Handle("/api/analytics/comparison", ComparisonHandler(service, options.QueryObserver))
	mux.Handle("/api/analytics/timeseries", TimeSeriesHandler(service, options.QueryObserver))
	mux.Handle("/api/analytics/correlations", CorrelationsHandler(service, options.QueryObserver))
	mux.Handle("/api/analytics/recommendations", RecommendationsHandler(service, options.QueryObserver))
	mux.Handle("/api/analytics/summary", SummaryHandler(service, options.QueryObserver))
	mux.Handle("/api/diagnostics", RunPipelineDiagnosticsHandler(RunPipelineDiagnosticsOptions{
		Reader: options.Writer,
	}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "mltrack dashboard",
			"version": options.Version,
			"status":  "ok",
		})
	})

	handler := withRequestLogging(options.Logger, mux)
	return withCORS(handler, options.AllowedOrigins)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler, allowedOrigins []string) http.Handler {
	allowAll := len(allowedOrigins) == 0
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			allowAll = true
			continue
		}
		origins = append(origins, origin)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		default:
			if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" && originAllowed(origin, origins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowed []string) bool {
	for _, candidate := range allowed {
		if strings.EqualFold(candidate, origin) {
			return true
		}
	}
	return false
}
