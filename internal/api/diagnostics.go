package api

import (
	"net/http"
	"time"

	"github.com/mltrack/dashboard/internal/run"
)

const runPipelineDiagnosticsSchemaVersion = "run-pipeline-diagnostics.v1"

type RunPipelineDiagnosticsOptions struct {
	Reader run.RunPipelineDiagnosticsReader
}

type runPipelineDiagnosticsResponse struct {
	SchemaVersion string                     `json:"schema_version"`
	GeneratedAt   time.Time                  `json:"generated_at"`
	Diagnostics   run.RunPipelineDiagnostics `json:"diagnostics"`
}

func RunPipelineDiagnosticsHandler(options RunPipelineDiagnosticsOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Reader == nil {
			writeError(w, http.StatusServiceUnavailable, "run pipeline diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, runPipelineDiagnosticsResponse{
			SchemaVersion: runPipelineDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   options.Reader.RunPipelineDiagnostics(),
		})
	})
}
