package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mltrack/dashboard/internal/run"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Store         run.RunStore
}

type healthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	UptimeSec       int64  `json:"uptime_sec"`
	StorageDriver   string `json:"storage_driver"`
	RunCount        int64  `json:"run_count"`
	ExperimentCount int    `json:"experiment_count"`
	DBSizeBytes     int64  `json:"db_size_bytes,omitempty"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		uptime := time.Since(options.StartedAt)
		runCount := int64(0)
		experimentCount := 0
		if options.Store != nil {
			if experiments, err := options.Store.ListExperiments(r.Context()); err == nil {
				experimentCount = len(experiments)
				for _, experiment := range experiments {
					runCount += experiment.RunCount
				}
			}
		}

		dbSizeBytes := int64(0)
		if strings.EqualFold(options.StorageDriver, "sqlite") && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				dbSizeBytes = info.Size()
			}
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:          "ok",
			Version:         options.Version,
			UptimeSec:       int64(uptime.Seconds()),
			StorageDriver:   options.StorageDriver,
			RunCount:        runCount,
			ExperimentCount: experimentCount,
			DBSizeBytes:     dbSizeBytes,
		})
	})
}
