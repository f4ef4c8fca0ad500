package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mltrack/dashboard/internal/analytics"
	"github.com/mltrack/dashboard/internal/run"
)

// RunWriter is the slice of the ingest pipeline the API needs: accepting
// records without blocking and reporting queue diagnostics.
type RunWriter interface {
	Enqueue(r *run.Run) bool
	run.RunPipelineDiagnosticsReader
}

const runsIngestBodyLimit = 8 << 20

type runsResponse struct {
	Items      []runPayload `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// runPayload is the wire shape of one run. Model, provider, and user are
// derived through the tag alias lists so older records still fill them.
type runPayload struct {
	ID           string             `json:"id"`
	ExperimentID string             `json:"experiment_id"`
	Name         string             `json:"name,omitempty"`
	Status       run.Status         `json:"status"`
	Model        string             `json:"model,omitempty"`
	Provider     string             `json:"provider,omitempty"`
	User         string             `json:"user,omitempty"`
	StartTime    time.Time          `json:"start_time"`
	EndTime      *time.Time         `json:"end_time,omitempty"`
	DurationMS   int64              `json:"duration_ms"`
	Tags         map[string]string  `json:"tags,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

type ingestRequest struct {
	Runs []runRecord `json:"runs"`
}

// runRecord is the inbound ingest shape. Everything except the metric and
// tag payload is optional; normalization fills the gaps.
type runRecord struct {
	ID           string             `json:"id"`
	ExperimentID string             `json:"experiment_id"`
	Name         string             `json:"name"`
	Status       string             `json:"status"`
	StartTime    time.Time          `json:"start_time"`
	EndTime      *time.Time         `json:"end_time"`
	Tags         map[string]string  `json:"tags"`
	Metrics      map[string]float64 `json:"metrics"`
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

type experimentsResponse struct {
	Items []experimentPayload `json:"items"`
}

type experimentPayload struct {
	ExperimentID string    `json:"experiment_id"`
	RunCount     int64     `json:"run_count"`
	FirstRunAt   time.Time `json:"first_run_at"`
	LastRunAt    time.Time `json:"last_run_at"`
}

func RunsHandler(store run.RunStore, writer RunWriter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleRunsList(w, r, store)
		case http.MethodPost:
			handleRunsIngest(w, r, writer)
		default:
			w.Header().Set("Allow", "GET, POST, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

func handleRunsList(w http.ResponseWriter, r *http.Request, store run.RunStore) {
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "run store is not configured")
		return
	}

	filter, err := parseRunFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := store.QueryRuns(r.Context(), filter)
	if err != nil {
		switch {
		case errors.Is(err, run.ErrInvalidCursor):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, run.ErrNotImplemented):
			writeError(w, http.StatusNotImplemented, "run query is not implemented")
		default:
			writeError(w, http.StatusInternalServerError, "failed to query runs")
		}
		return
	}

	items := make([]runPayload, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, payloadFromRun(item))
	}

	writeJSON(w, http.StatusOK, runsResponse{
		Items:      items,
		NextCursor: result.NextCursor,
	})
}

func handleRunsIngest(w http.ResponseWriter, r *http.Request, writer RunWriter) {
	if writer == nil {
		writeError(w, http.StatusServiceUnavailable, "run ingest is not configured")
		return
	}
	if r.Body == nil || r.Body == http.NoBody {
		writeError(w, http.StatusBadRequest, "request body is required")
		return
	}
	defer r.Body.Close()

	r.Body = http.MaxBytesReader(w, r.Body, runsIngestBodyLimit)
	decoder := json.NewDecoder(r.Body)

	var req ingestRequest
	if err := decoder.Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "ingest request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid ingest request body")
		return
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid ingest request body")
		return
	}
	if len(req.Runs) == 0 {
		writeError(w, http.StatusBadRequest, "runs is required")
		return
	}

	accepted := 0
	for _, record := range req.Runs {
		if writer.Enqueue(runFromRecord(record)) {
			accepted++
		}
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{
		Accepted: accepted,
		Dropped:  len(req.Runs) - accepted,
	})
}

func RunDetailHandler(store run.RunStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "run store is not configured")
			return
		}

		id, ok := parseRunPathID(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		item, err := store.GetRun(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, run.ErrNotFound):
				writeError(w, http.StatusNotFound, "run not found")
			case errors.Is(err, run.ErrNotImplemented):
				writeError(w, http.StatusNotImplemented, "run detail is not implemented")
			default:
				writeError(w, http.StatusInternalServerError, "failed to read run")
			}
			return
		}

		writeJSON(w, http.StatusOK, payloadFromRun(item))
	})
}

func ExperimentsHandler(store run.RunStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "run store is not configured")
			return
		}

		experiments, err := store.ListExperiments(r.Context())
		if err != nil {
			if errors.Is(err, run.ErrNotImplemented) {
				writeError(w, http.StatusNotImplemented, "experiment listing is not implemented")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to list experiments")
			return
		}

		items := make([]experimentPayload, 0, len(experiments))
		for _, exp := range experiments {
			items = append(items, experimentPayload{
				ExperimentID: exp.ExperimentID,
				RunCount:     exp.RunCount,
				FirstRunAt:   exp.FirstRunAt,
				LastRunAt:    exp.LastRunAt,
			})
		}

		writeJSON(w, http.StatusOK, experimentsResponse{Items: items})
	})
}

func parseRunFilter(r *http.Request) (run.Filter, error) {
	query := r.URL.Query()
	limit, err := parseIntQuery(query.Get("limit"), "limit", 0, 200)
	if err != nil {
		return run.Filter{}, err
	}

	from, err := parseTimeQuery(query.Get("from"), false)
	if err != nil {
		return run.Filter{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTimeQuery(query.Get("to"), true)
	if err != nil {
		return run.Filter{}, fmt.Errorf("invalid to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return run.Filter{}, fmt.Errorf("to must be greater than or equal to from")
	}

	filter := run.Filter{
		ExperimentID: strings.TrimSpace(query.Get("experiment_id")),
		Model:        strings.TrimSpace(query.Get("model")),
		Provider:     strings.TrimSpace(query.Get("provider")),
		User:         strings.TrimSpace(query.Get("user")),
		From:         from,
		To:           to,
		Limit:        limit,
		Cursor:       strings.TrimSpace(query.Get("cursor")),
	}
	if status := strings.TrimSpace(query.Get("status")); status != "" {
		filter.Status = run.NormalizeStatus(status)
	}

	return filter, nil
}

// runFromRecord normalizes one inbound record: a minted ID when absent,
// RUNNING status by default, UTC times, and trimmed identifiers.
func runFromRecord(record runRecord) *run.Run {
	item := &run.Run{
		ID:           strings.TrimSpace(record.ID),
		ExperimentID: strings.TrimSpace(record.ExperimentID),
		Name:         strings.TrimSpace(record.Name),
		Status:       run.NormalizeStatus(record.Status),
		Tags:         record.Tags,
		Metrics:      record.Metrics,
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.ExperimentID == "" {
		item.ExperimentID = "default"
	}
	if record.StartTime.IsZero() {
		item.StartTime = time.Now().UTC()
	} else {
		item.StartTime = record.StartTime.UTC()
	}
	if record.EndTime != nil && !record.EndTime.IsZero() {
		item.EndTime = record.EndTime.UTC()
	}
	return item
}

func payloadFromRun(item *run.Run) runPayload {
	payload := runPayload{
		ID:           item.ID,
		ExperimentID: item.ExperimentID,
		Name:         item.Name,
		Status:       item.Status,
		Model:        analytics.TagValue(*item, run.ModelTagAliases...),
		Provider:     analytics.TagValue(*item, run.ProviderTagAliases...),
		User:         analytics.TagValue(*item, run.UserTagAliases...),
		StartTime:    item.StartTime,
		DurationMS:   item.Duration().Milliseconds(),
		Tags:         item.Tags,
		Metrics:      item.Metrics,
		CreatedAt:    item.CreatedAt,
	}
	if payload.Provider == "" {
		payload.Provider = analytics.ProviderForModel(payload.Model)
	}
	if !item.EndTime.IsZero() {
		endTime := item.EndTime
		payload.EndTime = &endTime
	}
	return payload
}

func parseRunPathID(path string) (string, bool) {
	prefix := "/api/runs/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	id := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func parseTimeQuery(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02" {
			parsed, err := time.ParseInLocation(layout, value, time.UTC)
			if err == nil {
				if endOfDay {
					return parsed.Add(24*time.Hour - time.Nanosecond), nil
				}
				return parsed, nil
			}
			continue
		}
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}
