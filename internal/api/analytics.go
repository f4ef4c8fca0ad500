package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mltrack/dashboard/internal/analytics"
	"github.com/mltrack/dashboard/internal/run"
)

// QueryObserver receives the kind and latency of each analytics query that
// completes successfully. The router wires it to the telemetry runtime; a
// nil observer is a no-op.
type QueryObserver func(kind string, duration time.Duration)

func (o QueryObserver) record(kind string, started time.Time) {
	if o != nil {
		o(kind, time.Since(started))
	}
}

type modelsResponse struct {
	GroupBy string                 `json:"group_by"`
	Items   []analytics.ModelStats `json:"items"`
}

type comparisonResponse struct {
	GroupBy    string                                 `json:"group_by"`
	Comparison map[string]analytics.ComparisonMetrics `json:"comparison"`
}

type correlationsResponse struct {
	GroupBy string                     `json:"group_by"`
	Items   []analytics.CorrelationSet `json:"items"`
}

type recommendationsResponse struct {
	GroupBy string                     `json:"group_by"`
	Items   []analytics.Recommendation `json:"items"`
}

func ModelsHandler(service *analytics.Service, observe QueryObserver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query, ok := analyticsQueryOrFail(w, r, service)
		if !ok {
			return
		}

		started := time.Now()
		items, err := service.Stats(r.Context(), query)
		if err != nil {
			handleAnalyticsError(w, err)
			return
		}
		observe.record("models", started)

		groupName, _ := analytics.KeyForGroup(query.GroupBy)
		writeJSON(w, http.StatusOK, modelsResponse{
			GroupBy: groupName,
			Items:   items,
		})
	})
}

func ComparisonHandler(service *analytics.Service, observe QueryObserver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query, ok := analyticsQueryOrFail(w, r, service)
		if !ok {
			return
		}

		started := time.Now()
		comparison, err := service.Comparison(r.Context(), query)
		if err != nil {
			handleAnalyticsError(w, err)
			return
		}
		observe.record("comparison", started)

		groupName, _ := analytics.KeyForGroup(query.GroupBy)
		writeJSON(w, http.StatusOK, comparisonResponse{
			GroupBy:    groupName,
			Comparison: comparison,
		})
	})
}

func TimeSeriesHandler(service *analytics.Service, observe QueryObserver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query, ok := analyticsQueryOrFail(w, r, service)
		if !ok {
			return
		}

		started := time.Now()
		series, err := service.TimeSeries(r.Context(), query)
		if err != nil {
			handleAnalyticsError(w, err)
			return
		}
		observe.record("timeseries", started)

		writeJSON(w, http.StatusOK, series)
	})
}

func CorrelationsHandler(service *analytics.Service, observe QueryObserver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query, ok := analyticsQueryOrFail(w, r, service)
		if !ok {
			return
		}

		started := time.Now()
		items, err := service.Correlations(r.Context(), query)
		if err != nil {
			handleAnalyticsError(w, err)
			return
		}
		observe.record("correlations", started)

		groupName, _ := analytics.KeyForGroup(query.GroupBy)
		writeJSON(w, http.StatusOK, correlationsResponse{
			GroupBy: groupName,
			Items:   items,
		})
	})
}

func RecommendationsHandler(service *analytics.Service, observe QueryObserver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query, ok := analyticsQueryOrFail(w, r, service)
		if !ok {
			return
		}

		started := time.Now()
		items, err := service.Recommendations(r.Context(), query)
		if err != nil {
			handleAnalyticsError(w, err)
			return
		}
		observe.record("recommendations", started)

		groupName, _ := analytics.KeyForGroup(query.GroupBy)
		writeJSON(w, http.StatusOK, recommendationsResponse{
			GroupBy: groupName,
			Items:   items,
		})
	})
}

func SummaryHandler(service *analytics.Service, observe QueryObserver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query, ok := analyticsQueryOrFail(w, r, service)
		if !ok {
			return
		}

		started := time.Now()
		summary, err := service.Summary(r.Context(), query)
		if err != nil {
			handleAnalyticsError(w, err)
			return
		}
		observe.record("summary", started)

		writeJSON(w, http.StatusOK, summary)
	})
}

// analyticsQueryOrFail shares the method, availability, and parameter
// checks every analytics endpoint performs. A false return means the
// response has already been written.
func analyticsQueryOrFail(w http.ResponseWriter, r *http.Request, service *analytics.Service) (analytics.Query, bool) {
	if !requireMethod(w, r, http.MethodGet) {
		return analytics.Query{}, false
	}
	if service == nil {
		writeError(w, http.StatusServiceUnavailable, "analytics source is not configured")
		return analytics.Query{}, false
	}

	query, err := parseAnalyticsQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return analytics.Query{}, false
	}
	return query, true
}

// parseAnalyticsQuery reads the shared analytics parameters. Grouping,
// granularity, mode, and metric are forgiving the way the engine is:
// unrecognized values fall back to their defaults rather than erroring.
func parseAnalyticsQuery(r *http.Request) (analytics.Query, error) {
	values := r.URL.Query()

	from, err := parseTimeQuery(values.Get("from"), false)
	if err != nil {
		return analytics.Query{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTimeQuery(values.Get("to"), true)
	if err != nil {
		return analytics.Query{}, fmt.Errorf("invalid to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return analytics.Query{}, fmt.Errorf("to must be greater than or equal to from")
	}

	limit, err := parseIntQuery(values.Get("limit"), "limit", 0, run.DefaultSearchLimit)
	if err != nil {
		return analytics.Query{}, err
	}

	query := analytics.Query{
		From:        from,
		To:          to,
		Limit:       limit,
		GroupBy:     strings.TrimSpace(values.Get("group_by")),
		Granularity: analytics.ParseGranularity(values.Get("granularity")),
		Mode:        analytics.ParseMode(values.Get("mode")),
		Metric:      strings.TrimSpace(values.Get("metric")),
	}

	if raw := strings.TrimSpace(values.Get("experiments")); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				query.ExperimentIDs = append(query.ExperimentIDs, id)
			}
		}
	}

	return query, nil
}

func handleAnalyticsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, run.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, run.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, run.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "analytics query is not implemented")
	default:
		writeError(w, http.StatusInternalServerError, "failed to read analytics")
	}
}
