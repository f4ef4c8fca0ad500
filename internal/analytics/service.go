// Package analytics turns materialized run records into per-entity
// statistics, comparison scores, time series, correlations, and
// recommendations. Everything below the Service is a pure function over
// an already-fetched run slice; the Service only adds the fetch.
package analytics

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mltrack/dashboard/internal/run"
)

// Query bounds one analytics computation.
type Query struct {
	ExperimentIDs []string
	From          time.Time
	To            time.Time
	// Limit caps how many runs this computation materializes. Zero falls
	// back to the service's configured cap.
	Limit int

	GroupBy     string
	Granularity Granularity
	Mode        Mode
	Metric      string
}

// Window echoes the query's time bounds back in result documents. Zero
// values mean the bound was not set.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// TimeSeries is the binned series plus its headline trend.
type TimeSeries struct {
	Granularity Granularity       `json:"granularity"`
	Mode        Mode              `json:"mode"`
	GroupBy     string            `json:"group_by,omitempty"`
	Metric      string            `json:"metric"`
	Points      []TimeSeriesPoint `json:"points"`
	TrendPct    float64           `json:"trend_pct"`
}

// Summary is the whole dashboard in one document.
type Summary struct {
	GeneratedAt time.Time `json:"generated_at"`
	Window      Window    `json:"window"`
	GroupBy     string    `json:"group_by"`

	TotalRuns    int     `json:"total_runs"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	TotalTokens  float64 `json:"total_tokens"`

	Models          []ModelStats                 `json:"models"`
	Comparison      map[string]ComparisonMetrics `json:"comparison"`
	Series          []TimeSeriesPoint            `json:"series"`
	TrendPct        float64                      `json:"trend_pct"`
	Correlations    []CorrelationSet             `json:"correlations"`
	Recommendations []Recommendation             `json:"recommendations"`
}

// Service runs the engine against a run source (the local store or a
// remote tracking backend).
type Service struct {
	source run.Source
	limit  int
}

// NewService wraps source. searchLimit caps how many runs one computation
// materializes; 0 or negative keeps the source's own default.
func NewService(source run.Source, searchLimit int) *Service {
	return &Service{source: source, limit: searchLimit}
}

func (s *Service) materialize(ctx context.Context, q Query) ([]run.Run, error) {
	limit := s.limit
	if q.Limit > 0 {
		limit = q.Limit
	}
	return s.source.SearchRuns(ctx, run.SearchQuery{
		ExperimentIDs: q.ExperimentIDs,
		From:          q.From,
		To:            q.To,
		Limit:         limit,
	})
}

// Stats returns per-entity statistics for the query's grouping.
func (s *Service) Stats(ctx context.Context, q Query) ([]ModelStats, error) {
	runs, err := s.materialize(ctx, q)
	if err != nil {
		return nil, err
	}
	_, key := KeyForGroup(q.GroupBy)
	return ComputeModelStats(runs, key), nil
}

// Comparison returns normalized scores per entity.
func (s *Service) Comparison(ctx context.Context, q Query) (map[string]ComparisonMetrics, error) {
	stats, err := s.Stats(ctx, q)
	if err != nil {
		return nil, err
	}
	return Score(stats), nil
}

// TimeSeries bins the query's runs. With GroupBy set the points carry one
// value per group; the headline trend always reads the ungrouped series
// so it does not change with the grouping.
func (s *Service) TimeSeries(ctx context.Context, q Query) (*TimeSeries, error) {
	runs, err := s.materialize(ctx, q)
	if err != nil {
		return nil, err
	}

	granularity := q.Granularity
	if granularity == "" {
		granularity = GranularityDay
	}
	mode := q.Mode
	if mode == "" {
		mode = ModeSparse
	}
	metric := trendMetric(q.Metric)

	result := &TimeSeries{Granularity: granularity, Mode: mode, Metric: metric}
	overall := Bin(runs, granularity, mode)
	if strings.TrimSpace(q.GroupBy) != "" {
		groupName, key := KeyForGroup(q.GroupBy)
		result.GroupBy = groupName
		result.Points = BinBy(runs, granularity, mode, key, metric)
	} else {
		result.Points = overall
	}
	result.TrendPct = Trend(overall, metric)
	return result, nil
}

// Correlations returns the declared metric pairings for the query's
// entities.
func (s *Service) Correlations(ctx context.Context, q Query) ([]CorrelationSet, error) {
	stats, err := s.Stats(ctx, q)
	if err != nil {
		return nil, err
	}
	return Correlate(stats), nil
}

// Recommendations returns the derived advice for the query's entities.
func (s *Service) Recommendations(ctx context.Context, q Query) ([]Recommendation, error) {
	stats, err := s.Stats(ctx, q)
	if err != nil {
		return nil, err
	}
	return Recommend(stats), nil
}

// Summary fetches once and computes every section. The engine is pure
// over the materialized slice, so sections fan out concurrently.
func (s *Service) Summary(ctx context.Context, q Query) (*Summary, error) {
	runs, err := s.materialize(ctx, q)
	if err != nil {
		return nil, err
	}

	groupName, key := KeyForGroup(q.GroupBy)
	granularity := q.Granularity
	if granularity == "" {
		granularity = GranularityDay
	}
	mode := q.Mode
	if mode == "" {
		mode = ModeSparse
	}
	metric := trendMetric(q.Metric)

	stats := ComputeModelStats(runs, key)
	summary := &Summary{
		GeneratedAt: time.Now().UTC(),
		Window:      Window{From: q.From, To: q.To},
		GroupBy:     groupName,
		TotalRuns:   len(runs),
		Models:      stats,
	}
	for _, m := range stats {
		summary.TotalCostUSD += m.TotalCostUSD
		summary.TotalTokens += m.TotalTokens
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		summary.Comparison = Score(stats)
	}()
	go func() {
		defer wg.Done()
		summary.Series = Bin(runs, granularity, mode)
		summary.TrendPct = Trend(summary.Series, metric)
	}()
	go func() {
		defer wg.Done()
		summary.Correlations = Correlate(stats)
		summary.Recommendations = Recommend(stats)
	}()
	wg.Wait()
	return summary, nil
}

// trendMetric defaults the series metric to the run count.
func trendMetric(metric string) string {
	m := strings.ToLower(strings.TrimSpace(metric))
	if m == "" {
		return "runs"
	}
	return m
}
