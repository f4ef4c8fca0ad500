package analytics

import (
	"math"
	"sort"

	"github.com/mltrack/dashboard/internal/run"
)

// ModelStats is the reduced statistics block for one entity (a model by
// default, or a provider/experiment/user when grouped differently). Rates
// and shares are percentages in [0,100]; money is USD.
type ModelStats struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`

	TotalRuns    int     `json:"total_runs"`
	SuccessCount int     `json:"success_count"`
	ErrorCount   int     `json:"error_count"`
	SuccessRate  float64 `json:"success_rate"`
	ErrorRate    float64 `json:"error_rate"`

	AvgLatencyMS float64 `json:"avg_latency_ms"`
	P95LatencyMS float64 `json:"p95_latency_ms"`
	P99LatencyMS float64 `json:"p99_latency_ms"`

	AvgCostUSD      float64 `json:"avg_cost_usd"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	AvgTokens       float64 `json:"avg_tokens"`
	TotalTokens     float64 `json:"total_tokens"`
	CostPer1KTokens float64 `json:"cost_per_1k_tokens"`

	AvgQuality float64 `json:"avg_quality"`
	UsageShare float64 `json:"usage_share"`
}

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

// Percentile returns the nearest-rank percentile for p in [0,1]: the
// element at index ceil(n*p)-1 of the sorted values, clamped to the valid
// range. The input slice is not modified. Empty input returns 0.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Reduce collapses one entity's samples into its statistics block.
// totalAcross is the run count over all entities and drives UsageShare.
func Reduce(name string, samples *Samples, totalAcross int) ModelStats {
	stats := ModelStats{Name: name, Provider: UnknownEntity}
	if samples == nil {
		return stats
	}
	stats.Provider = samples.provider(name)

	stats.TotalRuns = samples.Runs
	stats.SuccessCount = samples.Successes
	stats.ErrorCount = samples.Failures
	if samples.Runs > 0 {
		stats.SuccessRate = float64(samples.Successes) / float64(samples.Runs) * 100
		stats.ErrorRate = float64(samples.Failures) / float64(samples.Runs) * 100
	}

	stats.AvgLatencyMS = Mean(samples.Latencies)
	stats.P95LatencyMS = Percentile(samples.Latencies, 0.95)
	stats.P99LatencyMS = Percentile(samples.Latencies, 0.99)

	stats.AvgCostUSD = Mean(samples.Costs)
	stats.TotalCostUSD = sum(samples.Costs)
	stats.AvgTokens = Mean(samples.Tokens)
	stats.TotalTokens = sum(samples.Tokens)
	if stats.AvgTokens > 0 {
		stats.CostPer1KTokens = stats.AvgCostUSD / stats.AvgTokens * 1000
	}

	stats.AvgQuality = Mean(samples.Quality)
	if totalAcross > 0 {
		stats.UsageShare = float64(samples.Runs) / float64(totalAcross) * 100
	}
	return stats
}

// ComputeModelStats aggregates runs by key and reduces each entity,
// returning entities ordered by run count descending, name ascending.
func ComputeModelStats(runs []run.Run, key KeyFunc) []ModelStats {
	entities := Aggregate(runs, key)

	stats := make([]ModelStats, 0, len(entities))
	for name, samples := range entities {
		stats = append(stats, Reduce(name, samples, len(runs)))
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].TotalRuns != stats[j].TotalRuns {
			return stats[i].TotalRuns > stats[j].TotalRuns
		}
		return stats[i].Name < stats[j].Name
	})
	return stats
}
