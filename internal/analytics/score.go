package analytics

// Overall score weights. They must sum to 1; changing them changes every
// stored comparison a consumer may have cached.
const (
	WeightCostEfficiency = 0.25
	WeightPerformance    = 0.25
	WeightQuality        = 0.30
	WeightReliability    = 0.20
)

// ComparisonMetrics holds the normalized 0-100 scores for one entity
// relative to the rest of the scored set.
type ComparisonMetrics struct {
	CostEfficiency float64 `json:"cost_efficiency"`
	Performance    float64 `json:"performance"`
	Quality        float64 `json:"quality"`
	Reliability    float64 `json:"reliability"`
	Overall        float64 `json:"overall"`
}

// Score computes comparison metrics for every entity in stats. Scores are
// relative to the input set only: adding or removing an entity can move
// everyone else's numbers.
func Score(stats []ModelStats) map[string]ComparisonMetrics {
	scores := make(map[string]ComparisonMetrics, len(stats))
	if len(stats) == 0 {
		return scores
	}

	costs := make([]float64, len(stats))
	latencies := make([]float64, len(stats))
	qualities := make([]float64, len(stats))
	for i, s := range stats {
		costs[i] = s.CostPer1KTokens
		latencies[i] = s.AvgLatencyMS
		qualities[i] = s.AvgQuality
	}

	for i, s := range stats {
		m := ComparisonMetrics{
			CostEfficiency: normalizeLowerBetter(costs[i], costs),
			Performance:    normalizeLowerBetter(latencies[i], latencies),
			Quality:        normalizeHigherBetter(qualities[i], qualities),
			Reliability:    s.SuccessRate,
		}
		m.Overall = m.CostEfficiency*WeightCostEfficiency +
			m.Performance*WeightPerformance +
			m.Quality*WeightQuality +
			m.Reliability*WeightReliability
		scores[s.Name] = m
	}
	return scores
}

// normalizeLowerBetter maps value onto 0-100 within the observed range,
// where the smallest raw value scores 100. A homogeneous set scores 100
// for everyone: indistinguishable entities are all equally best.
func normalizeLowerBetter(value float64, all []float64) float64 {
	lo, hi := minMax(all)
	if hi == lo {
		return 100
	}
	return (hi - value) / (hi - lo) * 100
}

// normalizeHigherBetter is the mirror image: the largest raw value
// scores 100.
func normalizeHigherBetter(value float64, all []float64) float64 {
	lo, hi := minMax(all)
	if hi == lo {
		return 100
	}
	return (value - lo) / (hi - lo) * 100
}

func minMax(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
