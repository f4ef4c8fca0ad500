package analytics

import "math"

// CorrelationPoint is one entity plotted on a paired-metric axis.
type CorrelationPoint struct {
	Entity string  `json:"entity"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// CorrelationSet is one metric pairing: the scatter points plus the
// Pearson coefficient over them.
type CorrelationSet struct {
	Name        string             `json:"name"`
	XLabel      string             `json:"x_label"`
	YLabel      string             `json:"y_label"`
	Coefficient float64            `json:"coefficient"`
	Points      []CorrelationPoint `json:"points"`
}

// correlationPairs declares the metric pairings the dashboard plots. The
// output order follows this table.
var correlationPairs = []struct {
	name   string
	xLabel string
	yLabel string
	x      func(ModelStats) float64
	y      func(ModelStats) float64
}{
	{
		name:   "cost_vs_quality",
		xLabel: "avg_cost_usd",
		yLabel: "avg_quality",
		x:      func(s ModelStats) float64 { return s.AvgCostUSD },
		y:      func(s ModelStats) float64 { return s.AvgQuality },
	},
	{
		name:   "latency_vs_tokens",
		xLabel: "avg_latency_ms",
		yLabel: "avg_tokens",
		x:      func(s ModelStats) float64 { return s.AvgLatencyMS },
		y:      func(s ModelStats) float64 { return s.AvgTokens },
	},
	{
		name:   "cost_vs_latency",
		xLabel: "avg_cost_usd",
		yLabel: "avg_latency_ms",
		x:      func(s ModelStats) float64 { return s.AvgCostUSD },
		y:      func(s ModelStats) float64 { return s.AvgLatencyMS },
	},
}

// Correlate builds a correlation set per declared metric pair, one point
// per entity.
func Correlate(stats []ModelStats) []CorrelationSet {
	sets := make([]CorrelationSet, 0, len(correlationPairs))
	for _, pair := range correlationPairs {
		set := CorrelationSet{
			Name:   pair.name,
			XLabel: pair.xLabel,
			YLabel: pair.yLabel,
			Points: make([]CorrelationPoint, 0, len(stats)),
		}
		xs := make([]float64, 0, len(stats))
		ys := make([]float64, 0, len(stats))
		for _, s := range stats {
			x, y := pair.x(s), pair.y(s)
			set.Points = append(set.Points, CorrelationPoint{Entity: s.Name, X: x, Y: y})
			xs = append(xs, x)
			ys = append(ys, y)
		}
		set.Coefficient = pearson(xs, ys)
		sets = append(sets, set)
	}
	return sets
}

// pearson returns the sample correlation coefficient of two equal-length
// series. Fewer than two points, or zero variance on either side, yields
// 0 rather than NaN.
func pearson(xs, ys []float64) float64 {
	if len(xs) < 2 || len(xs) != len(ys) {
		return 0
	}
	meanX := Mean(xs)
	meanY := Mean(ys)

	var covariance, varX, varY float64
	for i := range xs {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		covariance += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return covariance / math.Sqrt(varX*varY)
}
