package analytics

import (
	"fmt"
	"sort"
	"strings"
)

// Recommendation category and impact vocabulary, stable on the wire.
type Category string

const (
	CategoryCost        Category = "cost"
	CategoryPerformance Category = "performance"
	CategoryQuality     Category = "quality"
	CategoryReliability Category = "reliability"
)

type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// Recommendation is one piece of ranked advice derived from the scored
// entity set.
type Recommendation struct {
	Category        Category `json:"category"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Impact          Impact   `json:"impact"`
	RelatedEntities []string `json:"related_entities,omitempty"`
}

// Reliability thresholds for the advice rules: below the floor an entity
// is flagged, at or above the bar it qualifies as an alternative.
const (
	reliabilityFloor = 90.0
	reliabilityBar   = 95.0
)

// interactiveLatencyMS is the latency budget under which a model is
// considered usable for interactive workloads.
const interactiveLatencyMS = 1000.0

// valueEpsilon keeps the quality-per-dollar ranking defined for free
// models.
const valueEpsilon = 0.001

// Recommend derives advice from the scored entity set. Rules fire
// independently in a fixed order and nothing suppresses overlap: the same
// entity may appear in several recommendations.
func Recommend(stats []ModelStats) []Recommendation {
	recommendations := make([]Recommendation, 0, 4)
	if len(stats) == 0 {
		return recommendations
	}
	scores := Score(stats)

	if rec, ok := recommendCost(stats, scores); ok {
		recommendations = append(recommendations, rec)
	}
	if rec, ok := recommendReliability(stats); ok {
		recommendations = append(recommendations, rec)
	}
	if rec, ok := recommendPerformance(stats); ok {
		recommendations = append(recommendations, rec)
	}
	if rec, ok := recommendQualityValue(stats); ok {
		recommendations = append(recommendations, rec)
	}
	return recommendations
}

// recommendCost names the entity with the best cost-efficiency score.
// Ties keep the earlier entity in stats order.
func recommendCost(stats []ModelStats, scores map[string]ComparisonMetrics) (Recommendation, bool) {
	best := stats[0]
	bestScore := scores[best.Name].CostEfficiency
	for _, s := range stats[1:] {
		if sc := scores[s.Name].CostEfficiency; sc > bestScore {
			best, bestScore = s, sc
		}
	}
	return Recommendation{
		Category: CategoryCost,
		Title:    "Most cost-efficient model",
		Description: fmt.Sprintf("%s is the most cost-efficient option at $%.4f per 1K tokens. Prefer it for high-volume workloads.",
			best.Name, best.CostPer1KTokens),
		Impact:          ImpactHigh,
		RelatedEntities: []string{best.Name},
	}, true
}

// recommendReliability flags entities below the success-rate floor and
// offers the ones at or above the bar as alternatives.
func recommendReliability(stats []ModelStats) (Recommendation, bool) {
	var concerns []string
	var described []string
	var alternatives []string
	for _, s := range stats {
		if s.SuccessRate < reliabilityFloor {
			concerns = append(concerns, s.Name)
			described = append(described, fmt.Sprintf("%s (%.1f%% success)", s.Name, s.SuccessRate))
		}
		if s.SuccessRate >= reliabilityBar {
			alternatives = append(alternatives, s.Name)
		}
	}
	if len(concerns) == 0 {
		return Recommendation{}, false
	}

	description := fmt.Sprintf("%s fell below a 90%% success rate.", strings.Join(described, ", "))
	if len(alternatives) > 0 {
		description += fmt.Sprintf(" Consider %s instead.", strings.Join(alternatives, ", "))
	}

	related := make([]string, 0, len(concerns)+len(alternatives))
	related = append(related, concerns...)
	related = append(related, alternatives...)
	return Recommendation{
		Category:        CategoryReliability,
		Title:           "Reliability concerns",
		Description:     description,
		Impact:          ImpactHigh,
		RelatedEntities: related,
	}, true
}

// recommendPerformance names the fastest entity inside the interactive
// latency budget, listing everything under the budget fastest first.
func recommendPerformance(stats []ModelStats) (Recommendation, bool) {
	fast := make([]ModelStats, 0, len(stats))
	for _, s := range stats {
		if s.AvgLatencyMS < interactiveLatencyMS {
			fast = append(fast, s)
		}
	}
	if len(fast) == 0 {
		return Recommendation{}, false
	}
	sort.SliceStable(fast, func(i, j int) bool {
		return fast[i].AvgLatencyMS < fast[j].AvgLatencyMS
	})

	related := make([]string, len(fast))
	for i, s := range fast {
		related[i] = s.Name
	}
	return Recommendation{
		Category: CategoryPerformance,
		Title:    "Fastest model for interactive use",
		Description: fmt.Sprintf("%s responds in %.0fms on average, the fastest of the models under one second.",
			fast[0].Name, fast[0].AvgLatencyMS),
		Impact:          ImpactMedium,
		RelatedEntities: related,
	}, true
}

// recommendQualityValue ranks entities by quality per dollar and names
// the best value.
func recommendQualityValue(stats []ModelStats) (Recommendation, bool) {
	ranked := make([]ModelStats, len(stats))
	copy(ranked, stats)
	sort.SliceStable(ranked, func(i, j int) bool {
		return qualityPerDollar(ranked[i]) > qualityPerDollar(ranked[j])
	})

	related := make([]string, len(ranked))
	for i, s := range ranked {
		related[i] = s.Name
	}
	return Recommendation{
		Category: CategoryQuality,
		Title:    "Best quality for the money",
		Description: fmt.Sprintf("%s delivers the highest quality relative to its cost (quality %.2f at $%.4f per run).",
			ranked[0].Name, ranked[0].AvgQuality, ranked[0].AvgCostUSD),
		Impact:          ImpactMedium,
		RelatedEntities: related,
	}, true
}

func qualityPerDollar(s ModelStats) float64 {
	return s.AvgQuality / (s.AvgCostUSD + valueEpsilon)
}
