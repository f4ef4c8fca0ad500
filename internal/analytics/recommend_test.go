package analytics

import (
	"strings"
	"testing"
)

// recommendFixture exercises all four rules at once: flaky is both the
// reliability concern and the cheapest model, steady is the reliable
// alternative, and quick is the fastest.
func recommendFixture() []ModelStats {
	return []ModelStats{
		{Name: "steady", CostPer1KTokens: 12, AvgLatencyMS: 1400, AvgQuality: 0.9, AvgCostUSD: 0.9, SuccessRate: 99},
		{Name: "quick", CostPer1KTokens: 6, AvgLatencyMS: 350, AvgQuality: 0.7, AvgCostUSD: 0.25, SuccessRate: 96},
		{Name: "flaky", CostPer1KTokens: 2, AvgLatencyMS: 800, AvgQuality: 0.5, AvgCostUSD: 0.1, SuccessRate: 70},
	}
}

func TestRecommendFiresAllRulesInOrder(t *testing.T) {
	t.Parallel()

	recs := Recommend(recommendFixture())
	if len(recs) != 4 {
		t.Fatalf("Recommend() returned %d recommendations, want 4", len(recs))
	}

	wantCategories := []Category{CategoryCost, CategoryReliability, CategoryPerformance, CategoryQuality}
	for i, want := range wantCategories {
		if recs[i].Category != want {
			t.Fatalf("recommendation %d category = %q, want %q", i, recs[i].Category, want)
		}
	}
	if recs[0].Impact != ImpactHigh || recs[1].Impact != ImpactHigh {
		t.Fatalf("cost/reliability impacts = %s/%s, want high/high", recs[0].Impact, recs[1].Impact)
	}
	if recs[2].Impact != ImpactMedium || recs[3].Impact != ImpactMedium {
		t.Fatalf("performance/quality impacts = %s/%s, want medium/medium", recs[2].Impact, recs[3].Impact)
	}
}

func TestRecommendCostNamesCheapestByScore(t *testing.T) {
	t.Parallel()

	recs := Recommend(recommendFixture())
	cost := recs[0]
	if len(cost.RelatedEntities) != 1 || cost.RelatedEntities[0] != "flaky" {
		t.Fatalf("cost related = %v, want [flaky]", cost.RelatedEntities)
	}
	if !strings.Contains(cost.Description, "flaky") {
		t.Fatalf("cost description %q does not name the winner", cost.Description)
	}
}

func TestRecommendReliabilityListsConcernsThenAlternatives(t *testing.T) {
	t.Parallel()

	recs := Recommend(recommendFixture())
	rel := recs[1]

	want := []string{"flaky", "steady", "quick"}
	if len(rel.RelatedEntities) != len(want) {
		t.Fatalf("reliability related = %v, want %v", rel.RelatedEntities, want)
	}
	for i := range want {
		if rel.RelatedEntities[i] != want[i] {
			t.Fatalf("reliability related = %v, want concerns before alternatives %v", rel.RelatedEntities, want)
		}
	}
	if !strings.Contains(rel.Description, "flaky") || !strings.Contains(rel.Description, "steady") {
		t.Fatalf("reliability description %q should mention concern and alternative", rel.Description)
	}
}

func TestRecommendReliabilitySilentWhenAllHealthy(t *testing.T) {
	t.Parallel()

	stats := []ModelStats{
		{Name: "a", SuccessRate: 97, AvgLatencyMS: 500, AvgQuality: 0.8},
		{Name: "b", SuccessRate: 92, AvgLatencyMS: 700, AvgQuality: 0.6},
	}
	for _, rec := range Recommend(stats) {
		if rec.Category == CategoryReliability {
			t.Fatalf("reliability rule fired for healthy set: %+v", rec)
		}
	}
}

func TestRecommendPerformanceOrdersFastestFirst(t *testing.T) {
	t.Parallel()

	recs := Recommend(recommendFixture())
	perf := recs[2]
	want := []string{"quick", "flaky"}
	if len(perf.RelatedEntities) != len(want) {
		t.Fatalf("performance related = %v, want %v", perf.RelatedEntities, want)
	}
	for i := range want {
		if perf.RelatedEntities[i] != want[i] {
			t.Fatalf("performance related = %v, want ascending latency %v", perf.RelatedEntities, want)
		}
	}
	if !strings.Contains(perf.Description, "quick") || !strings.Contains(perf.Description, "350") {
		t.Fatalf("performance description %q should name the fastest and its latency", perf.Description)
	}
}

func TestRecommendPerformanceSilentWhenNothingInteractive(t *testing.T) {
	t.Parallel()

	stats := []ModelStats{
		{Name: "slow-a", AvgLatencyMS: 2500, SuccessRate: 99, AvgQuality: 0.9},
		{Name: "slow-b", AvgLatencyMS: 1800, SuccessRate: 98, AvgQuality: 0.8},
	}
	for _, rec := range Recommend(stats) {
		if rec.Category == CategoryPerformance {
			t.Fatalf("performance rule fired with no model under 1000ms: %+v", rec)
		}
	}
}

func TestRecommendQualityRanksValueForMoney(t *testing.T) {
	t.Parallel()

	recs := Recommend(recommendFixture())
	quality := recs[3]

	// quality/(cost+0.001): flaky 0.5/0.101≈4.95, quick 0.7/0.251≈2.79,
	// steady 0.9/0.901≈1.0.
	want := []string{"flaky", "quick", "steady"}
	for i := range want {
		if quality.RelatedEntities[i] != want[i] {
			t.Fatalf("quality ranking = %v, want %v", quality.RelatedEntities, want)
		}
	}
	if !strings.Contains(quality.Description, "flaky") {
		t.Fatalf("quality description %q does not name the best value", quality.Description)
	}
}

func TestRecommendQualityHandlesFreeModels(t *testing.T) {
	t.Parallel()

	stats := []ModelStats{
		{Name: "free", AvgCostUSD: 0, AvgQuality: 0.4, SuccessRate: 99, AvgLatencyMS: 100},
		{Name: "paid", AvgCostUSD: 1, AvgQuality: 0.9, SuccessRate: 99, AvgLatencyMS: 100},
	}

	recs := Recommend(stats)
	var quality *Recommendation
	for i := range recs {
		if recs[i].Category == CategoryQuality {
			quality = &recs[i]
			break
		}
	}
	if quality == nil {
		t.Fatal("quality rule did not fire")
	}
	// 0.4/0.001 = 400 beats 0.9/1.001 even at zero cost.
	if quality.RelatedEntities[0] != "free" {
		t.Fatalf("quality ranking = %v, want free first", quality.RelatedEntities)
	}
}

func TestRecommendEmptyInput(t *testing.T) {
	t.Parallel()

	recs := Recommend(nil)
	if recs == nil || len(recs) != 0 {
		t.Fatalf("Recommend(nil) = %v, want empty non-nil slice", recs)
	}
}
