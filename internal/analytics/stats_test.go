package analytics

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/mltrack/dashboard/internal/run"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestMean(t *testing.T) {
	t.Parallel()

	if got := Mean(nil); got != 0 {
		t.Fatalf("Mean(nil) = %v, want 0", got)
	}
	if got := Mean([]float64{2, 4, 6}); got != 4 {
		t.Fatalf("Mean() = %v, want 4", got)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	values := []float64{100, 200, 300, 400, 500}
	if got := Percentile(values, 0.9); got != 500 {
		t.Fatalf("Percentile(p=0.9) = %v, want 500", got)
	}
	if got := Percentile(values, 0.5); got != 300 {
		t.Fatalf("Percentile(p=0.5) = %v, want 300", got)
	}
	if got := Percentile(values, 0); got != 100 {
		t.Fatalf("Percentile(p=0) = %v, want first element", got)
	}
	if got := Percentile(values, 1); got != 500 {
		t.Fatalf("Percentile(p=1) = %v, want last element", got)
	}
	if got := Percentile(nil, 0.95); got != 0 {
		t.Fatalf("Percentile(empty) = %v, want 0", got)
	}
}

func TestPercentileDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	values := []float64{500, 100, 300}
	Percentile(values, 0.95)
	if values[0] != 500 || values[1] != 100 || values[2] != 300 {
		t.Fatalf("Percentile() reordered its input: %v", values)
	}
}

func TestPercentileMonotonicity(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		values := make([]float64, 1+rng.Intn(40))
		for i := range values {
			values[i] = rng.Float64() * 1e4
		}
		p50 := Percentile(values, 0.5)
		p95 := Percentile(values, 0.95)
		p99 := Percentile(values, 0.99)
		if p50 > p95 || p95 > p99 {
			t.Fatalf("percentiles not monotonic: p50=%v p95=%v p99=%v over %v", p50, p95, p99, values)
		}
	}
}

func TestReduceComputesRatesAndCostPerThousandTokens(t *testing.T) {
	t.Parallel()

	runs := []run.Run{
		llmRun("gpt-4", run.StatusFinished, testStart, map[string]float64{
			run.MetricCostUSD:     1,
			run.MetricTotalTokens: 100,
		}),
		llmRun("gpt-4", run.StatusFailed, testStart.Add(time.Minute), map[string]float64{
			run.MetricCostUSD:     3,
			run.MetricTotalTokens: 100,
		}),
	}

	stats := ComputeModelStats(runs, ByModel)
	if len(stats) != 1 {
		t.Fatalf("ComputeModelStats() returned %d entities, want 1", len(stats))
	}
	s := stats[0]
	if !almostEqual(s.AvgCostUSD, 2) {
		t.Fatalf("AvgCostUSD = %v, want 2", s.AvgCostUSD)
	}
	if !almostEqual(s.SuccessRate, 50) || !almostEqual(s.ErrorRate, 50) {
		t.Fatalf("rates = %v/%v, want 50/50", s.SuccessRate, s.ErrorRate)
	}
	if !almostEqual(s.CostPer1KTokens, 20) {
		t.Fatalf("CostPer1KTokens = %v, want 20", s.CostPer1KTokens)
	}
	if !almostEqual(s.TotalCostUSD, 4) || !almostEqual(s.TotalTokens, 200) {
		t.Fatalf("totals = %v/%v, want 4/200", s.TotalCostUSD, s.TotalTokens)
	}
	if !almostEqual(s.UsageShare, 100) {
		t.Fatalf("UsageShare = %v, want 100 for the only entity", s.UsageShare)
	}
}

func TestReduceGuardsZeroDenominators(t *testing.T) {
	t.Parallel()

	empty := Reduce("ghost", &Samples{}, 0)
	if empty.SuccessRate != 0 || empty.ErrorRate != 0 || empty.CostPer1KTokens != 0 || empty.UsageShare != 0 {
		t.Fatalf("Reduce(empty samples) = %+v, want all-zero rates", empty)
	}
	if empty.Provider != UnknownEntity {
		t.Fatalf("Provider = %q, want %q", empty.Provider, UnknownEntity)
	}

	nilSamples := Reduce("ghost", nil, 10)
	if nilSamples.TotalRuns != 0 {
		t.Fatalf("Reduce(nil) TotalRuns = %d, want 0", nilSamples.TotalRuns)
	}
}

func TestComputeModelStatsUsageShares(t *testing.T) {
	t.Parallel()

	var runs []run.Run
	for i := 0; i < 80; i++ {
		runs = append(runs, llmRun("model-a", run.StatusFinished, testStart.Add(time.Duration(i)*time.Second), nil))
	}
	for i := 0; i < 20; i++ {
		runs = append(runs, llmRun("model-b", run.StatusFinished, testStart.Add(time.Duration(1000+i)*time.Second), nil))
	}

	stats := ComputeModelStats(runs, ByModel)
	if len(stats) != 2 {
		t.Fatalf("ComputeModelStats() returned %d entities, want 2", len(stats))
	}
	if stats[0].Name != "model-a" || !almostEqual(stats[0].UsageShare, 80) {
		t.Fatalf("first entity = %s share %v, want model-a at 80", stats[0].Name, stats[0].UsageShare)
	}
	if stats[1].Name != "model-b" || !almostEqual(stats[1].UsageShare, 20) {
		t.Fatalf("second entity = %s share %v, want model-b at 20", stats[1].Name, stats[1].UsageShare)
	}
}

func TestComputeModelStatsSharesSumToOneHundred(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(11))
	models := []string{"gpt-4", "claude-3-opus", "llama-3-70b", "mixtral-8x7b"}
	var runs []run.Run
	for i := 0; i < 137; i++ {
		model := models[rng.Intn(len(models))]
		runs = append(runs, llmRun(model, run.StatusFinished, testStart.Add(time.Duration(i)*time.Minute), nil))
	}

	var total float64
	for _, s := range ComputeModelStats(runs, ByModel) {
		total += s.UsageShare
	}
	if math.Abs(total-100) > 1e-6 {
		t.Fatalf("usage shares sum to %v, want 100", total)
	}

	if got := ComputeModelStats(nil, ByModel); len(got) != 0 {
		t.Fatalf("ComputeModelStats(nil) = %v, want empty", got)
	}
}

func TestComputeModelStatsOrdersByRunsThenName(t *testing.T) {
	t.Parallel()

	runs := []run.Run{
		llmRun("b-model", run.StatusFinished, testStart, nil),
		llmRun("a-model", run.StatusFinished, testStart.Add(time.Second), nil),
		llmRun("c-model", run.StatusFinished, testStart.Add(2*time.Second), nil),
		llmRun("c-model", run.StatusFinished, testStart.Add(3*time.Second), nil),
	}

	stats := ComputeModelStats(runs, ByModel)
	got := []string{stats[0].Name, stats[1].Name, stats[2].Name}
	want := []string{"c-model", "a-model", "b-model"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestComputeModelStatsIsOrderIndependent(t *testing.T) {
	t.Parallel()

	runs := []run.Run{
		llmRun("gpt-4", run.StatusFinished, testStart, map[string]float64{run.MetricLatencyMS: 800, run.MetricCostUSD: 0.2}),
		llmRun("gpt-4", run.StatusFailed, testStart.Add(time.Minute), map[string]float64{run.MetricLatencyMS: 1100, run.MetricCostUSD: 0.3}),
		llmRun("claude-3-opus", run.StatusFinished, testStart.Add(2*time.Minute), map[string]float64{run.MetricLatencyMS: 950, run.MetricCostUSD: 0.8}),
		llmRun("llama-3-70b", run.StatusFinished, testStart.Add(3*time.Minute), map[string]float64{run.MetricLatencyMS: 400}),
	}
	reversed := make([]run.Run, len(runs))
	for i, r := range runs {
		reversed[len(runs)-1-i] = r
	}

	a := ComputeModelStats(runs, ByModel)
	b := ComputeModelStats(reversed, ByModel)
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("entity %d differs across input orders:\n%+v\n%+v", i, a[i], b[i])
		}
	}
}
