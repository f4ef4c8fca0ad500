package analytics

import "github.com/mltrack/dashboard/internal/run"

// Samples carries the raw observations collected for one entity before
// reduction. Slices stay in input order; nothing here is sorted.
type Samples struct {
	Runs      int
	Successes int
	Failures  int

	Latencies []float64
	Costs     []float64
	Tokens    []float64
	Quality   []float64

	providers map[string]struct{}
}

func (s *Samples) observe(r run.Run) {
	s.Runs++
	switch r.Status {
	case run.StatusFinished:
		s.Successes++
	case run.StatusFailed:
		s.Failures++
	}

	s.Latencies = append(s.Latencies, MetricValue(r, run.LatencyMetricAliases...))
	s.Costs = append(s.Costs, MetricValue(r, run.CostMetricAliases...))
	s.Tokens = append(s.Tokens, MetricValue(r, run.TokensMetricAliases...))
	s.Quality = append(s.Quality, MetricValue(r, run.QualityMetricAliases...))

	if p := TagValue(r, run.ProviderTagAliases...); p != "" {
		if s.providers == nil {
			s.providers = make(map[string]struct{})
		}
		s.providers[p] = struct{}{}
	}
}

// provider resolves the entity's provider attribution: the single distinct
// provider tag seen across its runs, else inference from the entity name,
// else unknown. Conflicting tags fall through to inference so one
// mislabeled run cannot claim the whole entity.
func (s *Samples) provider(entity string) string {
	if len(s.providers) == 1 {
		for p := range s.providers {
			return p
		}
	}
	if p := ProviderForModel(entity); p != "" {
		return p
	}
	return UnknownEntity
}

// Aggregate groups runs into per-entity samples using key. Input order is
// irrelevant: every run contributes to exactly one entity and the
// accumulators are order-insensitive.
func Aggregate(runs []run.Run, key KeyFunc) map[string]*Samples {
	entities := make(map[string]*Samples)
	for _, r := range runs {
		name := key(r)
		s := entities[name]
		if s == nil {
			s = &Samples{}
			entities[name] = s
		}
		s.observe(r)
	}
	return entities
}
