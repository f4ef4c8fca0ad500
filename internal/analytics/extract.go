package analytics

import (
	"strings"

	"github.com/mltrack/dashboard/internal/run"
)

// TagValue returns the first non-blank tag found under the given keys.
// Callers pass alias lists ordered most specific first.
func TagValue(r run.Run, keys ...string) string {
	for _, key := range keys {
		if v, ok := r.Tags[key]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// MetricValue returns the first metric found under the given keys, or 0
// when none is present. Zero is a deliberate default: a missing sample
// still counts toward the entity's run total.
func MetricValue(r run.Run, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := r.Metrics[key]; ok {
			return v
		}
	}
	return 0
}

// providerPatterns maps model-name substrings to provider names. Matching
// is case-insensitive and first match wins.
var providerPatterns = []struct {
	substr   string
	provider string
}{
	{"gpt", "openai"},
	{"o1", "openai"},
	{"davinci", "openai"},
	{"claude", "anthropic"},
	{"gemini", "google"},
	{"palm", "google"},
	{"bison", "google"},
	{"llama", "meta"},
	{"mixtral", "mistral"},
	{"mistral", "mistral"},
	{"command", "cohere"},
	{"titan", "amazon"},
}

// ProviderForModel infers a provider from a model name. It returns ""
// when the name matches no known pattern.
func ProviderForModel(model string) string {
	name := strings.ToLower(model)
	for _, p := range providerPatterns {
		if strings.Contains(name, p.substr) {
			return p.provider
		}
	}
	return ""
}

// UnknownEntity labels runs whose grouping tag is absent so they still
// show up in aggregates instead of vanishing.
const UnknownEntity = "unknown"

// A KeyFunc assigns a run to an aggregation entity.
type KeyFunc func(run.Run) string

func ByModel(r run.Run) string {
	if m := TagValue(r, run.ModelTagAliases...); m != "" {
		return m
	}
	return UnknownEntity
}

func ByProvider(r run.Run) string {
	if p := TagValue(r, run.ProviderTagAliases...); p != "" {
		return p
	}
	if p := ProviderForModel(TagValue(r, run.ModelTagAliases...)); p != "" {
		return p
	}
	return UnknownEntity
}

func ByExperiment(r run.Run) string {
	if r.ExperimentID != "" {
		return r.ExperimentID
	}
	return UnknownEntity
}

func ByUser(r run.Run) string {
	if u := TagValue(r, run.UserTagAliases...); u != "" {
		return u
	}
	return UnknownEntity
}

// KeyForGroup resolves a group_by parameter to its canonical name and
// KeyFunc. Unrecognized values fall back to grouping by model.
func KeyForGroup(group string) (string, KeyFunc) {
	switch strings.ToLower(strings.TrimSpace(group)) {
	case "provider":
		return "provider", ByProvider
	case "experiment":
		return "experiment", ByExperiment
	case "user":
		return "user", ByUser
	default:
		return "model", ByModel
	}
}
