package run

import (
	"strings"
	"time"
)

// Status mirrors the MLflow run lifecycle vocabulary.
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

// Canonical tag and metric keys written by this codebase. Historical
// backends stored the same concepts under older names; readers resolve
// values through the alias lists below instead of touching keys directly.
const (
	TagModel    = "mltrack.llm.model"
	TagProvider = "mltrack.llm.provider"
	TagUser     = "mltrack.user.name"
	TagRunType  = "mltrack.type"
	TagError    = "mltrack.error"

	MetricLatencyMS        = "llm.latency_ms"
	MetricCostUSD          = "llm.cost_usd"
	MetricTotalTokens      = "llm.tokens.total_tokens"
	MetricPromptTokens     = "llm.tokens.prompt_tokens"
	MetricCompletionTokens = "llm.tokens.completion_tokens"
	MetricTokensPerSecond  = "llm.tokens_per_second"
	MetricQualityScore     = "llm.quality_score"
)

// Alias lists, ordered most specific / newest first. Extraction returns the
// first present value and a typed default otherwise.
var (
	ModelTagAliases    = []string{TagModel, "mltrack.model.algorithm", "mltrack.algorithm", "model"}
	ProviderTagAliases = []string{TagProvider, "mltrack.provider", "mltrack.framework", "provider"}
	UserTagAliases     = []string{TagUser, "mltrack.user.id", "mlflow.user", "mlflow.userName", "user"}
	RunTypeTagAliases  = []string{TagRunType, "mltrack.run.type", "mltrack.category", "mltrack.run.category"}

	LatencyMetricAliases          = []string{MetricLatencyMS, "latency_ms", "latency"}
	CostMetricAliases             = []string{MetricCostUSD, "cost_usd", "cost"}
	TokensMetricAliases           = []string{MetricTotalTokens, "total_tokens", "tokens"}
	PromptTokensMetricAliases     = []string{MetricPromptTokens, "prompt_tokens"}
	CompletionTokensMetricAliases = []string{MetricCompletionTokens, "completion_tokens"}
	QualityMetricAliases          = []string{MetricQualityScore, "quality_score", "accuracy", "f1_score"}
)

// Run is one logged execution of an experiment. Tags and Metrics are
// unordered and their key names are backend/version dependent.
type Run struct {
	ID           string
	ExperimentID string
	Name         string
	Status       Status
	StartTime    time.Time
	EndTime      time.Time // zero while the run is still open
	Tags         map[string]string
	Metrics      map[string]float64
	CreatedAt    time.Time
}

// Duration is the wall-clock runtime, zero for open or malformed runs.
func (r Run) Duration() time.Duration {
	if r.EndTime.IsZero() || r.EndTime.Before(r.StartTime) {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Finished reports whether the run reached a terminal status.
func (r Run) Finished() bool {
	return r.Status == StatusFinished || r.Status == StatusFailed
}

// NormalizeStatus maps arbitrary backend casing onto the Status vocabulary,
// defaulting to RUNNING for empty input. Unknown terminal states from other
// backends (e.g. KILLED) pass through uppercased so they are preserved.
func NormalizeStatus(raw string) Status {
	value := strings.ToUpper(strings.TrimSpace(raw))
	if value == "" {
		return StatusRunning
	}
	return Status(value)
}

// normalizeRun fills storage defaults without mutating the caller's record.
func normalizeRun(in *Run) *Run {
	row := *in
	now := time.Now().UTC()

	if row.Status == "" {
		row.Status = StatusRunning
	} else {
		row.Status = NormalizeStatus(string(row.Status))
	}
	if row.StartTime.IsZero() {
		row.StartTime = now
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.Tags == nil {
		row.Tags = map[string]string{}
	}
	if row.Metrics == nil {
		row.Metrics = map[string]float64{}
	}

	return &row
}

// firstTag resolves the denormalized filter columns at write time. The full
// typed extractor lives with the analytics engine; this covers only what
// the stores index.
func firstTag(tags map[string]string, keys []string) string {
	for _, key := range keys {
		if value, ok := tags[key]; ok {
			value = strings.TrimSpace(value)
			if value != "" {
				return value
			}
		}
	}
	return ""
}
