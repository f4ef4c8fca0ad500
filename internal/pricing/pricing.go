// Package pricing estimates the USD cost of LLM calls from published
// per-token rates. Rates go stale; treat every figure as an estimate for
// dashboards, not billing.
package pricing

import (
	"math"
	"strings"

	"github.com/mltrack/dashboard/internal/analytics"
)

// Rate is USD per 1000 tokens, split by direction.
type Rate struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// rates keys are lowercase model names. Lookup tries an exact match and
// then the longest matching prefix, so dated releases like
// "gpt-4o-2024-05-13" resolve to their base model.
var rates = map[string]Rate{
	"gpt-4":         {PromptPer1K: 0.03, CompletionPer1K: 0.06},
	"gpt-4-turbo":   {PromptPer1K: 0.01, CompletionPer1K: 0.03},
	"gpt-4o":        {PromptPer1K: 0.005, CompletionPer1K: 0.015},
	"gpt-4o-mini":   {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
	"gpt-3.5-turbo": {PromptPer1K: 0.0005, CompletionPer1K: 0.0015},

	"claude-3-opus":     {PromptPer1K: 0.015, CompletionPer1K: 0.075},
	"claude-3-sonnet":   {PromptPer1K: 0.003, CompletionPer1K: 0.015},
	"claude-3-haiku":    {PromptPer1K: 0.00025, CompletionPer1K: 0.00125},
	"claude-3.5-sonnet": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
	"claude-3-5-sonnet": {PromptPer1K: 0.003, CompletionPer1K: 0.015},

	"gemini-pro":   {PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
	"mixtral-8x7b": {PromptPer1K: 0.0007, CompletionPer1K: 0.0007},
	// Self-hosted open-weight models (llama-*) stay unpriced on purpose;
	// the recommendation rules treat zero-cost entities as free.
}

// Lookup resolves the rate for a model name. The second return reports
// whether the model is priced.
func Lookup(model string) (Rate, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	if name == "" {
		return Rate{}, false
	}
	if rate, ok := rates[name]; ok {
		return rate, true
	}

	var best string
	for key := range rates {
		if strings.HasPrefix(name, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return Rate{}, false
	}
	return rates[best], true
}

// Cost estimates the USD cost of one call, rounded to 6 decimals.
// Unpriced models cost 0.
func Cost(model string, promptTokens, completionTokens int) float64 {
	rate, ok := Lookup(model)
	if !ok {
		return 0
	}
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}

	cost := float64(promptTokens)/1000*rate.PromptPer1K +
		float64(completionTokens)/1000*rate.CompletionPer1K
	return math.Round(cost*1e6) / 1e6
}

// Provider infers the provider for a model name. Callers that already
// hold run tags should prefer the tagged provider.
func Provider(model string) string {
	return analytics.ProviderForModel(model)
}
