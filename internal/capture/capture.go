// Package capture records LLM calls as run records. The recorder wraps an
// OpenAI-compatible client; everything it learns about a call (latency,
// token usage, estimated cost, outcome) lands in canonical tags and
// metrics.
package capture

import (
	"context"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/mltrack/dashboard/internal/pricing"
	"github.com/mltrack/dashboard/internal/run"
)

// Sink accepts captured runs. The ingest writer satisfies it; Enqueue
// must not block.
type Sink interface {
	Enqueue(*run.Run) bool
}

var _ Sink = (*run.Writer)(nil)

// ChatCompleter is the slice of the OpenAI client the recorder needs.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Recorder captures chat completions into an experiment.
type Recorder struct {
	sink         Sink
	experimentID string
	user         string
}

func NewRecorder(sink Sink, experimentID, user string) *Recorder {
	return &Recorder{sink: sink, experimentID: experimentID, user: user}
}

// ChatCompletion performs the call and records it. The response and error
// pass through untouched; a full sink drops the record silently rather
// than failing the call.
func (r *Recorder) ChatCompletion(ctx context.Context, client ChatCompleter, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, req)
	elapsed := time.Since(start)

	model := resp.Model
	if model == "" {
		model = req.Model
	}

	record := RunFromChatCompletion(r.experimentID, r.user, model, start, elapsed, resp, err)
	if r.sink != nil {
		r.sink.Enqueue(record)
	}
	return resp, err
}

// RunFromChatCompletion builds the run record for one chat completion
// call. It is the pure half of the recorder, for callers that manage
// their own transport.
func RunFromChatCompletion(experimentID, user, model string, start time.Time, elapsed time.Duration, resp openai.ChatCompletionResponse, callErr error) *run.Run {
	status := run.StatusFinished
	if callErr != nil {
		status = run.StatusFailed
	}

	tags := map[string]string{
		run.TagModel:   model,
		run.TagRunType: "llm",
	}
	if p := pricing.Provider(model); p != "" {
		tags[run.TagProvider] = p
	}
	if user != "" {
		tags[run.TagUser] = user
	}
	if callErr != nil {
		tags[run.TagError] = callErr.Error()
	}

	metrics := map[string]float64{
		run.MetricLatencyMS: float64(elapsed) / float64(time.Millisecond),
	}
	if usage := resp.Usage; usage.TotalTokens > 0 {
		metrics[run.MetricPromptTokens] = float64(usage.PromptTokens)
		metrics[run.MetricCompletionTokens] = float64(usage.CompletionTokens)
		metrics[run.MetricTotalTokens] = float64(usage.TotalTokens)
		metrics[run.MetricCostUSD] = pricing.Cost(model, usage.PromptTokens, usage.CompletionTokens)
		if secs := elapsed.Seconds(); secs > 0 {
			metrics[run.MetricTokensPerSecond] = float64(usage.CompletionTokens) / secs
		}
	}

	name := resp.ID
	if name == "" {
		name = model
	}

	return &run.Run{
		ID:           uuid.NewString(),
		ExperimentID: experimentID,
		Name:         name,
		Status:       status,
		StartTime:    start.UTC(),
		EndTime:      start.Add(elapsed).UTC(),
		Tags:         tags,
		Metrics:      metrics,
	}
}
