package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mltrack/dashboard/internal/run"
)

type fakeSink struct {
	records []*run.Run
	full    bool
}

func (s *fakeSink) Enqueue(r *run.Run) bool {
	if s.full {
		return false
	}
	s.records = append(s.records, r)
	return true
}

type fakeCompleter struct {
	resp openai.ChatCompletionResponse
	err  error
}

func (c *fakeCompleter) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return c.resp, c.err
}

func TestRunFromChatCompletionSuccess(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	resp := openai.ChatCompletionResponse{
		ID:    "chatcmpl-123",
		Model: "gpt-4o",
		Usage: openai.Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500},
	}

	record := RunFromChatCompletion("exp-1", "ana", "gpt-4o", start, 2*time.Second, resp, nil)

	if record.ID == "" {
		t.Fatal("record ID not set")
	}
	if record.ExperimentID != "exp-1" || record.Name != "chatcmpl-123" {
		t.Fatalf("record header = %s/%s, want exp-1/chatcmpl-123", record.ExperimentID, record.Name)
	}
	if record.Status != run.StatusFinished {
		t.Fatalf("status = %s, want FINISHED", record.Status)
	}
	if !record.EndTime.Equal(start.Add(2 * time.Second)) {
		t.Fatalf("end time = %v, want start+2s", record.EndTime)
	}

	if record.Tags[run.TagModel] != "gpt-4o" || record.Tags[run.TagProvider] != "openai" {
		t.Fatalf("tags = %v, want model and inferred provider", record.Tags)
	}
	if record.Tags[run.TagUser] != "ana" || record.Tags[run.TagRunType] != "llm" {
		t.Fatalf("tags = %v, want user and run type", record.Tags)
	}

	m := record.Metrics
	if m[run.MetricLatencyMS] != 2000 {
		t.Fatalf("latency = %v, want 2000", m[run.MetricLatencyMS])
	}
	if m[run.MetricPromptTokens] != 1000 || m[run.MetricCompletionTokens] != 500 || m[run.MetricTotalTokens] != 1500 {
		t.Fatalf("token metrics = %v", m)
	}
	// gpt-4o: 1000/1K*0.005 + 500/1K*0.015 = 0.0125.
	if m[run.MetricCostUSD] != 0.0125 {
		t.Fatalf("cost = %v, want 0.0125", m[run.MetricCostUSD])
	}
	if m[run.MetricTokensPerSecond] != 250 {
		t.Fatalf("tokens/sec = %v, want 250", m[run.MetricTokensPerSecond])
	}
}

func TestRunFromChatCompletionFailure(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	callErr := errors.New("429 rate limited")

	record := RunFromChatCompletion("exp-1", "", "gpt-4", start, 300*time.Millisecond, openai.ChatCompletionResponse{}, callErr)

	if record.Status != run.StatusFailed {
		t.Fatalf("status = %s, want FAILED", record.Status)
	}
	if record.Tags[run.TagError] != "429 rate limited" {
		t.Fatalf("error tag = %q, want the call error", record.Tags[run.TagError])
	}
	if _, ok := record.Tags[run.TagUser]; ok {
		t.Fatal("user tag set for empty user")
	}
	if record.Metrics[run.MetricLatencyMS] != 300 {
		t.Fatalf("latency = %v, want 300", record.Metrics[run.MetricLatencyMS])
	}
	if _, ok := record.Metrics[run.MetricTotalTokens]; ok {
		t.Fatal("token metrics set without usage")
	}
	if _, ok := record.Metrics[run.MetricCostUSD]; ok {
		t.Fatal("cost set without usage")
	}
	if record.Name != "gpt-4" {
		t.Fatalf("name = %q, want the model when the response has no id", record.Name)
	}
}

func TestRecorderChatCompletionEnqueuesRecord(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	recorder := NewRecorder(sink, "exp-7", "kai")
	completer := &fakeCompleter{resp: openai.ChatCompletionResponse{
		Model: "gpt-4o-mini-2024-07-18",
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}

	resp, err := recorder.ChatCompletion(context.Background(), completer, openai.ChatCompletionRequest{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("ChatCompletion() error: %v", err)
	}
	if resp.Model != "gpt-4o-mini-2024-07-18" {
		t.Fatalf("response model = %q, passthrough broken", resp.Model)
	}

	if len(sink.records) != 1 {
		t.Fatalf("sink received %d records, want 1", len(sink.records))
	}
	record := sink.records[0]
	// The response model wins over the requested one.
	if record.Tags[run.TagModel] != "gpt-4o-mini-2024-07-18" {
		t.Fatalf("model tag = %q, want the served model", record.Tags[run.TagModel])
	}
	if record.ExperimentID != "exp-7" || record.Tags[run.TagUser] != "kai" {
		t.Fatalf("record = %s/%v, want recorder scope applied", record.ExperimentID, record.Tags)
	}
}

func TestRecorderPassesThroughCallErrors(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	recorder := NewRecorder(sink, "exp-7", "")
	wantErr := errors.New("upstream exploded")
	completer := &fakeCompleter{err: wantErr}

	_, err := recorder.ChatCompletion(context.Background(), completer, openai.ChatCompletionRequest{Model: "gpt-4"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("ChatCompletion() error = %v, want %v", err, wantErr)
	}
	if len(sink.records) != 1 || sink.records[0].Status != run.StatusFailed {
		t.Fatalf("sink records = %v, want one FAILED record", sink.records)
	}
}

func TestRecorderToleratesNilSinkAndFullSink(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder(nil, "exp-1", "")
	completer := &fakeCompleter{resp: openai.ChatCompletionResponse{Model: "gpt-4"}}
	if _, err := recorder.ChatCompletion(context.Background(), completer, openai.ChatCompletionRequest{Model: "gpt-4"}); err != nil {
		t.Fatalf("ChatCompletion() with nil sink error: %v", err)
	}

	full := &fakeSink{full: true}
	recorder = NewRecorder(full, "exp-1", "")
	if _, err := recorder.ChatCompletion(context.Background(), completer, openai.ChatCompletionRequest{Model: "gpt-4"}); err != nil {
		t.Fatalf("ChatCompletion() with full sink error: %v", err)
	}
}
