package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mltrack/dashboard/internal/run"
)

func TestRunSeedWritesRunsToLocalStore(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "seed.db")
	configPath := filepath.Join(tempDir, "mltrack.yaml")
	configBody := "storage:\n  driver: sqlite\n  sqlite:\n    path: " + dbPath + "\n"
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	args := []string{"--config", configPath, "--runs", "60", "--days", "7", "--experiments", "2", "--seed", "7"}
	code := runSeed(args, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runSeed() code=%d, stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "seeded 60 runs across 2 experiments over 7 days (sqlite storage)") {
		t.Fatalf("stdout=%q, want seed summary line", stdout.String())
	}

	store, err := run.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen sqlite store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close sqlite store: %v", err)
		}
	}()

	result, err := store.QueryRuns(context.Background(), run.Filter{Limit: 200})
	if err != nil {
		t.Fatalf("query seeded runs: %v", err)
	}
	if len(result.Items) != 60 {
		t.Fatalf("seeded run count=%d, want 60", len(result.Items))
	}

	knownModels := make(map[string]bool, len(seedProfiles))
	for _, profile := range seedProfiles {
		knownModels[profile.model] = true
	}
	for _, item := range result.Items {
		if !knownModels[item.Tags[run.TagModel]] {
			t.Fatalf("run %s carries unknown model tag %q", item.ID, item.Tags[run.TagModel])
		}
		if item.Status != run.StatusFinished && item.Status != run.StatusFailed {
			t.Fatalf("run %s has non-terminal status %q", item.ID, item.Status)
		}
		if item.Metrics[run.MetricLatencyMS] < 20 {
			t.Fatalf("run %s latency=%f, want >= 20", item.ID, item.Metrics[run.MetricLatencyMS])
		}
	}

	experiments, err := store.ListExperiments(context.Background())
	if err != nil {
		t.Fatalf("list experiments: %v", err)
	}
	if len(experiments) != 2 {
		t.Fatalf("experiment count=%d, want 2", len(experiments))
	}
	for _, exp := range experiments {
		if !strings.HasPrefix(exp.ExperimentID, "demo-exp-") {
			t.Fatalf("experiment id=%q, want demo-exp- prefix", exp.ExperimentID)
		}
	}
}

func TestGenerateSeedRunsIsDeterministicPerSeed(t *testing.T) {
	t.Parallel()

	first := generateSeedRuns(25, 7, 3, 42)
	second := generateSeedRuns(25, 7, 3, 42)
	if len(first) != 25 || len(second) != 25 {
		t.Fatalf("generated counts=%d/%d, want 25", len(first), len(second))
	}

	for i := range first {
		if first[i].Tags[run.TagModel] != second[i].Tags[run.TagModel] {
			t.Fatalf("run %d model=%q vs %q, want identical sequences for the same seed", i, first[i].Tags[run.TagModel], second[i].Tags[run.TagModel])
		}
		if first[i].Metrics[run.MetricLatencyMS] != second[i].Metrics[run.MetricLatencyMS] {
			t.Fatalf("run %d latency diverged for the same seed", i)
		}
		if first[i].Metrics[run.MetricCostUSD] != second[i].Metrics[run.MetricCostUSD] {
			t.Fatalf("run %d cost diverged for the same seed", i)
		}
		if first[i].ExperimentID != second[i].ExperimentID {
			t.Fatalf("run %d experiment diverged for the same seed", i)
		}
	}
}

func TestGenerateSeedRunsShapesFailures(t *testing.T) {
	t.Parallel()

	records := generateSeedRuns(400, 14, 3, 7)
	var failures int
	for _, record := range records {
		if record.Status != run.StatusFailed {
			if _, ok := record.Metrics[run.MetricQualityScore]; !ok {
				t.Fatalf("successful run %s is missing a quality score", record.Name)
			}
			continue
		}
		failures++
		if record.Tags[run.TagError] != "upstream_error" {
			t.Fatalf("failed run %s error tag=%q, want upstream_error", record.Name, record.Tags[run.TagError])
		}
		if record.Metrics[run.MetricCompletionTokens] != 0 {
			t.Fatalf("failed run %s completion tokens=%f, want 0", record.Name, record.Metrics[run.MetricCompletionTokens])
		}
		if _, ok := record.Metrics[run.MetricQualityScore]; ok {
			t.Fatalf("failed run %s should not carry a quality score", record.Name)
		}
	}
	if failures == 0 {
		t.Fatalf("expected at least one failed run among 400 seeded records")
	}
}

func TestRunSeedRejectsInvalidFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "zero runs", args: []string{"--runs", "0"}, wantErr: "runs must be between 1 and"},
		{name: "too many runs", args: []string{"--runs", "100001"}, wantErr: "runs must be between 1 and"},
		{name: "zero days", args: []string{"--days", "0"}, wantErr: "days must be at least 1"},
		{name: "zero experiments", args: []string{"--experiments", "0"}, wantErr: "experiments must be at least 1"},
		{name: "positional", args: []string{"extra"}, wantErr: "does not accept positional arguments"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout bytes.Buffer
			var stderr bytes.Buffer
			code := runSeed(tc.args, &stdout, &stderr)
			if code != 2 {
				t.Fatalf("runSeed(%v) code=%d, want 2", tc.args, code)
			}
			if !strings.Contains(stderr.String(), tc.wantErr) {
				t.Fatalf("stderr=%q, want %q", stderr.String(), tc.wantErr)
			}
		})
	}
}
