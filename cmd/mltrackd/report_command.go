package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mltrack/dashboard/internal/analytics"
	"github.com/mltrack/dashboard/internal/config"
	"github.com/mltrack/dashboard/internal/run"
)

const (
	defaultReportFormat = "text"
	reportSchemaVersion = "analytics.report.v1"
)

// reportDocument is the engine's dashboard summary rendered as a stable
// CLI artifact, suitable for piping into files and diffing between runs.
type reportDocument struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Storage       reportStorageInfo `json:"storage"`
	Window        reportWindowInfo  `json:"window"`
	Filters       reportFilterInfo  `json:"filters"`
	Summary       reportSummaryInfo `json:"summary"`

	Models          []analytics.ModelStats                 `json:"models"`
	Comparison      map[string]analytics.ComparisonMetrics `json:"comparison"`
	Recommendations []analytics.Recommendation             `json:"recommendations"`
}

type reportStorageInfo struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	Source string `json:"source"`
}

type reportWindowInfo struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

type reportFilterInfo struct {
	Experiments []string `json:"experiments,omitempty"`
	GroupBy     string   `json:"group_by"`
	Limit       int      `json:"limit"`
}

type reportSummaryInfo struct {
	TotalRuns    int     `json:"total_runs"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	TotalTokens  float64 `json:"total_tokens"`
	TrendPct     float64 `json:"trend_pct"`
	EntityCount  int     `json:"entity_count"`
	TopEntity    string  `json:"top_entity,omitempty"`
}

func runReport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("report", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultReportFormat, "Output format: text or json")
	fromRaw := flagSet.String("from", "", "Report start time (RFC3339 or YYYY-MM-DD)")
	toRaw := flagSet.String("to", "", "Report end time (RFC3339 or YYYY-MM-DD)")
	experimentsRaw := flagSet.String("experiments", "", "Comma-separated experiment IDs (default all)")
	groupBy := flagSet.String("group-by", "", "Grouping entity: model, provider, experiment, or user")
	limit := flagSet.Int("limit", 0, "Max runs to materialize (0 uses analytics.search_limit)")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "report does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("report", *format, defaultReportFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *limit < 0 {
		fmt.Fprintln(errOut, "limit must be >= 0")
		return 2
	}

	from, err := parseReportTime(*fromRaw, false)
	if err != nil {
		fmt.Fprintf(errOut, "invalid from: %v\n", err)
		return 2
	}
	to, err := parseReportTime(*toRaw, true)
	if err != nil {
		fmt.Fprintf(errOut, "invalid to: %v\n", err)
		return 2
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		fmt.Fprintln(errOut, "invalid range: to must be greater than or equal to from")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	var source run.Source
	sourceName := "local"
	if strings.TrimSpace(cfg.Tracking.BaseURL) != "" {
		client, err := openTrackingClient(cfg, nil)
		if err != nil {
			fmt.Fprintf(errOut, "failed to initialize tracking backend: %v\n", err)
			return 1
		}
		source = client
		sourceName = "tracking"
	} else {
		store, err := openRunStore(cfg)
		if err != nil {
			fmt.Fprintf(errOut, "failed to initialize run store: %v\n", err)
			return 1
		}
		defer closeRunStoreWithWarning(store, errOut)
		source = store
	}

	service := analytics.NewService(source, cfg.Analytics.SearchLimit)
	query := analytics.Query{
		ExperimentIDs: splitExperimentsFlag(*experimentsRaw),
		From:          from,
		To:            to,
		Limit:         *limit,
		GroupBy:       *groupBy,
	}

	report, err := buildReport(context.Background(), service, cfg, sourceName, query)
	if err != nil {
		fmt.Fprintf(errOut, "failed to build report: %v\n", err)
		return 1
	}

	if err := writeReport(out, normalizedFormat, report); err != nil {
		fmt.Fprintf(errOut, "failed to write report: %v\n", err)
		return 1
	}

	return 0
}

func parseReportTime(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02" {
			parsed, err := time.ParseInLocation(layout, value, time.UTC)
			if err == nil {
				if endOfDay {
					return parsed.Add(24*time.Hour - time.Nanosecond), nil
				}
				return parsed, nil
			}
			continue
		}
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}

func splitExperimentsFlag(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func buildReport(
	ctx context.Context,
	service *analytics.Service,
	cfg config.Config,
	sourceName string,
	query analytics.Query,
) (reportDocument, error) {
	summary, err := service.Summary(ctx, query)
	if err != nil {
		return reportDocument{}, err
	}

	// ComputeModelStats already orders by run count, so the busiest entity
	// leads the slice.
	topEntity := ""
	if len(summary.Models) > 0 {
		topEntity = summary.Models[0].Name
	}

	storagePath := ""
	if sourceName == "local" && strings.TrimSpace(cfg.Storage.Driver) == "sqlite" {
		storagePath = cfg.Storage.SQLite.Path
	}

	return reportDocument{
		SchemaVersion: reportSchemaVersion,
		GeneratedAt:   summary.GeneratedAt,
		Storage: reportStorageInfo{
			Driver: cfg.Storage.Driver,
			Path:   storagePath,
			Source: sourceName,
		},
		Window: reportWindowInfo{
			From: reportOptionalTime(query.From),
			To:   reportOptionalTime(query.To),
		},
		Filters: reportFilterInfo{
			Experiments: query.ExperimentIDs,
			GroupBy:     summary.GroupBy,
			Limit:       query.Limit,
		},
		Summary: reportSummaryInfo{
			TotalRuns:    summary.TotalRuns,
			TotalCostUSD: summary.TotalCostUSD,
			TotalTokens:  summary.TotalTokens,
			TrendPct:     summary.TrendPct,
			EntityCount:  len(summary.Models),
			TopEntity:    topEntity,
		},
		Models:          summary.Models,
		Comparison:      summary.Comparison,
		Recommendations: summary.Recommendations,
	}, nil
}

type reportComparisonRow struct {
	Name   string
	Scores analytics.ComparisonMetrics
}

// sortedComparisonRows flattens the comparison map for text rendering,
// best overall score first.
func sortedComparisonRows(comparison map[string]analytics.ComparisonMetrics) []reportComparisonRow {
	rows := make([]reportComparisonRow, 0, len(comparison))
	for name, scores := range comparison {
		rows = append(rows, reportComparisonRow{Name: name, Scores: scores})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Scores.Overall != rows[j].Scores.Overall {
			return rows[i].Scores.Overall > rows[j].Scores.Overall
		}
		return rows[i].Name < rows[j].Name
	})
	return rows
}

func writeReport(out io.Writer, format string, report reportDocument) error {
	switch format {
	case "json":
		return writeReportJSON(out, report)
	default:
		return writeReportText(out, report)
	}
}

func writeReportJSON(out io.Writer, report reportDocument) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func writeReportText(out io.Writer, report reportDocument) error {
	fmt.Fprintln(out, "MLtrack Report")

	metadataWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(metadataWriter, "Schema version\t%s\n", report.SchemaVersion)
	fmt.Fprintf(metadataWriter, "Generated at\t%s\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(metadataWriter, "Source\t%s\n", report.Storage.Source)
	fmt.Fprintf(metadataWriter, "Storage driver\t%s\n", report.Storage.Driver)
	if strings.TrimSpace(report.Storage.Path) != "" {
		fmt.Fprintf(metadataWriter, "Storage path\t%s\n", report.Storage.Path)
	}
	fmt.Fprintf(metadataWriter, "Group by\t%s\n", report.Filters.GroupBy)
	fmt.Fprintf(metadataWriter, "Experiments\t%s\n", valueOr(strings.Join(report.Filters.Experiments, ", "), "(all)"))
	fmt.Fprintf(metadataWriter, "Window from\t%s\n", timePtrOr(report.Window.From, "(all)"))
	fmt.Fprintf(metadataWriter, "Window to\t%s\n", timePtrOr(report.Window.To, "(all)"))
	if report.Filters.Limit > 0 {
		fmt.Fprintf(metadataWriter, "Run limit\t%d\n", report.Filters.Limit)
	}
	if err := metadataWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nSummary")
	summaryWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(summaryWriter, "Total runs\t%d\n", report.Summary.TotalRuns)
	fmt.Fprintf(summaryWriter, "Total cost (USD)\t%.6f\n", report.Summary.TotalCostUSD)
	fmt.Fprintf(summaryWriter, "Total tokens\t%.0f\n", report.Summary.TotalTokens)
	fmt.Fprintf(summaryWriter, "Run trend\t%+.2f%%\n", report.Summary.TrendPct)
	fmt.Fprintf(summaryWriter, "Entities\t%d\n", report.Summary.EntityCount)
	fmt.Fprintf(summaryWriter, "Top entity\t%s\n", valueOr(report.Summary.TopEntity, "(none)"))
	if err := summaryWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nModels")
	if len(report.Models) == 0 {
		fmt.Fprintln(out, "(no run data)")
	} else {
		modelWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(modelWriter, "NAME\tPROVIDER\tRUNS\tSUCCESS_PCT\tAVG_LATENCY_MS\tP95_LATENCY_MS\tTOTAL_TOKENS\tTOTAL_COST_USD\tAVG_QUALITY")
		for _, row := range report.Models {
			fmt.Fprintf(
				modelWriter,
				"%s\t%s\t%d\t%.1f\t%.1f\t%.1f\t%.0f\t%.6f\t%.1f\n",
				valueOr(row.Name, "(unknown)"),
				valueOr(row.Provider, "(unknown)"),
				row.TotalRuns,
				row.SuccessRate,
				row.AvgLatencyMS,
				row.P95LatencyMS,
				row.TotalTokens,
				row.TotalCostUSD,
				row.AvgQuality,
			)
		}
		if err := modelWriter.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\nComparison")
	if len(report.Comparison) == 0 {
		fmt.Fprintln(out, "(no comparison data)")
	} else {
		comparisonWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(comparisonWriter, "NAME\tCOST_EFFICIENCY\tPERFORMANCE\tQUALITY\tRELIABILITY\tOVERALL")
		for _, row := range sortedComparisonRows(report.Comparison) {
			fmt.Fprintf(
				comparisonWriter,
				"%s\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\n",
				row.Name,
				row.Scores.CostEfficiency,
				row.Scores.Performance,
				row.Scores.Quality,
				row.Scores.Reliability,
				row.Scores.Overall,
			)
		}
		if err := comparisonWriter.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\nRecommendations")
	if len(report.Recommendations) == 0 {
		fmt.Fprintln(out, "(no recommendations)")
		return nil
	}
	recommendationWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(recommendationWriter, "CATEGORY\tIMPACT\tTITLE\tDETAIL")
	for _, rec := range report.Recommendations {
		fmt.Fprintf(
			recommendationWriter,
			"%s\t%s\t%s\t%s\n",
			rec.Category,
			rec.Impact,
			rec.Title,
			rec.Description,
		)
	}
	return recommendationWriter.Flush()
}

func reportOptionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func timePtrOr(value *time.Time, fallback string) string {
	if value == nil || value.IsZero() {
		return fallback
	}
	return value.UTC().Format(time.RFC3339)
}
