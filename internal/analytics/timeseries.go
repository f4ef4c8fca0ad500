package analytics

import (
	"sort"
	"strings"
	"time"

	"github.com/mltrack/dashboard/internal/run"
)

// Granularity selects the calendar bucket width for time series.
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

// Mode controls gap handling between the first and last observed bucket.
type Mode string

const (
	// ModeSparse emits only buckets that saw at least one run.
	ModeSparse Mode = "sparse"
	// ModeDense also emits zero-valued points for every calendar bucket
	// between the first and last observed one, so charts do not skip gaps.
	ModeDense Mode = "dense"
)

// ParseGranularity maps a request parameter onto a Granularity, defaulting
// to day.
func ParseGranularity(s string) Granularity {
	switch Granularity(strings.ToLower(strings.TrimSpace(s))) {
	case GranularityHour:
		return GranularityHour
	case GranularityWeek:
		return GranularityWeek
	case GranularityMonth:
		return GranularityMonth
	default:
		return GranularityDay
	}
}

// ParseMode maps a request parameter onto a Mode, defaulting to sparse.
func ParseMode(s string) Mode {
	if Mode(strings.ToLower(strings.TrimSpace(s))) == ModeDense {
		return ModeDense
	}
	return ModeSparse
}

// TimeSeriesPoint is one bucket of the series. Metrics holds either the
// standard aggregate set (Bin) or one value per grouping entity (BinBy).
type TimeSeriesPoint struct {
	BucketKey string             `json:"bucket_key"`
	Metrics   map[string]float64 `json:"metrics"`
}

// BucketKey formats the bucket a timestamp falls into. Keys are UTC and
// sort lexicographically in chronological order. Week buckets are keyed
// by the most recent Sunday.
func BucketKey(t time.Time, g Granularity) string {
	t = t.UTC()
	switch g {
	case GranularityHour:
		return t.Format("2006-01-02T15:00")
	case GranularityWeek:
		return weekStart(t).Format("2006-01-02")
	case GranularityMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// weekStart returns midnight UTC of the Sunday at or before t.
func weekStart(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -int(day.Weekday()))
}

type bucketAccumulator struct {
	runs       float64
	errors     float64
	cost       float64
	tokens     float64
	latencySum float64
}

func (b *bucketAccumulator) observe(r run.Run) {
	b.runs++
	if r.Status == run.StatusFailed {
		b.errors++
	}
	b.cost += MetricValue(r, run.CostMetricAliases...)
	b.tokens += MetricValue(r, run.TokensMetricAliases...)
	b.latencySum += MetricValue(r, run.LatencyMetricAliases...)
}

func (b *bucketAccumulator) metric(name string) float64 {
	switch name {
	case "errors":
		return b.errors
	case "cost_usd":
		return b.cost
	case "tokens":
		return b.tokens
	case "avg_latency_ms":
		if b.runs == 0 {
			return 0
		}
		return b.latencySum / b.runs
	default:
		return b.runs
	}
}

// seriesMetricNames is the aggregate set every Bin bucket carries.
var seriesMetricNames = []string{"runs", "errors", "cost_usd", "tokens", "avg_latency_ms"}

// Bin buckets runs by start time and aggregates the standard metric set
// per bucket. Points come back in chronological order.
func Bin(runs []run.Run, g Granularity, mode Mode) []TimeSeriesPoint {
	buckets := make(map[string]*bucketAccumulator)
	for _, r := range runs {
		key := BucketKey(r.StartTime, g)
		b := buckets[key]
		if b == nil {
			b = &bucketAccumulator{}
			buckets[key] = b
		}
		b.observe(r)
	}

	keys := bucketKeysInOrder(buckets, g, mode)
	points := make([]TimeSeriesPoint, 0, len(keys))
	for _, key := range keys {
		metrics := make(map[string]float64, len(seriesMetricNames))
		b := buckets[key]
		for _, name := range seriesMetricNames {
			if b == nil {
				metrics[name] = 0
				continue
			}
			metrics[name] = b.metric(name)
		}
		points = append(points, TimeSeriesPoint{BucketKey: key, Metrics: metrics})
	}
	return points
}

// BinBy buckets runs by start time and splits each bucket by the grouping
// key, projecting a single metric per group. Every emitted point carries
// an entry for every group seen anywhere in the input, zero when the
// group is absent from that bucket, so per-group series stay aligned.
func BinBy(runs []run.Run, g Granularity, mode Mode, key KeyFunc, metric string) []TimeSeriesPoint {
	buckets := make(map[string]map[string]*bucketAccumulator)
	groups := make(map[string]struct{})
	for _, r := range runs {
		bucket := BucketKey(r.StartTime, g)
		group := key(r)
		groups[group] = struct{}{}

		byGroup := buckets[bucket]
		if byGroup == nil {
			byGroup = make(map[string]*bucketAccumulator)
			buckets[bucket] = byGroup
		}
		b := byGroup[group]
		if b == nil {
			b = &bucketAccumulator{}
			byGroup[group] = b
		}
		b.observe(r)
	}

	keys := groupedBucketKeysInOrder(buckets, g, mode)
	points := make([]TimeSeriesPoint, 0, len(keys))
	for _, bucket := range keys {
		metrics := make(map[string]float64, len(groups))
		for group := range groups {
			metrics[group] = 0
			if b := buckets[bucket][group]; b != nil {
				metrics[group] = b.metric(metric)
			}
		}
		points = append(points, TimeSeriesPoint{BucketKey: bucket, Metrics: metrics})
	}
	return points
}

func bucketKeysInOrder(buckets map[string]*bucketAccumulator, g Granularity, mode Mode) []string {
	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if mode == ModeDense {
		keys = fillBucketKeys(keys, g)
	}
	return keys
}

func groupedBucketKeysInOrder(buckets map[string]map[string]*bucketAccumulator, g Granularity, mode Mode) []string {
	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if mode == ModeDense {
		keys = fillBucketKeys(keys, g)
	}
	return keys
}

// fillBucketKeys expands a sorted key list to cover every calendar bucket
// between the first and last. Keys that fail to parse leave the list
// unchanged rather than guessing at gaps.
func fillBucketKeys(sorted []string, g Granularity) []string {
	if len(sorted) < 2 {
		return sorted
	}
	first, err := parseBucketKey(sorted[0], g)
	if err != nil {
		return sorted
	}
	last, err := parseBucketKey(sorted[len(sorted)-1], g)
	if err != nil {
		return sorted
	}

	keys := make([]string, 0, len(sorted))
	for t := first; !t.After(last); t = nextBucket(t, g) {
		keys = append(keys, BucketKey(t, g))
	}
	return keys
}

func parseBucketKey(key string, g Granularity) (time.Time, error) {
	switch g {
	case GranularityHour:
		return time.Parse("2006-01-02T15:00", key)
	case GranularityMonth:
		return time.Parse("2006-01", key)
	default:
		return time.Parse("2006-01-02", key)
	}
}

func nextBucket(t time.Time, g Granularity) time.Time {
	switch g {
	case GranularityHour:
		return t.Add(time.Hour)
	case GranularityWeek:
		return t.AddDate(0, 0, 7)
	case GranularityMonth:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// Trend reports the percentage change of a metric between the first and
// second half of an ordered bucket sequence. It returns 0 when the first
// half sums to zero or nothing precedes the midpoint.
func Trend(points []TimeSeriesPoint, metric string) float64 {
	mid := len(points) / 2
	var prev, current float64
	for _, p := range points[:mid] {
		prev += p.Metrics[metric]
	}
	for _, p := range points[mid:] {
		current += p.Metrics[metric]
	}
	if prev <= 0 {
		return 0
	}
	return (current - prev) / prev * 100
}
