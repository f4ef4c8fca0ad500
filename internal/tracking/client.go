// Package tracking reads run records from an MLflow-compatible tracking
// server. The client implements the same source interface as the local
// store, so dashboards can be served straight from an external backend.
package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mltrack/dashboard/internal/run"
)

const (
	searchPath      = "/api/2.0/mlflow/runs/search"
	defaultPageSize = 1000
	defaultTimeout  = 30 * time.Second

	// maxSearchPages caps one SearchRuns call. A backend that keeps
	// handing out page tokens while every run fails the client-side
	// filters would otherwise page forever; past the cap the result is
	// truncated rather than the call hanging.
	maxSearchPages = 1000

	// maxErrorBody bounds how much of an error response lands in the
	// returned error message.
	maxErrorBody = 2048
)

// Client queries a tracking server over REST.
type Client struct {
	baseURL  string
	token    string
	pageSize int
	httpc    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) {
		if httpc != nil {
			c.httpc = httpc
		}
	}
}

// WithTransport swaps the round-tripper requests go through while keeping
// the rest of the HTTP client, timeout included. Callers use it to plug in
// an instrumented transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt == nil {
			return
		}
		httpc := *c.httpc
		httpc.Transport = rt
		c.httpc = &httpc
	}
}

// WithToken sends the token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithPageSize overrides how many runs each search page requests.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewClient validates baseURL and builds a client. The URL must carry a
// scheme and host; a trailing slash is tolerated.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("tracking: parse base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("tracking: base url %q must include scheme and host", baseURL)
	}

	c := &Client{
		baseURL:  trimmed,
		pageSize: defaultPageSize,
		httpc:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ run.Source = (*Client)(nil)

type searchRequest struct {
	ExperimentIDs []string `json:"experiment_ids,omitempty"`
	MaxResults    int      `json:"max_results,omitempty"`
	PageToken     string   `json:"page_token,omitempty"`
}

type searchResponse struct {
	Runs          []wireRun `json:"runs"`
	NextPageToken string    `json:"next_page_token"`
}

type wireRun struct {
	Info wireRunInfo `json:"info"`
	Data wireRunData `json:"data"`
}

// wireRunInfo carries both the current run_id field and the legacy
// run_uuid some servers still emit.
type wireRunInfo struct {
	RunID        string `json:"run_id"`
	RunUUID      string `json:"run_uuid"`
	RunName      string `json:"run_name"`
	ExperimentID string `json:"experiment_id"`
	Status       string `json:"status"`
	StartTime    int64  `json:"start_time"`
	EndTime      int64  `json:"end_time"`
}

type wireRunData struct {
	Metrics []wireMetric `json:"metrics"`
	Tags    []wireTag    `json:"tags"`
}

type wireMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type wireTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SearchRuns pages through the backend's search endpoint and maps the
// results onto run records. Time-window and status filters apply client
// side; the wire protocol only understands experiment ids.
func (c *Client) SearchRuns(ctx context.Context, q run.SearchQuery) ([]run.Run, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = run.DefaultSearchLimit
	}

	runs := make([]run.Run, 0, min(limit, c.pageSize))
	pageToken := ""
	for pages := 0; pages < maxSearchPages; pages++ {
		remaining := limit - len(runs)
		if remaining <= 0 {
			break
		}

		page, err := c.searchPage(ctx, searchRequest{
			ExperimentIDs: q.ExperimentIDs,
			MaxResults:    min(remaining, c.pageSize),
			PageToken:     pageToken,
		})
		if err != nil {
			return nil, err
		}
		if len(page.Runs) == 0 {
			break
		}

		for _, w := range page.Runs {
			r := w.toRun()
			if !matchesQuery(r, q) {
				continue
			}
			runs = append(runs, r)
			if len(runs) >= limit {
				return runs, nil
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return runs, nil
}

func (c *Client) searchPage(ctx context.Context, body searchRequest) (*searchResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("tracking: marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+searchPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tracking: build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracking: search runs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("tracking: runs/search returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tracking: read search response: %w", err)
	}

	var page searchResponse
	if err := json.Unmarshal(respBody, &page); err != nil {
		return nil, fmt.Errorf("tracking: decode search response: %w", err)
	}
	return &page, nil
}

// toRun maps one wire run onto the canonical record. Metric keys repeat
// across history entries; the newest timestamp wins, later entries break
// ties.
func (w wireRun) toRun() run.Run {
	id := w.Info.RunID
	if id == "" {
		id = w.Info.RunUUID
	}

	r := run.Run{
		ID:           id,
		ExperimentID: w.Info.ExperimentID,
		Name:         w.Info.RunName,
		Status:       run.NormalizeStatus(w.Info.Status),
		Tags:         make(map[string]string, len(w.Data.Tags)),
		Metrics:      make(map[string]float64, len(w.Data.Metrics)),
	}
	if w.Info.StartTime > 0 {
		r.StartTime = time.UnixMilli(w.Info.StartTime).UTC()
	}
	if w.Info.EndTime > 0 {
		r.EndTime = time.UnixMilli(w.Info.EndTime).UTC()
	}

	for _, tag := range w.Data.Tags {
		r.Tags[tag.Key] = tag.Value
	}

	newest := make(map[string]int64, len(w.Data.Metrics))
	for _, m := range w.Data.Metrics {
		if ts, seen := newest[m.Key]; seen && m.Timestamp < ts {
			continue
		}
		newest[m.Key] = m.Timestamp
		r.Metrics[m.Key] = m.Value
	}
	return r
}

func matchesQuery(r run.Run, q run.SearchQuery) bool {
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	if !q.From.IsZero() && r.StartTime.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && r.StartTime.After(q.To) {
		return false
	}
	return true
}
