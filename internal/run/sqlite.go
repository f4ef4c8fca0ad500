package run

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mltrack/dashboard/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when callers invoke WriteRun/WriteBatch
	// concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Writes upsert by id like the Postgres store; created_at stays out of the
// update list so re-ingesting a run keeps its original stamp.
const sqliteRunInsert = `
INSERT INTO runs (
    id,
    experiment_id,
    name,
    status,
    model,
    provider,
    user_name,
    start_time,
    end_time,
    tags,
    metrics,
    created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    experiment_id = excluded.experiment_id,
    name = excluded.name,
    status = excluded.status,
    model = excluded.model,
    provider = excluded.provider,
    user_name = excluded.user_name,
    start_time = excluded.start_time,
    end_time = excluded.end_time,
    tags = excluded.tags,
    metrics = excluded.metrics`

func (s *SQLiteStore) WriteRun(ctx context.Context, record *Run) error {
	if record == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row, err := newRunRow(record)
	if err != nil {
		return err
	}
	err = retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, sqliteRunInsert, row.sqliteArgs()...)
		return err
	})
	if err != nil {
		return fmt.Errorf("write run %q: %w", row.id, err)
	}

	return nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, records []*Run) error {
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, sqliteRunInsert)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch insert: %w", err)
		}
		defer stmt.Close()

		for _, record := range records {
			if record == nil {
				continue
			}
			row, err := newRunRow(record)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, row.sqliteArgs()...); err != nil {
				return fmt.Errorf("write run %q in batch: %w", row.id, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}

		return nil
	})
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so queued runs are not
// dropped during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

const runSelectColumns = `
id,
experiment_id,
name,
status,
CAST(start_time AS TEXT),
CAST(end_time AS TEXT),
tags,
metrics,
CAST(created_at AS TEXT)
`

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runSelectColumns+" FROM runs WHERE id = ? LIMIT 1", id)
	record, err := scanRunRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run %q: %w", id, err)
	}
	return record, nil
}

func (s *SQLiteStore) QueryRuns(ctx context.Context, filter Filter) (*QueryResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	whereSQL, args, err := buildRunWhere(filter)
	if err != nil {
		return nil, err
	}
	args = append(args, limit+1)

	query := "SELECT " + runSelectColumns + " FROM runs WHERE " + whereSQL + " ORDER BY start_time DESC, id DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	items := make([]*Run, 0, limit+1)
	for rows.Next() {
		record, err := scanRunRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}

	nextCursor := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		nextCursor = encodeRunCursor(last.StartTime, last.ID)
	}

	return &QueryResult{
		Items:      items,
		NextCursor: nextCursor,
	}, nil
}

func (s *SQLiteStore) SearchRuns(ctx context.Context, query SearchQuery) ([]Run, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	whereSQL, args := buildSearchWhere(query, sqlitePlaceholders)
	args = append(args, limit)

	sqlText := "SELECT " + runSelectColumns + " FROM runs WHERE " + whereSQL + " ORDER BY start_time ASC, id ASC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("search runs: %w", err)
	}
	defer rows.Close()

	items := make([]Run, 0)
	for rows.Next() {
		record, err := scanRunRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		items = append(items, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}

	return items, nil
}

func (s *SQLiteStore) ListExperiments(ctx context.Context) ([]ExperimentSummary, error) {
	query := `
SELECT
	experiment_id,
	COUNT(*) AS run_count,
	CAST(MIN(start_time) AS TEXT),
	CAST(MAX(start_time) AS TEXT)
FROM runs
GROUP BY experiment_id
ORDER BY MAX(start_time) DESC, experiment_id ASC
`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	summaries := make([]ExperimentSummary, 0)
	for rows.Next() {
		var (
			item     ExperimentSummary
			firstRaw sql.NullString
			lastRaw  sql.NullString
		)
		if err := rows.Scan(&item.ExperimentID, &item.RunCount, &firstRaw, &lastRaw); err != nil {
			return nil, fmt.Errorf("scan experiment row: %w", err)
		}
		if firstRaw.Valid {
			parsed, err := parseSQLiteTimestamp(firstRaw.String)
			if err != nil {
				return nil, fmt.Errorf("parse experiment first run time %q: %w", firstRaw.String, err)
			}
			item.FirstRunAt = parsed
		}
		if lastRaw.Valid {
			parsed, err := parseSQLiteTimestamp(lastRaw.String)
			if err != nil {
				return nil, fmt.Errorf("parse experiment last run time %q: %w", lastRaw.String, err)
			}
			item.LastRunAt = parsed
		}
		summaries = append(summaries, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate experiment rows: %w", err)
	}

	return summaries, nil
}

func buildRunWhere(filter Filter) (string, []any, error) {
	where := make([]string, 0, 9)
	args := make([]any, 0, 9)

	if filter.ExperimentID != "" {
		where = append(where, "experiment_id = ?")
		args = append(args, filter.ExperimentID)
	}
	if filter.Model != "" {
		where = append(where, "model = ?")
		args = append(args, filter.Model)
	}
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.User != "" {
		where = append(where, "user_name = ?")
		args = append(args, filter.User)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(NormalizeStatus(string(filter.Status))))
	}
	if !filter.From.IsZero() {
		where = append(where, "start_time >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "start_time <= ?")
		args = append(args, filter.To.UTC())
	}
	if filter.Cursor != "" {
		startTime, id, err := decodeRunCursor(filter.Cursor)
		if err != nil {
			return "", nil, err
		}
		where = append(where, "(start_time < ? OR (start_time = ? AND id < ?))")
		args = append(args, startTime.UTC(), startTime.UTC(), id)
	}

	if len(where) == 0 {
		return "1=1", args, nil
	}
	return strings.Join(where, " AND "), args, nil
}

// buildSearchWhere is shared by both drivers; the placeholder function
// renders `?` for sqlite and `$N` for postgres.
func buildSearchWhere(query SearchQuery, placeholder func(n int) string) (string, []any) {
	where := make([]string, 0, 4)
	args := make([]any, 0, 8)

	if len(query.ExperimentIDs) > 0 {
		marks := make([]string, 0, len(query.ExperimentIDs))
		for _, id := range query.ExperimentIDs {
			args = append(args, id)
			marks = append(marks, placeholder(len(args)))
		}
		where = append(where, "experiment_id IN ("+strings.Join(marks, ", ")+")")
	}
	if query.Status != "" {
		args = append(args, string(NormalizeStatus(string(query.Status))))
		where = append(where, "status = "+placeholder(len(args)))
	}
	if !query.From.IsZero() {
		args = append(args, query.From.UTC())
		where = append(where, "start_time >= "+placeholder(len(args)))
	}
	if !query.To.IsZero() {
		args = append(args, query.To.UTC())
		where = append(where, "start_time <= "+placeholder(len(args)))
	}

	if len(where) == 0 {
		return "1=1", args
	}
	return strings.Join(where, " AND "), args
}

func sqlitePlaceholders(int) string { return "?" }

func encodeRunCursor(startTime time.Time, id string) string {
	if startTime.IsZero() || id == "" {
		return ""
	}
	raw := startTime.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeRunCursor(cursor string) (time.Time, string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: decode base64 cursor", ErrInvalidCursor)
	}
	parts := strings.SplitN(string(payload), "|", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return time.Time{}, "", fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	startTime, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: parse start_time", ErrInvalidCursor)
	}
	return startTime.UTC(), strings.TrimSpace(parts[1]), nil
}

// runRow is the storage projection of a Run: maps marshaled, filter columns
// denormalized from tags.
type runRow struct {
	id           string
	experimentID string
	name         string
	status       string
	model        string
	provider     string
	user         string
	startTime    time.Time
	endTime      sql.NullTime
	tags         string
	metrics      string
	createdAt    time.Time
}

func newRunRow(record *Run) (*runRow, error) {
	normalized := normalizeRun(record)

	tagsJSON, err := json.Marshal(normalized.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal run %q tags: %w", normalized.ID, err)
	}
	metricsJSON, err := json.Marshal(normalized.Metrics)
	if err != nil {
		return nil, fmt.Errorf("marshal run %q metrics: %w", normalized.ID, err)
	}

	row := &runRow{
		id:           normalized.ID,
		experimentID: normalized.ExperimentID,
		name:         normalized.Name,
		status:       string(normalized.Status),
		model:        firstTag(normalized.Tags, ModelTagAliases),
		provider:     firstTag(normalized.Tags, ProviderTagAliases),
		user:         firstTag(normalized.Tags, UserTagAliases),
		startTime:    normalized.StartTime.UTC(),
		tags:         string(tagsJSON),
		metrics:      string(metricsJSON),
		createdAt:    normalized.CreatedAt.UTC(),
	}
	if !normalized.EndTime.IsZero() {
		row.endTime = sql.NullTime{Time: normalized.EndTime.UTC(), Valid: true}
	}
	return row, nil
}

func (r *runRow) sqliteArgs() []any {
	return []any{
		r.id,
		r.experimentID,
		r.name,
		r.status,
		r.model,
		r.provider,
		r.user,
		r.startTime,
		r.endTime,
		r.tags,
		r.metrics,
		r.createdAt,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunRow(scanner rowScanner) (*Run, error) {
	var (
		item          Run
		status        sql.NullString
		startTimeText sql.NullString
		endTimeText   sql.NullString
		tagsJSON      sql.NullString
		metricsJSON   sql.NullString
		createdAtText sql.NullString
	)

	if err := scanner.Scan(
		&item.ID,
		&item.ExperimentID,
		&item.Name,
		&status,
		&startTimeText,
		&endTimeText,
		&tagsJSON,
		&metricsJSON,
		&createdAtText,
	); err != nil {
		return nil, err
	}

	if status.Valid {
		item.Status = NormalizeStatus(status.String)
	} else {
		item.Status = StatusRunning
	}

	if startTimeText.Valid {
		parsed, err := parseSQLiteTimestamp(startTimeText.String)
		if err != nil {
			return nil, fmt.Errorf("parse start_time %q: %w", startTimeText.String, err)
		}
		item.StartTime = parsed
	}
	if endTimeText.Valid && strings.TrimSpace(endTimeText.String) != "" {
		parsed, err := parseSQLiteTimestamp(endTimeText.String)
		if err != nil {
			return nil, fmt.Errorf("parse end_time %q: %w", endTimeText.String, err)
		}
		item.EndTime = parsed
	}
	if createdAtText.Valid {
		parsed, err := parseSQLiteTimestamp(createdAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdAtText.String, err)
		}
		item.CreatedAt = parsed
	}

	item.Tags = map[string]string{}
	if tagsJSON.Valid && strings.TrimSpace(tagsJSON.String) != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &item.Tags); err != nil {
			return nil, fmt.Errorf("decode run %q tags: %w", item.ID, err)
		}
	}
	item.Metrics = map[string]float64{}
	if metricsJSON.Valid && strings.TrimSpace(metricsJSON.String) != "" {
		if err := json.Unmarshal([]byte(metricsJSON.String), &item.Metrics); err != nil {
			return nil, fmt.Errorf("decode run %q metrics: %w", item.ID, err)
		}
	}

	return &item, nil
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}
