package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mltrack/dashboard/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
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

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Runs are mutable while open (status flips to FINISHED/FAILED, metrics
// accumulate), so writes upsert by id.
const postgresRunInsert = `
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
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12)
ON CONFLICT (id) DO UPDATE SET
    experiment_id = EXCLUDED.experiment_id,
    name = EXCLUDED.name,
    status = EXCLUDED.status,
    model = EXCLUDED.model,
    provider = EXCLUDED.provider,
    user_name = EXCLUDED.user_name,
    start_time = EXCLUDED.start_time,
    end_time = EXCLUDED.end_time,
    tags = EXCLUDED.tags,
    metrics = EXCLUDED.metrics`

func (s *PostgresStore) WriteRun(ctx context.Context, record *Run) error {
	if record == nil {
		return nil
	}

	row, err := newRunRow(record)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, postgresRunInsert, row.postgresArgs()...); err != nil {
		return fmt.Errorf("write run %q: %w", row.id, err)
	}

	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, records []*Run) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, postgresRunInsert)
	if err != nil {
		return fmt.Errorf("prepare postgres batch insert: %w", err)
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
		if _, err := stmt.ExecContext(ctx, row.postgresArgs()...); err != nil {
			return fmt.Errorf("write run %q in batch: %w", row.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}

	return nil
}

func (r *runRow) postgresArgs() []any {
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

const postgresRunSelectColumns = `
id,
experiment_id,
name,
status,
start_time,
end_time,
COALESCE(tags::text, '{}'),
COALESCE(metrics::text, '{}'),
created_at
`

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+postgresRunSelectColumns+" FROM runs WHERE id = $1 LIMIT 1", id)
	record, err := scanPostgresRunRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run %q: %w", id, err)
	}
	return record, nil
}

func (s *PostgresStore) QueryRuns(ctx context.Context, filter Filter) (*QueryResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	builder := newPostgresWhereBuilder()
	if filter.ExperimentID != "" {
		builder.addComparison("experiment_id", "=", filter.ExperimentID)
	}
	if filter.Model != "" {
		builder.addComparison("model", "=", filter.Model)
	}
	if filter.Provider != "" {
		builder.addComparison("provider", "=", filter.Provider)
	}
	if filter.User != "" {
		builder.addComparison("user_name", "=", filter.User)
	}
	if filter.Status != "" {
		builder.addComparison("status", "=", string(NormalizeStatus(string(filter.Status))))
	}
	if !filter.From.IsZero() {
		builder.addComparison("start_time", ">=", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		builder.addComparison("start_time", "<=", filter.To.UTC())
	}
	if filter.Cursor != "" {
		startTime, id, err := decodeRunCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		timeArg := builder.addArg(startTime.UTC())
		idArg := builder.addArg(id)
		builder.addCondition("(start_time < " + timeArg + " OR (start_time = " + timeArg + " AND id < " + idArg + "))")
	}

	limitPlaceholder := builder.addArg(limit + 1)
	query := "SELECT " + postgresRunSelectColumns + " FROM runs WHERE " + builder.where() + " ORDER BY start_time DESC, id DESC LIMIT " + limitPlaceholder

	rows, err := s.db.QueryContext(ctx, query, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	items := make([]*Run, 0, limit+1)
	for rows.Next() {
		record, err := scanPostgresRunRow(rows)
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

func (s *PostgresStore) SearchRuns(ctx context.Context, query SearchQuery) ([]Run, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	whereSQL, args := buildSearchWhere(query, postgresPlaceholder)
	limitPlaceholder := postgresPlaceholder(len(args) + 1)
	args = append(args, limit)

	sqlText := "SELECT " + postgresRunSelectColumns + " FROM runs WHERE " + whereSQL + " ORDER BY start_time ASC, id ASC LIMIT " + limitPlaceholder
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("search runs: %w", err)
	}
	defer rows.Close()

	items := make([]Run, 0)
	for rows.Next() {
		record, err := scanPostgresRunRow(rows)
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

func (s *PostgresStore) ListExperiments(ctx context.Context) ([]ExperimentSummary, error) {
	query := `
SELECT
	experiment_id,
	COUNT(*) AS run_count,
	MIN(start_time),
	MAX(start_time)
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
			item  ExperimentSummary
			first sql.NullTime
			last  sql.NullTime
		)
		if err := rows.Scan(&item.ExperimentID, &item.RunCount, &first, &last); err != nil {
			return nil, fmt.Errorf("scan experiment row: %w", err)
		}
		if first.Valid {
			item.FirstRunAt = first.Time.UTC()
		}
		if last.Valid {
			item.LastRunAt = last.Time.UTC()
		}
		summaries = append(summaries, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate experiment rows: %w", err)
	}

	return summaries, nil
}

func postgresPlaceholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

type postgresWhereBuilder struct {
	conditions []string
	args       []any
}

func newPostgresWhereBuilder() *postgresWhereBuilder {
	return &postgresWhereBuilder{
		conditions: make([]string, 0, 8),
		args:       make([]any, 0, 8),
	}
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return postgresPlaceholder(len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	placeholder := b.addArg(value)
	b.conditions = append(b.conditions, column+" "+operator+" "+placeholder)
}

func (b *postgresWhereBuilder) addCondition(condition string) {
	b.conditions = append(b.conditions, condition)
}

func (b *postgresWhereBuilder) where() string {
	if len(b.conditions) == 0 {
		return "1=1"
	}
	return strings.Join(b.conditions, " AND ")
}

func scanPostgresRunRow(scanner rowScanner) (*Run, error) {
	var (
		item        Run
		status      sql.NullString
		startTime   sql.NullTime
		endTime     sql.NullTime
		tagsJSON    string
		metricsJSON string
		createdAt   sql.NullTime
	)

	if err := scanner.Scan(
		&item.ID,
		&item.ExperimentID,
		&item.Name,
		&status,
		&startTime,
		&endTime,
		&tagsJSON,
		&metricsJSON,
		&createdAt,
	); err != nil {
		return nil, err
	}

	if status.Valid {
		item.Status = NormalizeStatus(status.String)
	} else {
		item.Status = StatusRunning
	}
	if startTime.Valid {
		item.StartTime = startTime.Time.UTC()
	}
	if endTime.Valid {
		item.EndTime = endTime.Time.UTC()
	}
	if createdAt.Valid {
		item.CreatedAt = createdAt.Time.UTC()
	}

	item.Tags = map[string]string{}
	if strings.TrimSpace(tagsJSON) != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &item.Tags); err != nil {
			return nil, fmt.Errorf("decode run %q tags: %w", item.ID, err)
		}
	}
	item.Metrics = map[string]float64{}
	if strings.TrimSpace(metricsJSON) != "" {
		if err := json.Unmarshal([]byte(metricsJSON), &item.Metrics); err != nil {
			return nil, fmt.Errorf("decode run %q metrics: %w", item.ID, err)
		}
	}

	return &item, nil
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverPostgres); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}
