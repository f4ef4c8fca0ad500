package run

import (
	"context"
	"errors"
	"time"
)

var ErrNotImplemented = errors.New("run store method not implemented")
var ErrNotFound = errors.New("run store record not found")
var ErrInvalidCursor = errors.New("run cursor is invalid")

// DefaultSearchLimit bounds how many runs one analytics computation
// materializes when the caller does not choose a limit.
const DefaultSearchLimit = 10_000

// Source materializes run records for the analytics engine. Both the local
// stores and the remote tracking client satisfy it.
type Source interface {
	SearchRuns(ctx context.Context, query SearchQuery) ([]Run, error)
}

type RunStore interface {
	Source
	WriteRun(ctx context.Context, run *Run) error
	WriteBatch(ctx context.Context, runs []*Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	QueryRuns(ctx context.Context, filter Filter) (*QueryResult, error)
	ListExperiments(ctx context.Context) ([]ExperimentSummary, error)
	Close() error
}

// Filter drives the paginated run listing. Model, Provider and User match
// the denormalized columns the stores index at write time.
type Filter struct {
	ExperimentID string
	Model        string
	Provider     string
	User         string
	Status       Status
	From         time.Time
	To           time.Time
	Limit        int
	Cursor       string
}

type QueryResult struct {
	Items      []*Run
	NextCursor string
}

// SearchQuery bounds the run set handed to the analytics engine.
type SearchQuery struct {
	ExperimentIDs []string
	Status        Status
	From          time.Time
	To            time.Time
	Limit         int
}

type ExperimentSummary struct {
	ExperimentID string
	RunCount     int64
	FirstRunAt   time.Time
	LastRunAt    time.Time
}
