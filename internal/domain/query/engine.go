package query

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine executes hierarchical queries against a RowStore.
type Engine struct {
	rows   RowStore
	cache  *AggregateCache
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine creates an Engine reading rows from rows and aggregates from aggregates.
func NewEngine(rows RowStore, aggregates AggregateStore, logger zerolog.Logger) *Engine {
	return &Engine{
		rows:   rows,
		cache:  NewAggregateCache(aggregates, logger),
		logger: logger.With().Str("component", "query_engine").Logger(),
		now:    time.Now,
	}
}

// Aggregates returns the engine's aggregate cache.
func (e *Engine) Aggregates() *AggregateCache {
	return e.cache
}

// Statement returns the statement Execute would run for qc.
func (e *Engine) Statement(qc *Context) (Statement, error) {
	if err := validateContext(qc); err != nil {
		return Statement{}, err
	}
	where, err := Predicate(qc)
	if err != nil {
		return Statement{}, err
	}
	return levelQueries[qc.Level].statement(where, qc.Params.ViewID()), nil
}

// Execute validates qc, composes its statement and opens the row cursor.
// Configuration and matching key errors are returned before any row is read.
// The caller must Close the returned Results.
func (e *Engine) Execute(ctx context.Context, qc *Context) (*Results, error) {
	stmt, err := e.Statement(qc)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := e.rows.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("open %s cursor: %w", qc.Level, err)
	}

	queryID := uuid.New().String()
	e.logger.Debug().Str("query_id", queryID).Str("level", qc.Level.String()).
		Str("matching", qc.Params.Matching.String()).
		Bool("relational", qc.Params.Relational).
		Int("max_results", qc.Params.MaxResults).
		Msg("query cursor opened")

	return &Results{
		q:       levelQueries[qc.Level],
		rc:      &rowContext{params: qc.Params, cache: e.cache, now: e.now},
		rows:    rows,
		max:     qc.Params.MaxResults,
		logger:  e.logger.With().Str("query_id", queryID).Logger(),
		started: e.now(),
	}, nil
}

// StudyAggregate returns the aggregate of a study under params, recomputing
// it when no fresh cached row exists.
func (e *Engine) StudyAggregate(ctx context.Context, studyPK int64, params Params) (*StudyAggregate, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return e.cache.Study(ctx, studyPK, params)
}

// SeriesAggregate returns the aggregate of a series under params.
func (e *Engine) SeriesAggregate(ctx context.Context, seriesPK int64, params Params) (*SeriesAggregate, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return e.cache.Series(ctx, seriesPK, params)
}

func validateContext(qc *Context) error {
	if qc == nil {
		return &ConfigurationError{Field: "Context", Reason: "missing query context"}
	}
	if !qc.Level.valid() {
		return &ConfigurationError{Field: "Level", Reason: fmt.Sprintf("unknown level %d", int(qc.Level))}
	}
	if qc.Keys == nil {
		return &ConfigurationError{Field: "Keys", Reason: "missing matching keys"}
	}
	return qc.Params.Validate()
}
