package query

import "context"

// Rows is a forward-only row cursor. pgx.Rows satisfies it.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close()
}

// RowStore executes declarative statements against the entity tables.
type RowStore interface {
	Query(ctx context.Context, stmt Statement) (Rows, error)
}

// AggregateStore reads and writes cached aggregates and loads the instance
// snapshots they are computed from.
type AggregateStore interface {
	ReadStudyAggregate(ctx context.Context, studyPK int64, viewID string) (*StudyAggregate, bool, error)
	ReadSeriesAggregate(ctx context.Context, seriesPK int64, viewID string) (*SeriesAggregate, bool, error)
	StudyInstances(ctx context.Context, studyPK int64) ([]InstanceSnapshot, error)
	SeriesInstances(ctx context.Context, seriesPK int64) ([]InstanceSnapshot, error)
	UpsertStudyAggregate(ctx context.Context, agg *StudyAggregate) error
	UpsertSeriesAggregate(ctx context.Context, agg *SeriesAggregate) error
}
