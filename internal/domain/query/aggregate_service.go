package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/archive/internal/platform/db"
)

const (
	entityStudy  = "study"
	entitySeries = "series"
)

// recomputeTimeout bounds a shared recompute once it no longer follows the
// context of the caller that started it.
const recomputeTimeout = 30 * time.Second

// AggregateCache reconciles cached aggregates with recomputation from the
// live instance rows. Recomputation is the source of truth; the cached view
// only saves work.
type AggregateCache struct {
	store  AggregateStore
	logger zerolog.Logger
	now    func() time.Time

	// group collapses concurrent recomputes of the same entity and view.
	group singleflight.Group
}

// NewAggregateCache creates an AggregateCache backed by store.
func NewAggregateCache(store AggregateStore, logger zerolog.Logger) *AggregateCache {
	return &AggregateCache{
		store:  store,
		logger: logger.With().Str("component", "aggregate_cache").Logger(),
		now:    time.Now,
	}
}

// ReadCachedStudy returns the cached aggregate for the view selected by
// params. Stale rows are reported as absent. It never recomputes.
func (c *AggregateCache) ReadCachedStudy(ctx context.Context, studyPK int64, params Params) (*StudyAggregate, bool, error) {
	agg, found, err := c.store.ReadStudyAggregate(ctx, studyPK, params.ViewID())
	if err != nil || !found {
		return nil, false, err
	}
	if !fresh(agg.UpdatedAt, params, c.now()) {
		return nil, false, nil
	}
	return agg, true, nil
}

// ReadCachedSeries is ReadCachedStudy for series.
func (c *AggregateCache) ReadCachedSeries(ctx context.Context, seriesPK int64, params Params) (*SeriesAggregate, bool, error) {
	agg, found, err := c.store.ReadSeriesAggregate(ctx, seriesPK, params.ViewID())
	if err != nil || !found {
		return nil, false, err
	}
	if !fresh(agg.UpdatedAt, params, c.now()) {
		return nil, false, nil
	}
	return agg, true, nil
}

// RecomputeStudy derives the study aggregate from its instances and stores
// it. A failed store is logged and the computed aggregate is still returned.
func (c *AggregateCache) RecomputeStudy(ctx context.Context, studyPK int64, params Params) (*StudyAggregate, error) {
	viewID := params.ViewID()
	v, err := c.shared(ctx, fmt.Sprintf("%s:%d:%s", entityStudy, studyPK, viewID), func(ctx context.Context) (interface{}, error) {
		instances, err := c.store.StudyInstances(ctx, studyPK)
		if err != nil {
			aggregateRecomputeErrors.WithLabelValues(entityStudy).Inc()
			return nil, &AggregateComputeError{Entity: entityStudy, PK: studyPK, Err: err}
		}
		agg := ComputeStudyAggregate(studyPK, instances, params)
		agg.UpdatedAt = c.now()
		c.logger.Debug().Int64("study_pk", studyPK).Str("view_id", viewID).
			Int("instances", agg.NumberOfInstances).Msg("recomputed study aggregate")

		if err := c.store.UpsertStudyAggregate(ctx, agg); err != nil {
			c.writeFailed(&CacheWriteError{Entity: entityStudy, PK: studyPK, Err: err}, viewID)
		}
		return agg, nil
	})
	if err != nil {
		return nil, err
	}
	agg, ok := v.(*StudyAggregate)
	if !ok {
		return nil, fmt.Errorf("unexpected type from study aggregate group: %T", v)
	}
	return agg, nil
}

// RecomputeSeries is RecomputeStudy for series.
func (c *AggregateCache) RecomputeSeries(ctx context.Context, seriesPK int64, params Params) (*SeriesAggregate, error) {
	viewID := params.ViewID()
	v, err := c.shared(ctx, fmt.Sprintf("%s:%d:%s", entitySeries, seriesPK, viewID), func(ctx context.Context) (interface{}, error) {
		instances, err := c.store.SeriesInstances(ctx, seriesPK)
		if err != nil {
			aggregateRecomputeErrors.WithLabelValues(entitySeries).Inc()
			return nil, &AggregateComputeError{Entity: entitySeries, PK: seriesPK, Err: err}
		}
		agg := ComputeSeriesAggregate(seriesPK, instances, params)
		agg.UpdatedAt = c.now()
		c.logger.Debug().Int64("series_pk", seriesPK).Str("view_id", viewID).
			Int("instances", agg.NumberOfInstances).Msg("recomputed series aggregate")

		if err := c.store.UpsertSeriesAggregate(ctx, agg); err != nil {
			c.writeFailed(&CacheWriteError{Entity: entitySeries, PK: seriesPK, Err: err}, viewID)
		}
		return agg, nil
	})
	if err != nil {
		return nil, err
	}
	agg, ok := v.(*SeriesAggregate)
	if !ok {
		return nil, fmt.Errorf("unexpected type from series aggregate group: %T", v)
	}
	return agg, nil
}

// Study returns the cached study aggregate, recomputing it on a miss.
func (c *AggregateCache) Study(ctx context.Context, studyPK int64, params Params) (*StudyAggregate, error) {
	agg, found, err := c.ReadCachedStudy(ctx, studyPK, params)
	if err != nil {
		return nil, fmt.Errorf("read study aggregate %d: %w", studyPK, err)
	}
	if found {
		aggregateCacheHits.WithLabelValues(entityStudy).Inc()
		return agg, nil
	}
	aggregateCacheMisses.WithLabelValues(entityStudy).Inc()
	return c.RecomputeStudy(ctx, studyPK, params)
}

// Series returns the cached series aggregate, recomputing it on a miss.
func (c *AggregateCache) Series(ctx context.Context, seriesPK int64, params Params) (*SeriesAggregate, error) {
	agg, found, err := c.ReadCachedSeries(ctx, seriesPK, params)
	if err != nil {
		return nil, fmt.Errorf("read series aggregate %d: %w", seriesPK, err)
	}
	if found {
		aggregateCacheHits.WithLabelValues(entitySeries).Inc()
		return agg, nil
	}
	aggregateCacheMisses.WithLabelValues(entitySeries).Inc()
	return c.RecomputeSeries(ctx, seriesPK, params)
}

// shared runs fn once for all concurrent callers of key. fn runs under a
// context detached from the first caller's cancellation, so abandoning one
// request never fails the others. Each caller still returns as soon as its
// own ctx is done.
func (c *AggregateCache) shared(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// A transaction sees its own writes; its recompute is not shared.
	if db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		work, cancel := context.WithTimeout(context.WithoutCancel(ctx), recomputeTimeout)
		defer cancel()
		return fn(work)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (c *AggregateCache) writeFailed(err *CacheWriteError, viewID string) {
	if errors.Is(err.Err, ErrEntityNotFound) {
		c.logger.Debug().Str("entity", err.Entity).Int64("pk", err.PK).
			Msg("aggregate not stored for missing entity")
		return
	}
	aggregateWriteFailures.WithLabelValues(err.Entity).Inc()
	c.logger.Warn().Err(err.Err).
		Str("entity", err.Entity).
		Int64("pk", err.PK).
		Str("view_id", viewID).
		Msg("failed to store recomputed aggregate")
}
