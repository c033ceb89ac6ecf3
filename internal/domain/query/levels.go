package query

import (
	"context"
	"fmt"
	"time"

	"github.com/ehr/archive/internal/platform/dicom"
)

// levelQuery is the query variant of one level: what a row projects, how it
// joins its ancestors, and how a cursor row becomes a result.
type levelQuery struct {
	level      Level
	projection []string
	joins      func(viewID string) []Join
	// toResult converts the current cursor row. ok is false when the row must
	// be skipped. Errors wrapped in *RowError concern only this row.
	toResult func(ctx context.Context, rc *rowContext, rows Rows) (attrs *dicom.AttributeSet, ok bool, err error)
}

// rowContext carries what row conversion needs beyond the row itself.
type rowContext struct {
	params Params
	cache  *AggregateCache
	now    func() time.Time
}

var levelQueries = map[Level]levelQuery{
	LevelPatient: {
		level:      LevelPatient,
		projection: []string{"patient.pk", "patient.attrs"},
		joins:      func(string) []Join { return Joins(LevelPatient) },
		toResult:   patientResult,
	},
	LevelStudy: {
		level: LevelStudy,
		projection: []string{
			"study.pk",
			aliasStudyAggregate + ".num_instances",
			aliasStudyAggregate + ".num_series",
			aliasStudyAggregate + ".mods_in_study",
			aliasStudyAggregate + ".cuids_in_study",
			aliasStudyAggregate + ".retrieve_aets",
			aliasStudyAggregate + ".ext_retrieve_aet",
			aliasStudyAggregate + ".availability",
			aliasStudyAggregate + ".updated_at",
			"study.attrs",
			"patient.attrs",
		},
		joins:    studyJoins,
		toResult: studyResult,
	},
	LevelSeries: {
		level: LevelSeries,
		projection: []string{
			"series.pk",
			aliasSeriesAggregate + ".num_instances",
			aliasSeriesAggregate + ".retrieve_aets",
			aliasSeriesAggregate + ".ext_retrieve_aet",
			aliasSeriesAggregate + ".availability",
			aliasSeriesAggregate + ".updated_at",
			"series.attrs",
			"study.attrs",
			"patient.attrs",
		},
		joins:    seriesJoins,
		toResult: seriesResult,
	},
	LevelInstance: {
		level: LevelInstance,
		projection: []string{
			"instance.pk",
			"instance.retrieve_aets",
			"instance.ext_retrieve_aet",
			"instance.availability",
			"instance.attrs",
			"series.attrs",
			"study.attrs",
			"patient.attrs",
		},
		joins:    func(string) []Join { return Joins(LevelInstance) },
		toResult: instanceResult,
	},
}

// Projection returns the columns read per row at level.
func Projection(level Level) []string {
	return append([]string(nil), levelQueries[level].projection...)
}

func studyJoins(viewID string) []Join {
	return append(Joins(LevelStudy), Join{
		Kind:  LeftJoin,
		Table: tableStudyAggregate,
		Alias: aliasStudyAggregate,
		On: And{
			ColumnEq{Left: aliasStudyAggregate + ".study_fk", Right: "study.pk"},
			Compare{Col: aliasStudyAggregate + ".view_id", Op: "=", Value: viewID},
		},
	})
}

func seriesJoins(viewID string) []Join {
	return append(Joins(LevelSeries), Join{
		Kind:  LeftJoin,
		Table: tableSeriesAggregate,
		Alias: aliasSeriesAggregate,
		On: And{
			ColumnEq{Left: aliasSeriesAggregate + ".series_fk", Right: "series.pk"},
			Compare{Col: aliasSeriesAggregate + ".view_id", Op: "=", Value: viewID},
		},
	})
}

// statement builds the cursor statement for the level, ordered by primary key.
func (q levelQuery) statement(where Expr, viewID string) Statement {
	table := tableFor(q.level)
	return Statement{
		From:    table,
		Columns: append([]string(nil), q.projection...),
		Joins:   q.joins(viewID),
		Where:   where,
		OrderBy: []string{table + ".pk"},
	}
}

func patientResult(_ context.Context, rc *rowContext, rows Rows) (*dicom.AttributeSet, bool, error) {
	var (
		pk           int64
		patientAttrs []byte
	)
	if err := rows.Scan(&pk, &patientAttrs); err != nil {
		return nil, false, fmt.Errorf("scan patient row: %w", err)
	}
	attrs, err := decodeMerged(rc.params, patientAttrs)
	if err != nil {
		return nil, false, &RowError{Level: LevelPatient, PK: pk, Err: err}
	}
	attrs.SetString(dicom.QueryRetrieveLevel, "", LevelPatient.String())
	return attrs, true, nil
}

func studyResult(ctx context.Context, rc *rowContext, rows Rows) (*dicom.AttributeSet, bool, error) {
	var (
		pk                        int64
		numInstances, numSeries   *int64
		mods, cuids, aets, extAET *string
		availability              *int64
		updatedAt                 *time.Time
		studyAttrs, patientAttrs  []byte
	)
	if err := rows.Scan(&pk, &numInstances, &numSeries, &mods, &cuids, &aets, &extAET,
		&availability, &updatedAt, &studyAttrs, &patientAttrs); err != nil {
		return nil, false, fmt.Errorf("scan study row: %w", err)
	}

	var agg *StudyAggregate
	if numInstances != nil && updatedAt != nil && fresh(*updatedAt, rc.params, rc.now()) {
		aggregateCacheHits.WithLabelValues(entityStudy).Inc()
		agg = &StudyAggregate{
			StudyPK:             pk,
			ViewID:              rc.params.ViewID(),
			NumberOfInstances:   int(*numInstances),
			NumberOfSeries:      int(deref(numSeries)),
			ModalitiesInStudy:   dicom.SplitValues(deref(mods)),
			SOPClassesInStudy:   dicom.SplitValues(deref(cuids)),
			RetrieveAETs:        dicom.SplitValues(deref(aets)),
			ExternalRetrieveAET: deref(extAET),
			Availability:        Availability(deref(availability)),
			UpdatedAt:           *updatedAt,
		}
	} else {
		aggregateCacheMisses.WithLabelValues(entityStudy).Inc()
		var err error
		if agg, err = rc.cache.RecomputeStudy(ctx, pk, rc.params); err != nil {
			return nil, false, err
		}
	}
	if agg.NumberOfInstances == 0 {
		return nil, false, nil
	}

	attrs, err := decodeMerged(rc.params, patientAttrs, studyAttrs)
	if err != nil {
		return nil, false, &RowError{Level: LevelStudy, PK: pk, Err: err}
	}
	attrs.SetString(dicom.QueryRetrieveLevel, "", LevelStudy.String())
	attrs.SetInt(dicom.NumberOfStudyRelatedSeries, "", int64(agg.NumberOfSeries))
	attrs.SetInt(dicom.NumberOfStudyRelatedInstances, "", int64(agg.NumberOfInstances))
	if len(agg.ModalitiesInStudy) > 0 {
		attrs.SetString(dicom.ModalitiesInStudy, "", agg.ModalitiesInStudy...)
	}
	if len(agg.SOPClassesInStudy) > 0 {
		attrs.SetString(dicom.SOPClassesInStudy, "", agg.SOPClassesInStudy...)
	}
	stampRetrieve(attrs, agg.RetrieveAETs, agg.ExternalRetrieveAET, agg.Availability)
	return attrs, true, nil
}

func seriesResult(ctx context.Context, rc *rowContext, rows Rows) (*dicom.AttributeSet, bool, error) {
	var (
		pk                                    int64
		numInstances, availability            *int64
		aets, extAET                          *string
		updatedAt                             *time.Time
		seriesAttrs, studyAttrs, patientAttrs []byte
	)
	if err := rows.Scan(&pk, &numInstances, &aets, &extAET, &availability, &updatedAt,
		&seriesAttrs, &studyAttrs, &patientAttrs); err != nil {
		return nil, false, fmt.Errorf("scan series row: %w", err)
	}

	var agg *SeriesAggregate
	if numInstances != nil && updatedAt != nil && fresh(*updatedAt, rc.params, rc.now()) {
		aggregateCacheHits.WithLabelValues(entitySeries).Inc()
		agg = &SeriesAggregate{
			SeriesPK:            pk,
			ViewID:              rc.params.ViewID(),
			NumberOfInstances:   int(*numInstances),
			RetrieveAETs:        dicom.SplitValues(deref(aets)),
			ExternalRetrieveAET: deref(extAET),
			Availability:        Availability(deref(availability)),
			UpdatedAt:           *updatedAt,
		}
	} else {
		aggregateCacheMisses.WithLabelValues(entitySeries).Inc()
		var err error
		if agg, err = rc.cache.RecomputeSeries(ctx, pk, rc.params); err != nil {
			return nil, false, err
		}
	}
	if agg.NumberOfInstances == 0 {
		return nil, false, nil
	}

	attrs, err := decodeMerged(rc.params, patientAttrs, studyAttrs, seriesAttrs)
	if err != nil {
		return nil, false, &RowError{Level: LevelSeries, PK: pk, Err: err}
	}
	attrs.SetString(dicom.QueryRetrieveLevel, "", LevelSeries.String())
	attrs.SetInt(dicom.NumberOfSeriesRelatedInstances, "", int64(agg.NumberOfInstances))
	stampRetrieve(attrs, agg.RetrieveAETs, agg.ExternalRetrieveAET, agg.Availability)
	return attrs, true, nil
}

func instanceResult(_ context.Context, rc *rowContext, rows Rows) (*dicom.AttributeSet, bool, error) {
	var (
		pk                                                   int64
		aets                                                 []string
		extAET                                               *string
		availability                                         int64
		instanceAttrs, seriesAttrs, studyAttrs, patientAttrs []byte
	)
	if err := rows.Scan(&pk, &aets, &extAET, &availability,
		&instanceAttrs, &seriesAttrs, &studyAttrs, &patientAttrs); err != nil {
		return nil, false, fmt.Errorf("scan instance row: %w", err)
	}
	attrs, err := decodeMerged(rc.params, patientAttrs, studyAttrs, seriesAttrs, instanceAttrs)
	if err != nil {
		return nil, false, &RowError{Level: LevelInstance, PK: pk, Err: err}
	}
	attrs.SetString(dicom.QueryRetrieveLevel, "", LevelInstance.String())
	stampRetrieve(attrs, aets, deref(extAET), Availability(availability))
	return attrs, true, nil
}

// decodeMerged decodes blobs ordered from the patient level down, projects
// each through its level's attribute filter and merges them so that the
// lower level wins.
func decodeMerged(params Params, blobs ...[]byte) (*dicom.AttributeSet, error) {
	var merged *dicom.AttributeSet
	for i, blob := range blobs {
		set, err := dicom.Decode(blob)
		if err != nil {
			return nil, err
		}
		if filter := params.filter(Level(i)); len(filter) > 0 {
			set = set.Select(filter)
		}
		merged = dicom.MergeAndNormalize(merged, set)
	}
	if merged == nil {
		merged = dicom.NewAttributeSet()
	}
	return merged, nil
}

// stampRetrieve sets the retrieve AE titles, falling back to the external
// retrieve AE title, and the availability.
func stampRetrieve(attrs *dicom.AttributeSet, aets []string, externalAET string, availability Availability) {
	switch {
	case len(aets) > 0:
		attrs.SetString(dicom.RetrieveAETitle, "", aets...)
	case externalAET != "":
		attrs.SetString(dicom.RetrieveAETitle, "", externalAET)
	}
	attrs.SetString(dicom.InstanceAvailability, "", availability.String())
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
