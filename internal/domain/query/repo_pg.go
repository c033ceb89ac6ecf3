package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/archive/internal/platform/db"
	"github.com/ehr/archive/internal/platform/dicom"
)

// =========== Row Store ===========

type rowStorePG struct{ pool *pgxpool.Pool }

// NewRowStorePG returns a RowStore that runs statements on pool.
func NewRowStorePG(pool *pgxpool.Pool) RowStore {
	return &rowStorePG{pool: pool}
}

func (r *rowStorePG) conn(ctx context.Context) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *rowStorePG) Query(ctx context.Context, stmt Statement) (Rows, error) {
	sql, args := stmt.SQL()
	return r.conn(ctx).Query(ctx, sql, args...)
}

// =========== Aggregate Store ===========

type aggregateStorePG struct{ pool *pgxpool.Pool }

// NewAggregateStorePG returns an AggregateStore backed by the
// study_query_attrs and series_query_attrs tables.
func NewAggregateStorePG(pool *pgxpool.Pool) AggregateStore {
	return &aggregateStorePG{pool: pool}
}

func (r *aggregateStorePG) conn(ctx context.Context) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const studyAggCols = `study_fk, view_id, num_series, num_instances, mods_in_study, cuids_in_study,
	retrieve_aets, ext_retrieve_aet, availability, updated_at`

func scanStudyAggregate(row pgx.Row) (*StudyAggregate, error) {
	var (
		a                  StudyAggregate
		mods, cuids, aets  string
		extAET             *string
		numSeries, numInst int32
		availability       int32
	)
	err := row.Scan(&a.StudyPK, &a.ViewID, &numSeries, &numInst, &mods, &cuids,
		&aets, &extAET, &availability, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.NumberOfSeries = int(numSeries)
	a.NumberOfInstances = int(numInst)
	a.ModalitiesInStudy = dicom.SplitValues(mods)
	a.SOPClassesInStudy = dicom.SplitValues(cuids)
	a.RetrieveAETs = dicom.SplitValues(aets)
	a.ExternalRetrieveAET = deref(extAET)
	a.Availability = Availability(availability)
	return &a, nil
}

const seriesAggCols = `series_fk, view_id, num_instances, retrieve_aets, ext_retrieve_aet, availability, updated_at`

func scanSeriesAggregate(row pgx.Row) (*SeriesAggregate, error) {
	var (
		a            SeriesAggregate
		aets         string
		extAET       *string
		numInst      int32
		availability int32
	)
	err := row.Scan(&a.SeriesPK, &a.ViewID, &numInst, &aets, &extAET, &availability, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.NumberOfInstances = int(numInst)
	a.RetrieveAETs = dicom.SplitValues(aets)
	a.ExternalRetrieveAET = deref(extAET)
	a.Availability = Availability(availability)
	return &a, nil
}

func (r *aggregateStorePG) ReadStudyAggregate(ctx context.Context, studyPK int64, viewID string) (*StudyAggregate, bool, error) {
	a, err := scanStudyAggregate(r.conn(ctx).QueryRow(ctx,
		`SELECT `+studyAggCols+` FROM study_query_attrs WHERE study_fk = $1 AND view_id = $2`, studyPK, viewID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read study aggregate: %w", err)
	}
	return a, true, nil
}

func (r *aggregateStorePG) ReadSeriesAggregate(ctx context.Context, seriesPK int64, viewID string) (*SeriesAggregate, bool, error) {
	a, err := scanSeriesAggregate(r.conn(ctx).QueryRow(ctx,
		`SELECT `+seriesAggCols+` FROM series_query_attrs WHERE series_fk = $1 AND view_id = $2`, seriesPK, viewID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read series aggregate: %w", err)
	}
	return a, true, nil
}

const snapshotCols = `i.series_fk, se.modality, i.sop_cuid, i.retrieve_aets, i.ext_retrieve_aet, i.availability, i.rejected`

func (r *aggregateStorePG) StudyInstances(ctx context.Context, studyPK int64) ([]InstanceSnapshot, error) {
	return r.snapshots(ctx, `SELECT `+snapshotCols+` FROM instance i
		JOIN series se ON i.series_fk = se.pk
		WHERE se.study_fk = $1 ORDER BY i.pk`, studyPK)
}

func (r *aggregateStorePG) SeriesInstances(ctx context.Context, seriesPK int64) ([]InstanceSnapshot, error) {
	return r.snapshots(ctx, `SELECT `+snapshotCols+` FROM instance i
		JOIN series se ON i.series_fk = se.pk
		WHERE i.series_fk = $1 ORDER BY i.pk`, seriesPK)
}

func (r *aggregateStorePG) snapshots(ctx context.Context, sql string, pk int64) ([]InstanceSnapshot, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, pk)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []InstanceSnapshot
	for rows.Next() {
		var (
			s            InstanceSnapshot
			modality     *string
			extAET       *string
			availability int32
		)
		if err := rows.Scan(&s.SeriesPK, &modality, &s.SOPClassUID, &s.RetrieveAETs, &extAET, &availability, &s.Rejected); err != nil {
			return nil, err
		}
		s.Modality = deref(modality)
		s.ExternalRetrieveAET = deref(extAET)
		s.Availability = Availability(availability)
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *aggregateStorePG) UpsertStudyAggregate(ctx context.Context, a *StudyAggregate) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO study_query_attrs (study_fk, view_id, num_series, num_instances, mods_in_study,
			cuids_in_study, retrieve_aets, ext_retrieve_aet, availability, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (study_fk, view_id) DO UPDATE SET
			num_series = EXCLUDED.num_series,
			num_instances = EXCLUDED.num_instances,
			mods_in_study = EXCLUDED.mods_in_study,
			cuids_in_study = EXCLUDED.cuids_in_study,
			retrieve_aets = EXCLUDED.retrieve_aets,
			ext_retrieve_aet = EXCLUDED.ext_retrieve_aet,
			availability = EXCLUDED.availability,
			updated_at = EXCLUDED.updated_at`,
		a.StudyPK, a.ViewID, a.NumberOfSeries, a.NumberOfInstances,
		dicom.JoinValues(a.ModalitiesInStudy), dicom.JoinValues(a.SOPClassesInStudy),
		dicom.JoinValues(a.RetrieveAETs), nullString(a.ExternalRetrieveAET),
		int32(a.Availability), updatedAt(a.UpdatedAt))
	return upsertError(err)
}

func (r *aggregateStorePG) UpsertSeriesAggregate(ctx context.Context, a *SeriesAggregate) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO series_query_attrs (series_fk, view_id, num_instances, retrieve_aets,
			ext_retrieve_aet, availability, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (series_fk, view_id) DO UPDATE SET
			num_instances = EXCLUDED.num_instances,
			retrieve_aets = EXCLUDED.retrieve_aets,
			ext_retrieve_aet = EXCLUDED.ext_retrieve_aet,
			availability = EXCLUDED.availability,
			updated_at = EXCLUDED.updated_at`,
		a.SeriesPK, a.ViewID, a.NumberOfInstances,
		dicom.JoinValues(a.RetrieveAETs), nullString(a.ExternalRetrieveAET),
		int32(a.Availability), updatedAt(a.UpdatedAt))
	return upsertError(err)
}

// sqlStateFKViolation is foreign_key_violation.
const sqlStateFKViolation = "23503"

// upsertError maps a rejected foreign key to ErrEntityNotFound: the aggregate
// was computed for a study or series that has no row.
func upsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateFKViolation {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, pgErr.ConstraintName)
	}
	return err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func updatedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
