package query

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/archive/internal/platform/dicom"
)

// Results is the lazy, non-restartable result sequence of one query. Rows are
// produced in primary key order of the queried level.
//
//	res, err := engine.Execute(ctx, qc)
//	if err != nil { ... }
//	defer res.Close()
//	for res.Next(ctx) {
//		attrs, err := res.Attributes()
//		...
//	}
//	if err := res.Err(); err != nil { ... }
type Results struct {
	q       levelQuery
	rc      *rowContext
	rows    Rows
	max     int
	logger  zerolog.Logger
	started time.Time

	produced int
	skipped  int
	cur      *dicom.AttributeSet
	curErr   error
	err      error
	closed   bool
}

// Next advances to the next result. It returns false when the sequence is
// exhausted, the result bound is reached, ctx is done or a request-level
// error occurred; the cursor is released in every one of those cases.
func (r *Results) Next(ctx context.Context) bool {
	r.cur, r.curErr = nil, nil
	if r.closed {
		return false
	}
	level := r.q.level.String()
	for {
		if err := ctx.Err(); err != nil {
			r.fail(err)
			return false
		}
		if !r.rows.Next() {
			if err := r.rows.Err(); err != nil {
				r.fail(err)
				return false
			}
			r.Close()
			return false
		}

		attrs, ok, err := r.q.toResult(ctx, r.rc, r.rows)
		var rowErr *RowError
		switch {
		case errors.As(err, &rowErr):
			queryRows.WithLabelValues(level, "failed").Inc()
			r.logger.Error().Err(err).Int64("pk", rowErr.PK).Msg("failed to decode stored attributes")
			r.curErr = err
		case err != nil:
			r.fail(err)
			return false
		case !ok:
			queryRows.WithLabelValues(level, "skipped").Inc()
			r.skipped++
			continue
		default:
			queryRows.WithLabelValues(level, "returned").Inc()
			r.cur = attrs
		}

		r.produced++
		if r.max > 0 && r.produced >= r.max {
			r.Close()
		}
		return true
	}
}

// Attributes returns the current result, or the error that made this row
// fail. A row error does not end the sequence.
func (r *Results) Attributes() (*dicom.AttributeSet, error) {
	return r.cur, r.curErr
}

// Err returns the request-level error that ended the sequence, if any.
func (r *Results) Err() error {
	return r.err
}

// Close releases the cursor. It is safe to call more than once.
func (r *Results) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.rows.Close()
	queryDuration.WithLabelValues(r.q.level.String()).Observe(time.Since(r.started).Seconds())
	r.logger.Debug().Int("produced", r.produced).Int("skipped", r.skipped).
		Err(r.err).Msg("query cursor closed")
}

func (r *Results) fail(err error) {
	r.err = err
	r.Close()
}
