package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehr/archive/internal/platform/dicom"
)

// memRow is one stored row keyed by column name. A missing column is NULL.
type memRow map[string]interface{}

// memStore is an in-memory RowStore and AggregateStore. It evaluates the
// same Statement trees the PostgreSQL store renders to SQL.
type memStore struct {
	mu     sync.Mutex
	tables map[string][]memRow
	nextPK int64

	queryErr     error
	snapshotErr  error
	upsertErr    error
	snapshotLoad int
	upserts      int
	openCursors  int
	lastStmt     Statement
}

func newMemStore() *memStore {
	return &memStore{tables: map[string][]memRow{}}
}

func (m *memStore) insert(table string, row memRow) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPK++
	row["pk"] = m.nextPK
	m.tables[table] = append(m.tables[table], row)
	return m.nextPK
}

func (m *memStore) row(table string, pk int64) memRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.tables[table] {
		if r["pk"] == pk {
			return r
		}
	}
	return nil
}

// =========== Fixtures ===========

func mustEncode(t *testing.T, s *dicom.AttributeSet) []byte {
	t.Helper()
	b, err := dicom.Encode(s)
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return b
}

func (m *memStore) addPatient(t *testing.T, id, issuer, name string) int64 {
	t.Helper()
	attrs := dicom.NewAttributeSet()
	attrs.SetString(dicom.PatientName, "", name)
	attrs.SetString(dicom.PatientID, "", id)
	row := memRow{
		"pat_id":         id,
		"pat_name":       name,
		"pat_name_fuzzy": FuzzyKey(name),
		"pat_sex":        "O",
	}
	if issuer != "" {
		attrs.SetString(dicom.IssuerOfPatientID, "", issuer)
		row["pat_id_issuer"] = issuer
	}
	row["attrs"] = mustEncode(t, attrs)
	return m.insert(tablePatient, row)
}

func (m *memStore) addStudy(t *testing.T, patientPK int64, iuid, date string) int64 {
	t.Helper()
	attrs := dicom.NewAttributeSet()
	attrs.SetString(dicom.StudyInstanceUID, "", iuid)
	attrs.SetString(dicom.StudyDate, "", date)
	attrs.SetString(dicom.StudyDescription, "", "Study "+iuid)
	return m.insert(tableStudy, memRow{
		"patient_fk": patientPK,
		"study_iuid": iuid,
		"study_date": date,
		"study_desc": "Study " + iuid,
		"attrs":      mustEncode(t, attrs),
	})
}

func (m *memStore) addSeries(t *testing.T, studyPK int64, iuid, modality string) int64 {
	t.Helper()
	attrs := dicom.NewAttributeSet()
	attrs.SetString(dicom.SeriesInstanceUID, "", iuid)
	attrs.SetString(dicom.Modality, "", modality)
	return m.insert(tableSeries, memRow{
		"study_fk":    studyPK,
		"series_iuid": iuid,
		"modality":    modality,
		"attrs":       mustEncode(t, attrs),
	})
}

type instanceOption func(memRow)

func rejected() instanceOption {
	return func(r memRow) { r["rejected"] = true }
}

func onAETs(aets ...string) instanceOption {
	return func(r memRow) { r["retrieve_aets"] = aets }
}

func withAvailability(a Availability) instanceOption {
	return func(r memRow) { r["availability"] = int64(a) }
}

func withExternalAET(aet string) instanceOption {
	return func(r memRow) { r["ext_retrieve_aet"] = aet }
}

func withCUID(cuid string) instanceOption {
	return func(r memRow) { r["sop_cuid"] = cuid }
}

func (m *memStore) addInstance(t *testing.T, seriesPK int64, iuid string, opts ...instanceOption) int64 {
	t.Helper()
	attrs := dicom.NewAttributeSet()
	attrs.SetString(dicom.SOPInstanceUID, "", iuid)
	row := memRow{
		"series_fk":     seriesPK,
		"sop_iuid":      iuid,
		"sop_cuid":      "1.2.840.10008.5.1.4.1.1.2",
		"retrieve_aets": []string{"ARCHIVE"},
		"availability":  int64(Online),
		"rejected":      false,
		"attrs":         mustEncode(t, attrs),
	}
	for _, opt := range opts {
		opt(row)
	}
	return m.insert(tableInstance, row)
}

func (m *memStore) putStudyAggregate(a *StudyAggregate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsert(tableStudyAggregate, memRow{
		"study_fk":         a.StudyPK,
		"view_id":          a.ViewID,
		"num_series":       int64(a.NumberOfSeries),
		"num_instances":    int64(a.NumberOfInstances),
		"mods_in_study":    dicom.JoinValues(a.ModalitiesInStudy),
		"cuids_in_study":   dicom.JoinValues(a.SOPClassesInStudy),
		"retrieve_aets":    dicom.JoinValues(a.RetrieveAETs),
		"ext_retrieve_aet": nullable(a.ExternalRetrieveAET),
		"availability":     int64(a.Availability),
		"updated_at":       updatedAt(a.UpdatedAt),
	}, "study_fk")
}

func (m *memStore) putSeriesAggregate(a *SeriesAggregate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsert(tableSeriesAggregate, memRow{
		"series_fk":        a.SeriesPK,
		"view_id":          a.ViewID,
		"num_instances":    int64(a.NumberOfInstances),
		"retrieve_aets":    dicom.JoinValues(a.RetrieveAETs),
		"ext_retrieve_aet": nullable(a.ExternalRetrieveAET),
		"availability":     int64(a.Availability),
		"updated_at":       updatedAt(a.UpdatedAt),
	}, "series_fk")
}

// upsert replaces the row with the same fk and view id. Callers hold mu.
func (m *memStore) upsert(table string, row memRow, fk string) {
	rows := m.tables[table]
	for i, r := range rows {
		if r[fk] == row[fk] && r["view_id"] == row["view_id"] {
			rows[i] = row
			return
		}
	}
	m.tables[table] = append(rows, row)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// =========== RowStore ===========

func (m *memStore) Query(ctx context.Context, stmt Statement) (Rows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastStmt = stmt
	if m.queryErr != nil {
		return nil, m.queryErr
	}

	envs := []map[string]memRow{}
	for _, r := range m.tables[stmt.From] {
		envs = append(envs, map[string]memRow{stmt.From: r})
	}
	for _, j := range stmt.Joins {
		var next []map[string]memRow
		for _, env := range envs {
			matched := false
			for _, r := range m.tables[j.Table] {
				candidate := extend(env, j.alias(), r)
				if m.eval(j.On, candidate) {
					next = append(next, candidate)
					matched = true
				}
			}
			if !matched && j.Kind == LeftJoin {
				next = append(next, extend(env, j.alias(), nil))
			}
		}
		envs = next
	}

	var out [][]interface{}
	var keys []int64
	for _, env := range envs {
		if stmt.Where != nil && !m.eval(stmt.Where, env) {
			continue
		}
		values := make([]interface{}, len(stmt.Columns))
		for i, col := range stmt.Columns {
			values[i] = column(env, col)
		}
		out = append(out, values)
		var key int64
		if len(stmt.OrderBy) > 0 {
			key, _ = column(env, stmt.OrderBy[0]).(int64)
		}
		keys = append(keys, key)
	}
	idx := make([]int, len(out))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return keys[idx[a]] < keys[idx[b]] })
	sorted := make([][]interface{}, len(out))
	for i, j := range idx {
		sorted[i] = out[j]
	}

	m.openCursors++
	return &memRows{store: m, data: sorted, pos: -1}, nil
}

func extend(env map[string]memRow, alias string, r memRow) map[string]memRow {
	next := make(map[string]memRow, len(env)+1)
	for k, v := range env {
		next[k] = v
	}
	next[alias] = r
	return next
}

func column(env map[string]memRow, qualified string) interface{} {
	alias, col, _ := strings.Cut(qualified, ".")
	r := env[alias]
	if r == nil {
		return nil
	}
	return r[col]
}

// eval applies an Expr to one tuple of bound rows. Callers hold mu.
func (m *memStore) eval(e Expr, env map[string]memRow) bool {
	switch x := e.(type) {
	case nil, True:
		return true
	case And:
		for _, sub := range x {
			if !m.eval(sub, env) {
				return false
			}
		}
		return true
	case Or:
		for _, sub := range x {
			if m.eval(sub, env) {
				return true
			}
		}
		return false
	case Not:
		return !m.eval(x.X, env)
	case Compare:
		return compare(column(env, x.Col), x.Op, x.Value)
	case ColumnEq:
		l, r := column(env, x.Left), column(env, x.Right)
		return l != nil && r != nil && compare(l, "=", r)
	case IsNull:
		v := column(env, x.Col)
		return v == nil || v == ""
	case Like:
		s, ok := column(env, x.Col).(string)
		return ok && likeRegexp(x.Pattern, x.Fold).MatchString(s)
	case In:
		s, ok := column(env, x.Col).(string)
		if !ok {
			return false
		}
		for _, v := range x.Values {
			if s == v {
				return true
			}
		}
		return false
	case Overlaps:
		have, _ := column(env, x.Col).([]string)
		for _, a := range have {
			for _, b := range x.Values {
				if a == b {
					return true
				}
			}
		}
		return false
	case Exists:
		for _, r := range m.tables[x.Table] {
			if m.eval(x.Where, extend(env, x.Alias, r)) {
				return true
			}
		}
		return false
	}
	panic(fmt.Sprintf("memStore: unsupported expression %T", e))
}

func compare(l interface{}, op string, r interface{}) bool {
	if l == nil || r == nil {
		return false
	}
	var c int
	switch lv := l.(type) {
	case string:
		rv, ok := r.(string)
		if !ok {
			return false
		}
		c = strings.Compare(lv, rv)
	case int64:
		rv, ok := r.(int64)
		if !ok {
			return false
		}
		switch {
		case lv < rv:
			c = -1
		case lv > rv:
			c = 1
		}
	case bool:
		rv, ok := r.(bool)
		if !ok {
			return false
		}
		if lv != rv {
			c = 1
		}
	default:
		return false
	}
	switch op {
	case "=":
		return c == 0
	case "<>":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

// likeRegexp translates a LIKE pattern with '\' escapes.
func likeRegexp(pattern string, fold bool) *regexp.Regexp {
	var sb strings.Builder
	if fold {
		sb.WriteString("(?i)")
	}
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '\\':
			if i+1 < len(pattern) {
				i++
				sb.WriteString(regexp.QuoteMeta(string(pattern[i])))
			}
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}

type memRows struct {
	store  *memStore
	data   [][]interface{}
	pos    int
	err    error
	closed bool
}

func (r *memRows) Next() bool {
	if r.closed {
		return false
	}
	r.pos++
	return r.pos < len(r.data)
}

func (r *memRows) Scan(dest ...interface{}) error {
	row := r.data[r.pos]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(row))
	}
	for i, d := range dest {
		if err := assign(d, row[i]); err != nil {
			return fmt.Errorf("scan column %d: %w", i, err)
		}
	}
	return nil
}

func (r *memRows) Err() error { return r.err }

func (r *memRows) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.store.mu.Lock()
	r.store.openCursors--
	r.store.mu.Unlock()
}

func assign(dest, v interface{}) error {
	switch d := dest.(type) {
	case *int64:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("cannot scan %T into int64", v)
		}
		*d = n
	case **int64:
		if v == nil {
			*d = nil
			return nil
		}
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("cannot scan %T into *int64", v)
		}
		*d = &n
	case **string:
		if v == nil {
			*d = nil
			return nil
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("cannot scan %T into *string", v)
		}
		*d = &s
	case **time.Time:
		if v == nil {
			*d = nil
			return nil
		}
		ts, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("cannot scan %T into *time.Time", v)
		}
		*d = &ts
	case *[]byte:
		if v == nil {
			*d = nil
			return nil
		}
		b, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("cannot scan %T into []byte", v)
		}
		*d = b
	case *[]string:
		if v == nil {
			*d = nil
			return nil
		}
		s, ok := v.([]string)
		if !ok {
			return fmt.Errorf("cannot scan %T into []string", v)
		}
		*d = s
	default:
		return fmt.Errorf("unsupported destination %T", dest)
	}
	return nil
}

// =========== AggregateStore ===========

func (m *memStore) ReadStudyAggregate(_ context.Context, studyPK int64, viewID string) (*StudyAggregate, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.tables[tableStudyAggregate] {
		if r["study_fk"] != studyPK || r["view_id"] != viewID {
			continue
		}
		a := &StudyAggregate{
			StudyPK:           studyPK,
			ViewID:            viewID,
			NumberOfSeries:    int(r["num_series"].(int64)),
			NumberOfInstances: int(r["num_instances"].(int64)),
			ModalitiesInStudy: dicom.SplitValues(r["mods_in_study"].(string)),
			SOPClassesInStudy: dicom.SplitValues(r["cuids_in_study"].(string)),
			RetrieveAETs:      dicom.SplitValues(r["retrieve_aets"].(string)),
			Availability:      Availability(r["availability"].(int64)),
			UpdatedAt:         r["updated_at"].(time.Time),
		}
		a.ExternalRetrieveAET, _ = r["ext_retrieve_aet"].(string)
		return a, true, nil
	}
	return nil, false, nil
}

func (m *memStore) ReadSeriesAggregate(_ context.Context, seriesPK int64, viewID string) (*SeriesAggregate, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.tables[tableSeriesAggregate] {
		if r["series_fk"] != seriesPK || r["view_id"] != viewID {
			continue
		}
		a := &SeriesAggregate{
			SeriesPK:          seriesPK,
			ViewID:            viewID,
			NumberOfInstances: int(r["num_instances"].(int64)),
			RetrieveAETs:      dicom.SplitValues(r["retrieve_aets"].(string)),
			Availability:      Availability(r["availability"].(int64)),
			UpdatedAt:         r["updated_at"].(time.Time),
		}
		a.ExternalRetrieveAET, _ = r["ext_retrieve_aet"].(string)
		return a, true, nil
	}
	return nil, false, nil
}

func (m *memStore) StudyInstances(_ context.Context, studyPK int64) ([]InstanceSnapshot, error) {
	return m.snapshots(func(series memRow) bool { return series["study_fk"] == studyPK })
}

func (m *memStore) SeriesInstances(_ context.Context, seriesPK int64) ([]InstanceSnapshot, error) {
	return m.snapshots(func(series memRow) bool { return series["pk"] == seriesPK })
}

func (m *memStore) snapshots(inScope func(series memRow) bool) ([]InstanceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotLoad++
	if m.snapshotErr != nil {
		return nil, m.snapshotErr
	}
	series := map[int64]memRow{}
	for _, s := range m.tables[tableSeries] {
		if inScope(s) {
			series[s["pk"].(int64)] = s
		}
	}
	var out []InstanceSnapshot
	for _, r := range m.tables[tableInstance] {
		s, ok := series[r["series_fk"].(int64)]
		if !ok {
			continue
		}
		snap := InstanceSnapshot{
			SeriesPK:     s["pk"].(int64),
			Availability: Availability(r["availability"].(int64)),
			Rejected:     r["rejected"].(bool),
		}
		snap.Modality, _ = s["modality"].(string)
		snap.SOPClassUID, _ = r["sop_cuid"].(string)
		snap.RetrieveAETs, _ = r["retrieve_aets"].([]string)
		snap.ExternalRetrieveAET, _ = r["ext_retrieve_aet"].(string)
		out = append(out, snap)
	}
	return out, nil
}

func (m *memStore) UpsertStudyAggregate(_ context.Context, a *StudyAggregate) error {
	if err := m.countUpsert(); err != nil {
		return err
	}
	if m.row(tableStudy, a.StudyPK) == nil {
		return ErrEntityNotFound
	}
	m.putStudyAggregate(a)
	return nil
}

func (m *memStore) UpsertSeriesAggregate(_ context.Context, a *SeriesAggregate) error {
	if err := m.countUpsert(); err != nil {
		return err
	}
	if m.row(tableSeries, a.SeriesPK) == nil {
		return ErrEntityNotFound
	}
	m.putSeriesAggregate(a)
	return nil
}

func (m *memStore) countUpsert() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	return m.upsertErr
}

var errStoreDown = errors.New("store unavailable")
