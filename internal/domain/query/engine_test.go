package query

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/archive/internal/platform/dicom"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(m *memStore) *Engine {
	e := NewEngine(m, m, zerolog.Nop())
	e.now = func() time.Time { return testNow }
	e.cache.now = e.now
	return e
}

func collect(t *testing.T, res *Results) []*dicom.AttributeSet {
	t.Helper()
	defer res.Close()
	var out []*dicom.AttributeSet
	for res.Next(context.Background()) {
		attrs, err := res.Attributes()
		if err != nil {
			t.Fatalf("unexpected row error: %v", err)
		}
		out = append(out, attrs)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return out
}

func run(t *testing.T, e *Engine, qc *Context) []*dicom.AttributeSet {
	t.Helper()
	res, err := e.Execute(context.Background(), qc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return collect(t, res)
}

func keys(pairs ...interface{}) *dicom.AttributeSet {
	s := dicom.NewAttributeSet()
	for i := 0; i < len(pairs); i += 2 {
		s.SetString(pairs[i].(dicom.Tag), "", pairs[i+1].(string))
	}
	return s
}

func studyUIDs(results []*dicom.AttributeSet) []string {
	var out []string
	for _, r := range results {
		out = append(out, r.String(dicom.StudyInstanceUID))
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// archive builds one patient with three studies: 1.1 with CT and MR
// series holding three instances, 1.2 with an empty series and 1.3 whose
// only instance is rejected.
func archive(t *testing.T) (*memStore, map[string]int64) {
	m := newMemStore()
	pks := map[string]int64{}
	pat := m.addPatient(t, "A123", "SITE_A", "SMITH^JOHN")
	pks["patient"] = pat

	s1 := m.addStudy(t, pat, "1.1", "20240110")
	ct := m.addSeries(t, s1, "1.1.1", "CT")
	mr := m.addSeries(t, s1, "1.1.2", "MR")
	m.addInstance(t, ct, "1.1.1.1")
	m.addInstance(t, ct, "1.1.1.2")
	m.addInstance(t, mr, "1.1.2.1", withCUID("1.2.840.10008.5.1.4.1.1.4"))
	pks["1.1"], pks["ct"], pks["mr"] = s1, ct, mr

	s2 := m.addStudy(t, pat, "1.2", "20240111")
	m.addSeries(t, s2, "1.2.1", "US")
	pks["1.2"] = s2

	s3 := m.addStudy(t, pat, "1.3", "20240112")
	ot := m.addSeries(t, s3, "1.3.1", "OT")
	m.addInstance(t, ot, "1.3.1.1", rejected())
	pks["1.3"] = s3
	return m, pks
}

func TestExecute_StudiesWithoutVisibleInstancesAreSkipped(t *testing.T) {
	m, _ := archive(t)
	e := newTestEngine(m)

	results := run(t, e, NewContext(LevelStudy, Params{}, nil))

	if got := studyUIDs(results); !equalStrings(got, []string{"1.1"}) {
		t.Fatalf("expected only study 1.1, got %v", got)
	}
	r := results[0]
	if n, _ := r.Int(dicom.NumberOfStudyRelatedInstances); n != 3 {
		t.Errorf("expected 3 instances, got %d", n)
	}
	if n, _ := r.Int(dicom.NumberOfStudyRelatedSeries); n != 2 {
		t.Errorf("expected 2 series, got %d", n)
	}
	if mods := r.Strings(dicom.ModalitiesInStudy); !equalStrings(mods, []string{"CT", "MR"}) {
		t.Errorf("expected modalities [CT MR], got %v", mods)
	}
	if cuids := r.Strings(dicom.SOPClassesInStudy); len(cuids) != 2 {
		t.Errorf("expected 2 SOP classes, got %v", cuids)
	}
	if got := r.String(dicom.PatientName); got != "SMITH^JOHN" {
		t.Errorf("expected patient attributes merged in, got PatientName %q", got)
	}
	if got := r.String(dicom.QueryRetrieveLevel); got != "STUDY" {
		t.Errorf("expected level STUDY, got %q", got)
	}
	if got := r.String(dicom.RetrieveAETitle); got != "ARCHIVE" {
		t.Errorf("expected retrieve AE title ARCHIVE, got %q", got)
	}
	if got := r.String(dicom.InstanceAvailability); got != "ONLINE" {
		t.Errorf("expected ONLINE, got %q", got)
	}
	if m.openCursors != 0 {
		t.Errorf("expected cursor released, %d open", m.openCursors)
	}
}

func TestExecute_SecondQueryServedFromCache(t *testing.T) {
	m, _ := archive(t)
	e := newTestEngine(m)

	run(t, e, NewContext(LevelStudy, Params{}, nil))
	loads, upserts := m.snapshotLoad, m.upserts
	if loads != 3 || upserts != 3 {
		t.Fatalf("expected 3 recomputes and 3 upserts, got %d and %d", loads, upserts)
	}

	results := run(t, e, NewContext(LevelStudy, Params{}, nil))
	if got := studyUIDs(results); !equalStrings(got, []string{"1.1"}) {
		t.Fatalf("expected only study 1.1, got %v", got)
	}
	if m.snapshotLoad != loads {
		t.Errorf("expected cached aggregates to be used, %d extra recomputes", m.snapshotLoad-loads)
	}
}

func TestExecute_IdentityWildcardDisablesFilter(t *testing.T) {
	m := newMemStore()
	m.addPatient(t, "A123", "SITE_A", "SMITH^JOHN")
	m.addPatient(t, "B456", "SITE_B", "JONES^BOB")
	e := newTestEngine(m)

	unfiltered := run(t, e, NewContext(LevelPatient, Params{}, nil))
	filtered := run(t, e, NewContext(LevelPatient, Params{}, nil).
		WithPatientIDs(IDWithIssuer{ID: "A123", Issuer: "SITE_A"}, IDWithIssuer{ID: "*"}))

	if len(unfiltered) != 2 || len(filtered) != len(unfiltered) {
		t.Fatalf("expected wildcard identity to match all %d patients, got %d", len(unfiltered), len(filtered))
	}
	for i := range filtered {
		if !filtered[i].Equal(unfiltered[i]) {
			t.Errorf("result %d differs from unfiltered query", i)
		}
	}
}

func TestExecute_IdentityFilters(t *testing.T) {
	m := newMemStore()
	m.addPatient(t, "A123", "SITE_A", "SMITH^JOHN")
	m.addPatient(t, "A123", "SITE_B", "SMITH^JANE")
	m.addPatient(t, "B456", "SITE_B", "JONES^BOB")
	e := newTestEngine(m)

	tests := []struct {
		name  string
		ids   []IDWithIssuer
		keys  *dicom.AttributeSet
		names []string
	}{
		{"id and issuer", []IDWithIssuer{{ID: "A123", Issuer: "SITE_A"}}, nil, []string{"SMITH^JOHN"}},
		{"id under any issuer", []IDWithIssuer{{ID: "A123"}}, nil, []string{"SMITH^JOHN", "SMITH^JANE"}},
		{"linked identities", []IDWithIssuer{{ID: "A123", Issuer: "SITE_A"}, {ID: "B456", Issuer: "SITE_B"}}, nil, []string{"SMITH^JOHN", "JONES^BOB"}},
		{"derived from keys", nil, keys(dicom.PatientID, "B456", dicom.IssuerOfPatientID, "SITE_B"), []string{"JONES^BOB"}},
		{"wildcard key id", nil, keys(dicom.PatientID, "A1*"), []string{"SMITH^JOHN", "SMITH^JANE"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qc := NewContext(LevelPatient, Params{}, tt.keys).WithPatientIDs(tt.ids...)
			var names []string
			for _, r := range run(t, e, qc) {
				names = append(names, r.String(dicom.PatientName))
			}
			if !equalStrings(names, tt.names) {
				t.Errorf("expected %v, got %v", tt.names, names)
			}
		})
	}
}

func TestExecute_StaleAggregateIsRecomputed(t *testing.T) {
	m := newMemStore()
	pat := m.addPatient(t, "A123", "", "SMITH^JOHN")
	study := m.addStudy(t, pat, "2.1", "20240110")
	series := m.addSeries(t, study, "2.1.1", "CT")
	m.addInstance(t, series, "2.1.1.1", rejected())

	params := Params{AggregateMaxAge: time.Hour}
	m.putStudyAggregate(&StudyAggregate{
		StudyPK:           study,
		ViewID:            params.ViewID(),
		NumberOfSeries:    1,
		NumberOfInstances: 3,
		UpdatedAt:         testNow.Add(-2 * time.Hour),
	})
	e := newTestEngine(m)

	results := run(t, e, NewContext(LevelStudy, params, nil))

	if len(results) != 0 {
		t.Fatalf("expected stale study to be skipped after recompute, got %v", studyUIDs(results))
	}
	if m.snapshotLoad != 1 {
		t.Errorf("expected 1 recompute, got %d", m.snapshotLoad)
	}
	cached, found, err := e.cache.ReadCachedStudy(context.Background(), study, params)
	if err != nil || !found {
		t.Fatalf("expected recomputed aggregate to be stored, found=%v err=%v", found, err)
	}
	if cached.NumberOfInstances != 0 {
		t.Errorf("expected stored count 0, got %d", cached.NumberOfInstances)
	}
}

func TestExecute_FreshAggregateIsTrusted(t *testing.T) {
	m := newMemStore()
	pat := m.addPatient(t, "A123", "", "SMITH^JOHN")
	study := m.addStudy(t, pat, "2.1", "20240110")
	series := m.addSeries(t, study, "2.1.1", "CT")
	m.addInstance(t, series, "2.1.1.1")

	m.putStudyAggregate(&StudyAggregate{
		StudyPK:           study,
		NumberOfSeries:    4,
		NumberOfInstances: 7,
		ModalitiesInStudy: []string{"CT", "PR"},
		RetrieveAETs:      []string{"ARCHIVE", "CACHE"},
		Availability:      Nearline,
		UpdatedAt:         testNow.Add(-time.Minute),
	})
	e := newTestEngine(m)

	results := run(t, e, NewContext(LevelStudy, Params{AggregateMaxAge: time.Hour}, nil))

	if len(results) != 1 {
		t.Fatalf("expected 1 study, got %d", len(results))
	}
	if m.snapshotLoad != 0 {
		t.Errorf("expected no recompute, got %d", m.snapshotLoad)
	}
	r := results[0]
	if n, _ := r.Int(dicom.NumberOfStudyRelatedInstances); n != 7 {
		t.Errorf("expected cached count 7, got %d", n)
	}
	if aets := r.Strings(dicom.RetrieveAETitle); !equalStrings(aets, []string{"ARCHIVE", "CACHE"}) {
		t.Errorf("expected cached AE titles, got %v", aets)
	}
	if got := r.String(dicom.InstanceAvailability); got != "NEARLINE" {
		t.Errorf("expected NEARLINE, got %q", got)
	}
}

func TestExecute_CachedZeroCountSkipsWithoutRecompute(t *testing.T) {
	m := newMemStore()
	pat := m.addPatient(t, "A123", "", "SMITH^JOHN")
	study := m.addStudy(t, pat, "2.1", "20240110")
	series := m.addSeries(t, study, "2.1.1", "CT")
	m.addInstance(t, series, "2.1.1.1")
	m.putStudyAggregate(&StudyAggregate{StudyPK: study, UpdatedAt: testNow})
	e := newTestEngine(m)

	results := run(t, e, NewContext(LevelStudy, Params{}, nil))

	if len(results) != 0 {
		t.Fatalf("expected study with cached zero count to be skipped, got %d", len(results))
	}
	if m.snapshotLoad != 0 {
		t.Errorf("expected no recompute, got %d", m.snapshotLoad)
	}
}

func TestExecute_FuzzyPatientName(t *testing.T) {
	m := newMemStore()
	m.addPatient(t, "P1", "", "SMITH^JOHN")
	m.addPatient(t, "P2", "", "SMITHE^ANNA")
	m.addPatient(t, "P3", "", "JONES^BOB")
	m.addPatient(t, "P4", "", "Smithers^Waylon")
	e := newTestEngine(m)

	tests := []struct {
		name     string
		matching MatchingMode
		value    string
		want     []string
	}{
		{"fuzzy wildcard", MatchFuzzy, "SMI*", []string{"P1", "P2", "P4"}},
		{"fuzzy ignores case", MatchFuzzy, "smith^*", []string{"P1"}},
		{"fuzzy phonetic", MatchFuzzy, "SMYTH", []string{"P1", "P2"}},
		{"exact wildcard is case sensitive", MatchExact, "SMI*", []string{"P1", "P2"}},
		{"exact value", MatchExact, "JONES^BOB", []string{"P3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qc := NewContext(LevelPatient, Params{Matching: tt.matching}, keys(dicom.PatientName, tt.value))
			var ids []string
			for _, r := range run(t, e, qc) {
				ids = append(ids, r.String(dicom.PatientID))
			}
			if !equalStrings(ids, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, ids)
			}
		})
	}
}

func TestExecute_RelationalMatching(t *testing.T) {
	m, _ := archive(t)
	e := newTestEngine(m)
	k := keys(dicom.Modality, "MR")

	without := run(t, e, NewContext(LevelStudy, Params{}, k))
	if got := studyUIDs(without); !equalStrings(got, []string{"1.1"}) {
		t.Errorf("expected series keys not to constrain studies, got %v", got)
	}

	k = keys(dicom.Modality, "US")
	without = run(t, e, NewContext(LevelStudy, Params{}, k))
	if got := studyUIDs(without); !equalStrings(got, []string{"1.1"}) {
		t.Errorf("expected series keys not to constrain studies, got %v", got)
	}
	with := run(t, e, NewContext(LevelStudy, Params{Relational: true}, k))
	if len(with) != 0 {
		t.Errorf("expected no visible study with a US series, got %v", studyUIDs(with))
	}

	k = keys(dicom.Modality, "MR")
	with = run(t, e, NewContext(LevelStudy, Params{Relational: true}, k))
	if got := studyUIDs(with); !equalStrings(got, []string{"1.1"}) {
		t.Errorf("expected study 1.1 through its MR series, got %v", got)
	}
}

func TestExecute_RelationalInstanceKeyHonoursVisibility(t *testing.T) {
	m, _ := archive(t)
	e := newTestEngine(m)

	k := keys(dicom.SOPInstanceUID, "1.3.1.1")
	results := run(t, e, NewContext(LevelSeries, Params{Relational: true}, k))
	if len(results) != 0 {
		t.Errorf("expected rejected instance not to match, got %d series", len(results))
	}

	results = run(t, e, NewContext(LevelSeries, Params{Relational: true, ShowRejected: true}, k))
	if len(results) != 1 || results[0].String(dicom.SeriesInstanceUID) != "1.3.1" {
		t.Errorf("expected series 1.3.1 with rejected instances shown, got %d results", len(results))
	}
}

func TestExecute_ModalitiesInStudy(t *testing.T) {
	m, _ := archive(t)
	e := newTestEngine(m)

	results := run(t, e, NewContext(LevelStudy, Params{ShowRejected: true}, keys(dicom.ModalitiesInStudy, "OT")))
	if got := studyUIDs(results); !equalStrings(got, []string{"1.3"}) {
		t.Errorf("expected study 1.3, got %v", got)
	}
}

func TestExecute_SeriesLevel(t *testing.T) {
	m, _ := archive(t)
	e := newTestEngine(m)

	results := run(t, e, NewContext(LevelSeries, Params{}, keys(dicom.StudyInstanceUID, "1.1")))
	if len(results) != 2 {
		t.Fatalf("expected 2 series, got %d", len(results))
	}
	if n, _ := results[0].Int(dicom.NumberOfSeriesRelatedInstances); n != 2 {
		t.Errorf("expected 2 CT instances, got %d", n)
	}
	if got := results[1].String(dicom.Modality); got != "MR" {
		t.Errorf("expected MR second in pk order, got %q", got)
	}
	if got := results[0].String(dicom.StudyDescription); got != "Study 1.1" {
		t.Errorf("expected study attributes merged in, got %q", got)
	}
}

func TestExecute_InstanceVisibility(t *testing.T) {
	m := newMemStore()
	pat := m.addPatient(t, "A123", "", "SMITH^JOHN")
	study := m.addStudy(t, pat, "3.1", "20240110")
	series := m.addSeries(t, study, "3.1.1", "CT")
	m.addInstance(t, series, "3.1.1.1", onAETs("ARCHIVE", "CACHE"))
	m.addInstance(t, series, "3.1.1.2", onAETs("CACHE"), withAvailability(Offline))
	m.addInstance(t, series, "3.1.1.3", rejected())
	m.addInstance(t, series, "3.1.1.4", onAETs(), withExternalAET("REMOTE"), withAvailability(Nearline))
	e := newTestEngine(m)

	tests := []struct {
		name   string
		params Params
		want   []string
	}{
		{"hides rejected", Params{}, []string{"3.1.1.1", "3.1.1.2", "3.1.1.4"}},
		{"shows rejected", Params{ShowRejected: true}, []string{"3.1.1.1", "3.1.1.2", "3.1.1.3", "3.1.1.4"}},
		{"retrieve scope", Params{RetrieveAETScope: []string{"ARCHIVE"}}, []string{"3.1.1.1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var uids []string
			for _, r := range run(t, e, NewContext(LevelInstance, tt.params, nil)) {
				uids = append(uids, r.String(dicom.SOPInstanceUID))
			}
			if !equalStrings(uids, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, uids)
			}
		})
	}

	results := run(t, e, NewContext(LevelInstance, Params{}, keys(dicom.SOPInstanceUID, "3.1.1.4")))
	if len(results) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(results))
	}
	if got := results[0].String(dicom.RetrieveAETitle); got != "REMOTE" {
		t.Errorf("expected external AE title fallback, got %q", got)
	}
	if got := results[0].String(dicom.InstanceAvailability); got != "NEARLINE" {
		t.Errorf("expected NEARLINE, got %q", got)
	}

	studies := run(t, e, NewContext(LevelStudy, Params{}, nil))
	if len(studies) != 1 {
		t.Fatalf("expected 1 study, got %d", len(studies))
	}
	if got := studies[0].String(dicom.InstanceAvailability); got != "OFFLINE" {
		t.Errorf("expected least available instance to win, got %q", got)
	}
	if aets := studies[0].Strings(dicom.RetrieveAETitle); aets != nil {
		t.Errorf("expected no AE title shared by all instances, got %v", aets)
	}
}

func TestExecute_MaxResultsReleasesCursor(t *testing.T) {
	m := newMemStore()
	for _, id := range []string{"P1", "P2", "P3", "P4", "P5"} {
		m.addPatient(t, id, "", "DOE^"+id)
	}
	e := newTestEngine(m)

	res, err := e.Execute(context.Background(), NewContext(LevelPatient, Params{MaxResults: 2}, nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var ids []string
	for res.Next(context.Background()) {
		attrs, _ := res.Attributes()
		ids = append(ids, attrs.String(dicom.PatientID))
		if len(ids) == 2 && m.openCursors != 0 {
			t.Errorf("expected cursor released on reaching the bound")
		}
	}
	if !equalStrings(ids, []string{"P1", "P2"}) {
		t.Errorf("expected first two patients in pk order, got %v", ids)
	}
	if res.Next(context.Background()) {
		t.Error("expected exhausted results to stay exhausted")
	}
	res.Close()
}

func TestExecute_CancellationStopsAtRowBoundary(t *testing.T) {
	m := newMemStore()
	for _, id := range []string{"P1", "P2", "P3"} {
		m.addPatient(t, id, "", "DOE^"+id)
	}
	e := newTestEngine(m)
	ctx, cancel := context.WithCancel(context.Background())

	res, err := e.Execute(ctx, NewContext(LevelPatient, Params{}, nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Next(ctx) {
		t.Fatalf("expected first row, err=%v", res.Err())
	}
	cancel()
	if res.Next(ctx) {
		t.Fatal("expected no row after cancellation")
	}
	if !errors.Is(res.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", res.Err())
	}
	if m.openCursors != 0 {
		t.Errorf("expected cursor released, %d open", m.openCursors)
	}
}

func TestExecute_CancelledBeforeOpen(t *testing.T) {
	m := newMemStore()
	e := newTestEngine(m)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Execute(ctx, NewContext(LevelPatient, Params{}, nil)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if m.openCursors != 0 {
		t.Errorf("expected no cursor, %d open", m.openCursors)
	}
}

func TestExecute_CorruptBlobFailsOnlyItsRow(t *testing.T) {
	m := newMemStore()
	m.addPatient(t, "P1", "", "DOE^ONE")
	bad := m.addPatient(t, "P2", "", "DOE^TWO")
	m.addPatient(t, "P3", "", "DOE^THREE")
	m.row(tablePatient, bad)["attrs"] = []byte("not a blob")
	e := newTestEngine(m)

	res, err := e.Execute(context.Background(), NewContext(LevelPatient, Params{}, nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	defer res.Close()

	var ok, failed int
	for res.Next(context.Background()) {
		_, err := res.Attributes()
		if err == nil {
			ok++
			continue
		}
		failed++
		var rowErr *RowError
		if !errors.As(err, &rowErr) || rowErr.PK != bad {
			t.Errorf("expected RowError for pk %d, got %v", bad, err)
		}
		var decErr *dicom.DecodingError
		if !errors.As(err, &decErr) {
			t.Errorf("expected wrapped DecodingError, got %v", err)
		}
	}
	if res.Err() != nil {
		t.Errorf("expected no request-level error, got %v", res.Err())
	}
	if ok != 2 || failed != 1 {
		t.Errorf("expected 2 good rows and 1 failed row, got %d and %d", ok, failed)
	}
}

func TestExecute_RejectsInvalidRequestsBeforeReading(t *testing.T) {
	tests := []struct {
		name    string
		qc      *Context
		wantCfg bool
	}{
		{"negative max results", NewContext(LevelStudy, Params{MaxResults: -1}, nil), true},
		{"unknown level", NewContext(Level(9), Params{}, nil), true},
		{"unknown matching", NewContext(LevelStudy, Params{Matching: MatchingMode(5)}, nil), true},
		{"missing context", nil, true},
		{"uid wildcard", NewContext(LevelStudy, Params{}, keys(dicom.StudyInstanceUID, "1.2.*")), false},
		{"malformed date", NewContext(LevelStudy, Params{}, keys(dicom.StudyDate, "2024")), false},
		{"malformed range", NewContext(LevelStudy, Params{}, keys(dicom.StudyDate, "20240101-2024")), false},
		{"non-numeric series number", NewContext(LevelSeries, Params{}, keys(dicom.SeriesNumber, "abc")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMemStore()
			e := newTestEngine(m)

			_, err := e.Execute(context.Background(), tt.qc)

			var cfgErr *ConfigurationError
			var keyErr *MatchKeyError
			if tt.wantCfg && !errors.As(err, &cfgErr) {
				t.Errorf("expected ConfigurationError, got %v", err)
			}
			if !tt.wantCfg && !errors.As(err, &keyErr) {
				t.Errorf("expected MatchKeyError, got %v", err)
			}
			if m.lastStmt.From != "" {
				t.Error("expected no statement to reach the row store")
			}
		})
	}
}

func TestExecute_QueryFailure(t *testing.T) {
	m := newMemStore()
	m.queryErr = errStoreDown
	e := newTestEngine(m)

	_, err := e.Execute(context.Background(), NewContext(LevelPatient, Params{}, nil))
	if !errors.Is(err, errStoreDown) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
}

func TestExecute_AggregateComputeFailureEndsQuery(t *testing.T) {
	m, _ := archive(t)
	m.snapshotErr = errStoreDown
	e := newTestEngine(m)

	res, err := e.Execute(context.Background(), NewContext(LevelStudy, Params{}, nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Next(context.Background()) {
		t.Fatal("expected no rows without a trustworthy aggregate")
	}
	var computeErr *AggregateComputeError
	if !errors.As(res.Err(), &computeErr) {
		t.Fatalf("expected AggregateComputeError, got %v", res.Err())
	}
	if !errors.Is(res.Err(), errStoreDown) {
		t.Errorf("expected cause to be preserved, got %v", res.Err())
	}
	if m.openCursors != 0 {
		t.Errorf("expected cursor released, %d open", m.openCursors)
	}
}

func TestExecute_CacheWriteFailureIsTolerated(t *testing.T) {
	m, _ := archive(t)
	m.upsertErr = errStoreDown
	e := newTestEngine(m)

	results := run(t, e, NewContext(LevelStudy, Params{}, nil))
	if got := studyUIDs(results); !equalStrings(got, []string{"1.1"}) {
		t.Errorf("expected study 1.1 despite failed cache writes, got %v", got)
	}
	if len(m.tables[tableStudyAggregate]) != 0 {
		t.Error("expected nothing cached")
	}
}

func TestExecute_AttributeFilters(t *testing.T) {
	m, _ := archive(t)
	e := newTestEngine(m)
	params := Params{AttributeFilters: map[Level][]dicom.Tag{
		LevelPatient: {dicom.PatientID},
		LevelStudy:   {dicom.StudyInstanceUID},
	}}

	results := run(t, e, NewContext(LevelStudy, params, nil))
	if len(results) != 1 {
		t.Fatalf("expected 1 study, got %d", len(results))
	}
	r := results[0]
	if r.Contains(dicom.StudyDescription) || r.Contains(dicom.PatientName) {
		t.Error("expected unlisted attributes to be filtered out")
	}
	if !r.Contains(dicom.StudyInstanceUID) || !r.Contains(dicom.PatientID) {
		t.Error("expected listed attributes to be kept")
	}
	if !r.Contains(dicom.NumberOfStudyRelatedInstances) {
		t.Error("expected derived attributes regardless of filters")
	}
}

func TestExecute_MatchUnknown(t *testing.T) {
	m, _ := archive(t)
	e := newTestEngine(m)
	k := keys(dicom.AccessionNumber, "ACC1")

	if results := run(t, e, NewContext(LevelStudy, Params{}, k)); len(results) != 0 {
		t.Errorf("expected no match without accession numbers, got %d", len(results))
	}
	results := run(t, e, NewContext(LevelStudy, Params{MatchUnknown: true}, k))
	if got := studyUIDs(results); !equalStrings(got, []string{"1.1"}) {
		t.Errorf("expected unknown accession number to match, got %v", got)
	}
}

func TestExecute_StudyDateRange(t *testing.T) {
	m, _ := archive(t)
	e := newTestEngine(m)

	tests := []struct {
		value string
		want  []string
	}{
		{"20240110", []string{"1.1"}},
		{"20240101-20240109", nil},
		{"-20240110", []string{"1.1"}},
		{"20240111-", []string{"1.3"}},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got := studyUIDs(run(t, e, NewContext(LevelStudy, Params{ShowRejected: true}, keys(dicom.StudyDate, tt.value))))
			if !equalStrings(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEngine_StudyAggregate(t *testing.T) {
	m, pks := archive(t)
	e := newTestEngine(m)
	ctx := context.Background()

	agg, err := e.StudyAggregate(ctx, pks["1.1"], Params{})
	if err != nil {
		t.Fatalf("StudyAggregate: %v", err)
	}
	if agg.NumberOfInstances != 3 || agg.NumberOfSeries != 2 {
		t.Errorf("expected 3 instances in 2 series, got %d in %d", agg.NumberOfInstances, agg.NumberOfSeries)
	}
	if _, err := e.StudyAggregate(ctx, pks["1.1"], Params{}); err != nil {
		t.Fatalf("StudyAggregate: %v", err)
	}
	if m.snapshotLoad != 1 {
		t.Errorf("expected second read from cache, got %d recomputes", m.snapshotLoad)
	}

	series, err := e.SeriesAggregate(ctx, pks["ct"], Params{})
	if err != nil {
		t.Fatalf("SeriesAggregate: %v", err)
	}
	if series.NumberOfInstances != 2 {
		t.Errorf("expected 2 instances, got %d", series.NumberOfInstances)
	}

	if _, err := e.StudyAggregate(ctx, pks["1.1"], Params{AggregateMaxAge: -time.Second}); err == nil {
		t.Error("expected invalid params to be rejected")
	}
}

// connPool stands in for a database pool: one token per connection.
type connPool chan struct{}

func (p connPool) acquire(ctx context.Context) error {
	select {
	case p <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p connPool) release() { <-p }

// pooledRows returns its connection when the cursor closes.
type pooledRows struct {
	Rows
	once    sync.Once
	release func()
}

func (r *pooledRows) Close() {
	r.Rows.Close()
	r.once.Do(r.release)
}

type pooledRowStore struct {
	m    *memStore
	pool connPool
}

func (s pooledRowStore) Query(ctx context.Context, stmt Statement) (Rows, error) {
	if err := s.pool.acquire(ctx); err != nil {
		return nil, err
	}
	rows, err := s.m.Query(ctx, stmt)
	if err != nil {
		s.pool.release()
		return nil, err
	}
	return &pooledRows{Rows: rows, release: s.pool.release}, nil
}

type pooledAggregateStore struct {
	m    *memStore
	pool connPool
}

func (s pooledAggregateStore) ReadStudyAggregate(ctx context.Context, pk int64, viewID string) (*StudyAggregate, bool, error) {
	if err := s.pool.acquire(ctx); err != nil {
		return nil, false, err
	}
	defer s.pool.release()
	return s.m.ReadStudyAggregate(ctx, pk, viewID)
}

func (s pooledAggregateStore) ReadSeriesAggregate(ctx context.Context, pk int64, viewID string) (*SeriesAggregate, bool, error) {
	if err := s.pool.acquire(ctx); err != nil {
		return nil, false, err
	}
	defer s.pool.release()
	return s.m.ReadSeriesAggregate(ctx, pk, viewID)
}

func (s pooledAggregateStore) StudyInstances(ctx context.Context, pk int64) ([]InstanceSnapshot, error) {
	if err := s.pool.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.pool.release()
	return s.m.StudyInstances(ctx, pk)
}

func (s pooledAggregateStore) SeriesInstances(ctx context.Context, pk int64) ([]InstanceSnapshot, error) {
	if err := s.pool.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.pool.release()
	return s.m.SeriesInstances(ctx, pk)
}

func (s pooledAggregateStore) UpsertStudyAggregate(ctx context.Context, a *StudyAggregate) error {
	if err := s.pool.acquire(ctx); err != nil {
		return err
	}
	defer s.pool.release()
	return s.m.UpsertStudyAggregate(ctx, a)
}

func (s pooledAggregateStore) UpsertSeriesAggregate(ctx context.Context, a *SeriesAggregate) error {
	if err := s.pool.acquire(ctx); err != nil {
		return err
	}
	defer s.pool.release()
	return s.m.UpsertSeriesAggregate(ctx, a)
}

// A search keeps its cursor connection while cache misses load child rows.
// With a single connection per pool that only completes when aggregates come
// from a pool of their own.
func TestExecute_AggregatesNeedTheirOwnPool(t *testing.T) {
	tests := []struct {
		name     string
		separate bool
	}{
		{"shared pool", false},
		{"separate pools", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := archive(t)
			search := make(connPool, 1)
			aggregates := search
			if tt.separate {
				aggregates = make(connPool, 1)
			}
			e := NewEngine(pooledRowStore{m, search}, pooledAggregateStore{m, aggregates}, zerolog.Nop())

			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			res, err := e.Execute(ctx, NewContext(LevelStudy, Params{}, nil))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			n := 0
			for res.Next(ctx) {
				if _, err := res.Attributes(); err != nil {
					t.Fatalf("row error: %v", err)
				}
				n++
			}

			if !tt.separate {
				if !errors.Is(res.Err(), context.DeadlineExceeded) {
					t.Errorf("expected a shared pool of one to starve, got %v after %d rows", res.Err(), n)
				}
				return
			}
			if err := res.Err(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if n != 1 {
				t.Errorf("expected 1 study, got %d", n)
			}
			if len(search) != 0 || len(aggregates) != 0 {
				t.Errorf("expected every connection returned, search=%d aggregates=%d", len(search), len(aggregates))
			}
		})
	}
}
