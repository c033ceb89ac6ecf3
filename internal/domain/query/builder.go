package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/archive/internal/platform/dicom"
)

// Stored tables. Each level's table is queried under its own name.
const (
	tablePatient         = "patient"
	tableStudy           = "study"
	tableSeries          = "series"
	tableInstance        = "instance"
	tableStudyAggregate  = "study_query_attrs"
	tableSeriesAggregate = "series_query_attrs"

	aliasStudyAggregate  = "sqa"
	aliasSeriesAggregate = "serqa"
)

func tableFor(l Level) string {
	switch l {
	case LevelPatient:
		return tablePatient
	case LevelStudy:
		return tableStudy
	case LevelSeries:
		return tableSeries
	default:
		return tableInstance
	}
}

// parentFK is the column linking a level's rows to their parent.
func parentFK(l Level) string {
	switch l {
	case LevelStudy:
		return "patient_fk"
	case LevelSeries:
		return "study_fk"
	case LevelInstance:
		return "series_fk"
	}
	return ""
}

// Joins returns the ancestor-ward join chain for level: Instance joins Series,
// Study and Patient; Patient joins nothing. Every call returns a fresh,
// structurally equal chain.
func Joins(level Level) []Join {
	var joins []Join
	for l := level; l > LevelPatient; l-- {
		parent := tableFor(l - 1)
		joins = append(joins, Join{
			Kind:  InnerJoin,
			Table: parent,
			On:    ColumnEq{Left: tableFor(l) + "." + parentFK(l), Right: parent + ".pk"},
		})
	}
	return joins
}

type matchKind int

const (
	matchString matchKind = iota
	matchUID
	matchDate
	matchTime
	matchPersonName
	matchInt
)

// keyColumn maps a matching key to the column holding its stored value.
type keyColumn struct {
	tag      dicom.Tag
	col      string
	fuzzyCol string
	kind     matchKind
}

var levelKeys = map[Level][]keyColumn{
	LevelPatient: {
		{tag: dicom.PatientName, col: "pat_name", fuzzyCol: "pat_name_fuzzy", kind: matchPersonName},
		{tag: dicom.PatientBirthDate, col: "pat_birthdate", kind: matchDate},
		{tag: dicom.PatientSex, col: "pat_sex", kind: matchString},
	},
	LevelStudy: {
		{tag: dicom.StudyInstanceUID, col: "study_iuid", kind: matchUID},
		{tag: dicom.StudyID, col: "study_id", kind: matchString},
		{tag: dicom.StudyDate, col: "study_date", kind: matchDate},
		{tag: dicom.StudyTime, col: "study_time", kind: matchTime},
		{tag: dicom.AccessionNumber, col: "accession_no", kind: matchString},
		{tag: dicom.StudyDescription, col: "study_desc", kind: matchString},
		{tag: dicom.ReferringPhysicianName, col: "ref_phys_name", fuzzyCol: "ref_phys_name_fuzzy", kind: matchPersonName},
	},
	LevelSeries: {
		{tag: dicom.SeriesInstanceUID, col: "series_iuid", kind: matchUID},
		{tag: dicom.Modality, col: "modality", kind: matchString},
		{tag: dicom.SeriesNumber, col: "series_no", kind: matchInt},
		{tag: dicom.SeriesDescription, col: "series_desc", kind: matchString},
		{tag: dicom.BodyPartExamined, col: "body_part", kind: matchString},
	},
	LevelInstance: {
		{tag: dicom.SOPInstanceUID, col: "sop_iuid", kind: matchUID},
		{tag: dicom.SOPClassUID, col: "sop_cuid", kind: matchUID},
		{tag: dicom.InstanceNumber, col: "inst_no", kind: matchInt},
	},
}

// Predicate composes the WHERE clause of a query: the patient identity
// predicate, attribute matching for the queried level and its ancestors, and
// with relational matching, correlated EXISTS for descendant keys.
func Predicate(qc *Context) (Expr, error) {
	keys, params := qc.Keys, qc.Params
	parts := make([]Expr, 0, 6)

	pat, err := PatientPredicates(tablePatient, qc.identityFilters(), keys, params)
	if err != nil {
		return nil, err
	}
	parts = append(parts, pat)

	for l := LevelStudy; l <= qc.Level; l++ {
		p, err := levelPredicates(l, tableFor(l), keys, params)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	if qc.Level == LevelInstance {
		parts = append(parts, instanceVisibility(tableInstance, params))
	}
	if params.Relational {
		rel, err := descendantExists(qc.Level, tableFor(qc.Level), keys, params)
		if err != nil {
			return nil, err
		}
		parts = append(parts, rel)
	}
	if p := and(parts...); p != nil {
		return p, nil
	}
	return True{}, nil
}

func levelPredicates(l Level, alias string, keys *dicom.AttributeSet, params Params) (Expr, error) {
	switch l {
	case LevelStudy:
		return StudyPredicates(alias, keys, params)
	case LevelSeries:
		return SeriesPredicates(alias, keys, params)
	case LevelInstance:
		return InstancePredicates(alias, keys, params)
	}
	return matchKeys(LevelPatient, alias, keys, params)
}

// PatientPredicates builds the identity and patient attribute predicates.
// Identity matches any of the (id, issuer) pairs; a wildcard in any pair
// disables the identity constraint altogether.
func PatientPredicates(alias string, ids []IDWithIssuer, keys *dicom.AttributeSet, params Params) (Expr, error) {
	attrs, err := matchKeys(LevelPatient, alias, keys, params)
	if err != nil {
		return nil, err
	}
	identity := identityPredicate(alias, ids)
	if len(ids) == 0 {
		if id := strings.TrimSpace(keys.String(dicom.PatientID)); id != "*" && containsWildcard(id) {
			identity = Like{Col: alias + ".pat_id", Pattern: likePattern(id)}
		}
	}
	return and(identity, attrs), nil
}

func identityPredicate(alias string, ids []IDWithIssuer) Expr {
	if len(ids) == 0 {
		return nil
	}
	var or Or
	for _, id := range ids {
		if id.HasWildcard() {
			return nil
		}
		idEq := Compare{Col: alias + ".pat_id", Op: "=", Value: id.ID}
		if id.Issuer == "" {
			or = append(or, idEq)
			continue
		}
		or = append(or, And{idEq, Compare{Col: alias + ".pat_id_issuer", Op: "=", Value: id.Issuer}})
	}
	if len(or) == 1 {
		return or[0]
	}
	return or
}

// StudyPredicates builds study attribute predicates. ModalitiesInStudy is
// derived from the study's series and always matched through them.
func StudyPredicates(alias string, keys *dicom.AttributeSet, params Params) (Expr, error) {
	attrs, err := matchKeys(LevelStudy, alias, keys, params)
	if err != nil {
		return nil, err
	}
	mods, err := modalitiesInStudy(alias, keys)
	if err != nil {
		return nil, err
	}
	return and(attrs, mods), nil
}

func modalitiesInStudy(alias string, keys *dicom.AttributeSet) (Expr, error) {
	values, err := keyValues(keys, dicom.ModalitiesInStudy)
	if err != nil || len(values) == 0 {
		return nil, err
	}
	var mods []string
	for _, v := range values {
		for _, m := range dicom.SplitValues(v) {
			if m = strings.TrimSpace(m); m != "" && m != "*" {
				mods = append(mods, m)
			}
		}
	}
	if len(mods) == 0 {
		return nil, nil
	}
	sub := alias + "_mods"
	return Exists{
		Table: tableSeries,
		Alias: sub,
		Where: And{
			ColumnEq{Left: sub + ".study_fk", Right: alias + ".pk"},
			In{Col: sub + ".modality", Values: mods},
		},
	}, nil
}

// SeriesPredicates builds series attribute predicates.
func SeriesPredicates(alias string, keys *dicom.AttributeSet, params Params) (Expr, error) {
	return matchKeys(LevelSeries, alias, keys, params)
}

// InstancePredicates builds instance attribute predicates. Visibility is
// added separately by instanceVisibility.
func InstancePredicates(alias string, keys *dicom.AttributeSet, params Params) (Expr, error) {
	return matchKeys(LevelInstance, alias, keys, params)
}

// instanceVisibility hides rejected instances and instances outside the
// retrieve AE title scope.
func instanceVisibility(alias string, params Params) Expr {
	var parts []Expr
	if !params.ShowRejected {
		parts = append(parts, Compare{Col: alias + ".rejected", Op: "=", Value: false})
	}
	if len(params.RetrieveAETScope) > 0 {
		parts = append(parts, Overlaps{Col: alias + ".retrieve_aets", Values: params.RetrieveAETScope})
	}
	return and(parts...)
}

// descendantExists constrains rows of level by keys of its descendants.
func descendantExists(level Level, parentAlias string, keys *dicom.AttributeSet, params Params) (Expr, error) {
	if level == LevelInstance {
		return nil, nil
	}
	child := level + 1
	alias := "r_" + tableFor(child)
	own, err := levelPredicates(child, alias, keys, params)
	if err != nil {
		return nil, err
	}
	if own != nil && child == LevelInstance {
		own = and(own, instanceVisibility(alias, params))
	}
	nested, err := descendantExists(child, alias, keys, params)
	if err != nil {
		return nil, err
	}
	cond := and(own, nested)
	if cond == nil {
		return nil, nil
	}
	return Exists{
		Table: tableFor(child),
		Alias: alias,
		Where: and(ColumnEq{Left: alias + "." + parentFK(child), Right: parentAlias + ".pk"}, cond),
	}, nil
}

func matchKeys(level Level, alias string, keys *dicom.AttributeSet, params Params) (Expr, error) {
	var parts []Expr
	for _, kc := range levelKeys[level] {
		p, err := matchKey(alias, kc, keys, params)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return and(parts...), nil
}

// keyValues returns the non-empty values of a matching key.
func keyValues(keys *dicom.AttributeSet, tag dicom.Tag) ([]string, error) {
	a, ok := keys.Get(tag)
	if !ok {
		return nil, nil
	}
	switch a.Value.Kind {
	case dicom.KindString, dicom.KindInt, dicom.KindDate:
	default:
		return nil, &MatchKeyError{Tag: tag, Reason: fmt.Sprintf("unsupported value kind %s", a.Value.Kind)}
	}
	var out []string
	for _, v := range keys.Strings(tag) {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

func matchKey(alias string, kc keyColumn, keys *dicom.AttributeSet, params Params) (Expr, error) {
	values, err := keyValues(keys, kc.tag)
	if err != nil || len(values) == 0 {
		return nil, err
	}
	col := alias + "." + kc.col

	if kc.kind == matchUID {
		var uids []string
		for _, v := range values {
			for _, uid := range dicom.SplitValues(v) {
				if uid == "*" {
					return nil, nil
				}
				if containsWildcard(uid) {
					return nil, &MatchKeyError{Tag: kc.tag, Reason: "wildcards are not allowed in UID matching"}
				}
				if uid != "" {
					uids = append(uids, uid)
				}
			}
		}
		if len(uids) == 0 {
			return nil, nil
		}
		return In{Col: col, Values: uids}, nil
	}

	if len(values) > 1 {
		return nil, &MatchKeyError{Tag: kc.tag, Reason: "multiple values are only allowed for UID list matching"}
	}
	v := values[0]
	if v == "*" {
		return nil, nil
	}

	var expr Expr
	switch kc.kind {
	case matchString:
		expr = matchText(col, v)
	case matchPersonName:
		expr = matchPersonNameValue(col, alias+"."+kc.fuzzyCol, v, params.Matching)
	case matchDate:
		expr, err = matchRange(col, v, kc.tag, validDate)
	case matchTime:
		expr, err = matchRange(col, v, kc.tag, validTime)
	case matchInt:
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return nil, &MatchKeyError{Tag: kc.tag, Reason: fmt.Sprintf("%q is not an integer", v)}
		}
		expr = Compare{Col: col, Op: "=", Value: n}
	}
	if err != nil {
		return nil, err
	}
	if params.MatchUnknown {
		expr = Or{expr, IsNull{Col: col}}
	}
	return expr, nil
}

func matchText(col, v string) Expr {
	if containsWildcard(v) {
		return Like{Col: col, Pattern: likePattern(v)}
	}
	return Compare{Col: col, Op: "=", Value: v}
}

// matchPersonNameValue compares person names. Fuzzy matching ignores case and
// also accepts names with the same phonetic key.
func matchPersonNameValue(col, fuzzyCol, v string, mode MatchingMode) Expr {
	if mode != MatchFuzzy {
		return matchText(col, v)
	}
	if containsWildcard(v) {
		return Like{Col: col, Pattern: likePattern(v), Fold: true}
	}
	alternatives := Or{Like{Col: col, Pattern: likePattern(v), Fold: true}}
	if key := FuzzyKey(v); key != "" {
		alternatives = append(alternatives, Compare{Col: fuzzyCol, Op: "=", Value: key})
	}
	return alternatives
}

// matchRange handles single values and the A-B, -B and A- range forms.
func matchRange(col, v string, tag dicom.Tag, valid func(string) bool) (Expr, error) {
	lo, hi, isRange := strings.Cut(v, "-")
	if !isRange {
		if !valid(v) {
			return nil, &MatchKeyError{Tag: tag, Reason: fmt.Sprintf("malformed value %q", v)}
		}
		return Compare{Col: col, Op: "=", Value: v}, nil
	}
	if lo == "" && hi == "" {
		return nil, &MatchKeyError{Tag: tag, Reason: "empty range"}
	}
	var parts And
	if lo != "" {
		if !valid(lo) {
			return nil, &MatchKeyError{Tag: tag, Reason: fmt.Sprintf("malformed range start %q", lo)}
		}
		parts = append(parts, Compare{Col: col, Op: ">=", Value: lo})
	}
	if hi != "" {
		if !valid(hi) {
			return nil, &MatchKeyError{Tag: tag, Reason: fmt.Sprintf("malformed range end %q", hi)}
		}
		parts = append(parts, Compare{Col: col, Op: "<=", Value: hi})
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts, nil
}

func validDate(s string) bool {
	return len(s) == 8 && allDigits(s)
}

func validTime(s string) bool {
	whole, frac, _ := strings.Cut(s, ".")
	if len(whole) < 2 || len(whole) > 6 || len(whole)%2 != 0 || !allDigits(whole) {
		return false
	}
	return allDigits(frac)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`, `*`, `%`, `?`, `_`)

// likePattern converts a DICOM wildcard value into a LIKE pattern.
func likePattern(v string) string {
	return likeEscaper.Replace(v)
}
