package query

import (
	"strconv"
	"strings"
)

// Expr is a boolean predicate over qualified columns ("study.study_date").
// Trees are rendered to PostgreSQL with positional arguments.
type Expr interface {
	appendSQL(b *sqlBuilder)
}

type sqlBuilder struct {
	sb   strings.Builder
	args []interface{}
}

func (b *sqlBuilder) write(s ...string) {
	for _, p := range s {
		b.sb.WriteString(p)
	}
}

// arg adds a positional argument and returns its placeholder.
func (b *sqlBuilder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// True matches every row.
type True struct{}

// And matches when every operand matches. An empty And matches everything.
type And []Expr

// Or matches when any operand matches. An empty Or matches nothing.
type Or []Expr

// Not negates X.
type Not struct{ X Expr }

// Compare compares a column against a value with one of =, <>, <, <=, >, >=.
type Compare struct {
	Col   string
	Op    string
	Value interface{}
}

// ColumnEq correlates two columns.
type ColumnEq struct{ Left, Right string }

// IsNull matches rows where Col is NULL.
type IsNull struct{ Col string }

// Like matches Col against a LIKE pattern using '\' as escape. Fold makes the
// match case-insensitive.
type Like struct {
	Col     string
	Pattern string
	Fold    bool
}

// In matches rows whose Col equals one of Values.
type In struct {
	Col    string
	Values []string
}

// Overlaps matches rows whose text[] Col shares an element with Values.
type Overlaps struct {
	Col    string
	Values []string
}

// Exists matches when at least one row of Table (aliased as Alias) satisfies Where.
type Exists struct {
	Table string
	Alias string
	Where Expr
}

func (True) appendSQL(b *sqlBuilder) { b.write("TRUE") }

func (e And) appendSQL(b *sqlBuilder) {
	if len(e) == 0 {
		b.write("TRUE")
		return
	}
	for i, x := range e {
		if i > 0 {
			b.write(" AND ")
		}
		appendOperand(b, x)
	}
}

func (e Or) appendSQL(b *sqlBuilder) {
	if len(e) == 0 {
		b.write("FALSE")
		return
	}
	for i, x := range e {
		if i > 0 {
			b.write(" OR ")
		}
		appendOperand(b, x)
	}
}

// appendOperand parenthesizes nested boolean connectives.
func appendOperand(b *sqlBuilder, x Expr) {
	switch x.(type) {
	case And, Or:
		b.write("(")
		x.appendSQL(b)
		b.write(")")
	default:
		x.appendSQL(b)
	}
}

func (e Not) appendSQL(b *sqlBuilder) {
	b.write("NOT (")
	e.X.appendSQL(b)
	b.write(")")
}

func (e Compare) appendSQL(b *sqlBuilder) {
	b.write(e.Col, " ", e.Op, " ", b.arg(e.Value))
}

func (e ColumnEq) appendSQL(b *sqlBuilder) {
	b.write(e.Left, " = ", e.Right)
}

func (e IsNull) appendSQL(b *sqlBuilder) {
	b.write(e.Col, " IS NULL")
}

func (e Like) appendSQL(b *sqlBuilder) {
	op := " LIKE "
	if e.Fold {
		op = " ILIKE "
	}
	b.write(e.Col, op, b.arg(e.Pattern))
}

func (e In) appendSQL(b *sqlBuilder) {
	if len(e.Values) == 1 {
		b.write(e.Col, " = ", b.arg(e.Values[0]))
		return
	}
	b.write(e.Col, " = ANY(", b.arg(e.Values), ")")
}

func (e Overlaps) appendSQL(b *sqlBuilder) {
	b.write(e.Col, " && ", b.arg(e.Values))
}

func (e Exists) appendSQL(b *sqlBuilder) {
	b.write("EXISTS (SELECT 1 FROM ", e.Table, " ", e.Alias, " WHERE ")
	e.Where.appendSQL(b)
	b.write(")")
}

// and conjoins the non-nil operands, flattening nested Ands.
func and(xs ...Expr) Expr {
	var out And
	for _, x := range xs {
		switch v := x.(type) {
		case nil, True:
		case And:
			out = append(out, v...)
		default:
			out = append(out, x)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

// JoinKind is INNER or LEFT.
type JoinKind string

const (
	InnerJoin JoinKind = "JOIN"
	LeftJoin  JoinKind = "LEFT JOIN"
)

// Join adds Table under Alias with the On condition.
type Join struct {
	Kind  JoinKind
	Table string
	Alias string
	On    Expr
}

// Statement is a declarative SELECT handed to the row store.
type Statement struct {
	From    string
	Columns []string
	Joins   []Join
	Where   Expr
	OrderBy []string
}

// SQL renders the statement with $n placeholders and returns its arguments.
func (s Statement) SQL() (string, []interface{}) {
	b := &sqlBuilder{}
	b.write("SELECT ", strings.Join(s.Columns, ", "), " FROM ", s.From)
	for _, j := range s.Joins {
		b.write(" ", string(j.Kind), " ", j.Table)
		if j.Alias != "" && j.Alias != j.Table {
			b.write(" ", j.Alias)
		}
		b.write(" ON ")
		j.On.appendSQL(b)
	}
	if s.Where != nil {
		b.write(" WHERE ")
		s.Where.appendSQL(b)
	}
	if len(s.OrderBy) > 0 {
		b.write(" ORDER BY ", strings.Join(s.OrderBy, ", "))
	}
	return b.sb.String(), b.args
}

// alias returns the name a join's columns are qualified with.
func (j Join) alias() string {
	if j.Alias != "" {
		return j.Alias
	}
	return j.Table
}
