package database

import (
	"fmt"
	"strconv"
	"strings"
)

type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

var comparisons = map[string]bool{"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true, "LIKE": true}

// Query assembles the list queries of the stores. Tables and columns come
// from code; only values come from requests, and those are always bound.
type Query struct {
	table   string
	columns string
	conds   []string
	args    []any
	order   []string
	limit   int
	offset  int
}

func NewSelect(table string, columns ...string) *Query {
	cols := "*"
	if len(columns) > 0 {
		cols = strings.Join(columns, ", ")
	}
	return &Query{table: table, columns: cols}
}

// Where adds column = value.
func (q *Query) Where(column string, value any) *Query {
	return q.WhereOp(column, "=", value)
}

// WhereIf adds column = value when ok is set, for optional filters.
func (q *Query) WhereIf(ok bool, column string, value any) *Query {
	if ok {
		q.Where(column, value)
	}
	return q
}

// WhereOp adds column op value. op must be a plain comparison or LIKE.
func (q *Query) WhereOp(column, op string, value any) *Query {
	if !comparisons[op] {
		panic(fmt.Sprintf("database: unsupported operator %q", op))
	}
	q.conds = append(q.conds, column+" "+op+" ?")
	q.args = append(q.args, value)
	return q
}

// WhereIn adds column IN (values...). No values matches nothing.
func (q *Query) WhereIn(column string, values ...any) *Query {
	if len(values) == 0 {
		q.conds = append(q.conds, "0")
		return q
	}
	q.conds = append(q.conds, column+" IN (?"+strings.Repeat(", ?", len(values)-1)+")")
	q.args = append(q.args, values...)
	return q
}

func (q *Query) OrderBy(column string, order SortOrder) *Query {
	q.order = append(q.order, column+" "+string(order))
	return q
}

// Page limits the rows returned. A limit of zero returns everything.
func (q *Query) Page(limit, offset int) *Query {
	q.limit, q.offset = limit, offset
	return q
}

func (q *Query) Build() (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT " + q.columns + " FROM " + q.table)
	q.writeWhere(&b)
	if len(q.order) > 0 {
		b.WriteString(" ORDER BY " + strings.Join(q.order, ", "))
	}
	if q.limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(q.limit))
		if q.offset > 0 {
			b.WriteString(" OFFSET " + strconv.Itoa(q.offset))
		}
	}
	return b.String(), q.args
}

// BuildCount counts every matching row, ignoring order and paging.
func (q *Query) BuildCount() (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT COUNT(*) FROM " + q.table)
	q.writeWhere(&b)
	return b.String(), q.args
}

func (q *Query) writeWhere(b *strings.Builder) {
	if len(q.conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(q.conds, " AND "))
	}
}
