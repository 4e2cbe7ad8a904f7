package fhir

import (
	"fmt"
	"strings"
)

// SearchQuery builds a parameterized SELECT over a base table. It never runs
// anything; repositories execute CountSQL and DataSQL when paginating.
type SearchQuery struct {
	table   string
	cols    string
	joins   []string
	joined  map[string]bool
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

// NewSearchQuery creates a new SearchQuery for the given table and columns.
// Columns should be qualified with the table name once joins are possible.
func NewSearchQuery(table, cols string) *SearchQuery {
	return &SearchQuery{
		table:  table,
		cols:   cols,
		joined: map[string]bool{},
		idx:    1,
	}
}

// Idx returns the next available parameter index.
func (q *SearchQuery) Idx() int { return q.idx }

// Join adds an inner join to entity once per query.
func (q *SearchQuery) Join(entity, on string) {
	if entity == q.table || q.joined[entity] {
		return
	}
	q.joined[entity] = true
	q.joins = append(q.joins, fmt.Sprintf("JOIN %s ON %s", entity, on))
}

// Joins returns the join clauses in the order they were added.
func (q *SearchQuery) Joins() []string { return q.joins }

// Add appends a raw WHERE clause fragment (without leading "AND").
func (q *SearchQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

// ApplySpec adds one predicate per entry in spec order, joining dependent
// entities as needed. Entries with several columns become an OR group.
func (q *SearchQuery) ApplySpec(spec *SearchSpec) {
	if spec == nil {
		return
	}
	for _, e := range spec.Entries {
		if e.Entity != q.table {
			q.Join(e.Entity, e.Join)
		}
		preds := make([]string, 0, len(e.Columns))
		for _, col := range e.Columns {
			preds = append(preds, q.predicate(e, e.Entity+"."+col))
		}
		if len(preds) == 1 {
			q.where += " AND " + preds[0]
		} else {
			q.where += " AND (" + strings.Join(preds, " OR ") + ")"
		}
	}
}

// predicate renders one column comparison and records its arguments.
func (q *SearchQuery) predicate(e SearchEntry, column string) string {
	switch e.Operator {
	case OpIsNull, OpIsNotNull:
		return fmt.Sprintf("%s %s", column, e.Operator)
	case OpIsNot:
		return fmt.Sprintf("%s IS DISTINCT FROM %s", column, q.bind(e.Value))
	case OpIn, OpNotIn:
		values, _ := e.Value.([]any)
		ph := make([]string, 0, len(values))
		for _, v := range values {
			ph = append(ph, q.bind(v))
		}
		return fmt.Sprintf("%s %s (%s)", column, e.Operator, strings.Join(ph, ", "))
	case OpLike:
		if e.Type == TypeString {
			column = "unaccent(" + column + ")"
		}
		return fmt.Sprintf("%s ILIKE %s", column, q.bind(e.Value))
	default:
		return fmt.Sprintf("%s %s %s", column, e.Operator, q.bind(e.Value))
	}
}

func (q *SearchQuery) bind(v interface{}) string {
	ph := fmt.Sprintf("$%d", q.idx)
	q.args = append(q.args, v)
	q.idx++
	return ph
}

// OrderBy sets the ORDER BY clause (without the "ORDER BY" keyword).
func (q *SearchQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

func (q *SearchQuery) from() string {
	s := q.table
	for _, j := range q.joins {
		s += " " + j
	}
	return s
}

// CountSQL returns the count query SQL. Joined rows are collapsed so the
// count is of base rows.
func (q *SearchQuery) CountSQL() string {
	if len(q.joins) > 0 {
		return fmt.Sprintf("SELECT COUNT(DISTINCT %s.id) FROM %s WHERE 1=1%s", q.table, q.from(), q.where)
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

// CountArgs returns the arguments for the count query.
func (q *SearchQuery) CountArgs() []interface{} {
	return q.args
}

// DataSQL returns the data query SQL with ORDER BY and LIMIT/OFFSET.
func (q *SearchQuery) DataSQL(limit, offset int) string {
	distinct := ""
	if len(q.joins) > 0 {
		distinct = "DISTINCT "
	}
	sql := fmt.Sprintf("SELECT %s%s FROM %s WHERE 1=1%s", distinct, q.cols, q.from(), q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
	return sql
}

// DataArgs returns the arguments for the data query (search args + limit + offset).
func (q *SearchQuery) DataArgs(limit, offset int) []interface{} {
	result := make([]interface{}, len(q.args)+2)
	copy(result, q.args)
	result[len(q.args)] = limit
	result[len(q.args)+1] = offset
	return result
}
