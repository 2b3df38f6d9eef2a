package backend

import (
	"fmt"
	"regexp"
	"strings"
)

// Op is a comparison operator usable in a Cond.
type Op string

const (
	Eq  Op = "="
	Ne  Op = "!="
	Lt  Op = "<"
	Lte Op = "<="
	Gt  Op = ">"
	Gte Op = ">="
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Cond compares one top-level document field with a value.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents of a collection. The zero Query matches everything
// in insertion order.
type Query struct {
	Where []Cond
	Sort  string
	Desc  bool
	Limit int
}

// Where builds a Query from conditions.
func Where(conds ...Cond) Query { return Query{Where: conds} }

// C is shorthand for a Cond literal.
func C(field string, op Op, value any) Cond { return Cond{Field: field, Op: op, Value: value} }

// SortBy returns a copy of q ordered by field.
func (q Query) SortBy(field string, desc bool) Query {
	q.Sort, q.Desc = field, desc
	return q
}

// Take returns a copy of q limited to n documents.
func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

func jsonPath(field string) (string, error) {
	if !fieldPattern.MatchString(field) {
		return "", fmt.Errorf("invalid field name %q", field)
	}
	return "$." + field, nil
}

// where renders the WHERE clause for collection plus q's conditions.
func (q Query) where(collection string) (string, []any, error) {
	var b strings.Builder
	args := []any{collection}
	b.WriteString("collection = ?")
	for _, c := range q.Where {
		switch c.Op {
		case Eq, Ne, Lt, Lte, Gt, Gte:
		default:
			return "", nil, fmt.Errorf("invalid operator %q", c.Op)
		}
		path, err := jsonPath(c.Field)
		if err != nil {
			return "", nil, err
		}
		fmt.Fprintf(&b, " AND json_extract(body, ?) %s ?", c.Op)
		args = append(args, path, c.Value)
	}
	return b.String(), args, nil
}

// tail renders ORDER BY and LIMIT.
func (q Query) tail() (string, []any, error) {
	var b strings.Builder
	var args []any
	if q.Sort != "" {
		path, err := jsonPath(q.Sort)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" ORDER BY json_extract(body, ?)")
		if q.Desc {
			b.WriteString(" DESC")
		}
		b.WriteString(", rowid")
		args = append(args, path)
	} else {
		b.WriteString(" ORDER BY rowid")
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return b.String(), args, nil
}
