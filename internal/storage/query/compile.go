// Package query translates structured document queries into parameterized
// SQL fragments. Field names pass a strict allow-list before they reach SQL
// text; values are always bound, never interpolated.
package query

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/nullcms/server/internal/model"
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidateField rejects any field or collection name that is not strictly
// alphanumeric-plus-underscore. Names failing this check must never be
// interpolated into SQL text.
func ValidateField(name string) error {
	if !fieldNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", model.ErrInvalidFieldName, name)
	}
	return nil
}

// Dialect adapts the compiler to a concrete SQL engine.
type Dialect struct {
	// Placeholder returns the bind marker for the 1-based argument index.
	Placeholder func(n int) string
	// Column maps a validated field name to the expression that reads it:
	// reserved fields resolve to their columns, everything else to a JSON
	// extraction against the data column.
	Column func(field string) string
	// BindValue prepares a value for binding against field.
	BindValue func(field string, v any) (any, error)
	// WrapPlaceholder optionally decorates the marker for a field, e.g. with
	// a cast. May be nil.
	WrapPlaceholder func(field string, marker string) string
}

// Compiler accumulates SQL fragments and bound arguments for a single
// statement. Not safe for reuse across statements.
type Compiler struct {
	d    Dialect
	args []any
}

// New returns a fresh Compiler for one statement.
func New(d Dialect) *Compiler {
	return &Compiler{d: d}
}

// Args returns the bound arguments in placeholder order.
func (c *Compiler) Args() []any {
	return c.args
}

// Where compiles the legacy equality query and the structured filters into
// the body of a WHERE clause, AND-combined. Returns the empty string when
// there is nothing to filter on.
func (c *Compiler) Where(q model.Query, filters []model.Filter) (string, error) {
	clauses := make([]string, 0, len(q)+len(filters))

	for _, field := range queryFields(q) {
		if err := ValidateField(field); err != nil {
			return "", err
		}
		expr := c.d.Column(field)
		value := q[field]
		if value == nil {
			clauses = append(clauses, expr+" IS NULL")
			continue
		}
		marker, err := c.bind(field, value)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, expr+" = "+marker)
	}

	for _, f := range filters {
		clause, err := c.filter(f)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}

	return strings.Join(clauses, " AND "), nil
}

// OrderBy compiles the sort keys, defaulting to _updatedAt descending.
func (c *Compiler) OrderBy(orders []model.Order) (string, error) {
	if len(orders) == 0 {
		return c.d.Column(model.FieldUpdatedAt) + " DESC", nil
	}

	parts := make([]string, 0, len(orders))
	for _, o := range orders {
		if err := ValidateField(o.Field); err != nil {
			return "", err
		}
		dir := "DESC"
		if strings.EqualFold(o.Direction, "asc") {
			dir = "ASC"
		}
		parts = append(parts, c.d.Column(o.Field)+" "+dir)
	}
	return strings.Join(parts, ", "), nil
}

// LimitOffset compiles pagination. Limit <= 0 means no limit; the returned
// fragment carries a leading space when non-empty.
func (c *Compiler) LimitOffset(limit, skip int) string {
	var b strings.Builder
	if limit > 0 {
		c.args = append(c.args, limit)
		b.WriteString(" LIMIT " + c.d.Placeholder(len(c.args)))
	}
	if skip > 0 {
		c.args = append(c.args, skip)
		b.WriteString(" OFFSET " + c.d.Placeholder(len(c.args)))
	}
	return b.String()
}

func (c *Compiler) filter(f model.Filter) (string, error) {
	if err := ValidateField(f.Field); err != nil {
		return "", err
	}
	expr := c.d.Column(f.Field)

	var op string
	switch f.Operator {
	case model.OpEQ:
		op = "="
	case model.OpNEQ:
		op = "!="
	case model.OpGT:
		op = ">"
	case model.OpGTE:
		op = ">="
	case model.OpLT:
		op = "<"
	case model.OpLTE:
		op = "<="
	case model.OpIN, model.OpNIN:
		return c.filterIn(expr, f)
	default:
		return "", fmt.Errorf("unsupported operator %q", f.Operator)
	}

	marker, err := c.bind(f.Field, f.Value)
	if err != nil {
		return "", err
	}
	return expr + " " + op + " " + marker, nil
}

func (c *Compiler) filterIn(expr string, f model.Filter) (string, error) {
	values, ok := sliceValues(f.Value)
	if !ok {
		return "", fmt.Errorf("value for %s must be a slice", f.Operator)
	}
	if len(values) == 0 {
		// IN over the empty set matches nothing; NIN matches everything.
		if f.Operator == model.OpIN {
			return "1 = 0", nil
		}
		return "1 = 1", nil
	}

	markers := make([]string, 0, len(values))
	for _, v := range values {
		marker, err := c.bind(f.Field, v)
		if err != nil {
			return "", err
		}
		markers = append(markers, marker)
	}

	keyword := "IN"
	if f.Operator == model.OpNIN {
		keyword = "NOT IN"
	}
	return expr + " " + keyword + " (" + strings.Join(markers, ",") + ")", nil
}

func (c *Compiler) bind(field string, v any) (string, error) {
	bound, err := c.d.BindValue(field, v)
	if err != nil {
		return "", fmt.Errorf("failed to bind value for %q: %w", field, err)
	}
	c.args = append(c.args, bound)
	marker := c.d.Placeholder(len(c.args))
	if c.d.WrapPlaceholder != nil {
		marker = c.d.WrapPlaceholder(field, marker)
	}
	return marker, nil
}

// IDOnly reports whether q is a pure primary-key lookup that can bypass the
// compiler: a single non-nil _id equality with no structured filters.
func IDOnly(q model.Query, filters []model.Filter) (string, bool) {
	if len(q) != 1 || len(filters) != 0 {
		return "", false
	}
	id, ok := q[model.FieldID].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// queryFields returns the legacy query's keys in deterministic order:
// reserved fields first, then the rest sorted.
func queryFields(q model.Query) []string {
	fields := make([]string, 0, len(q))
	for _, reserved := range []string{model.FieldID, model.FieldCreatedAt, model.FieldUpdatedAt} {
		if _, ok := q[reserved]; ok {
			fields = append(fields, reserved)
		}
	}
	rest := make([]string, 0, len(q))
	for k := range q {
		if !model.IsReservedField(k) {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(fields, rest...)
}

func sliceValues(v any) ([]any, bool) {
	if vs, ok := v.([]any); ok {
		return vs, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
