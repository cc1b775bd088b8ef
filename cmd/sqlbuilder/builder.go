package sqlbuilder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/airframesio/data-checker/cmd/reconcile"
)

// Builder renders sampler queries as parameterized SQL
type Builder struct {
	Dialect Dialect
}

func New(d Dialect) *Builder {
	return &Builder{Dialect: d}
}

// Select renders SELECT * FROM table WHERE c1 AND c2 ORDER BY k1, k2
func (b *Builder) Select(q reconcile.Query) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(b.Dialect.Table(q.Table))

	where, args, err := b.where(q.Conditions)
	if err != nil {
		return "", nil, err
	}
	sb.WriteString(where)

	if len(q.OrderBy) > 0 {
		cols := make([]string, 0, len(q.OrderBy))
		for _, c := range q.OrderBy {
			cols = append(cols, b.Dialect.QuoteIdentifier(c))
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(cols, ", "))
	}
	return sb.String(), args, nil
}

// Count renders a row count over the same filter a sampler would use
func (b *Builder) Count(table reconcile.TableRef, conditions []reconcile.Condition) (string, []any, error) {
	where, args, err := b.where(conditions)
	if err != nil {
		return "", nil, err
	}
	return "SELECT " + b.Dialect.CountExpression() + " FROM " + b.Dialect.Table(table) + where, args, nil
}

func (b *Builder) where(conditions []reconcile.Condition) (string, []any, error) {
	if len(conditions) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(conditions))
	args := make([]any, 0, len(conditions))
	for _, c := range conditions {
		part, arg, err := b.condition(c, len(args)+1)
		if err != nil {
			return "", nil, err
		}
		if arg != nil {
			args = append(args, arg)
		}
		parts = append(parts, part)
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// condition renders one conjunct. Comparisons against NULL become IS [NOT] NULL
// and take no argument.
func (b *Builder) condition(c reconcile.Condition, n int) (string, any, error) {
	col := b.Dialect.QuoteIdentifier(c.Column)

	switch c.Operator {
	case reconcile.OpEqual, reconcile.OpNotEqual, reconcile.OpGreaterOrEqual, reconcile.OpLessOrEqual:
	default:
		return "", nil, fmt.Errorf("%w: operator %q on %s", ErrUnsupportedCondition, c.Operator, c.Column)
	}

	if c.Value.IsNull() {
		switch c.Operator {
		case reconcile.OpEqual:
			return col + " IS NULL", nil, nil
		case reconcile.OpNotEqual:
			return col + " IS NOT NULL", nil, nil
		default:
			return "", nil, fmt.Errorf("%w: %s %s NULL", ErrUnsupportedCondition, c.Column, c.Operator)
		}
	}

	expr := fmt.Sprintf("%s %s %s", col, c.Operator, b.Dialect.Placeholder(n))
	if c.IncludeNulls {
		expr = fmt.Sprintf("(%s OR %s IS NULL)", expr, col)
	}
	return expr, c.Value.Interface(), nil
}

// Literal renders a value as SQL text. It is only used to make debug logs readable.
func (b *Builder) Literal(v reconcile.Value) string {
	switch v.Kind() {
	case reconcile.KindNull:
		return "NULL"
	case reconcile.KindInt:
		return strconv.FormatInt(v.Int(), 10)
	case reconcile.KindFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case reconcile.KindBool:
		return b.Dialect.BoolLiteral(v.Bool())
	case reconcile.KindBytes:
		return b.Dialect.BytesLiteral([]byte(v.Str()))
	default:
		return "'" + strings.ReplaceAll(v.String(), "'", "''") + "'"
	}
}

// Debug renders a query with its arguments inlined
func (b *Builder) Debug(q reconcile.Query) string {
	text, _, err := b.Select(q)
	if err != nil {
		return fmt.Sprintf("<invalid query on %s: %v>", q.Table, err)
	}
	var values []reconcile.Value
	for _, c := range q.Conditions {
		if !c.Value.IsNull() {
			values = append(values, c.Value)
		}
	}
	// highest placeholder first so $1 never matches inside $10
	for i := len(values); i > 0; i-- {
		text = strings.Replace(text, b.Dialect.Placeholder(i), b.Literal(values[i-1]), 1)
	}
	return text
}
