package servicelayer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Filter is an OData $filter expression.
type Filter struct {
	expr string
}

func compare(field, op string, value any) Filter {
	return Filter{expr: fmt.Sprintf("%s %s %s", field, op, literal(value))}
}

// Eq builds "field eq value".
func Eq(field string, value any) Filter { return compare(field, "eq", value) }

// Ne builds "field ne value".
func Ne(field string, value any) Filter { return compare(field, "ne", value) }

// Gt builds "field gt value".
func Gt(field string, value any) Filter { return compare(field, "gt", value) }

// Lt builds "field lt value".
func Lt(field string, value any) Filter { return compare(field, "lt", value) }

// Ge builds "field ge value".
func Ge(field string, value any) Filter { return compare(field, "ge", value) }

// Le builds "field le value".
func Le(field string, value any) Filter { return compare(field, "le", value) }

// And joins filters with "and". Empty operands are skipped.
func (f Filter) And(others ...Filter) Filter {
	return join(" and ", false, append([]Filter{f}, others...))
}

// Or joins filters with "or" inside parentheses.
func (f Filter) Or(others ...Filter) Filter {
	return join(" or ", true, append([]Filter{f}, others...))
}

// IsZero reports an empty filter.
func (f Filter) IsZero() bool { return f.expr == "" }

func (f Filter) String() string { return f.expr }

func join(sep string, group bool, filters []Filter) Filter {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		if !f.IsZero() {
			parts = append(parts, f.expr)
		}
	}
	if len(parts) == 0 {
		return Filter{}
	}
	expr := strings.Join(parts, sep)
	if group && len(parts) > 1 {
		expr = "(" + expr + ")"
	}
	return Filter{expr: expr}
}

func literal(value any) string {
	switch v := value.(type) {
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case time.Time:
		return "'" + v.Format("2006-01-02") + "'"
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case fmt.Stringer:
		return literal(v.String())
	default:
		return literal(fmt.Sprint(v))
	}
}
