package query

import (
	"strconv"
	"strings"
	"time"

	"github.com/mesh-intelligence/attic/pkg/filter"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Pred is a predicate over the fields of one scheme. Paths are dotted
// field names and may cross nested and reference fields. Build
// predicates with Eq, Gt, And and the other constructors; the zero Pred
// is invalid.
type Pred struct {
	op       filter.Op
	path     string
	value    any
	list     []any
	cmp      filter.Op
	index    int
	children []Pred
}

// Eq matches when the field equals v.
func Eq(path string, v any) Pred { return Pred{op: filter.OpEq, path: path, value: v} }

// Ne matches when the field is present and differs from v.
func Ne(path string, v any) Pred { return Pred{op: filter.OpNe, path: path, value: v} }

// Gt matches when the field is greater than v.
func Gt(path string, v any) Pred { return Pred{op: filter.OpGt, path: path, value: v} }

// Gte matches when the field is greater than or equal to v.
func Gte(path string, v any) Pred { return Pred{op: filter.OpGte, path: path, value: v} }

// Lt matches when the field is less than v.
func Lt(path string, v any) Pred { return Pred{op: filter.OpLt, path: path, value: v} }

// Lte matches when the field is less than or equal to v.
func Lte(path string, v any) Pred { return Pred{op: filter.OpLte, path: path, value: v} }

// In matches when the field equals one of vs.
func In(path string, vs ...any) Pred { return Pred{op: filter.OpIn, path: path, list: vs} }

// Contains matches text fields containing s.
func Contains(path, s string, caseSensitive bool) Pred {
	op := filter.OpContainsCI
	if caseSensitive {
		op = filter.OpContains
	}
	return Pred{op: op, path: path, value: s}
}

// Exists matches when the field is present. It is never unknown.
func Exists(path string) Pred { return Pred{op: filter.OpExists, path: path} }

// ArrayContains matches array fields holding an element equal to v.
func ArrayContains(path string, v any) Pred {
	return Pred{op: filter.OpArrayContains, path: path, value: v}
}

// ArrayCount compares the element count of an array field with n.
func ArrayCount(path string, op filter.Op, n int) Pred {
	return Pred{op: filter.OpArrayCount, path: path, cmp: op, value: int64(n)}
}

// ArrayAt compares the element at index i of an array field with v.
func ArrayAt(path string, i int, op filter.Op, v any) Pred {
	return Pred{op: filter.OpArrayAt, path: path, index: i, cmp: op, value: v}
}

// And matches when every operand matches.
func And(ps ...Pred) Pred { return Pred{op: filter.OpAnd, children: ps} }

// Or matches when any operand matches.
func Or(ps ...Pred) Pred { return Pred{op: filter.OpOr, children: ps} }

// Not negates p. The negation of unknown stays unknown.
func Not(p Pred) Pred { return Pred{op: filter.OpNot, children: []Pred{p}} }

// String renders p for logs and error messages.
func (p Pred) String() string {
	switch p.op {
	case filter.OpAnd, filter.OpOr:
		parts := make([]string, len(p.children))
		for i, c := range p.children {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, " "+string(p.op)+" ") + ")"
	case filter.OpNot:
		if len(p.children) == 1 {
			return "not " + p.children[0].String()
		}
		return "not ()"
	case filter.OpExists:
		return "exists(" + p.path + ")"
	case filter.OpIn:
		return p.path + " in " + strconv.Itoa(len(p.list)) + " values"
	case filter.OpArrayCount:
		return "count(" + p.path + ") " + string(p.cmp) + " " + format(p.value)
	case filter.OpArrayAt:
		return p.path + "[" + strconv.Itoa(p.index) + "] " + string(p.cmp) + " " + format(p.value)
	}
	return p.path + " " + string(p.op) + " " + format(p.value)
}

func format(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case rawValue:
		return string(x)
	case time.Time:
		return types.FormatTimestamp(x)
	}
	return stringOf(v)
}

// Direction orders a key.
type Direction bool

// Sort directions.
const (
	Asc  Direction = false
	Desc Direction = true
)

// Expr is a value expression usable as an ordering key.
type Expr struct {
	path  string
	value any
	when  *Pred
	then  *Expr
	els   *Expr
}

// Field refers to the value of a scalar field.
func Field(path string) Expr { return Expr{path: path} }

// Value is a constant. Its kind follows the Go type of v.
func Value(v any) Expr { return Expr{value: v} }

// When chooses then where p matches and els otherwise. Both branches
// must compare in the same class.
func When(p Pred, then, els Expr) Expr {
	return Expr{when: &p, then: &then, els: &els}
}

// rawValue is an unquoted literal from ParseCondition, typed by the field
// it is compared with.
type rawValue string

// kindOf infers the kind of a Go literal and normalizes its type.
func kindOf(v any) (types.ValueKind, any, bool) {
	switch x := v.(type) {
	case string:
		return types.KindText, x, true
	case int:
		return types.KindInteger, int64(x), true
	case int32:
		return types.KindInteger, int64(x), true
	case int64:
		return types.KindInteger, x, true
	case float32:
		return types.KindFloat, float64(x), true
	case float64:
		return types.KindFloat, x, true
	case types.Decimal:
		return types.KindDecimal, x, true
	case bool:
		return types.KindBoolean, x, true
	case time.Time:
		return types.KindTimestamp, x.UTC(), true
	}
	return "", nil, false
}

// literalFor types v for comparison with a field of kind leaf. Literals of
// the same comparison class keep their own kind.
func literalFor(leaf types.ValueKind, v any) (types.ValueKind, any, error) {
	if raw, ok := v.(rawValue); ok {
		x, err := parseRaw(leaf, string(raw))
		if err != nil {
			return "", nil, err
		}
		return leaf, x, nil
	}
	if k, x, ok := kindOf(v); ok && k.Coercion() == leaf.Coercion() {
		return k, x, nil
	}
	x, err := types.CoerceScalar(leaf, v)
	if err != nil {
		return "", nil, err
	}
	return leaf, x, nil
}

func parseRaw(kind types.ValueKind, s string) (any, error) {
	switch kind {
	case types.KindText:
		return s, nil
	case types.KindInteger:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
	case types.KindFloat:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
	case types.KindDecimal:
		return types.ParseDecimal(s)
	case types.KindBoolean:
		if b, err := strconv.ParseBool(s); err == nil {
			return b, nil
		}
	case types.KindTimestamp:
		return types.ParseTimestamp(s)
	}
	return nil, types.Invalid("query", "%q is not a %s", s, kind)
}

func stringOf(v any) string {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case types.Decimal:
		return string(x)
	case nil:
		return "null"
	}
	return "?"
}
