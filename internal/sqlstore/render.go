package sqlstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/mesh-intelligence/attic/pkg/filter"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// renderer turns a filter document into one SELECT. Every leaf is a scalar
// subquery over object_values, so an absent link or value yields NULL and
// SQL's three-valued logic carries unknown through AND, OR and NOT.
type renderer struct {
	dialect Dialect
	args    []any
	alias   int
}

// arg appends a bound argument and returns its placeholder. Callers must
// request placeholders in the textual order they appear in the query.
func (r *renderer) arg(v any) string {
	r.args = append(r.args, v)
	return "?"
}

func (r *renderer) next() string {
	r.alias++
	return fmt.Sprintf("v%d", r.alias)
}

// column returns the typed column compared under a coercion class.
func column(class types.Coercion) string {
	switch class {
	case types.CoerceNumeric:
		return "v_num"
	case types.CoerceBoolean:
		return "v_bool"
	default:
		return "v_text"
	}
}

// literal converts a literal to the bound value stored in column(class).
func literal(class types.Coercion, v any) (any, error) {
	switch class {
	case types.CoerceNumeric:
		switch n := v.(type) {
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		case float64:
			return n, nil
		case types.Decimal:
			return n.Float64(), nil
		}
	case types.CoerceText:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case types.CoerceBoolean:
		if b, ok := v.(bool); ok {
			return boolInt(b), nil
		}
	case types.CoerceTimestamp:
		if t, ok := v.(time.Time); ok {
			return types.FormatTimestamp(t), nil
		}
	}
	return nil, types.Invalid("render", "literal %v (%T) is not %s", v, v, class)
}

// holder renders the id of the object holding the leaf of f, following
// every hop but the last from the outer object row o.
func (r *renderer) holder(f *filter.Field) string {
	expr := "o.object_id"
	for _, h := range f.Path[:len(f.Path)-1] {
		a := r.next()
		expr = fmt.Sprintf("(SELECT %[1]s.v_ref FROM object_values %[1]s WHERE %[1]s.object_id = %[2]s AND %[1]s.structure_id = %[3]s AND %[1]s.idx = -1 AND %[1]s.absent = 0)",
			a, expr, r.arg(h.StructureID))
	}
	return expr
}

// leaf renders the scalar value of a non-array field in the column for
// class.
func (r *renderer) leaf(f *filter.Field, class types.Coercion) string {
	holder := r.holder(f)
	a := r.next()
	return fmt.Sprintf("(SELECT %[1]s.%[2]s FROM object_values %[1]s WHERE %[1]s.object_id = %[3]s AND %[1]s.structure_id = %[4]s AND %[1]s.idx = -1 AND %[1]s.absent = 0)",
		a, column(class), holder, r.arg(f.Leaf().StructureID))
}

// present renders a test that the leaf row of f exists and is not absent.
func (r *renderer) present(f *filter.Field) string {
	holder := r.holder(f)
	a := r.next()
	return fmt.Sprintf("EXISTS (SELECT 1 FROM object_values %[1]s WHERE %[1]s.object_id = %[2]s AND %[1]s.structure_id = %[3]s AND %[1]s.idx = -1 AND %[1]s.absent = 0)",
		a, holder, r.arg(f.Leaf().StructureID))
}

var sqlOps = map[filter.Op]string{
	filter.OpEq:  "=",
	filter.OpNe:  "<>",
	filter.OpGt:  ">",
	filter.OpGte: ">=",
	filter.OpLt:  "<",
	filter.OpLte: "<=",
}

func (r *renderer) node(n *filter.Node) (string, error) {
	switch n.Op {
	case filter.OpAnd, filter.OpOr:
		parts := make([]string, 0, len(n.Children))
		for _, c := range n.Children {
			s, err := r.node(c)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		sep := " AND "
		if n.Op == filter.OpOr {
			sep = " OR "
		}
		return "(" + strings.Join(parts, sep) + ")", nil
	case filter.OpNot:
		s, err := r.node(n.Children[0])
		if err != nil {
			return "", err
		}
		return "(NOT " + s + ")", nil
	case filter.OpExists:
		return r.present(n.Field), nil
	case filter.OpArrayContains:
		return r.arrayContains(n)
	case filter.OpArrayCount:
		holder := r.holder(n.Field)
		a := r.next()
		lit, err := literal(types.CoerceNumeric, n.Value.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("((SELECT %[1]s.elem_count FROM object_values %[1]s WHERE %[1]s.object_id = %[2]s AND %[1]s.structure_id = %[3]s AND %[1]s.idx = -1 AND %[1]s.absent = 0) %[4]s %[5]s)",
			a, holder, r.arg(n.Field.Leaf().StructureID), sqlOps[n.Cmp], r.arg(lit)), nil
	case filter.OpArrayAt:
		holder := r.holder(n.Field)
		a := r.next()
		lit, err := literal(n.Coerce, n.Value.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("((SELECT %[1]s.%[2]s FROM object_values %[1]s WHERE %[1]s.object_id = %[3]s AND %[1]s.structure_id = %[4]s AND %[1]s.idx = %[5]s) %[6]s %[7]s)",
			a, column(n.Coerce), holder, r.arg(n.Field.Leaf().StructureID), r.arg(n.Index), sqlOps[n.Cmp], r.arg(lit)), nil
	}

	leaf := r.leaf(n.Field, n.Coerce)
	switch n.Op {
	case filter.OpContains, filter.OpContainsCI:
		lit, err := literal(types.CoerceText, n.Value.Value)
		if err != nil {
			return "", err
		}
		return "(" + r.dialect.Contains(leaf, r.arg(lit), n.Op == filter.OpContainsCI) + ")", nil
	case filter.OpIn:
		marks := make([]string, 0, len(n.Value.List))
		for _, v := range n.Value.List {
			lit, err := literal(n.Coerce, v)
			if err != nil {
				return "", err
			}
			marks = append(marks, r.arg(lit))
		}
		return "(" + leaf + " IN (" + strings.Join(marks, ", ") + "))", nil
	}
	op, ok := sqlOps[n.Op]
	if !ok {
		return "", types.Invalid("render", "unsupported operator %q", n.Op)
	}
	lit, err := literal(n.Coerce, n.Value.Value)
	if err != nil {
		return "", err
	}
	return "(" + leaf + " " + op + " " + r.arg(lit) + ")", nil
}

// arrayContains is unknown when the array itself is absent.
func (r *renderer) arrayContains(n *filter.Node) (string, error) {
	present := r.present(n.Field)
	holder := r.holder(n.Field)
	a := r.next()
	lit, err := literal(n.Coerce, n.Value.Value)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(CASE WHEN %[1]s THEN EXISTS (SELECT 1 FROM object_values %[2]s WHERE %[2]s.object_id = %[3]s AND %[2]s.structure_id = %[4]s AND %[2]s.idx >= 0 AND %[2]s.%[5]s = %[6]s) ELSE NULL END)",
		present, a, holder, r.arg(n.Field.Leaf().StructureID), column(n.Coerce), r.arg(lit)), nil
}

var sqlTypes = map[types.Coercion]string{
	types.CoerceNumeric:   "DOUBLE PRECISION",
	types.CoerceText:      "TEXT",
	types.CoerceBoolean:   "INTEGER",
	types.CoerceTimestamp: "TEXT",
}

func (r *renderer) expr(e *filter.Expr) (string, error) {
	switch {
	case e.When != nil:
		cond, err := r.node(e.When)
		if err != nil {
			return "", err
		}
		then, err := r.expr(e.Then)
		if err != nil {
			return "", err
		}
		els, err := r.expr(e.Else)
		if err != nil {
			return "", err
		}
		return "(CASE WHEN " + cond + " THEN " + then + " ELSE " + els + " END)", nil
	case e.Field != nil:
		return r.leaf(e.Field, e.Coerce), nil
	case e.Literal != nil:
		lit, err := literal(e.Coerce, e.Literal.Value)
		if err != nil {
			return "", err
		}
		return "CAST(" + r.arg(lit) + " AS " + sqlTypes[e.Coerce] + ")", nil
	}
	return "", types.Invalid("render", "empty expression")
}

// selectIDs renders the id query for doc. Ordering and paging are
// included only when withOrder is set.
func (r *renderer) selectIDs(doc *filter.Document, withOrder bool) (string, error) {
	var b strings.Builder
	if doc.Scope != nil {
		marks := make([]string, len(doc.Scope.Roots))
		for i, root := range doc.Scope.Roots {
			marks[i] = r.arg(root)
		}
		// UNION discards rows already produced, so cycles terminate.
		fmt.Fprintf(&b, "WITH RECURSIVE tree(id) AS (SELECT object_id FROM objects WHERE parent_id IN (%s) UNION SELECT c.object_id FROM objects c JOIN tree t ON c.parent_id = t.id) ",
			strings.Join(marks, ", "))
	}
	b.WriteString("SELECT o.object_id FROM objects o WHERE o.scheme_id = ")
	b.WriteString(r.arg(doc.SchemeID))
	b.WriteString(" AND o.embedded_in = ''")
	if doc.Scope != nil {
		b.WriteString(" AND (o.object_id IN (SELECT id FROM tree)")
		if doc.Scope.IncludeRoots {
			marks := make([]string, len(doc.Scope.Roots))
			for i, root := range doc.Scope.Roots {
				marks[i] = r.arg(root)
			}
			b.WriteString(" OR o.object_id IN (" + strings.Join(marks, ", ") + ")")
		}
		b.WriteString(")")
	}
	if doc.Where != nil {
		where, err := r.node(doc.Where)
		if err != nil {
			return "", err
		}
		b.WriteString(" AND ")
		b.WriteString(where)
	}
	if !withOrder {
		return b.String(), nil
	}

	b.WriteString(" ORDER BY ")
	for _, k := range doc.Order {
		e, err := r.expr(&k.Expr)
		if err != nil {
			return "", err
		}
		// The key expression is rendered twice, so its arguments are
		// bound twice in the same order.
		nulls := "DESC"
		dir := "ASC"
		if k.Desc {
			nulls, dir = "ASC", "DESC"
		}
		e2, err := r.expr(&k.Expr)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "(CASE WHEN %s IS NULL THEN 1 ELSE 0 END) %s, %s %s, ", e, nulls, e2, dir)
	}
	b.WriteString("o.object_id ASC")
	paging, args := r.dialect.Paging(doc.Limit, doc.Offset)
	b.WriteString(paging)
	r.args = append(r.args, args...)
	return b.String(), nil
}

// Render returns the rebound id query for doc and its arguments.
func Render(d Dialect, doc *filter.Document) (string, []any, error) {
	r := &renderer{dialect: d}
	q, err := r.selectIDs(doc, true)
	if err != nil {
		return "", nil, err
	}
	return d.Rebind(q), r.args, nil
}

// RenderCount returns the rebound count query for doc and its arguments.
func RenderCount(d Dialect, doc *filter.Document) (string, []any, error) {
	r := &renderer{dialect: d}
	paged := doc.Limit != nil || doc.Offset > 0
	q, err := r.selectIDs(doc, paged)
	if err != nil {
		return "", nil, err
	}
	return d.Rebind("SELECT COUNT(*) FROM (" + q + ") q"), r.args, nil
}
