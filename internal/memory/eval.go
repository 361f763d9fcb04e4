package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mesh-intelligence/attic/pkg/filter"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// tri is a three-valued truth value. Absent links and missing values make a
// leaf unknown; unknown never matches and survives negation.
type tri int8

const (
	unknown tri = iota
	no
	yes
)

func truth(b bool) tri {
	if b {
		return yes
	}
	return no
}

// evaluate runs doc against the current state. The caller holds a read
// lock.
func (b *Backend) evaluate(ctx context.Context, doc *filter.Document) ([]string, error) {
	var candidates []string
	if doc.Scope != nil {
		for _, id := range b.scope(doc.Scope) {
			if o, ok := b.objects[id]; ok && o.SchemeID == doc.SchemeID && o.EmbeddedIn == "" {
				candidates = append(candidates, id)
			}
		}
	} else {
		for id, o := range b.objects {
			if o.SchemeID == doc.SchemeID && o.EmbeddedIn == "" {
				candidates = append(candidates, id)
			}
		}
	}

	var matched []string
	for i, id := range candidates {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if doc.Where == nil || b.node(id, doc.Where) == yes {
			matched = append(matched, id)
		}
	}

	b.order(matched, doc.Order)

	if doc.Offset > 0 {
		if doc.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[doc.Offset:]
		}
	}
	if doc.Limit != nil && *doc.Limit < len(matched) {
		matched = matched[:*doc.Limit]
	}
	if matched == nil {
		matched = []string{}
	}
	return matched, nil
}

// scope returns the descendants of the roots, breadth first, visiting each
// node once. A root is its own descendant only through a cycle.
func (b *Backend) scope(s *filter.Scope) []string {
	visited := make(map[string]bool)
	var out []string
	queue := append([]string(nil), s.Roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		kids := make([]string, 0, len(b.children[id]))
		for c := range b.children[id] {
			kids = append(kids, c)
		}
		sort.Strings(kids)
		for _, c := range kids {
			if visited[c] {
				continue
			}
			visited[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	if s.IncludeRoots {
		for _, r := range s.Roots {
			if !visited[r] {
				visited[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}

// header returns the non-element row of a structure, if present and not
// absent.
func (b *Backend) header(objectID, structureID string) (types.Value, bool) {
	for _, v := range b.values[objectID] {
		if v.StructureID == structureID && !v.Element() {
			if v.Absent {
				return types.Value{}, false
			}
			return v, true
		}
	}
	return types.Value{}, false
}

func (b *Backend) elements(objectID, structureID string) []types.Value {
	var out []types.Value
	for _, v := range b.values[objectID] {
		if v.StructureID == structureID && v.Element() {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// holder follows every hop but the last and returns the object holding the
// leaf. It reports false when a link along the way is absent.
func (b *Backend) holder(objectID string, f *filter.Field) (string, bool) {
	cur := objectID
	for _, h := range f.Path[:len(f.Path)-1] {
		v, ok := b.header(cur, h.StructureID)
		if !ok || v.Ref == "" {
			return "", false
		}
		if _, exists := b.objects[v.Ref]; !exists {
			return "", false
		}
		cur = v.Ref
	}
	return cur, true
}

// scalar returns the leaf scalar of a non-array field.
func (b *Backend) scalar(objectID string, f *filter.Field) (any, bool) {
	obj, ok := b.holder(objectID, f)
	if !ok {
		return nil, false
	}
	v, ok := b.header(obj, f.Leaf().StructureID)
	if !ok || v.Scalar == nil {
		return nil, false
	}
	return v.Scalar, true
}

func (b *Backend) node(objectID string, n *filter.Node) tri {
	switch n.Op {
	case filter.OpAnd:
		out := yes
		for _, c := range n.Children {
			switch b.node(objectID, c) {
			case no:
				return no
			case unknown:
				out = unknown
			}
		}
		return out
	case filter.OpOr:
		out := no
		for _, c := range n.Children {
			switch b.node(objectID, c) {
			case yes:
				return yes
			case unknown:
				out = unknown
			}
		}
		return out
	case filter.OpNot:
		switch b.node(objectID, n.Children[0]) {
		case yes:
			return no
		case no:
			return yes
		}
		return unknown
	case filter.OpExists:
		obj, ok := b.holder(objectID, n.Field)
		if !ok {
			return no
		}
		_, ok = b.header(obj, n.Field.Leaf().StructureID)
		return truth(ok)
	case filter.OpArrayContains, filter.OpArrayCount, filter.OpArrayAt:
		return b.array(objectID, n)
	}

	x, ok := b.scalar(objectID, n.Field)
	if !ok {
		return unknown
	}
	switch n.Op {
	case filter.OpContains:
		s, _ := x.(string)
		return truth(strings.Contains(s, n.Value.Value.(string)))
	case filter.OpContainsCI:
		s, _ := x.(string)
		return truth(strings.Contains(strings.ToLower(s), strings.ToLower(n.Value.Value.(string))))
	case filter.OpIn:
		for _, lit := range n.Value.List {
			if c, ok := compare(n.Coerce, x, lit); ok && c == 0 {
				return yes
			}
		}
		return no
	}
	return cmp(n.Op, n.Coerce, x, n.Value.Value)
}

func (b *Backend) array(objectID string, n *filter.Node) tri {
	obj, ok := b.holder(objectID, n.Field)
	if !ok {
		return unknown
	}
	sid := n.Field.Leaf().StructureID
	head, ok := b.header(obj, sid)
	if !ok {
		return unknown
	}
	switch n.Op {
	case filter.OpArrayCount:
		return cmp(n.Cmp, types.CoerceNumeric, int64(head.Count), n.Value.Value)
	case filter.OpArrayAt:
		for _, e := range b.elements(obj, sid) {
			if e.Index == n.Index {
				return cmp(n.Cmp, n.Coerce, e.Scalar, n.Value.Value)
			}
		}
		return unknown
	}
	for _, e := range b.elements(obj, sid) {
		if c, ok := compare(n.Coerce, e.Scalar, n.Value.Value); ok && c == 0 {
			return yes
		}
	}
	return no
}

func cmp(op filter.Op, class types.Coercion, a, b any) tri {
	c, ok := compare(class, a, b)
	if !ok {
		return unknown
	}
	switch op {
	case filter.OpEq:
		return truth(c == 0)
	case filter.OpNe:
		return truth(c != 0)
	case filter.OpGt:
		return truth(c > 0)
	case filter.OpGte:
		return truth(c >= 0)
	case filter.OpLt:
		return truth(c < 0)
	case filter.OpLte:
		return truth(c <= 0)
	}
	return unknown
}

// compare orders two values of one coercion class. It reports false when
// either side is nil or not of the class.
func compare(class types.Coercion, a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	switch class {
	case types.CoerceNumeric:
		x, ok1 := number(a)
		y, ok2 := number(b)
		if !ok1 || !ok2 {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case types.CoerceText:
		x, ok1 := a.(string)
		y, ok2 := b.(string)
		if !ok1 || !ok2 {
			return 0, false
		}
		return strings.Compare(x, y), true
	case types.CoerceBoolean:
		x, ok1 := a.(bool)
		y, ok2 := b.(bool)
		if !ok1 || !ok2 {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	case types.CoerceTimestamp:
		x, ok1 := a.(time.Time)
		y, ok2 := b.(time.Time)
		if !ok1 || !ok2 {
			return 0, false
		}
		return x.Compare(y), true
	}
	return 0, false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case types.Decimal:
		return n.Float64(), true
	}
	return 0, false
}

// order sorts ids by the order keys. Absent keys sort first ascending and
// last descending; object id breaks ties.
func (b *Backend) order(ids []string, keys []filter.OrderKey) {
	if len(keys) == 0 {
		sort.Strings(ids)
		return
	}
	vals := make(map[string][]any, len(ids))
	for _, id := range ids {
		row := make([]any, len(keys))
		for i := range keys {
			row[i] = b.expr(id, &keys[i].Expr)
		}
		vals[id] = row
	}
	sort.SliceStable(ids, func(i, j int) bool {
		a, c := vals[ids[i]], vals[ids[j]]
		for k, key := range keys {
			x, y := a[k], c[k]
			var r int
			switch {
			case x == nil && y == nil:
				r = 0
			case x == nil:
				r = -1
			case y == nil:
				r = 1
			default:
				r, _ = compare(key.Expr.Coerce, x, y)
			}
			if key.Desc {
				r = -r
			}
			if r != 0 {
				return r < 0
			}
		}
		return ids[i] < ids[j]
	})
}

func (b *Backend) expr(objectID string, e *filter.Expr) any {
	switch {
	case e.When != nil:
		if b.node(objectID, e.When) == yes {
			return b.expr(objectID, e.Then)
		}
		return b.expr(objectID, e.Else)
	case e.Field != nil:
		x, ok := b.scalar(objectID, e.Field)
		if !ok {
			return nil
		}
		return x
	case e.Literal != nil:
		return e.Literal.Value
	}
	return nil
}
