package query

import (
	"context"
	"strings"

	"github.com/mesh-intelligence/attic/internal/codec"
	"github.com/mesh-intelligence/attic/pkg/filter"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// compiler lowers predicates and expressions against one root scheme.
// Linked schemes are resolved once per path prefix.
type compiler struct {
	ctx     context.Context
	schemes codec.Schemes
	root    *types.SchemeInfo
	linked  map[string]*types.SchemeInfo
}

func newCompiler(ctx context.Context, schemes codec.Schemes, root *types.SchemeInfo) *compiler {
	return &compiler{ctx: ctx, schemes: schemes, root: root, linked: map[string]*types.SchemeInfo{}}
}

// field resolves a dotted path to its hops. Every hop but the last must be
// a single nested or reference field.
func (c *compiler) field(path string) (*filter.Field, error) {
	if path == "" {
		return nil, types.Invalid("query", "empty field path")
	}
	info := c.root
	out := &filter.Field{}
	names := strings.Split(path, ".")
	for i, name := range names {
		s, ok := info.Field(name)
		if !ok {
			return nil, types.Invalid("query", "%s has no field %q", info.Scheme.Name, name).WithField(path)
		}
		out.Path = append(out.Path, filter.Hop{StructureID: s.StructureID, Name: s.Name, Kind: s.Kind, Array: s.Array})
		if i == len(names)-1 {
			break
		}
		if !s.Kind.Linked() || s.Array {
			return nil, types.Invalid("query", "cannot navigate through %s", name).WithField(path)
		}
		next, err := c.target(s.TargetSchemeID)
		if err != nil {
			return nil, err
		}
		info = next
	}
	return out, nil
}

func (c *compiler) target(id string) (*types.SchemeInfo, error) {
	if info, ok := c.linked[id]; ok {
		return info, nil
	}
	info, err := c.schemes.ByID(c.ctx, id)
	if err != nil {
		return nil, err
	}
	c.linked[id] = info
	return info, nil
}

func (c *compiler) node(p Pred) (*filter.Node, error) {
	switch p.op {
	case filter.OpAnd, filter.OpOr, filter.OpNot:
		if len(p.children) == 0 {
			return nil, types.Invalid("query", "%s without operands", p.op)
		}
		n := &filter.Node{Op: p.op}
		for _, child := range p.children {
			cn, err := c.node(child)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, cn)
		}
		return n, nil
	case "":
		return nil, types.Invalid("query", "empty predicate")
	}

	f, err := c.field(p.path)
	if err != nil {
		return nil, err
	}
	leaf := f.Leaf()
	n := &filter.Node{Op: p.op, Field: f, Coerce: leaf.Kind.Coercion()}
	switch p.op {
	case filter.OpExists:
		n.Coerce = types.CoerceNone
		return n, nil
	case filter.OpArrayCount:
		n.Cmp = p.cmp
		n.Coerce = types.CoerceNumeric
		n.Value = &filter.Literal{Kind: types.KindInteger, Value: p.value}
		return n, nil
	case filter.OpIn:
		if len(p.list) == 0 {
			return nil, types.Invalid("query", "in without values").WithField(p.path)
		}
		lit := &filter.Literal{Kind: leaf.Kind}
		for _, v := range p.list {
			_, x, err := literalFor(leaf.Kind, v)
			if err != nil {
				return nil, types.Invalid("query", "%v", err).WithField(p.path)
			}
			lit.List = append(lit.List, x)
		}
		n.Value = lit
		return n, nil
	case filter.OpArrayAt:
		n.Cmp = p.cmp
		n.Index = p.index
	}
	if !leaf.Kind.Scalar() {
		return nil, types.Invalid("query", "%s on %s field", p.op, leaf.Kind).WithField(p.path)
	}
	if p.value == nil {
		return nil, types.Invalid("query", "%s with null value", p.op).WithField(p.path)
	}
	kind, x, err := literalFor(leaf.Kind, p.value)
	if err != nil {
		return nil, types.Invalid("query", "%v", err).WithField(p.path)
	}
	n.Value = &filter.Literal{Kind: kind, Value: x}
	return n, nil
}

func (c *compiler) expr(e Expr) (*filter.Expr, error) {
	switch {
	case e.when != nil:
		cond, err := c.node(*e.when)
		if err != nil {
			return nil, err
		}
		then, err := c.expr(*e.then)
		if err != nil {
			return nil, err
		}
		els, err := c.expr(*e.els)
		if err != nil {
			return nil, err
		}
		if then.Coerce != els.Coerce {
			return nil, types.Invalid("query", "conditional branches compare as %s and %s", then.Coerce, els.Coerce)
		}
		return &filter.Expr{When: cond, Then: then, Else: els, Coerce: then.Coerce}, nil
	case e.path != "":
		f, err := c.field(e.path)
		if err != nil {
			return nil, err
		}
		leaf := f.Leaf()
		if leaf.Array || !leaf.Kind.Scalar() {
			return nil, types.Invalid("query", "cannot order by %s", e.path).WithField(e.path)
		}
		return &filter.Expr{Field: f, Coerce: leaf.Kind.Coercion()}, nil
	case e.value != nil:
		kind, x, ok := kindOf(e.value)
		if !ok {
			return nil, types.Invalid("query", "unsupported constant %v (%T)", e.value, e.value)
		}
		return &filter.Expr{Literal: &filter.Literal{Kind: kind, Value: x}, Coerce: kind.Coercion()}, nil
	}
	return nil, types.Invalid("query", "empty expression")
}

// referenceHops returns the number of reference fields crossed by path,
// which is the load depth a projection of path needs.
func referenceHops(f *filter.Field) int {
	n := 0
	for _, h := range f.Path[:len(f.Path)-1] {
		if h.Kind == types.KindReference {
			n++
		}
	}
	return n
}
