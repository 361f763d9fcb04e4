package filter

import (
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Validate checks that d is well formed: leaves address a field and carry
// a literal of the leaf's coercion class, logical nodes have children,
// array operators address array fields. It returns a ValidationError.
func (d *Document) Validate() error {
	if d.SchemeID == "" {
		return types.Invalid("filter", "document has no scheme")
	}
	if d.Offset < 0 {
		return types.Invalid("filter", "negative offset %d", d.Offset)
	}
	if d.Limit != nil && *d.Limit < 0 {
		return types.Invalid("filter", "negative limit %d", *d.Limit)
	}
	if d.Scope != nil && len(d.Scope.Roots) == 0 {
		return types.Invalid("filter", "scope without roots")
	}
	if d.Where != nil {
		if err := d.Where.Validate(); err != nil {
			return err
		}
	}
	for i := range d.Order {
		if err := d.Order[i].Expr.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks one node and its children.
func (n *Node) Validate() error {
	switch n.Op {
	case OpAnd, OpOr:
		if len(n.Children) == 0 {
			return types.Invalid("filter", "%s without operands", n.Op)
		}
		for _, c := range n.Children {
			if err := c.Validate(); err != nil {
				return err
			}
		}
		return nil
	case OpNot:
		if len(n.Children) != 1 {
			return types.Invalid("filter", "not takes one operand, got %d", len(n.Children))
		}
		return n.Children[0].Validate()
	}

	if n.Field == nil || len(n.Field.Path) == 0 {
		return types.Invalid("filter", "%s without field", n.Op)
	}
	if err := n.Field.validatePath(); err != nil {
		return err
	}
	leaf := n.Field.Leaf()

	switch {
	case n.Op == OpExists:
		return nil
	case n.Op.IsComparison(), n.Op == OpContains, n.Op == OpContainsCI, n.Op == OpIn:
		if leaf.Array {
			return types.Invalid("filter", "%s on array field %s", n.Op, n.Field).WithField(n.Field.String())
		}
		if !leaf.Kind.Scalar() {
			return types.Invalid("filter", "%s on %s field", n.Op, leaf.Kind).WithField(n.Field.String())
		}
		if (n.Op == OpContains || n.Op == OpContainsCI) && leaf.Kind != types.KindText {
			return types.Invalid("filter", "%s needs a text field", n.Op).WithField(n.Field.String())
		}
		return n.validateLiteral(leaf)
	case n.Op == OpArrayContains:
		if !leaf.Array || !leaf.Kind.Scalar() {
			return types.Invalid("filter", "arrayContains needs an array of scalars").WithField(n.Field.String())
		}
		return n.validateLiteral(leaf)
	case n.Op == OpArrayCount:
		if !leaf.Array {
			return types.Invalid("filter", "arrayCount needs an array field").WithField(n.Field.String())
		}
		if !n.Cmp.IsComparison() {
			return types.Invalid("filter", "arrayCount needs a comparison, got %q", n.Cmp)
		}
		if n.Value == nil || n.Value.Kind != types.KindInteger {
			return types.Invalid("filter", "arrayCount needs an integer literal").WithField(n.Field.String())
		}
		return nil
	case n.Op == OpArrayAt:
		if !leaf.Array || !leaf.Kind.Scalar() {
			return types.Invalid("filter", "arrayAt needs an array of scalars").WithField(n.Field.String())
		}
		if n.Index < 0 {
			return types.Invalid("filter", "arrayAt index %d", n.Index)
		}
		if !n.Cmp.IsComparison() {
			return types.Invalid("filter", "arrayAt needs a comparison, got %q", n.Cmp)
		}
		return n.validateLiteral(leaf)
	}
	return types.Invalid("filter", "unsupported operator %q", n.Op)
}

func (n *Node) validateLiteral(leaf Hop) error {
	if n.Value == nil {
		return types.Invalid("filter", "%s without value", n.Op).WithField(leaf.Name)
	}
	if n.Value.Kind.Coercion() != leaf.Kind.Coercion() {
		return types.Invalid("filter", "%s literal compared with %s field", n.Value.Kind, leaf.Kind).WithField(leaf.Name)
	}
	if n.Coerce != leaf.Kind.Coercion() {
		return types.Invalid("filter", "coercion %q does not match %s field", n.Coerce, leaf.Kind).WithField(leaf.Name)
	}
	if n.Op == OpIn {
		if len(n.Value.List) == 0 {
			return types.Invalid("filter", "in without values").WithField(leaf.Name)
		}
		return nil
	}
	if n.Value.Value == nil {
		return types.Invalid("filter", "%s with null value", n.Op).WithField(leaf.Name)
	}
	return nil
}

func (f *Field) validatePath() error {
	for i, h := range f.Path {
		if h.StructureID == "" {
			return types.Invalid("filter", "hop %d has no structure", i)
		}
		if i < len(f.Path)-1 && (!h.Kind.Linked() || h.Array) {
			return types.Invalid("filter", "cannot navigate through %s", h.Name).WithField(f.String())
		}
	}
	return nil
}

// Validate checks an expression tree.
func (e *Expr) Validate() error {
	switch {
	case e.When != nil:
		if e.Then == nil || e.Else == nil {
			return types.Invalid("filter", "conditional needs both branches")
		}
		if err := e.When.Validate(); err != nil {
			return err
		}
		if err := e.Then.Validate(); err != nil {
			return err
		}
		if err := e.Else.Validate(); err != nil {
			return err
		}
		if e.Then.Coerce != e.Else.Coerce {
			return types.Invalid("filter", "conditional branches differ: %s and %s", e.Then.Coerce, e.Else.Coerce)
		}
		return nil
	case e.Field != nil:
		if len(e.Field.Path) == 0 {
			return types.Invalid("filter", "expression field without path")
		}
		if err := e.Field.validatePath(); err != nil {
			return err
		}
		leaf := e.Field.Leaf()
		if leaf.Array || !leaf.Kind.Scalar() {
			return types.Invalid("filter", "cannot order by %s", e.Field).WithField(e.Field.String())
		}
		return nil
	case e.Literal != nil:
		return nil
	}
	return types.Invalid("filter", "empty expression")
}

// Walk calls fn for n and every descendant, depth first.
func Walk(n *Node, fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		Walk(c, fn)
	}
}
