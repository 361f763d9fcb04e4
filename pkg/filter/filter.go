// Package filter defines the filter document: the backend-agnostic form a
// compiled query takes between the query translator and a backend
// renderer. Fields are addressed by structure id and kind; every leaf
// carries the comparison class the backend must apply.
package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mesh-intelligence/attic/pkg/types"
)

// Op is a node operator.
type Op string

// Logical operators.
const (
	OpAnd Op = "and"
	OpOr  Op = "or"
	OpNot Op = "not"
)

// Leaf operators.
const (
	OpEq            Op = "eq"
	OpNe            Op = "ne"
	OpGt            Op = "gt"
	OpGte           Op = "gte"
	OpLt            Op = "lt"
	OpLte           Op = "lte"
	OpContains      Op = "contains"
	OpContainsCI    Op = "containsCI"
	OpIn            Op = "in"
	OpExists        Op = "exists"
	OpArrayContains Op = "arrayContains"
	OpArrayCount    Op = "arrayCount"
	OpArrayAt       Op = "arrayAt"
)

var comparisons = map[Op]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
}

// IsComparison reports whether op is one of eq, ne, gt, gte, lt, lte.
func (op Op) IsComparison() bool { return comparisons[op] }

// Logical reports whether op combines child nodes.
func (op Op) Logical() bool { return op == OpAnd || op == OpOr || op == OpNot }

// Hop is one step of a field path.
type Hop struct {
	StructureID string          `json:"structure_id"`
	Name        string          `json:"name"`
	Kind        types.ValueKind `json:"kind"`
	Array       bool            `json:"array,omitempty"`
}

// Field addresses a structure, possibly through nested and reference
// links. Every hop but the last is a non-array linked structure.
type Field struct {
	Path []Hop `json:"path"`
}

// Leaf returns the addressed structure.
func (f *Field) Leaf() Hop {
	return f.Path[len(f.Path)-1]
}

// String renders the dotted field name.
func (f *Field) String() string {
	var b bytes.Buffer
	for i, h := range f.Path {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(h.Name)
	}
	return b.String()
}

// Literal is a typed constant. List is used by OpIn.
type Literal struct {
	Kind  types.ValueKind `json:"kind"`
	Value any             `json:"value,omitempty"`
	List  []any           `json:"list,omitempty"`
}

type literalWire struct {
	Kind  types.ValueKind   `json:"kind"`
	Value json.RawMessage   `json:"value,omitempty"`
	List  []json.RawMessage `json:"list,omitempty"`
}

// MarshalJSON implements json.Marshaler, writing timestamps in the stored
// layout.
func (l Literal) MarshalJSON() ([]byte, error) {
	enc := func(v any) (json.RawMessage, error) {
		if t, ok := asTime(v); ok {
			return json.Marshal(types.FormatTimestamp(t))
		}
		return json.Marshal(v)
	}
	w := literalWire{Kind: l.Kind}
	if l.Value != nil {
		raw, err := enc(l.Value)
		if err != nil {
			return nil, err
		}
		w.Value = raw
	}
	for _, v := range l.List {
		raw, err := enc(v)
		if err != nil {
			return nil, err
		}
		w.List = append(w.List, raw)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler, re-typing values from Kind.
func (l *Literal) UnmarshalJSON(data []byte) error {
	var w literalWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*l = Literal{Kind: w.Kind}
	if len(w.Value) > 0 && !bytes.Equal(w.Value, []byte("null")) {
		v, err := types.DecodeScalar(w.Kind, w.Value)
		if err != nil {
			return fmt.Errorf("decoding literal: %w", err)
		}
		l.Value = v
	}
	for _, raw := range w.List {
		v, err := types.DecodeScalar(w.Kind, raw)
		if err != nil {
			return fmt.Errorf("decoding literal list: %w", err)
		}
		l.List = append(l.List, v)
	}
	return nil
}

// Node is one predicate node. Logical nodes use Children; leaves use
// Field, Value and Coerce. OpArrayCount compares the element count with
// Cmp; OpArrayAt compares the element at Index with Cmp.
type Node struct {
	Op       Op             `json:"op"`
	Children []*Node        `json:"children,omitempty"`
	Field    *Field         `json:"field,omitempty"`
	Value    *Literal       `json:"value,omitempty"`
	Coerce   types.Coercion `json:"coerce,omitempty"`
	Cmp      Op             `json:"cmp,omitempty"`
	Index    int            `json:"index,omitempty"`
}

// Expr is a value expression used by ordering keys: a field, a literal, or
// a conditional choosing between two expressions.
type Expr struct {
	Field   *Field         `json:"field,omitempty"`
	Literal *Literal       `json:"literal,omitempty"`
	When    *Node          `json:"when,omitempty"`
	Then    *Expr          `json:"then,omitempty"`
	Else    *Expr          `json:"else,omitempty"`
	Coerce  types.Coercion `json:"coerce"`
}

// OrderKey is one ordering term.
type OrderKey struct {
	Expr Expr `json:"expr"`
	Desc bool `json:"desc,omitempty"`
}

// Scope restricts a query to the descendants of one or more roots.
type Scope struct {
	Roots        []string `json:"roots"`
	IncludeRoots bool     `json:"include_roots,omitempty"`
}

// Document is the complete compiled query handed to a backend. Limit nil
// means no bound.
type Document struct {
	SchemeID string     `json:"scheme_id"`
	Where    *Node      `json:"where,omitempty"`
	Scope    *Scope     `json:"scope,omitempty"`
	Order    []OrderKey `json:"order,omitempty"`
	Offset   int        `json:"offset,omitempty"`
	Limit    *int       `json:"limit,omitempty"`
}

// Clone returns a copy of d that shares no slices with d.
func (d *Document) Clone() *Document {
	out := *d
	out.Order = append([]OrderKey(nil), d.Order...)
	if d.Scope != nil {
		s := *d.Scope
		s.Roots = append([]string(nil), d.Scope.Roots...)
		out.Scope = &s
	}
	if d.Limit != nil {
		l := *d.Limit
		out.Limit = &l
	}
	return &out
}

// And combines nodes, dropping nils. It returns nil for no nodes and the
// node itself for one.
func And(nodes ...*Node) *Node {
	var kept []*Node
	for _, n := range nodes {
		if n != nil {
			kept = append(kept, n)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return &Node{Op: OpAnd, Children: kept}
}

func asTime(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}
