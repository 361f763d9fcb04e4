// Package diff computes the minimal set of value-row changes between two
// snapshots of the same object.
package diff

import (
	"sort"

	"github.com/mesh-intelligence/attic/pkg/types"
)

// Kind classifies a mutation by the attribute it touches.
type Kind string

// Mutation kinds.
const (
	KindScalar    Kind = "scalar"
	KindElement   Kind = "element"
	KindNested    Kind = "nested"
	KindReference Kind = "reference"
	KindArray     Kind = "array"
)

// Op is the row operation a mutation implies.
type Op string

// Row operations.
const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Mutation is one changed value row. Old is nil for inserts and New is nil
// for deletes.
type Mutation struct {
	Kind        Kind         `json:"kind"`
	StructureID string       `json:"structure_id"`
	Index       int          `json:"index"`
	Old         *types.Value `json:"old,omitempty"`
	New         *types.Value `json:"new,omitempty"`
}

// Op returns the row operation for m.
func (m Mutation) Op() Op {
	switch {
	case m.Old == nil:
		return OpInsert
	case m.New == nil:
		return OpDelete
	default:
		return OpUpdate
	}
}

// MutationSet is the change between two snapshots of one object. Embedded
// nested rows are immutable under their content-addressed id, so they are
// only ever added or removed.
type MutationSet struct {
	ObjectID      string               `json:"object_id"`
	Mutations     []Mutation           `json:"mutations"`
	NestedAdded   []types.EmbeddedRows `json:"nested_added,omitempty"`
	NestedRemoved []string             `json:"nested_removed,omitempty"`
}

// Empty reports whether the set changes nothing.
func (ms *MutationSet) Empty() bool {
	return len(ms.Mutations) == 0 && len(ms.NestedAdded) == 0 && len(ms.NestedRemoved) == 0
}

// Counts returns the number of mutations per kind.
func (ms *MutationSet) Counts() map[Kind]int {
	out := make(map[Kind]int)
	for _, m := range ms.Mutations {
		out[m.Kind]++
	}
	return out
}

// Diff returns the changes that turn previous into current. A nil
// previous is a first save: every row becomes an insert.
func Diff(previous, current *types.Snapshot) (*MutationSet, error) {
	if current == nil {
		return nil, types.Invalid("diff", "nil current snapshot")
	}
	ms := &MutationSet{ObjectID: current.Object.ObjectID}
	if previous == nil {
		for i := range current.Values {
			v := current.Values[i]
			ms.Mutations = append(ms.Mutations, mutation(nil, &v))
		}
		ms.NestedAdded = append(ms.NestedAdded, current.Nested...)
		return ms, nil
	}
	if previous.Object.ObjectID != current.Object.ObjectID {
		return nil, types.Invalid("diff", "snapshots of %s and %s", previous.Object.ObjectID, current.Object.ObjectID).
			WithObject(current.Object.ObjectID)
	}

	old := make(map[string]types.Value, len(previous.Values))
	for _, v := range previous.Values {
		old[v.ValueID] = v
	}
	seen := make(map[string]bool, len(current.Values))
	for i := range current.Values {
		cur := current.Values[i]
		seen[cur.ValueID] = true
		prev, ok := old[cur.ValueID]
		switch {
		case !ok:
			ms.Mutations = append(ms.Mutations, mutation(nil, &cur))
		case !prev.Same(cur):
			ms.Mutations = append(ms.Mutations, mutation(&prev, &cur))
		}
	}
	for i := range previous.Values {
		prev := previous.Values[i]
		if !seen[prev.ValueID] {
			ms.Mutations = append(ms.Mutations, mutation(&prev, nil))
		}
	}

	prevNested := make(map[string]bool, len(previous.Nested))
	for _, n := range previous.Nested {
		prevNested[n.Object.ObjectID] = true
	}
	curNested := make(map[string]bool, len(current.Nested))
	for _, n := range current.Nested {
		curNested[n.Object.ObjectID] = true
		if !prevNested[n.Object.ObjectID] {
			ms.NestedAdded = append(ms.NestedAdded, n)
		}
	}
	for _, n := range previous.Nested {
		if !curNested[n.Object.ObjectID] {
			ms.NestedRemoved = append(ms.NestedRemoved, n.Object.ObjectID)
		}
	}

	sort.SliceStable(ms.Mutations, func(i, j int) bool {
		a, b := ms.Mutations[i], ms.Mutations[j]
		if a.StructureID != b.StructureID {
			return a.StructureID < b.StructureID
		}
		return a.Index < b.Index
	})
	sort.Strings(ms.NestedRemoved)
	return ms, nil
}

func mutation(prev, cur *types.Value) Mutation {
	ref := cur
	if ref == nil {
		ref = prev
	}
	m := Mutation{StructureID: ref.StructureID, Index: ref.Index, Old: prev, New: cur}
	switch {
	case ref.Kind == types.KindArray:
		m.Kind = KindArray
	case ref.Kind == types.KindNested:
		m.Kind = KindNested
	case ref.Kind == types.KindReference:
		m.Kind = KindReference
	case ref.Element():
		m.Kind = KindElement
	default:
		m.Kind = KindScalar
	}
	return m
}
