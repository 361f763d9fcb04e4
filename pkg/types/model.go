package types

import (
	"math"
	"math/big"
	"sort"
	"time"
)

// Scheme is the persisted descriptor of one type's shape.
type Scheme struct {
	SchemeID    string    `json:"scheme_id"`
	Name        string    `json:"name"`
	Alias       string    `json:"alias,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Structure is the persisted descriptor of one field within a Scheme.
type Structure struct {
	StructureID    string    `json:"structure_id"`
	SchemeID       string    `json:"scheme_id"`
	Name           string    `json:"name"`
	Kind           ValueKind `json:"kind"`
	Array          bool      `json:"array"`
	TargetSchemeID string    `json:"target_scheme_id,omitempty"`
	Optional       bool      `json:"optional"`
	Ordinal        int       `json:"ordinal"`
}

// SchemeInfo bundles a Scheme with its Structures ordered by Ordinal.
type SchemeInfo struct {
	Scheme     Scheme      `json:"scheme"`
	Structures []Structure `json:"structures"`
}

// Field returns the structure named name.
func (si *SchemeInfo) Field(name string) (Structure, bool) {
	for _, s := range si.Structures {
		if s.Name == name {
			return s, true
		}
	}
	return Structure{}, false
}

// StructureByID returns the structure with the given id.
func (si *SchemeInfo) StructureByID(id string) (Structure, bool) {
	for _, s := range si.Structures {
		if s.StructureID == id {
			return s, true
		}
	}
	return Structure{}, false
}

// Object is one persisted instance of a Scheme. Nested value-objects are
// stored as Objects too, with EmbeddedIn set to the top-level owner.
type Object struct {
	ObjectID   string    `json:"object_id"`
	SchemeID   string    `json:"scheme_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	EmbeddedIn string    `json:"embedded_in,omitempty"`
	OwnerID    string    `json:"owner_id,omitempty"`
	ModifierID string    `json:"modifier_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Hash       string    `json:"hash"`
	Name       string    `json:"name,omitempty"`
	Note       string    `json:"note,omitempty"`
}

// NoIndex is the Index of a value row that is not an array element.
const NoIndex = -1

// Value is one persisted attribute row: a scalar, an array header, an
// array element, a nested link or an object reference.
type Value struct {
	ValueID       string    `json:"value_id"`
	ObjectID      string    `json:"object_id"`
	StructureID   string    `json:"structure_id"`
	ArrayParentID string    `json:"array_parent_id,omitempty"`
	Index         int       `json:"index"`
	Kind          ValueKind `json:"kind"`
	Absent        bool      `json:"absent,omitempty"`
	// Scalar holds string, int64, float64, Decimal, bool or time.Time.
	Scalar any `json:"scalar,omitempty"`
	// Ref is the target object id of nested and reference rows.
	Ref string `json:"ref,omitempty"`
	// Count is the element count of an array header row.
	Count int `json:"count,omitempty"`
}

// Element reports whether v is an array element row.
func (v Value) Element() bool { return v.Index >= 0 }

// Same reports whether v and o store the same content. Ids are ignored.
// An integer row and a row of a kind the integer widened to are the same
// when they hold the same number.
func (v Value) Same(o Value) bool {
	if v.Absent != o.Absent || v.Ref != o.Ref || v.Count != o.Count {
		return false
	}
	if v.Kind != o.Kind {
		return widenedEqual(v, o) || widenedEqual(o, v)
	}
	return ScalarEqual(v.Scalar, o.Scalar)
}

func widenedEqual(a, b Value) bool {
	n, ok := a.Scalar.(int64)
	if !ok || a.Kind != KindInteger || !b.Kind.Widens(KindInteger) {
		return false
	}
	switch x := b.Scalar.(type) {
	case float64:
		return x == math.Trunc(x) && math.Abs(x) < 1<<53 && int64(x) == n
	case Decimal:
		r, ok := new(big.Rat).SetString(string(x))
		return ok && r.IsInt() && r.Num().IsInt64() && r.Num().Int64() == n
	}
	return false
}

// ScalarEqual compares two scalar values structurally.
func ScalarEqual(a, b any) bool {
	ta, aok := a.(time.Time)
	tb, bok := b.(time.Time)
	if aok || bok {
		return aok && bok && ta.Equal(tb)
	}
	return a == b
}

// EmbeddedRows is one nested value-object row set inside a Snapshot.
type EmbeddedRows struct {
	Object Object  `json:"object"`
	Values []Value `json:"values"`
}

// Snapshot is the complete persisted row set of one top-level object.
type Snapshot struct {
	Object Object         `json:"object"`
	Values []Value        `json:"values"`
	Nested []EmbeddedRows `json:"nested,omitempty"`
}

// Sort orders values and nested rows deterministically.
func (s *Snapshot) Sort() {
	sortValues(s.Values)
	sort.Slice(s.Nested, func(i, j int) bool {
		return s.Nested[i].Object.ObjectID < s.Nested[j].Object.ObjectID
	})
	for i := range s.Nested {
		sortValues(s.Nested[i].Values)
	}
}

// AllValues returns the root values followed by every nested row's values.
func (s *Snapshot) AllValues() []Value {
	out := make([]Value, 0, len(s.Values))
	out = append(out, s.Values...)
	for _, n := range s.Nested {
		out = append(out, n.Values...)
	}
	return out
}

// NestedByID returns the embedded rows with the given object id.
func (s *Snapshot) NestedByID(id string) (*EmbeddedRows, bool) {
	for i := range s.Nested {
		if s.Nested[i].Object.ObjectID == id {
			return &s.Nested[i], true
		}
	}
	return nil, false
}

func sortValues(vs []Value) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].StructureID != vs[j].StructureID {
			return vs[i].StructureID < vs[j].StructureID
		}
		return vs[i].Index < vs[j].Index
	})
}

// ArchiveRecord is the payload emitted when an object is deleted. It keeps
// the full row set so the object can be reconstructed.
type ArchiveRecord struct {
	ArchiveID string    `json:"archive_id"`
	Snapshot  Snapshot  `json:"snapshot"`
	DeletedAt time.Time `json:"deleted_at"`
	DeletedBy string    `json:"deleted_by,omitempty"`
}
