package types

import (
	"strings"
	"time"
)

// Record is a host-independent object graph node. A field missing from
// Fields is absent, which is distinct from a present zero value.
//
// Field values are string, int64, float64, Decimal, bool, time.Time,
// *Record (nested value-object), Reference (persisted object) or []any
// holding elements of one of those.
type Record struct {
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields"`
}

// NewRecord returns an empty record of the given type.
func NewRecord(typeName string) *Record {
	return &Record{Type: typeName, Fields: make(map[string]any)}
}

// Set stores a field value and returns r for chaining. A nil value clears
// the field, making it absent.
func (r *Record) Set(name string, v any) *Record {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	if v == nil {
		delete(r.Fields, name)
		return r
	}
	r.Fields[name] = v
	return r
}

// Get returns a field value and whether it is present.
func (r *Record) Get(name string) (any, bool) {
	if r == nil || r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Lookup follows a dotted path through nested records and loaded
// references. It reports false as soon as a link along the path is absent.
func (r *Record) Lookup(path string) (any, bool) {
	cur := r
	parts := strings.Split(path, ".")
	for i, p := range parts {
		v, ok := cur.Get(p)
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		switch n := v.(type) {
		case *Record:
			cur = n
		case Reference:
			if n.Target == nil || n.Target.Record == nil {
				return nil, false
			}
			cur = n.Target.Record
		default:
			return nil, false
		}
	}
	return nil, false
}

// Clone returns a deep copy of r. Loaded reference targets are shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{Type: r.Type, Fields: make(map[string]any, len(r.Fields))}
	for k, v := range r.Fields {
		out.Fields[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case *Record:
		return x.Clone()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether two records hold the same graph. References are
// compared by target id only; timestamps by instant.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Type != o.Type {
		return false
	}
	count := func(rec *Record) int {
		n := 0
		for _, v := range rec.Fields {
			if v != nil {
				n++
			}
		}
		return n
	}
	if count(r) != count(o) {
		return false
	}
	for k, v := range r.Fields {
		if v == nil {
			continue
		}
		ov, ok := o.Get(k)
		if !ok || !valueEqual(v, ov) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	switch x := a.(type) {
	case *Record:
		y, ok := b.(*Record)
		return ok && x.Equal(y)
	case Reference:
		y, ok := b.(Reference)
		return ok && x.ID == y.ID
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valueEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	default:
		return a == b
	}
}

// Reference points at another persisted object. Target is populated by
// loads whose depth budget reaches the referenced object.
type Reference struct {
	ID     string  `json:"id"`
	Target *Entity `json:"target,omitempty"`
}

// Ref returns an id-only reference.
func Ref(id string) Reference {
	return Reference{ID: id}
}

// Loaded reports whether the target was materialized.
func (r Reference) Loaded() bool {
	return r.Target != nil
}

// Entity is a top-level persisted instance: the object header plus the
// attribute graph.
type Entity struct {
	Object Object  `json:"object"`
	Record *Record `json:"record"`
}

// ID returns the object id.
func (e *Entity) ID() string {
	return e.Object.ObjectID
}
