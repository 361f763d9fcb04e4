// Package codec converts between Records and the flat row sets stored by a
// backend: one object row plus value rows, with nested value-objects
// embedded as content-addressed object rows of their own.
package codec

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mesh-intelligence/attic/pkg/types"
)

// Schemes resolves persisted scheme metadata. The schema registry
// implements it.
type Schemes interface {
	Lookup(ctx context.Context, name string) (*types.SchemeInfo, error)
	ByID(ctx context.Context, id string) (*types.SchemeInfo, error)
}

// Loader fetches the snapshot of a referenced object. Returning an
// ObjectNotFound or PermissionDenied error leaves the reference id-only.
type Loader func(ctx context.Context, id string) (*types.Snapshot, error)

// Codec serializes and deserializes entities against registered schemes.
type Codec struct {
	schemes Schemes
}

// New returns a Codec resolving schemes through s.
func New(s Schemes) *Codec {
	return &Codec{schemes: s}
}

// Serialize flattens ent into a Snapshot. ent.Object.ObjectID must be set;
// the scheme is resolved from ent.Record.Type. The returned object row
// carries the content hash of the record.
func (c *Codec) Serialize(ctx context.Context, ent *types.Entity) (*types.Snapshot, error) {
	if ent == nil || ent.Record == nil {
		return nil, types.Invalid("serialize", "nil entity")
	}
	rootID := ent.Object.ObjectID
	if rootID == "" {
		return nil, types.Invalid("serialize", "entity has no object id")
	}
	info, err := c.schemes.Lookup(ctx, ent.Record.Type)
	if err != nil {
		return nil, err
	}
	hash, err := Hash(ent.Record)
	if err != nil {
		return nil, err
	}

	snap := &types.Snapshot{Object: ent.Object}
	snap.Object.SchemeID = info.Scheme.SchemeID
	snap.Object.EmbeddedIn = ""
	snap.Object.Hash = hash

	enc := &encoder{ctx: ctx, schemes: c.schemes, root: snap.Object, nested: map[string]int{}}
	vals, err := enc.fields(rootID, info, ent.Record, 0)
	if err != nil {
		return nil, err
	}
	snap.Values = vals
	snap.Nested = enc.rows
	snap.Sort()
	return snap, nil
}

type encoder struct {
	ctx     context.Context
	schemes Schemes
	root    types.Object
	rows    []types.EmbeddedRows
	nested  map[string]int // nested object id -> index in rows
}

func (e *encoder) fields(objectID string, info *types.SchemeInfo, rec *types.Record, depth int) ([]types.Value, error) {
	if depth > maxNesting {
		return nil, types.Invalid("serialize", "nesting exceeds %d", maxNesting).WithScheme(info.Scheme.SchemeID)
	}
	if rec.Type != "" && rec.Type != info.Scheme.Name {
		return nil, types.Invalid("serialize", "record of type %s stored as %s", rec.Type, info.Scheme.Name).
			WithScheme(info.Scheme.SchemeID)
	}
	for name, v := range rec.Fields {
		if v == nil {
			continue
		}
		if _, ok := info.Field(name); !ok {
			return nil, types.Invalid("serialize", "unknown field").WithScheme(info.Scheme.SchemeID).WithField(name)
		}
	}

	var out []types.Value
	for _, s := range info.Structures {
		x, present := rec.Get(s.Name)
		if !present {
			if !s.Optional {
				return nil, types.Invalid("serialize", "required field missing").
					WithScheme(info.Scheme.SchemeID).WithField(s.Name)
			}
			kind := s.Kind
			if s.Array {
				kind = types.KindArray
			}
			out = append(out, types.Value{
				ValueID:     ValueID(objectID, s.StructureID, types.NoIndex),
				ObjectID:    objectID,
				StructureID: s.StructureID,
				Index:       types.NoIndex,
				Kind:        kind,
				Absent:      true,
			})
			continue
		}

		if !s.Array {
			v, err := e.single(objectID, s, x, types.NoIndex, "", depth)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
			continue
		}

		items, ok := x.([]any)
		if !ok {
			return nil, types.Invalid("serialize", "expected array, got %T", x).
				WithScheme(info.Scheme.SchemeID).WithField(s.Name)
		}
		header := types.Value{
			ValueID:     ValueID(objectID, s.StructureID, types.NoIndex),
			ObjectID:    objectID,
			StructureID: s.StructureID,
			Index:       types.NoIndex,
			Kind:        types.KindArray,
			Count:       len(items),
		}
		out = append(out, header)
		for i, item := range items {
			if item == nil {
				return nil, types.Invalid("serialize", "nil element %d", i).
					WithScheme(info.Scheme.SchemeID).WithField(s.Name)
			}
			v, err := e.single(objectID, s, item, i, header.ValueID, depth)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// single encodes one scalar, nested or reference value.
func (e *encoder) single(objectID string, s types.Structure, x any, index int, parent string, depth int) (types.Value, error) {
	v := types.Value{
		ValueID:       ValueID(objectID, s.StructureID, index),
		ObjectID:      objectID,
		StructureID:   s.StructureID,
		ArrayParentID: parent,
		Index:         index,
		Kind:          s.Kind,
	}
	switch s.Kind {
	case types.KindNested:
		rec, ok := x.(*types.Record)
		if !ok {
			return v, types.Invalid("serialize", "expected nested record, got %T", x).WithField(s.Name)
		}
		id, err := e.embed(s, rec, depth)
		if err != nil {
			return v, fmt.Errorf("serializing %s: %w", s.Name, err)
		}
		v.Ref = id
	case types.KindReference:
		switch r := x.(type) {
		case types.Reference:
			v.Ref = r.ID
		case string:
			v.Ref = r
		default:
			return v, types.Invalid("serialize", "expected reference, got %T", x).WithField(s.Name)
		}
		if v.Ref == "" {
			return v, types.Invalid("serialize", "reference without id").WithField(s.Name)
		}
	default:
		sc, err := types.CoerceScalar(s.Kind, x)
		if err != nil {
			return v, types.Invalid("serialize", "%v", err).WithField(s.Name)
		}
		v.Scalar = sc
	}
	return v, nil
}

// embed stores rec as a nested row of the root and returns its id. Equal
// records share one row.
func (e *encoder) embed(s types.Structure, rec *types.Record, depth int) (string, error) {
	info, err := e.schemes.ByID(e.ctx, s.TargetSchemeID)
	if err != nil {
		return "", err
	}
	hash, err := Hash(rec)
	if err != nil {
		return "", err
	}
	id := NestedID(e.root.ObjectID, hash)
	if _, ok := e.nested[id]; ok {
		return id, nil
	}
	// Reserve before recursing so deeper duplicates resolve to this row.
	e.nested[id] = len(e.rows)
	e.rows = append(e.rows, types.EmbeddedRows{})
	vals, err := e.fields(id, info, rec, depth+1)
	if err != nil {
		return "", err
	}
	e.rows[e.nested[id]] = types.EmbeddedRows{
		Object: types.Object{
			ObjectID:   id,
			SchemeID:   info.Scheme.SchemeID,
			EmbeddedIn: e.root.ObjectID,
			OwnerID:    e.root.OwnerID,
			CreatedAt:  e.root.UpdatedAt,
			UpdatedAt:  e.root.UpdatedAt,
			Hash:       hash,
		},
		Values: vals,
	}
	return id, nil
}

// Deserialize rebuilds the entity held in snap. References are followed
// through load while depth > 0; beyond that they stay id-only.
func (c *Codec) Deserialize(ctx context.Context, snap *types.Snapshot, depth int, load Loader) (*types.Entity, error) {
	if snap == nil {
		return nil, types.Invalid("deserialize", "nil snapshot")
	}
	info, err := c.schemes.ByID(ctx, snap.Object.SchemeID)
	if err != nil {
		return nil, err
	}
	nested := make(map[string]*types.EmbeddedRows, len(snap.Nested))
	for i := range snap.Nested {
		nested[snap.Nested[i].Object.ObjectID] = &snap.Nested[i]
	}
	dec := &decoder{ctx: ctx, codec: c, nested: nested, load: load}
	rec, err := dec.object(info, snap.Values, depth, 0)
	if err != nil {
		return nil, fmt.Errorf("deserializing %s: %w", snap.Object.ObjectID, err)
	}
	return &types.Entity{Object: snap.Object, Record: rec}, nil
}

type decoder struct {
	ctx    context.Context
	codec  *Codec
	nested map[string]*types.EmbeddedRows
	load   Loader
}

func (d *decoder) object(info *types.SchemeInfo, values []types.Value, depth, level int) (*types.Record, error) {
	if level > maxNesting {
		return nil, types.Invalid("deserialize", "nesting exceeds %d", maxNesting)
	}
	heads := make(map[string]types.Value)
	elems := make(map[string][]types.Value)
	for _, v := range values {
		if v.Element() {
			elems[v.StructureID] = append(elems[v.StructureID], v)
		} else {
			heads[v.StructureID] = v
		}
	}

	rec := types.NewRecord(info.Scheme.Name)
	for _, s := range info.Structures {
		head, ok := heads[s.StructureID]
		if !ok || head.Absent {
			continue
		}
		if !s.Array {
			x, err := d.single(s, head, depth, level)
			if err != nil {
				return nil, err
			}
			rec.Set(s.Name, x)
			continue
		}
		es := elems[s.StructureID]
		sort.Slice(es, func(i, j int) bool { return es[i].Index < es[j].Index })
		items := make([]any, 0, len(es))
		for _, ev := range es {
			x, err := d.single(s, ev, depth, level)
			if err != nil {
				return nil, err
			}
			if x == nil {
				return nil, types.Invalid("deserialize", "nil element %d", ev.Index).
					WithScheme(info.Scheme.SchemeID).WithField(s.Name)
			}
			items = append(items, x)
		}
		rec.Set(s.Name, items)
	}
	return rec, nil
}

func (d *decoder) single(s types.Structure, v types.Value, depth, level int) (any, error) {
	switch s.Kind {
	case types.KindNested:
		rows, ok := d.nested[v.Ref]
		if !ok {
			return nil, types.Invalid("deserialize", "missing nested row %s", v.Ref).WithField(s.Name)
		}
		info, err := d.codec.schemes.ByID(d.ctx, rows.Object.SchemeID)
		if err != nil {
			return nil, err
		}
		return d.object(info, rows.Values, depth, level+1)
	case types.KindReference:
		ref := types.Ref(v.Ref)
		if depth <= 0 || d.load == nil {
			return ref, nil
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}
		target, err := d.load(d.ctx, v.Ref)
		switch {
		case errors.Is(err, types.ErrObjectNotFound), errors.Is(err, types.ErrPermissionDenied):
			return ref, nil
		case err != nil:
			return nil, fmt.Errorf("loading reference %s: %w", s.Name, err)
		}
		ent, err := d.codec.Deserialize(d.ctx, target, depth-1, d.load)
		if err != nil {
			return nil, err
		}
		ref.Target = ent
		return ref, nil
	}
	if v.Scalar == nil {
		return nil, nil
	}
	x, err := types.CoerceScalar(s.Kind, v.Scalar)
	if err != nil {
		return nil, types.Invalid("deserialize", "%v", err).WithField(s.Name)
	}
	return x, nil
}
