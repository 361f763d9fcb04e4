package describe

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mesh-intelligence/attic/pkg/types"
)

// ToEntity converts a struct value (or pointer to one) to an Entity. The
// object header is copied from the embedded types.Object when present.
func ToEntity(v any) (*types.Entity, *Descriptor, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil, types.Invalid("describe", "nil %s", rv.Type())
		}
		rv = rv.Elem()
	}
	d, err := For(rv.Type())
	if err != nil {
		return nil, nil, err
	}
	rec, err := d.toRecord(rv, map[uintptr]bool{})
	if err != nil {
		return nil, nil, err
	}
	ent := &types.Entity{Record: rec}
	if d.header != nil {
		ent.Object = rv.FieldByIndex(d.header).Interface().(types.Object)
	}
	return ent, d, nil
}

// ToRecord converts a struct value to a Record.
func ToRecord(v any) (*types.Record, error) {
	ent, _, err := ToEntity(v)
	if err != nil {
		return nil, err
	}
	return ent.Record, nil
}

func (d *Descriptor) toRecord(rv reflect.Value, seen map[uintptr]bool) (*types.Record, error) {
	rec := types.NewRecord(d.name)
	for _, f := range d.fields {
		if f.desc.Excluded {
			continue
		}
		fv := rv.FieldByIndex(f.index)
		if f.ptr {
			if fv.IsNil() {
				continue
			}
			if f.desc.Kind == types.KindNested {
				p := fv.Pointer()
				if seen[p] {
					return nil, types.Invalid("describe", "cyclic value in %s", f.desc.Name).WithField(f.desc.Name)
				}
				seen[p] = true
				defer delete(seen, p)
			}
			fv = fv.Elem()
		}
		if f.desc.Array {
			if fv.IsNil() && f.desc.Optional {
				continue
			}
			items := make([]any, fv.Len())
			for i := 0; i < fv.Len(); i++ {
				ev := fv.Index(i)
				if f.elemPtr {
					if ev.IsNil() {
						return nil, types.Invalid("describe", "nil element %d", i).WithField(f.desc.Name)
					}
					ev = ev.Elem()
				}
				x, err := d.toValue(f, ev, seen)
				if err != nil {
					return nil, fmt.Errorf("converting %s[%d]: %w", f.desc.Name, i, err)
				}
				items[i] = x
			}
			rec.Set(f.desc.Name, items)
			continue
		}
		x, err := d.toValue(f, fv, seen)
		if err != nil {
			return nil, fmt.Errorf("converting %s: %w", f.desc.Name, err)
		}
		rec.Set(f.desc.Name, x)
	}
	return rec, nil
}

// toValue converts one non-pointer scalar, nested or link value. A nil
// result leaves the field absent.
func (d *Descriptor) toValue(f field, v reflect.Value, seen map[uintptr]bool) (any, error) {
	switch f.desc.Kind {
	case types.KindText:
		return v.String(), nil
	case types.KindInteger:
		if v.CanUint() {
			return int64(v.Uint()), nil
		}
		return v.Int(), nil
	case types.KindFloat:
		return v.Float(), nil
	case types.KindDecimal:
		if v.String() == "" {
			return nil, nil
		}
		return types.ParseDecimal(v.String())
	case types.KindBoolean:
		return v.Bool(), nil
	case types.KindTimestamp:
		return v.Interface().(time.Time).UTC(), nil
	case types.KindNested:
		nd := f.desc.Target.(*Descriptor)
		return nd.toRecord(v, seen)
	case types.KindReference:
		id := v.FieldByName("ID").String()
		if id == "" {
			return nil, nil
		}
		ref := types.Ref(id)
		target := v.FieldByName("Value")
		if !target.IsNil() {
			td := f.desc.Target.(*Descriptor)
			rec, err := td.toRecord(target.Elem(), seen)
			if err != nil {
				return nil, err
			}
			ent := &types.Entity{Record: rec}
			if td.header != nil {
				ent.Object = target.Elem().FieldByIndex(td.header).Interface().(types.Object)
			}
			ent.Object.ObjectID = id
			ref.Target = ent
		}
		return ref, nil
	}
	return nil, types.Invalid("describe", "unsupported kind %s", f.desc.Kind)
}

// FromEntity populates dst, a pointer to a struct, from ent.
func FromEntity(ent *types.Entity, dst any) error {
	return FromRecord(ent.Record, ent.Object, dst)
}

// FromRecord populates dst, a pointer to a struct, from rec. Absent fields
// are left at their zero value; header is copied into the embedded
// types.Object when the struct binds one.
func FromRecord(rec *types.Record, header types.Object, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return types.Invalid("describe", "destination must be a non-nil pointer, got %T", dst)
	}
	d, err := For(rv.Type())
	if err != nil {
		return err
	}
	if rec != nil && rec.Type != "" && rec.Type != d.name {
		return types.Invalid("describe", "record of type %s into %s", rec.Type, d.name)
	}
	return d.fromRecord(rec, header, rv.Elem())
}

func (d *Descriptor) fromRecord(rec *types.Record, header types.Object, rv reflect.Value) error {
	if d.header != nil {
		rv.FieldByIndex(d.header).Set(reflect.ValueOf(header))
	}
	for _, f := range d.fields {
		if f.desc.Excluded {
			continue
		}
		x, ok := rec.Get(f.desc.Name)
		if !ok {
			continue
		}
		fv := rv.FieldByIndex(f.index)
		if f.desc.Array {
			items, ok := x.([]any)
			if !ok {
				return types.Invalid("describe", "field %s holds %T, want array", f.desc.Name, x).WithField(f.desc.Name)
			}
			slice := reflect.MakeSlice(fv.Type(), len(items), len(items))
			for i, item := range items {
				ev := slice.Index(i)
				if f.elemPtr {
					ev.Set(reflect.New(f.elem))
					ev = ev.Elem()
				}
				if err := d.fromValue(f, item, ev); err != nil {
					return fmt.Errorf("populating %s[%d]: %w", f.desc.Name, i, err)
				}
			}
			fv.Set(slice)
			continue
		}
		if f.ptr {
			fv.Set(reflect.New(f.elem))
			fv = fv.Elem()
		}
		if err := d.fromValue(f, x, fv); err != nil {
			return fmt.Errorf("populating %s: %w", f.desc.Name, err)
		}
	}
	return nil
}

func (d *Descriptor) fromValue(f field, x any, v reflect.Value) error {
	mismatch := func() error {
		return types.Invalid("describe", "field %s holds %T, want %s", f.desc.Name, x, f.desc.Kind).WithField(f.desc.Name)
	}
	switch f.desc.Kind {
	case types.KindNested:
		rec, ok := x.(*types.Record)
		if !ok {
			return mismatch()
		}
		return f.desc.Target.(*Descriptor).fromRecord(rec, types.Object{}, v)
	case types.KindReference:
		ref, ok := x.(types.Reference)
		if !ok {
			return mismatch()
		}
		v.FieldByName("ID").SetString(ref.ID)
		if ref.Target != nil && ref.Target.Record != nil {
			td := f.desc.Target.(*Descriptor)
			target := reflect.New(td.typ)
			if err := td.fromRecord(ref.Target.Record, ref.Target.Object, target.Elem()); err != nil {
				return err
			}
			v.FieldByName("Value").Set(target)
		}
		return nil
	}

	coerced, err := types.CoerceScalar(f.desc.Kind, x)
	if err != nil {
		return mismatch()
	}
	switch c := coerced.(type) {
	case string:
		v.SetString(c)
	case types.Decimal:
		v.SetString(string(c))
	case int64:
		if v.CanUint() {
			v.SetUint(uint64(c))
		} else {
			v.SetInt(c)
		}
	case float64:
		v.SetFloat(c)
	case bool:
		v.SetBool(c)
	case time.Time:
		v.Set(reflect.ValueOf(c))
	default:
		return mismatch()
	}
	return nil
}
