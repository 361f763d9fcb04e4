// Package describe derives TypeDescriptors from Go struct types by
// reflection and converts struct values to and from types.Record.
//
// Struct tags use the key "attic":
//
//	Name  string          `attic:"name"`          // rename
//	Total *types.Decimal  `attic:"total"`         // pointer: optional
//	Tags  []string        `attic:"tags,optional"` // nil slice is absent
//	Cache string          `attic:"-"`             // excluded
//	types.Object                                   // object header binding
//
// A type may name its scheme with an AtticType() string method and set an
// alias with AtticAlias() string; otherwise the Go type name is used.
package describe

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/mesh-intelligence/attic/pkg/types"
)

// TagKey is the struct tag key read by this package.
const TagKey = "attic"

var (
	typeTime    = reflect.TypeFor[time.Time]()
	typeDecimal = reflect.TypeFor[types.Decimal]()
	typeObject  = reflect.TypeFor[types.Object]()
)

type linkTarget interface {
	LinkTarget() reflect.Type
}

type namer interface {
	AtticType() string
}

type aliaser interface {
	AtticAlias() string
}

// field binds one FieldDescriptor to a struct field.
type field struct {
	desc    types.FieldDescriptor
	index   []int
	ptr     bool         // declared as a pointer (scalar or nested)
	elem    reflect.Type // element type for arrays, value type otherwise
	elemPtr bool         // array elements are pointers to structs
}

// Descriptor is a TypeDescriptor backed by a Go struct type.
type Descriptor struct {
	typ    reflect.Type
	name   string
	alias  string
	fields []field
	header []int // index of the types.Object binding, nil when none
	err    error
}

var _ types.TypeDescriptor = (*Descriptor)(nil)

var (
	mu    sync.Mutex
	cache = map[reflect.Type]*Descriptor{}
)

// Of returns the descriptor for T.
func Of[T any]() (*Descriptor, error) {
	return For(reflect.TypeFor[T]())
}

// MustOf is Of for package-level declarations; it panics on error.
func MustOf[T any]() *Descriptor {
	d, err := Of[T]()
	if err != nil {
		panic(err)
	}
	return d
}

// For returns the descriptor for a struct type or pointer to struct type.
// Descriptors are cached; recursive types resolve to the same descriptor.
func For(t reflect.Type) (*Descriptor, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, types.Invalid("describe", "%s is not a struct", t)
	}
	mu.Lock()
	defer mu.Unlock()
	d := build(t)
	if d.err != nil {
		return nil, d.err
	}
	return d, nil
}

// build must be called with mu held.
func build(t reflect.Type) *Descriptor {
	if d, ok := cache[t]; ok {
		return d
	}
	d := &Descriptor{typ: t, name: t.Name()}
	zero := reflect.New(t).Interface()
	if n, ok := zero.(namer); ok {
		d.name = n.AtticType()
	}
	if a, ok := zero.(aliaser); ok {
		d.alias = a.AtticAlias()
	}
	if d.name == "" {
		d.err = types.Invalid("describe", "anonymous struct %s needs an AtticType method", t)
		return d
	}
	cache[t] = d

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.Type == typeObject && (sf.Anonymous || sf.Tag.Get(TagKey) == ",header") {
			d.header = sf.Index
			continue
		}
		if !sf.IsExported() {
			continue
		}
		f, err := fieldOf(sf)
		if err != nil {
			d.err = fmt.Errorf("describing %s.%s: %w", t.Name(), sf.Name, err)
			delete(cache, t)
			return d
		}
		d.fields = append(d.fields, f)
	}
	return d
}

func fieldOf(sf reflect.StructField) (field, error) {
	name, opts := parseTag(sf)
	f := field{index: sf.Index}
	f.desc.Name = name
	if opts["-"] {
		f.desc.Excluded = true
		return f, nil
	}
	f.desc.Optional = opts["optional"]

	t := sf.Type
	if t.Kind() == reflect.Pointer {
		f.ptr = true
		f.desc.Optional = true
		t = t.Elem()
	}
	if t.Kind() == reflect.Slice && t.Elem().Kind() != reflect.Uint8 {
		if f.ptr {
			return f, types.Invalid("describe", "pointer to slice is not supported")
		}
		f.desc.Array = true
		t = t.Elem()
		if t.Kind() == reflect.Pointer {
			if t.Elem().Kind() != reflect.Struct {
				return f, types.Invalid("describe", "array of pointers to %s", t.Elem())
			}
			f.elemPtr = true
			t = t.Elem()
		}
	}
	f.elem = t

	kind, target, err := kindOf(t)
	if err != nil {
		return f, err
	}
	f.desc.Kind = kind
	f.desc.Target = target
	return f, nil
}

func kindOf(t reflect.Type) (types.ValueKind, types.TypeDescriptor, error) {
	switch {
	case t == typeTime:
		return types.KindTimestamp, nil, nil
	case t == typeDecimal:
		return types.KindDecimal, nil, nil
	}
	if lt, ok := reflect.Zero(t).Interface().(linkTarget); ok {
		target := build(lt.LinkTarget())
		if target.err != nil {
			return "", nil, target.err
		}
		return types.KindReference, target, nil
	}
	switch t.Kind() {
	case reflect.String:
		return types.KindText, nil, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return types.KindInteger, nil, nil
	case reflect.Float32, reflect.Float64:
		return types.KindFloat, nil, nil
	case reflect.Bool:
		return types.KindBoolean, nil, nil
	case reflect.Struct:
		nested := build(t)
		if nested.err != nil {
			return "", nil, nested.err
		}
		return types.KindNested, nested, nil
	}
	return "", nil, types.Invalid("describe", "unsupported field type %s", t)
}

func parseTag(sf reflect.StructField) (string, map[string]bool) {
	tag := sf.Tag.Get(TagKey)
	opts := map[string]bool{}
	if tag == "-" {
		opts["-"] = true
		return sf.Name, opts
	}
	parts := strings.Split(tag, ",")
	name := parts[0]
	if name == "" {
		name = sf.Name
	}
	for _, p := range parts[1:] {
		opts[strings.TrimSpace(p)] = true
	}
	return name, opts
}

// TypeName implements types.TypeDescriptor.
func (d *Descriptor) TypeName() string { return d.name }

// Alias implements types.TypeDescriptor.
func (d *Descriptor) Alias() string { return d.alias }

// Fields implements types.TypeDescriptor.
func (d *Descriptor) Fields() []types.FieldDescriptor {
	out := make([]types.FieldDescriptor, len(d.fields))
	for i, f := range d.fields {
		out[i] = f.desc
	}
	return out
}

// Type returns the described Go type.
func (d *Descriptor) Type() reflect.Type { return d.typ }

// HasHeader reports whether the struct binds a types.Object header.
func (d *Descriptor) HasHeader() bool { return d.header != nil }
