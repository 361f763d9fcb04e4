package types

// TypeDescriptor describes the shape of one host type. The registry only
// consumes this description; how it is produced (reflection, YAML, manual
// registration) is up to the caller.
type TypeDescriptor interface {
	// TypeName is the unique scheme name for the type.
	TypeName() string
	// Alias is an optional display name; empty when unset.
	Alias() string
	// Fields lists the fields in declaration order.
	Fields() []FieldDescriptor
}

// FieldDescriptor describes one field of a TypeDescriptor.
type FieldDescriptor struct {
	Name     string
	Kind     ValueKind
	Array    bool
	Optional bool
	// Excluded fields are skipped by schema derivation and the codec.
	Excluded bool
	// Target is the nested value type (KindNested) or the referenced
	// entity type (KindReference).
	Target TypeDescriptor
}

// TargetName returns the target type name, or "" for scalar fields.
func (f FieldDescriptor) TargetName() string {
	if f.Target == nil {
		return ""
	}
	return f.Target.TypeName()
}

// TypeSpec is a TypeDescriptor assembled by hand. Fields may point back at
// the spec itself to describe recursive types.
type TypeSpec struct {
	name   string
	alias  string
	fields []FieldDescriptor
}

var _ TypeDescriptor = (*TypeSpec)(nil)

// NewType starts a manually registered type description.
func NewType(name string) *TypeSpec {
	return &TypeSpec{name: name}
}

// FieldOption adjusts a field added with TypeSpec.Field.
type FieldOption func(*FieldDescriptor)

// Optional marks the field as nullable.
func Optional() FieldOption {
	return func(f *FieldDescriptor) { f.Optional = true }
}

// ArrayOf marks the field as an array of its kind.
func ArrayOf() FieldOption {
	return func(f *FieldDescriptor) { f.Array = true }
}

// Excluded marks the field as not persisted.
func Excluded() FieldOption {
	return func(f *FieldDescriptor) { f.Excluded = true }
}

// Of sets the nested or referenced target type.
func Of(target TypeDescriptor) FieldOption {
	return func(f *FieldDescriptor) { f.Target = target }
}

// WithAlias sets the scheme alias.
func (t *TypeSpec) WithAlias(alias string) *TypeSpec {
	t.alias = alias
	return t
}

// Field appends a field and returns the spec for chaining.
func (t *TypeSpec) Field(name string, kind ValueKind, opts ...FieldOption) *TypeSpec {
	f := FieldDescriptor{Name: name, Kind: kind}
	for _, opt := range opts {
		opt(&f)
	}
	t.fields = append(t.fields, f)
	return t
}

// TypeName implements TypeDescriptor.
func (t *TypeSpec) TypeName() string { return t.name }

// Alias implements TypeDescriptor.
func (t *TypeSpec) Alias() string { return t.alias }

// Fields implements TypeDescriptor.
func (t *TypeSpec) Fields() []FieldDescriptor {
	out := make([]FieldDescriptor, len(t.fields))
	copy(out, t.fields)
	return out
}

// PersistedFields returns the non-excluded fields of d in order.
func PersistedFields(d TypeDescriptor) []FieldDescriptor {
	all := d.Fields()
	out := make([]FieldDescriptor, 0, len(all))
	for _, f := range all {
		if !f.Excluded {
			out = append(out, f)
		}
	}
	return out
}
