package sqlstore

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/mesh-intelligence/attic/pkg/types"
)

const valueColumns = `value_id, object_id, structure_id, array_parent_id, idx, kind, absent, v_text, v_num, v_bool, v_ref, elem_count`

const objectColumns = `object_id, scheme_id, parent_id, embedded_in, owner_id, modifier_id, created_at, updated_at, hash, name, note`

const structureColumns = `structure_id, scheme_id, name, kind, is_array, target_scheme_id, optional, ordinal`

const grantColumns = `grant_id, subject_kind, subject_id, target_kind, target_id, actions, created_at`

// typed holds the column form of one scalar.
type typed struct {
	text sql.NullString
	num  sql.NullFloat64
	bool sql.NullInt64
}

// encodeScalar maps a scalar to its typed columns. Numeric kinds keep a
// float in v_num for comparison; integers and decimals also keep their
// exact text.
func encodeScalar(kind types.ValueKind, x any) (typed, error) {
	var t typed
	if x == nil {
		return t, nil
	}
	switch kind {
	case types.KindText:
		s, ok := x.(string)
		if !ok {
			return t, fmt.Errorf("text value %T", x)
		}
		t.text = sql.NullString{String: s, Valid: true}
	case types.KindInteger:
		n, ok := x.(int64)
		if !ok {
			return t, fmt.Errorf("integer value %T", x)
		}
		t.text = sql.NullString{String: strconv.FormatInt(n, 10), Valid: true}
		t.num = sql.NullFloat64{Float64: float64(n), Valid: true}
	case types.KindFloat:
		f, ok := x.(float64)
		if !ok {
			return t, fmt.Errorf("float value %T", x)
		}
		t.num = sql.NullFloat64{Float64: f, Valid: true}
	case types.KindDecimal:
		d, ok := x.(types.Decimal)
		if !ok {
			return t, fmt.Errorf("decimal value %T", x)
		}
		t.text = sql.NullString{String: string(d), Valid: true}
		t.num = sql.NullFloat64{Float64: d.Float64(), Valid: true}
	case types.KindBoolean:
		b, ok := x.(bool)
		if !ok {
			return t, fmt.Errorf("boolean value %T", x)
		}
		t.bool = sql.NullInt64{Int64: boolInt(b), Valid: true}
	case types.KindTimestamp:
		ts, ok := x.(time.Time)
		if !ok {
			return t, fmt.Errorf("timestamp value %T", x)
		}
		t.text = sql.NullString{String: types.FormatTimestamp(ts), Valid: true}
	default:
		return t, fmt.Errorf("kind %s has no scalar", kind)
	}
	return t, nil
}

func decodeScalar(kind types.ValueKind, t typed) (any, error) {
	switch kind {
	case types.KindText:
		if t.text.Valid {
			return t.text.String, nil
		}
	case types.KindInteger:
		if t.text.Valid {
			return strconv.ParseInt(t.text.String, 10, 64)
		}
	case types.KindFloat:
		if t.num.Valid {
			return t.num.Float64, nil
		}
	case types.KindDecimal:
		if t.text.Valid {
			return types.Decimal(t.text.String), nil
		}
	case types.KindBoolean:
		if t.bool.Valid {
			return t.bool.Int64 != 0, nil
		}
	case types.KindTimestamp:
		if t.text.Valid {
			return types.ParseTimestamp(t.text.String)
		}
	}
	return nil, nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}

func valueArgs(v types.Value) ([]any, error) {
	t, err := encodeScalar(v.Kind, v.Scalar)
	if err != nil {
		return nil, fmt.Errorf("encoding value %s: %w", v.ValueID, err)
	}
	ref := sql.NullString{String: v.Ref, Valid: v.Ref != ""}
	return []any{
		v.ValueID, v.ObjectID, v.StructureID, v.ArrayParentID, v.Index, string(v.Kind),
		boolInt(v.Absent), t.text, t.num, t.bool, ref, v.Count,
	}, nil
}

func scanValue(s scanner) (types.Value, error) {
	var v types.Value
	var kind string
	var absent int64
	var t typed
	var ref sql.NullString
	if err := s.Scan(&v.ValueID, &v.ObjectID, &v.StructureID, &v.ArrayParentID, &v.Index, &kind,
		&absent, &t.text, &t.num, &t.bool, &ref, &v.Count); err != nil {
		return v, err
	}
	v.Kind = types.ValueKind(kind)
	v.Absent = absent != 0
	v.Ref = ref.String
	if v.Kind.Scalar() && !v.Absent {
		x, err := decodeScalar(v.Kind, t)
		if err != nil {
			return v, fmt.Errorf("decoding value %s: %w", v.ValueID, err)
		}
		v.Scalar = x
	}
	return v, nil
}

func objectArgs(o types.Object) []any {
	return []any{
		o.ObjectID, o.SchemeID, o.ParentID, o.EmbeddedIn, o.OwnerID, o.ModifierID,
		types.FormatTimestamp(o.CreatedAt), types.FormatTimestamp(o.UpdatedAt), o.Hash, o.Name, o.Note,
	}
}

func scanObject(s scanner) (types.Object, error) {
	var o types.Object
	var created, updated string
	if err := s.Scan(&o.ObjectID, &o.SchemeID, &o.ParentID, &o.EmbeddedIn, &o.OwnerID, &o.ModifierID,
		&created, &updated, &o.Hash, &o.Name, &o.Note); err != nil {
		return o, err
	}
	var err error
	if o.CreatedAt, err = types.ParseTimestamp(created); err != nil {
		return o, err
	}
	if o.UpdatedAt, err = types.ParseTimestamp(updated); err != nil {
		return o, err
	}
	return o, nil
}

func structureArgs(s types.Structure) []any {
	return []any{
		s.StructureID, s.SchemeID, s.Name, string(s.Kind), boolInt(s.Array), s.TargetSchemeID,
		boolInt(s.Optional), s.Ordinal,
	}
}

func scanStructure(sc scanner) (types.Structure, error) {
	var s types.Structure
	var kind string
	var array, optional int64
	if err := sc.Scan(&s.StructureID, &s.SchemeID, &s.Name, &kind, &array, &s.TargetSchemeID,
		&optional, &s.Ordinal); err != nil {
		return s, err
	}
	s.Kind = types.ValueKind(kind)
	s.Array = array != 0
	s.Optional = optional != 0
	return s, nil
}

func grantArgs(g types.Grant) []any {
	return []any{
		g.GrantID, string(g.SubjectKind), g.SubjectID, string(g.TargetKind), g.TargetID,
		int64(g.Actions), types.FormatTimestamp(g.CreatedAt),
	}
}

func scanGrant(s scanner) (types.Grant, error) {
	var g types.Grant
	var subject, target, created string
	var actions int64
	if err := s.Scan(&g.GrantID, &subject, &g.SubjectID, &target, &g.TargetID, &actions, &created); err != nil {
		return g, err
	}
	g.SubjectKind = types.SubjectKind(subject)
	g.TargetKind = types.TargetKind(target)
	g.Actions = types.Actions(actions)
	var err error
	g.CreatedAt, err = types.ParseTimestamp(created)
	return g, err
}
