package typefile

import (
	"context"
	"time"

	"github.com/mesh-intelligence/attic/internal/codec"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Decode converts a decoded JSON object into a record of the scheme info.
// References are given as an id string or an object with an "id" key.
// Unknown keys are rejected.
func Decode(ctx context.Context, schemes codec.Schemes, info *types.SchemeInfo, doc map[string]any) (*types.Record, error) {
	rec := types.NewRecord(info.Scheme.Name)
	for name, raw := range doc {
		st, ok := info.Field(name)
		if !ok {
			return nil, types.Invalid("decode", "%s has no field %q", info.Scheme.Name, name).WithScheme(info.Scheme.SchemeID)
		}
		if raw == nil {
			continue
		}
		v, err := decodeField(ctx, schemes, st, raw)
		if err != nil {
			return nil, err
		}
		rec.Set(name, v)
	}
	return rec, nil
}

func decodeField(ctx context.Context, schemes codec.Schemes, st types.Structure, raw any) (any, error) {
	if !st.Array {
		return decodeOne(ctx, schemes, st, raw)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, types.Invalid("decode", "expected a list").WithField(st.Name)
	}
	out := make([]any, len(list))
	for i, x := range list {
		v, err := decodeOne(ctx, schemes, st, x)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func decodeOne(ctx context.Context, schemes codec.Schemes, st types.Structure, raw any) (any, error) {
	switch st.Kind {
	case types.KindReference:
		switch r := raw.(type) {
		case string:
			return types.Ref(r), nil
		case map[string]any:
			if id, ok := r["id"].(string); ok && id != "" {
				return types.Ref(id), nil
			}
		}
		return nil, types.Invalid("decode", "reference needs an id").WithField(st.Name)
	case types.KindNested:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, types.Invalid("decode", "expected an object").WithField(st.Name)
		}
		target, err := schemes.ByID(ctx, st.TargetSchemeID)
		if err != nil {
			return nil, err
		}
		return Decode(ctx, schemes, target, m)
	}
	v, err := types.CoerceScalar(st.Kind, raw)
	if err != nil {
		return nil, types.Invalid("decode", "%v", err).WithField(st.Name)
	}
	return v, nil
}

// Encode renders a record as plain JSON-ready values. Loaded references
// carry their target as a nested document.
func Encode(rec *types.Record) map[string]any {
	if rec == nil {
		return nil
	}
	out := make(map[string]any, len(rec.Fields))
	for name, v := range rec.Fields {
		out[name] = encodeValue(v)
	}
	return out
}

// EncodeEntity renders an entity as its header plus fields.
func EncodeEntity(ent *types.Entity) map[string]any {
	return map[string]any{
		"object": ent.Object,
		"fields": Encode(ent.Record),
	}
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case *types.Record:
		return Encode(x)
	case types.Reference:
		if x.Target == nil {
			return map[string]any{"id": x.ID}
		}
		return map[string]any{"id": x.ID, "target": EncodeEntity(x.Target)}
	case types.Decimal:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = encodeValue(e)
		}
		return out
	}
	return v
}
