package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// valueWire is the JSON form of Value. Scalars are re-typed from Kind on
// decode so archives and JSONL exports reload without loss.
type valueWire struct {
	ValueID       string          `json:"value_id"`
	ObjectID      string          `json:"object_id"`
	StructureID   string          `json:"structure_id"`
	ArrayParentID string          `json:"array_parent_id,omitempty"`
	Index         int             `json:"index"`
	Kind          ValueKind       `json:"kind"`
	Absent        bool            `json:"absent,omitempty"`
	Scalar        json.RawMessage `json:"scalar,omitempty"`
	Ref           string          `json:"ref,omitempty"`
	Count         int             `json:"count,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	w := valueWire{
		ValueID:       v.ValueID,
		ObjectID:      v.ObjectID,
		StructureID:   v.StructureID,
		ArrayParentID: v.ArrayParentID,
		Index:         v.Index,
		Kind:          v.Kind,
		Absent:        v.Absent,
		Ref:           v.Ref,
		Count:         v.Count,
	}
	if v.Scalar != nil {
		var raw any = v.Scalar
		if t, ok := v.Scalar.(time.Time); ok {
			raw = FormatTimestamp(t)
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("marshaling scalar of %s: %w", v.ValueID, err)
		}
		w.Scalar = data
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w valueWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*v = Value{
		ValueID:       w.ValueID,
		ObjectID:      w.ObjectID,
		StructureID:   w.StructureID,
		ArrayParentID: w.ArrayParentID,
		Index:         w.Index,
		Kind:          w.Kind,
		Absent:        w.Absent,
		Ref:           w.Ref,
		Count:         w.Count,
	}
	if len(w.Scalar) == 0 || bytes.Equal(w.Scalar, []byte("null")) {
		return nil
	}
	s, err := DecodeScalar(w.Kind, w.Scalar)
	if err != nil {
		return fmt.Errorf("decoding value %s: %w", w.ValueID, err)
	}
	v.Scalar = s
	return nil
}

// DecodeScalar decodes a JSON scalar into the Go type used for kind.
func DecodeScalar(kind ValueKind, raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return nil, err
	}
	return CoerceScalar(kind, x)
}

// CoerceScalar converts a loosely typed value (as produced by JSON or YAML
// decoding) to the Go type used for kind.
func CoerceScalar(kind ValueKind, x any) (any, error) {
	switch kind {
	case KindText:
		if s, ok := x.(string); ok {
			return s, nil
		}
	case KindInteger:
		switch n := x.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case json.Number:
			return n.Int64()
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		}
	case KindFloat:
		switch n := x.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		}
	case KindDecimal:
		switch n := x.(type) {
		case Decimal:
			return n, nil
		case string:
			return ParseDecimal(n)
		case json.Number:
			return ParseDecimal(n.String())
		case int64:
			return Decimal(fmt.Sprint(n)), nil
		case int:
			return Decimal(fmt.Sprint(n)), nil
		case float64:
			return ParseDecimal(fmt.Sprint(n))
		}
	case KindBoolean:
		if b, ok := x.(bool); ok {
			return b, nil
		}
	case KindTimestamp:
		switch t := x.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			return ParseTimestamp(t)
		}
	}
	return nil, fmt.Errorf("value %v (%T) is not a %s: %w", x, x, kind, ErrValidation)
}
