package typefile

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/attic/internal/memory"
	"github.com/mesh-intelligence/attic/internal/schema"
	"github.com/mesh-intelligence/attic/pkg/types"
)

const orderTypes = `
types:
  - name: Order
    alias: Sales order
    fields:
      - {name: items, kind: text, array: true}
      - {name: total, kind: decimal, optional: true}
      - {name: ship, kind: nested, target: Address, optional: true}
      - {name: customer, kind: reference, target: Customer, optional: true}
  - name: Address
    fields:
      - {name: city, kind: text}
  - name: Customer
    fields:
      - {name: name, kind: text}
      - {name: referrer, kind: reference, target: Customer, optional: true}
`

func TestParse(t *testing.T) {
	descs, err := Parse(strings.NewReader(orderTypes))
	require.NoError(t, err)
	require.Len(t, descs, 3)

	order := descs[0]
	assert.Equal(t, "Order", order.TypeName())
	assert.Equal(t, "Sales order", order.Alias())
	fields := order.Fields()
	require.Len(t, fields, 4)
	assert.True(t, fields[0].Array)
	assert.True(t, fields[1].Optional)
	assert.Equal(t, "Address", fields[2].TargetName())

	customer := descs[2]
	assert.Equal(t, "Customer", customer.Fields()[1].TargetName(), "self reference")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"unknown kind", "types: [{name: A, fields: [{name: x, kind: blob}]}]"},
		{"unknown target", "types: [{name: A, fields: [{name: x, kind: nested, target: B}]}]"},
		{"scalar with target", "types: [{name: A, fields: [{name: x, kind: text, target: A}]}]"},
		{"duplicate type", "types: [{name: A}, {name: A}]"},
		{"unknown key", "types: [{name: A, colour: red}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestDecodeAndEncode(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	t.Cleanup(func() { _ = b.Close() })
	reg := schema.New(b)
	descs, err := Parse(strings.NewReader(orderTypes))
	require.NoError(t, err)
	info, err := reg.EnsureScheme(ctx, descs[0])
	require.NoError(t, err)

	var doc map[string]any
	dec := json.NewDecoder(strings.NewReader(`{"items":["a","b"],"total":12.50,"ship":{"city":"Oslo"},"customer":"c1"}`))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&doc))

	rec, err := Decode(ctx, reg, info, doc)
	require.NoError(t, err)
	assert.Equal(t, "Order", rec.Type)
	assert.Equal(t, []any{"a", "b"}, rec.Fields["items"])
	assert.Equal(t, types.Decimal("12.50"), rec.Fields["total"])
	assert.Equal(t, types.Ref("c1"), rec.Fields["customer"])
	ship, ok := rec.Fields["ship"].(*types.Record)
	require.True(t, ok)
	assert.Equal(t, "Oslo", ship.Fields["city"])

	out, err := json.Marshal(Encode(rec))
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["a","b"],"total":"12.50","ship":{"city":"Oslo"},"customer":{"id":"c1"}}`, string(out))

	_, err = Decode(ctx, reg, info, map[string]any{"colour": "red"})
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = Decode(ctx, reg, info, map[string]any{"items": "a"})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestMarshalRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	t.Cleanup(func() { _ = b.Close() })
	reg := schema.New(b)
	descs, err := Parse(strings.NewReader(orderTypes))
	require.NoError(t, err)
	_, err = reg.EnsureScheme(ctx, descs[0])
	require.NoError(t, err)

	infos, err := reg.List(ctx)
	require.NoError(t, err)
	data, err := Marshal(infos)
	require.NoError(t, err)

	again, err := Parse(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Len(t, again, len(infos))
	assert.Equal(t, schema.Fingerprint(descs[0]), schema.Fingerprint(find(again, "Order")))
}

func find(ds []types.TypeDescriptor, name string) types.TypeDescriptor {
	for _, d := range ds {
		if d.TypeName() == name {
			return d
		}
	}
	return nil
}
