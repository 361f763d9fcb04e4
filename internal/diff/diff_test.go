package diff

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/attic/internal/codec"
	"github.com/mesh-intelligence/attic/pkg/types"
)

type schemes map[string]*types.SchemeInfo

func (s schemes) Lookup(_ context.Context, name string) (*types.SchemeInfo, error) {
	for _, info := range s {
		if info.Scheme.Name == name {
			return info, nil
		}
	}
	return nil, types.E(types.KindSchemeNotFound, "lookup", "%s", name)
}

func (s schemes) ByID(_ context.Context, id string) (*types.SchemeInfo, error) {
	if info, ok := s[id]; ok {
		return info, nil
	}
	return nil, types.E(types.KindSchemeNotFound, "by id", "%s", id)
}

var testSchemes = schemes{
	"s-item": {
		Scheme: types.Scheme{SchemeID: "s-item", Name: "Item"},
		Structures: []types.Structure{
			{StructureID: "i-sku", Name: "sku", Kind: types.KindText},
		},
	},
	"s-cart": {
		Scheme: types.Scheme{SchemeID: "s-cart", Name: "Cart"},
		Structures: []types.Structure{
			{StructureID: "c-title", Name: "title", Kind: types.KindText},
			{StructureID: "c-qty", Name: "qty", Kind: types.KindInteger, Array: true},
			{StructureID: "c-items", Name: "items", Kind: types.KindNested, Array: true, TargetSchemeID: "s-item"},
			{StructureID: "c-owner", Name: "owner", Kind: types.KindReference, Optional: true},
			{StructureID: "c-note", Name: "note", Kind: types.KindText, Optional: true},
		},
	},
}

func item(sku string) *types.Record {
	return types.NewRecord("Item").Set("sku", sku)
}

func cart() *types.Record {
	return types.NewRecord("Cart").
		Set("title", "weekly").
		Set("qty", []any{int64(1), int64(2), int64(3), int64(4), int64(5)}).
		Set("items", []any{item("a"), item("b"), item("c")}).
		Set("owner", types.Ref("user-1"))
}

func snapshot(t *testing.T, rec *types.Record) *types.Snapshot {
	t.Helper()
	snap, err := codec.New(testSchemes).Serialize(context.Background(), &types.Entity{
		Object: types.Object{ObjectID: "cart-1"},
		Record: rec,
	})
	require.NoError(t, err)
	return snap
}

func TestDiffFirstSaveInsertsEverything(t *testing.T) {
	cur := snapshot(t, cart())
	ms, err := Diff(nil, cur)
	require.NoError(t, err)
	assert.Len(t, ms.Mutations, len(cur.Values))
	for _, m := range ms.Mutations {
		assert.Equal(t, OpInsert, m.Op())
	}
	assert.Len(t, ms.NestedAdded, 3)
}

func TestDiffMinimal(t *testing.T) {
	tests := []struct {
		name          string
		change        func(*types.Record)
		wantKinds     map[Kind]int
		wantOps       []Op
		nestedAdded   int
		nestedRemoved int
	}{
		{
			name:      "no change",
			change:    func(*types.Record) {},
			wantKinds: map[Kind]int{},
		},
		{
			name:      "one scalar",
			change:    func(r *types.Record) { r.Set("title", "monthly") },
			wantKinds: map[Kind]int{KindScalar: 1},
			wantOps:   []Op{OpUpdate},
		},
		{
			name: "one array element",
			change: func(r *types.Record) {
				r.Set("qty", []any{int64(1), int64(2), int64(9), int64(4), int64(5)})
			},
			wantKinds: map[Kind]int{KindElement: 1},
			wantOps:   []Op{OpUpdate},
		},
		{
			name: "one nested element",
			change: func(r *types.Record) {
				r.Set("items", []any{item("a"), item("z"), item("c")})
			},
			wantKinds:     map[Kind]int{KindNested: 1},
			wantOps:       []Op{OpUpdate},
			nestedAdded:   1,
			nestedRemoved: 1,
		},
		{
			name:      "reference retargeted",
			change:    func(r *types.Record) { r.Set("owner", types.Ref("user-2")) },
			wantKinds: map[Kind]int{KindReference: 1},
			wantOps:   []Op{OpUpdate},
		},
		{
			name:      "optional set from absent",
			change:    func(r *types.Record) { r.Set("note", "hi") },
			wantKinds: map[Kind]int{KindScalar: 1},
			wantOps:   []Op{OpUpdate},
		},
		{
			name: "array grows",
			change: func(r *types.Record) {
				r.Set("qty", []any{int64(1), int64(2), int64(3), int64(4), int64(5), int64(6)})
			},
			wantKinds: map[Kind]int{KindArray: 1, KindElement: 1},
			wantOps:   []Op{OpUpdate, OpInsert},
		},
		{
			name: "array shrinks",
			change: func(r *types.Record) {
				r.Set("qty", []any{int64(1), int64(2), int64(3), int64(4)})
			},
			wantKinds: map[Kind]int{KindArray: 1, KindElement: 1},
			wantOps:   []Op{OpUpdate, OpDelete},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := snapshot(t, cart())
			rec := cart()
			tt.change(rec)
			cur := snapshot(t, rec)

			ms, err := Diff(prev, cur)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKinds, ms.Counts())
			var ops []Op
			for _, m := range ms.Mutations {
				ops = append(ops, m.Op())
			}
			assert.Equal(t, tt.wantOps, ops)
			assert.Len(t, ms.NestedAdded, tt.nestedAdded)
			assert.Len(t, ms.NestedRemoved, tt.nestedRemoved)
			if len(tt.wantKinds) == 0 {
				assert.True(t, ms.Empty())
			}
		})
	}
}

func TestDiffRejectsDifferentObjects(t *testing.T) {
	a := snapshot(t, cart())
	b := snapshot(t, cart())
	b.Object.ObjectID = "cart-2"
	_, err := Diff(a, b)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestDiffAfterWidening(t *testing.T) {
	prev := snapshot(t, cart())

	qty := &testSchemes["s-cart"].Structures[1]
	qty.Kind = types.KindFloat
	defer func() { qty.Kind = types.KindInteger }()

	widened := cart().Set("qty", []any{1.0, 2.0, 3.0, 4.0, 5.0})
	ms, err := Diff(prev, snapshot(t, widened))
	require.NoError(t, err)
	assert.True(t, ms.Empty(), "stored integers equal to the new floats are kept: %+v", ms.Mutations)

	widened.Set("qty", []any{1.5, 2.0, 3.0, 4.0, 5.0})
	ms, err = Diff(prev, snapshot(t, widened))
	require.NoError(t, err)
	assert.Equal(t, map[Kind]int{KindElement: 1}, ms.Counts())
}
