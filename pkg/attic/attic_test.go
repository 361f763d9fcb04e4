package attic

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/attic/internal/describe"
	"github.com/mesh-intelligence/attic/internal/metrics"
	"github.com/mesh-intelligence/attic/internal/query"
	"github.com/mesh-intelligence/attic/pkg/types"
)

type folder struct {
	types.Object
	Title string `attic:"title"`
}

func (folder) AtticType() string { return "Folder" }

type order struct {
	types.Object
	Items []string `attic:"items"`
	Total *float64 `attic:"total"`
}

func (order) AtticType() string { return "Order" }

func num(f float64) *float64 { return &f }

type lineItem struct {
	Sku string `attic:"sku"`
	Qty int64  `attic:"qty"`
}

func (lineItem) AtticType() string { return "LineItem" }

type purchaseOrder struct {
	types.Object
	Items []lineItem     `attic:"items"`
	Total *types.Decimal `attic:"total"`
}

func (purchaseOrder) AtticType() string { return "PurchaseOrder" }

func openSQLite(t *testing.T) *Store {
	t.Helper()
	cfg := types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir(), Log: types.LogConfig{Level: "error"}}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openMemory(t *testing.T, mutate func(*types.Config)) *Store {
	t.Helper()
	cfg := types.Config{Backend: types.BackendMemory, Log: types.LogConfig{Level: "error"}}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func counter(t *testing.T, r *metrics.Recorder, name, labels string) float64 {
	t.Helper()
	samples, err := r.Counters()
	require.NoError(t, err)
	for _, s := range samples {
		if s.Name == name && s.Labels == labels {
			return s.Value
		}
	}
	return 0
}

func TestSaveAbsentFieldThenSetIt(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, nil)
	se := s.System()

	o := &order{Items: []string{"apple", "pear"}}
	require.NoError(t, SaveValue(ctx, se, o))
	require.NotEmpty(t, o.ObjectID)
	require.NotEmpty(t, o.Hash)

	got, err := LoadValue[order](ctx, se, o.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "pear"}, got.Items)
	assert.Nil(t, got.Total, "an unset optional field stays absent")

	before := counter(t, s.Metrics(), "attic_mutations_total", "kind=scalar")
	got.Total = num(12.5)
	require.NoError(t, SaveValue(ctx, se, got))
	after := counter(t, s.Metrics(), "attic_mutations_total", "kind=scalar")
	assert.Equal(t, 1.0, after-before, "setting one field writes one row")

	again, err := LoadValue[order](ctx, se, o.ObjectID)
	require.NoError(t, err)
	require.NotNil(t, again.Total)
	assert.InDelta(t, 12.5, *again.Total, 1e-9)
	assert.NotEqual(t, o.Hash, again.Hash)
}

func TestNestedArraySlotUpdate(t *testing.T) {
	tests := []struct {
		name string
		open func(*testing.T) *Store
	}{
		{"memory", func(t *testing.T) *Store { return openMemory(t, nil) }},
		{"sqlite", openSQLite},
	}
	kinds := []string{"scalar", "element", "nested", "reference", "array", "embedded"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := tt.open(t)
			se := s.System()

			o := &purchaseOrder{Items: []lineItem{{Sku: "A", Qty: 2}}}
			require.NoError(t, SaveValue(ctx, se, o))

			got, err := LoadValue[purchaseOrder](ctx, se, o.ObjectID)
			require.NoError(t, err)
			assert.Nil(t, got.Total, "an unset decimal reloads as absent")
			require.Equal(t, []lineItem{{Sku: "A", Qty: 2}}, got.Items)

			before := make(map[string]float64, len(kinds))
			for _, k := range kinds {
				before[k] = counter(t, s.Metrics(), "attic_mutations_total", "kind="+k)
			}
			got.Items[0].Qty = 3
			require.NoError(t, SaveValue(ctx, se, got))

			delta := make(map[string]float64, len(kinds))
			for _, k := range kinds {
				delta[k] = counter(t, s.Metrics(), "attic_mutations_total", "kind="+k) - before[k]
			}
			assert.Equal(t, map[string]float64{
				"scalar": 0, "element": 0, "nested": 1, "reference": 0, "array": 0,
				// the old embedded record goes, the new one comes
				"embedded": 2,
			}, delta)

			again, err := LoadValue[purchaseOrder](ctx, se, o.ObjectID)
			require.NoError(t, err)
			assert.Equal(t, []lineItem{{Sku: "A", Qty: 3}}, again.Items)
			assert.Nil(t, again.Total)
		})
	}
}

func TestSaveUnchangedIsNoop(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, nil)
	se := s.System()

	o := &order{Items: []string{"a"}}
	require.NoError(t, SaveValue(ctx, se, o))
	hash, updated := o.Hash, o.UpdatedAt
	require.NoError(t, SaveValue(ctx, se, o))
	assert.Equal(t, hash, o.Hash)
	assert.Equal(t, updated, o.UpdatedAt)
}

func TestOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, func(c *types.Config) { c.OptimisticConcurrency = true })
	se := s.System()

	o := &order{Items: []string{"a"}}
	require.NoError(t, SaveValue(ctx, se, o))

	first, err := LoadValue[order](ctx, se, o.ObjectID)
	require.NoError(t, err)
	second, err := LoadValue[order](ctx, se, o.ObjectID)
	require.NoError(t, err)

	first.Items = append(first.Items, "b")
	require.NoError(t, SaveValue(ctx, se, first))

	second.Total = num(3)
	err = SaveValue(ctx, se, second)
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict)
	assert.Equal(t, types.KindConcurrencyConflict, types.KindOf(err))

	stored, err := LoadValue[order](ctx, se, o.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, stored.Items)
	assert.Nil(t, stored.Total)
}

func TestFullSaveStrategy(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, func(c *types.Config) { c.SaveStrategy = types.SaveFull })
	se := s.System()

	o := &order{Items: []string{"a", "b"}, Total: num(1)}
	require.NoError(t, SaveValue(ctx, se, o))
	o.Items = []string{"c"}
	o.Total = nil
	require.NoError(t, SaveValue(ctx, se, o))

	got, err := LoadValue[order](ctx, se, o.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, got.Items)
	assert.Nil(t, got.Total)
}

func TestPermissionsGateWrites(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, nil)
	sys := s.System()
	info, err := sys.Register(ctx, describe.MustOf[order]())
	require.NoError(t, err)

	_, err = sys.Grant(ctx, types.Grant{
		SubjectKind: types.SubjectUser, SubjectID: "ann",
		TargetKind: types.TargetScheme, TargetID: info.Scheme.SchemeID,
		Actions: types.ActionRead | types.ActionInsert | types.ActionUpdate,
	})
	require.NoError(t, err)

	ann := s.Session(types.User("ann"))
	bob := s.Session(types.User("bob"))

	o := &order{Items: []string{"a"}}
	require.NoError(t, SaveValue(ctx, ann, o))
	assert.Equal(t, "ann", o.OwnerID)

	err = SaveValue(ctx, bob, &order{Items: []string{"b"}})
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	_, err = bob.Load(ctx, o.ObjectID)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	n, err := QueryOf[order](sys).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the denied insert wrote nothing")

	_, err = QueryOf[order](bob).Count(ctx)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	_, err = ann.Delete(ctx, o.ObjectID, DeleteOptions{})
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	_, err = ann.Grant(ctx, types.Grant{
		SubjectKind: types.SubjectUser, SubjectID: "bob",
		TargetKind: types.TargetObject, TargetID: o.ObjectID, Actions: types.ActionRead,
	})
	assert.ErrorIs(t, err, types.ErrPermissionDenied, "granting needs every action on the target")
}

func TestGrantAndRevokeTakeEffect(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, nil)
	sys := s.System()

	o := &order{Items: []string{"a"}}
	require.NoError(t, SaveValue(ctx, sys, o))
	bob := s.Session(types.User("bob"))

	have, err := bob.Effective(ctx, o.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionNone, have)

	g, err := sys.Grant(ctx, types.Grant{
		SubjectKind: types.SubjectEveryone,
		TargetKind:  types.TargetObject, TargetID: o.ObjectID, Actions: types.ActionRead,
	})
	require.NoError(t, err)
	require.NotEmpty(t, g.GrantID)

	have, err = bob.Effective(ctx, o.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionRead, have)

	grants, err := sys.Grants(ctx, types.TargetObject, o.ObjectID)
	require.NoError(t, err)
	assert.Len(t, grants, 1)

	require.NoError(t, sys.Revoke(ctx, g.GrantID))
	have, err = bob.Effective(ctx, o.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, types.ActionNone, have)

	assert.ErrorIs(t, sys.Revoke(ctx, g.GrantID), types.ErrValidation)

	_, err = sys.Grant(ctx, types.Grant{SubjectKind: types.SubjectEveryone, TargetKind: types.TargetObject, TargetID: "missing"})
	assert.ErrorIs(t, err, types.ErrObjectNotFound)
}

func saveFolder(t *testing.T, se *Session, title, parent string) *folder {
	t.Helper()
	f := &folder{Object: types.Object{ParentID: parent}, Title: title}
	require.NoError(t, SaveValue(context.Background(), se, f))
	return f
}

func TestDeleteAndRestore(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T, c *types.Config)
	}{
		{"table sink", nil},
		{"jsonl sink", func(t *testing.T, c *types.Config) {
			c.Archive = types.ArchiveConfig{Driver: types.ArchiveJSONL, Path: t.TempDir()}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := openMemory(t, func(c *types.Config) {
				if tt.cfg != nil {
					tt.cfg(t, c)
				}
			})
			se := s.System()
			root := saveFolder(t, se, "root", "")
			child := saveFolder(t, se, "child", root.ObjectID)

			_, err := se.Delete(ctx, root.ObjectID, DeleteOptions{})
			assert.ErrorIs(t, err, types.ErrHasChildren)
			assert.ErrorIs(t, err, types.ErrValidation)

			recs, err := se.Delete(ctx, root.ObjectID, DeleteOptions{Cascade: true})
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, child.ObjectID, recs[0].Snapshot.Object.ObjectID, "deepest first")
			assert.Equal(t, root.ObjectID, recs[1].Snapshot.Object.ObjectID)

			_, err = se.Load(ctx, root.ObjectID)
			assert.ErrorIs(t, err, types.ErrObjectNotFound)

			archived, err := se.Archives(ctx)
			require.NoError(t, err)
			assert.Len(t, archived, 2)

			ent, err := se.Restore(ctx, recs[0].ArchiveID)
			require.NoError(t, err)
			assert.Empty(t, ent.Object.ParentID, "parent is gone so the child lands at the root")

			ent, err = se.Restore(ctx, recs[1].ArchiveID)
			require.NoError(t, err)
			assert.Equal(t, "root", ent.Record.Fields["title"])

			archived, err = se.Archives(ctx)
			require.NoError(t, err)
			assert.Empty(t, archived)

			_, err = se.Restore(ctx, recs[1].ArchiveID)
			assert.ErrorIs(t, err, types.ErrObjectNotFound)
		})
	}
}

func TestArchivesNeedSystem(t *testing.T) {
	s := openMemory(t, nil)
	_, err := s.Session(types.User("ann")).Archives(context.Background())
	assert.ErrorIs(t, err, types.ErrPermissionDenied)
}

func TestTree(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, nil)
	se := s.System()
	a := saveFolder(t, se, "a", "")
	b := saveFolder(t, se, "b", a.ObjectID)
	c := saveFolder(t, se, "c", b.ObjectID)
	d := saveFolder(t, se, "d", "")

	kids, err := se.Children(ctx, a.ObjectID)
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, b.ObjectID, kids[0].ObjectID)

	chain, err := se.Ancestors(ctx, c.ObjectID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, b.ObjectID, chain[0].ObjectID)

	err = se.Move(ctx, a.ObjectID, c.ObjectID)
	assert.ErrorIs(t, err, types.ErrCycleDetected)

	require.NoError(t, se.Move(ctx, b.ObjectID, d.ObjectID))
	desc, err := se.Descendants(ctx, d.ObjectID)
	require.NoError(t, err)
	assert.Len(t, desc, 2)

	tree, err := se.Subtree(ctx, d.ObjectID, -1)
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	require.Len(t, tree.Children[0].Children, 1)
	assert.Equal(t, c.ObjectID, tree.Children[0].Children[0].Object.ObjectID)

	moved, err := LoadValue[folder](ctx, se, b.ObjectID)
	require.NoError(t, err)
	moved.ParentID = ""
	require.NoError(t, SaveValue(ctx, se, moved), "a changed parent moves the object")
	kids, err = se.Children(ctx, d.ObjectID)
	require.NoError(t, err)
	assert.Empty(t, kids)
}

func TestSaveByBareIDKeepsHeader(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, nil)
	se := s.System()
	root := saveFolder(t, se, "root", "")
	f := &folder{Object: types.Object{ParentID: root.ObjectID, Name: "plans", Note: "q3"}, Title: "a"}
	require.NoError(t, SaveValue(ctx, se, f))

	bare := &folder{Object: types.Object{ObjectID: f.ObjectID}, Title: "b"}
	require.NoError(t, SaveValue(ctx, se, bare))
	assert.Equal(t, root.ObjectID, bare.ParentID)
	assert.Equal(t, "plans", bare.Name)
	assert.Equal(t, "q3", bare.Note)

	got, err := LoadValue[folder](ctx, se, f.ObjectID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Title)
	assert.Equal(t, root.ObjectID, got.ParentID)
	kids, err := se.Children(ctx, root.ObjectID)
	require.NoError(t, err)
	assert.Len(t, kids, 1)

	require.NoError(t, se.Move(ctx, f.ObjectID, ""))
	got, err = LoadValue[folder](ctx, se, f.ObjectID)
	require.NoError(t, err)
	assert.Empty(t, got.ParentID)
}

func TestSubtreePrunesUnreadable(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, nil)
	sys := s.System()
	root := saveFolder(t, sys, "root", "")
	open := saveFolder(t, sys, "open", root.ObjectID)
	hidden := saveFolder(t, sys, "hidden", root.ObjectID)

	for _, g := range []types.Grant{
		{SubjectKind: types.SubjectUser, SubjectID: "ann", TargetKind: types.TargetObject, TargetID: root.ObjectID, Actions: types.ActionRead},
		{SubjectKind: types.SubjectUser, SubjectID: "ann", TargetKind: types.TargetObject, TargetID: hidden.ObjectID, Actions: types.ActionNone},
	} {
		_, err := sys.Grant(ctx, g)
		require.NoError(t, err)
	}
	tree, err := s.Session(types.User("ann")).Subtree(ctx, root.ObjectID, -1)
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, open.ObjectID, tree.Children[0].Object.ObjectID)
}

func TestBulkInsert(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, nil)
	se := s.System()
	desc := describe.MustOf[order]()

	var ents []*types.Entity
	for _, item := range []string{"a", "b", "c"} {
		ent, _, err := describe.ToEntity(&order{Items: []string{item}})
		require.NoError(t, err)
		ents = append(ents, ent)
	}
	_, err := se.BulkInsert(ctx, desc, ents)
	assert.ErrorIs(t, err, types.ErrSchemeNotFound, "bulk insert never registers schemes")

	_, err = se.Register(ctx, desc)
	require.NoError(t, err)
	ids, err := se.BulkInsert(ctx, desc, ents)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, ids[0], ents[0].Object.ObjectID)

	n, err := QueryOf[order](se).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	wrong, _, err := describe.ToEntity(&folder{Title: "x"})
	require.NoError(t, err)
	_, err = se.BulkInsert(ctx, desc, []*types.Entity{wrong})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSaveAllDispatchesByTag(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, nil)
	se := s.System()

	tag, err := Bind[folder](ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "Folder", tag)
	_, err = Bind[order](ctx, s)
	require.NoError(t, err)

	f := &folder{Title: "inbox"}
	o := &order{Items: []string{"x"}}
	require.NoError(t, se.SaveAll(ctx, ItemOf(f), ItemOf(o)))
	assert.NotEmpty(t, f.ObjectID)
	assert.NotEmpty(t, o.ObjectID)

	err = se.SaveAll(ctx, Item{Tag: "Nope", Value: f})
	assert.ErrorIs(t, err, types.ErrValidation)
	err = se.SaveAll(ctx, Item{Tag: "Folder", Value: o})
	assert.ErrorIs(t, err, types.ErrValidation)

	recs, err := se.DeleteAll(ctx, DeleteOptions{}, ItemOf(f), ItemOf(o))
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestQueryThroughSession(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t, nil)
	se := s.System()
	for i, items := range [][]string{{"a"}, {"a", "b"}, {}} {
		o := &order{Items: items}
		if i > 0 {
			o.Total = num(float64(i * 10))
		}
		require.NoError(t, SaveValue(ctx, se, o))
	}
	got, err := QueryOf[order](se).Where(query.Exists("total")).OrderBy(query.Field("total"), query.Desc).List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 20, *got[0].Total, 1e-9)

	ids, err := se.Query(describe.MustOf[order]()).Where(query.ArrayContains("items", "a")).IDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	assert.Positive(t, counter(t, s.Metrics(), "attic_operation_duration_seconds", "op=query_list"))
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := types.Config{
		Backend: types.BackendSQLite, DataDir: dir,
		OptimisticConcurrency: true,
		Log:                   types.LogConfig{Level: "error"},
	}
	s, err := Open(ctx, cfg)
	require.NoError(t, err)
	se := s.System()

	o := &order{Items: []string{"a"}}
	require.NoError(t, SaveValue(ctx, se, o))
	o.Total = num(2)
	require.NoError(t, SaveValue(ctx, se, o))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s, err = Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	got, err := LoadValue[order](ctx, s.System(), o.ObjectID)
	require.NoError(t, err)
	require.NotNil(t, got.Total)
	assert.InDelta(t, 2, *got.Total, 1e-9)

	recs, err := s.System().Delete(ctx, o.ObjectID, DeleteOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	_, err = s.System().Restore(ctx, recs[0].ArchiveID)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "attic.db"))
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open(context.Background(), types.Config{Backend: "nope"})
	assert.ErrorIs(t, err, types.ErrBackendUnknown)
}
