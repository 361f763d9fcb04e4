// Package storetest holds the behaviour every store.Backend must share.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/attic/internal/codec"
	"github.com/mesh-intelligence/attic/internal/diff"
	"github.com/mesh-intelligence/attic/internal/schema"
	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/filter"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Factory opens a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) store.Backend

// Run executes the conformance suite against backends built by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, f *fixture)
	}{
		{"Schemes", testSchemes},
		{"SnapshotRoundTrip", testSnapshotRoundTrip},
		{"DuplicateInsert", testDuplicateInsert},
		{"ApplyMutations", testApplyMutations},
		{"ReplaceSnapshot", testReplaceSnapshot},
		{"Rollback", testRollback},
		{"Hierarchy", testHierarchy},
		{"DeleteObject", testDeleteObject},
		{"DeleteStructure", testDeleteStructure},
		{"Grants", testGrants},
		{"Archives", testArchives},
		{"Comparisons", testComparisons},
		{"NumericRange", testNumericRange},
		{"UnicodeFolding", testUnicodeFolding},
		{"ThreeValuedLogic", testThreeValuedLogic},
		{"Paths", testPaths},
		{"Arrays", testArrays},
		{"Ordering", testOrdering},
		{"Paging", testPaging},
		{"Scope", testScope},
		{"NoResultCap", testNoResultCap},
		{"Closed", testClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newFixture(t, open(t)))
		})
	}
}

var (
	addressType = types.NewType("Address").
			Field("city", types.KindText)
	personType = types.NewType("Person").
			Field("name", types.KindText).
			Field("home", types.KindNested, types.Of(addressType), types.Optional())
	taskType = types.NewType("Task").
			Field("title", types.KindText).
			Field("priority", types.KindInteger, types.Optional()).
			Field("score", types.KindFloat, types.Optional()).
			Field("done", types.KindBoolean).
			Field("due", types.KindTimestamp, types.Optional()).
			Field("tags", types.KindText, types.ArrayOf(), types.Optional()).
			Field("owner", types.KindReference, types.Of(personType), types.Optional())
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	ctx   context.Context
	b     store.Backend
	reg   *schema.Registry
	codec *codec.Codec
	task  *types.SchemeInfo
}

func newFixture(t *testing.T, b store.Backend) *fixture {
	t.Helper()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()
	reg := schema.New(b, schema.WithClock(func() time.Time { return epoch }))
	task, err := reg.EnsureScheme(ctx, taskType)
	require.NoError(t, err)
	return &fixture{ctx: ctx, b: b, reg: reg, codec: codec.New(reg), task: task}
}

// task builds a Task record. Zero-valued optional arguments stay absent.
type task struct {
	title    string
	priority *int64
	score    *float64
	done     bool
	due      *time.Time
	tags     []string
	owner    string
}

func i64(n int64) *int64     { return &n }
func f64(f float64) *float64 { return &f }
func limit(n int) *int       { return &n }

func at(days int) *time.Time {
	t := epoch.AddDate(0, 0, days)
	return &t
}

func textList(s ...string) []any {
	out := make([]any, len(s))
	for i := range s {
		out[i] = s[i]
	}
	return out
}

func (tk task) record() *types.Record {
	rec := types.NewRecord("Task").Set("title", tk.title).Set("done", tk.done)
	if tk.priority != nil {
		rec.Set("priority", *tk.priority)
	}
	if tk.score != nil {
		rec.Set("score", *tk.score)
	}
	if tk.due != nil {
		rec.Set("due", *tk.due)
	}
	if tk.tags != nil {
		rec.Set("tags", textList(tk.tags...))
	}
	if tk.owner != "" {
		rec.Set("owner", types.Ref(tk.owner))
	}
	return rec
}

func (f *fixture) snapshot(t *testing.T, id, parent string, rec *types.Record) *types.Snapshot {
	t.Helper()
	ent := &types.Entity{
		Object: types.Object{ObjectID: id, ParentID: parent, OwnerID: "u1", CreatedAt: epoch, UpdatedAt: epoch},
		Record: rec,
	}
	snap, err := f.codec.Serialize(f.ctx, ent)
	require.NoError(t, err)
	return snap
}

func (f *fixture) insert(t *testing.T, id, parent string, rec *types.Record) *types.Snapshot {
	t.Helper()
	snap := f.snapshot(t, id, parent, rec)
	require.NoError(t, store.WithTx(f.ctx, f.b, func(tx store.Tx) error {
		return tx.InsertSnapshot(f.ctx, snap)
	}))
	return snap
}

func (f *fixture) person(t *testing.T, id, name, city string) {
	t.Helper()
	rec := types.NewRecord("Person").Set("name", name)
	if city != "" {
		rec.Set("home", types.NewRecord("Address").Set("city", city))
	}
	f.insert(t, id, "", rec)
}

// field resolves a dotted path from the Task scheme into a filter field.
func (f *fixture) field(t *testing.T, path string) *filter.Field {
	t.Helper()
	info := f.task
	out := &filter.Field{}
	for _, name := range strings.Split(path, ".") {
		require.NotNil(t, info, "path %s continues past a scalar", path)
		s, ok := info.Field(name)
		require.True(t, ok, "no field %s", name)
		out.Path = append(out.Path, filter.Hop{StructureID: s.StructureID, Name: s.Name, Kind: s.Kind, Array: s.Array})
		info = nil
		if s.Kind.Linked() {
			next, err := f.reg.ByID(f.ctx, s.TargetSchemeID)
			require.NoError(t, err)
			info = next
		}
	}
	return out
}

func (f *fixture) cmp(t *testing.T, op filter.Op, path string, kind types.ValueKind, v any) *filter.Node {
	return &filter.Node{Op: op, Field: f.field(t, path), Value: &filter.Literal{Kind: kind, Value: v}, Coerce: kind.Coercion()}
}

func (f *fixture) doc(where *filter.Node) *filter.Document {
	return &filter.Document{SchemeID: f.task.Scheme.SchemeID, Where: where}
}

func (f *fixture) selectIDs(t *testing.T, doc *filter.Document) []string {
	t.Helper()
	ids, err := f.b.Select(f.ctx, doc)
	require.NoError(t, err)
	return ids
}

func not(n *filter.Node) *filter.Node { return &filter.Node{Op: filter.OpNot, Children: []*filter.Node{n}} }

func or(ns ...*filter.Node) *filter.Node { return &filter.Node{Op: filter.OpOr, Children: ns} }

// seed inserts a small Task population used by the filter tests.
//
//	t1 alpha   p=1 score 2.5 done  due+1 tags [red blue] owner ann (Paris)
//	t2 beta    p=3 score 1.0       due+3 tags []         owner bob (no home)
//	t3 gamma   absent priority     tags absent
//	t4 Alphabet p=2 done           due+2 tags [blue]     owner missing object
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	f.person(t, "p-ann", "ann", "Paris")
	f.person(t, "p-bob", "bob", "")
	f.insert(t, "t1", "", task{title: "alpha", priority: i64(1), score: f64(2.5), done: true, due: at(1), tags: []string{"red", "blue"}, owner: "p-ann"}.record())
	f.insert(t, "t2", "", task{title: "beta", priority: i64(3), score: f64(1), due: at(3), tags: []string{}, owner: "p-bob"}.record())
	f.insert(t, "t3", "", task{title: "gamma"}.record())
	f.insert(t, "t4", "", task{title: "Alphabet", priority: i64(2), done: true, due: at(2), tags: []string{"blue"}, owner: "p-gone"}.record())
}

func testSchemes(t *testing.T, f *fixture) {
	info, err := f.b.SchemeByName(f.ctx, "Task")
	require.NoError(t, err)
	assert.Equal(t, f.task.Scheme.SchemeID, info.Scheme.SchemeID)
	require.Len(t, info.Structures, 7)
	for i, s := range info.Structures {
		assert.Equal(t, i, s.Ordinal)
	}

	byID, err := f.b.SchemeByID(f.ctx, info.Scheme.SchemeID)
	require.NoError(t, err)
	assert.Equal(t, info, byID)

	all, err := f.b.Schemes(f.ctx)
	require.NoError(t, err)
	names := make([]string, len(all))
	for i, s := range all {
		names[i] = s.Scheme.Name
	}
	assert.Equal(t, []string{"Address", "Person", "Task"}, names)

	_, err = f.b.SchemeByName(f.ctx, "Nope")
	assert.ErrorIs(t, err, types.ErrSchemeNotFound)
	_, err = f.b.SchemeByID(f.ctx, "nope")
	assert.ErrorIs(t, err, types.ErrSchemeNotFound)
}

func testSnapshotRoundTrip(t *testing.T, f *fixture) {
	f.person(t, "p-ann", "ann", "Paris")
	want := f.insert(t, "t1", "", task{title: "alpha", priority: i64(7), score: f64(0.5), due: at(4), tags: []string{"a", "b"}, owner: "p-ann"}.record())

	got, err := f.b.Snapshot(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	obj, err := f.b.Object(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, want.Object, obj)

	person, err := f.b.Snapshot(f.ctx, "p-ann")
	require.NoError(t, err)
	require.Len(t, person.Nested, 1)
	_, err = f.b.Object(f.ctx, person.Nested[0].Object.ObjectID)
	assert.ErrorIs(t, err, types.ErrObjectNotFound, "nested rows are not top-level objects")

	_, err = f.b.Snapshot(f.ctx, "missing")
	assert.ErrorIs(t, err, types.ErrObjectNotFound)
}

func testDuplicateInsert(t *testing.T, f *fixture) {
	f.insert(t, "t1", "", task{title: "a"}.record())
	snap := f.snapshot(t, "t1", "", task{title: "b"}.record())
	err := store.WithTx(f.ctx, f.b, func(tx store.Tx) error { return tx.InsertSnapshot(f.ctx, snap) })
	assert.ErrorIs(t, err, store.ErrDuplicate)

	orphan := f.snapshot(t, "t2", "no-such-parent", task{title: "c"}.record())
	err = store.WithTx(f.ctx, f.b, func(tx store.Tx) error { return tx.InsertSnapshot(f.ctx, orphan) })
	assert.ErrorIs(t, err, types.ErrObjectNotFound)
}

func testApplyMutations(t *testing.T, f *fixture) {
	old := f.insert(t, "t1", "", task{title: "a", priority: i64(1), tags: []string{"x", "y"}}.record())
	next := f.snapshot(t, "t1", "", task{title: "b", tags: []string{"x"}}.record())
	next.Object.UpdatedAt = epoch.Add(time.Hour)
	ms, err := diff.Diff(old, next)
	require.NoError(t, err)

	tests := []struct {
		name   string
		id     string
		expect string
		err    error
	}{
		{"stale hash", "t1", "stale", types.ErrConcurrencyConflict},
		{"missing object", "t9", "", types.ErrObjectNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := next.Object
			header.ObjectID = tt.id
			err := store.WithTx(f.ctx, f.b, func(tx store.Tx) error {
				return tx.ApplyMutations(f.ctx, header, tt.expect, ms)
			})
			assert.ErrorIs(t, err, tt.err)
		})
	}

	require.NoError(t, store.WithTx(f.ctx, f.b, func(tx store.Tx) error {
		return tx.ApplyMutations(f.ctx, next.Object, old.Object.Hash, ms)
	}))
	got, err := f.b.Snapshot(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, next.Values, got.Values)
	assert.Equal(t, next.Object.Hash, got.Object.Hash)
	assert.True(t, got.Object.UpdatedAt.Equal(next.Object.UpdatedAt))
}

func testReplaceSnapshot(t *testing.T, f *fixture) {
	f.insert(t, "t1", "", task{title: "a", tags: []string{"x"}}.record())
	next := f.snapshot(t, "t1", "", task{title: "b", score: f64(3)}.record())
	require.NoError(t, store.WithTx(f.ctx, f.b, func(tx store.Tx) error {
		return tx.ReplaceSnapshot(f.ctx, next, "")
	}))
	got, err := f.b.Snapshot(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, next.Values, got.Values)
}

func testRollback(t *testing.T, f *fixture) {
	f.insert(t, "t1", "", task{title: "a"}.record())
	boom := errors.New("boom")
	next := f.snapshot(t, "t2", "", task{title: "b"}.record())
	err := store.WithTx(f.ctx, f.b, func(tx store.Tx) error {
		if err := tx.InsertSnapshot(f.ctx, next); err != nil {
			return err
		}
		if err := tx.DeleteObject(f.ctx, "t1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = f.b.Object(f.ctx, "t1")
	assert.NoError(t, err)
	_, err = f.b.Object(f.ctx, "t2")
	assert.ErrorIs(t, err, types.ErrObjectNotFound)
}

func testHierarchy(t *testing.T, f *fixture) {
	f.insert(t, "root", "", task{title: "root"}.record())
	f.insert(t, "c2", "root", task{title: "c2"}.record())
	f.insert(t, "c1", "root", task{title: "c1"}.record())
	f.insert(t, "g1", "c1", task{title: "g1"}.record())

	kids, err := f.b.Children(f.ctx, "root")
	require.NoError(t, err)
	require.Len(t, kids, 2)
	assert.Equal(t, "c1", kids[0].ObjectID)
	assert.Equal(t, "c2", kids[1].ObjectID)

	require.NoError(t, store.WithTx(f.ctx, f.b, func(tx store.Tx) error {
		return tx.SetParent(f.ctx, "g1", "c2")
	}))
	kids, err = f.b.Children(f.ctx, "c2")
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, "g1", kids[0].ObjectID)

	kids, err = f.b.Children(f.ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, kids)

	err = store.WithTx(f.ctx, f.b, func(tx store.Tx) error { return tx.SetParent(f.ctx, "g1", "nowhere") })
	assert.ErrorIs(t, err, types.ErrObjectNotFound)
}

func testDeleteObject(t *testing.T, f *fixture) {
	f.person(t, "p-ann", "ann", "Paris")
	require.NoError(t, store.WithTx(f.ctx, f.b, func(tx store.Tx) error {
		return tx.DeleteObject(f.ctx, "p-ann")
	}))
	_, err := f.b.Snapshot(f.ctx, "p-ann")
	assert.ErrorIs(t, err, types.ErrObjectNotFound)

	// The id can be reused once every nested row is gone.
	f.person(t, "p-ann", "ann", "Paris")

	err = store.WithTx(f.ctx, f.b, func(tx store.Tx) error { return tx.DeleteObject(f.ctx, "missing") })
	assert.ErrorIs(t, err, types.ErrObjectNotFound)
}

func testDeleteStructure(t *testing.T, f *fixture) {
	f.insert(t, "t1", "", task{title: "a", tags: []string{"x", "y"}}.record())
	tags, ok := f.task.Field("tags")
	require.True(t, ok)
	require.NoError(t, store.WithTx(f.ctx, f.b, func(tx store.Tx) error {
		return tx.DeleteStructure(f.ctx, tags.StructureID)
	}))
	snap, err := f.b.Snapshot(f.ctx, "t1")
	require.NoError(t, err)
	for _, v := range snap.Values {
		assert.NotEqual(t, tags.StructureID, v.StructureID)
	}
}

func testGrants(t *testing.T, f *fixture) {
	grants := []types.Grant{
		{GrantID: "g1", SubjectKind: types.SubjectUser, SubjectID: "u1", TargetKind: types.TargetObject, TargetID: "t1", Actions: types.ActionRead, CreatedAt: epoch},
		{GrantID: "g2", SubjectKind: types.SubjectRole, SubjectID: "editors", TargetKind: types.TargetScheme, TargetID: "s1", Actions: types.ActionRead | types.ActionUpdate, CreatedAt: epoch},
		{GrantID: "g3", SubjectKind: types.SubjectEveryone, TargetKind: types.TargetGlobal, Actions: types.ActionRead, CreatedAt: epoch},
	}
	require.NoError(t, store.WithTx(f.ctx, f.b, func(tx store.Tx) error {
		for _, g := range grants {
			if err := tx.PutGrant(f.ctx, g); err != nil {
				return err
			}
		}
		return nil
	}))

	got, err := f.b.Grants(f.ctx, types.TargetObject, "t1")
	require.NoError(t, err)
	assert.Equal(t, grants[:1], got)

	got, err = f.b.Grants(f.ctx, types.TargetGlobal, "ignored")
	require.NoError(t, err)
	assert.Equal(t, grants[2:], got)

	updated := grants[0]
	updated.Actions = 0
	require.NoError(t, store.WithTx(f.ctx, f.b, func(tx store.Tx) error { return tx.PutGrant(f.ctx, updated) }))
	all, err := f.b.AllGrants(f.ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, types.Actions(0), all[0].Actions)

	require.NoError(t, store.WithTx(f.ctx, f.b, func(tx store.Tx) error { return tx.DeleteGrant(f.ctx, "g1") }))
	err = store.WithTx(f.ctx, f.b, func(tx store.Tx) error { return tx.DeleteGrant(f.ctx, "g1") })
	assert.ErrorIs(t, err, types.ErrObjectNotFound)
}

func testArchives(t *testing.T, f *fixture) {
	snap := f.snapshot(t, "t1", "", task{title: "a", priority: i64(4), due: at(1), tags: []string{"x"}}.record())
	recs := []types.ArchiveRecord{
		{ArchiveID: "a2", Snapshot: *snap, DeletedAt: epoch.Add(2 * time.Hour), DeletedBy: "u1"},
		{ArchiveID: "a1", Snapshot: *snap, DeletedAt: epoch.Add(time.Hour), DeletedBy: "u2"},
	}
	require.NoError(t, store.WithTx(f.ctx, f.b, func(tx store.Tx) error {
		for _, r := range recs {
			if err := tx.PutArchive(f.ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))

	got, err := f.b.Archive(f.ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, recs[0].Snapshot.Values, got.Snapshot.Values)
	assert.Equal(t, "u1", got.DeletedBy)

	list, err := f.b.Archives(f.ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a1", list[0].ArchiveID)

	err = store.WithTx(f.ctx, f.b, func(tx store.Tx) error { return tx.PutArchive(f.ctx, recs[0]) })
	assert.ErrorIs(t, err, store.ErrDuplicate)

	require.NoError(t, store.WithTx(f.ctx, f.b, func(tx store.Tx) error { return tx.DeleteArchive(f.ctx, "a1") }))
	_, err = f.b.Archive(f.ctx, "a1")
	assert.ErrorIs(t, err, types.ErrObjectNotFound)
}

func testComparisons(t *testing.T, f *fixture) {
	f.seed(t)
	tests := []struct {
		name  string
		where func() *filter.Node
		want  []string
	}{
		{"eq text", func() *filter.Node { return f.cmp(t, filter.OpEq, "title", types.KindText, "beta") }, []string{"t2"}},
		{"gt integer", func() *filter.Node { return f.cmp(t, filter.OpGt, "priority", types.KindInteger, int64(1)) }, []string{"t2", "t4"}},
		{"lte float against integer literal", func() *filter.Node { return f.cmp(t, filter.OpLte, "score", types.KindInteger, int64(1)) }, []string{"t2"}},
		{"eq boolean", func() *filter.Node { return f.cmp(t, filter.OpEq, "done", types.KindBoolean, true) }, []string{"t1", "t4"}},
		{"lt timestamp", func() *filter.Node { return f.cmp(t, filter.OpLt, "due", types.KindTimestamp, *at(3)) }, []string{"t1", "t4"}},
		{"contains", func() *filter.Node { return f.cmp(t, filter.OpContains, "title", types.KindText, "lph") }, []string{"t1", "t4"}},
		{"contains is case sensitive", func() *filter.Node { return f.cmp(t, filter.OpContains, "title", types.KindText, "Alp") }, []string{"t4"}},
		{"contains case insensitive", func() *filter.Node { return f.cmp(t, filter.OpContainsCI, "title", types.KindText, "ALPHA") }, []string{"t1", "t4"}},
		{"in", func() *filter.Node {
			n := f.cmp(t, filter.OpIn, "priority", types.KindInteger, nil)
			n.Value.List = []any{int64(1), int64(3)}
			return n
		}, []string{"t1", "t2"}},
		{"exists", func() *filter.Node {
			return &filter.Node{Op: filter.OpExists, Field: f.field(t, "priority")}
		}, []string{"t1", "t2", "t4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.selectIDs(t, f.doc(tt.where())))
		})
	}
}

// testNumericRange pins comparisons as exact for integers within the
// float64 range; larger magnitudes keep their exact value on reload.
func testNumericRange(t *testing.T, f *fixture) {
	const edge = int64(1) << 53
	f.insert(t, "n1", "", task{title: "edge", priority: i64(edge - 1)}.record())
	f.insert(t, "n2", "", task{title: "below", priority: i64(edge - 2)}.record())
	big := f.insert(t, "n3", "", task{title: "big", priority: i64(edge + 1)}.record())

	gt := f.cmp(t, filter.OpGt, "priority", types.KindInteger, edge-2)
	gt = &filter.Node{Op: filter.OpAnd, Children: []*filter.Node{gt, f.cmp(t, filter.OpLt, "priority", types.KindInteger, edge)}}
	assert.Equal(t, []string{"n1"}, f.selectIDs(t, f.doc(gt)))
	assert.Equal(t, []string{"n2"}, f.selectIDs(t, f.doc(f.cmp(t, filter.OpEq, "priority", types.KindInteger, edge-2))))

	got, err := f.b.Snapshot(f.ctx, "n3")
	require.NoError(t, err)
	assert.Equal(t, big.Values, got.Values)
}

func testUnicodeFolding(t *testing.T, f *fixture) {
	f.insert(t, "u1", "", task{title: "Élan vital"}.record())
	f.insert(t, "u2", "", task{title: "über"}.record())
	f.insert(t, "u3", "", task{title: "plain"}.record())
	tests := []struct {
		needle string
		want   []string
	}{
		{"ÉLAN", []string{"u1"}},
		{"ÜBER", []string{"u2"}},
		{"élan", []string{"u1"}},
		{"PLAIN", []string{"u3"}},
	}
	for _, tt := range tests {
		t.Run(tt.needle, func(t *testing.T) {
			n := f.cmp(t, filter.OpContainsCI, "title", types.KindText, tt.needle)
			assert.Equal(t, tt.want, f.selectIDs(t, f.doc(n)))
		})
	}
}

func testThreeValuedLogic(t *testing.T, f *fixture) {
	f.seed(t)
	pEq1 := func() *filter.Node { return f.cmp(t, filter.OpEq, "priority", types.KindInteger, int64(1)) }
	tests := []struct {
		name  string
		where *filter.Node
		want  []string
	}{
		{"unknown never matches", pEq1(), []string{"t1"}},
		{"not unknown stays unknown", not(pEq1()), []string{"t2", "t4"}},
		{"unknown or true", or(pEq1(), f.cmp(t, filter.OpEq, "title", types.KindText, "gamma")), []string{"t1", "t3"}},
		{"not exists is known", not(&filter.Node{Op: filter.OpExists, Field: f.field(t, "priority")}), []string{"t3"}},
		{"ne skips absent", f.cmp(t, filter.OpNe, "priority", types.KindInteger, int64(2)), []string{"t1", "t2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.selectIDs(t, f.doc(tt.where)))
		})
	}
}

func testPaths(t *testing.T, f *fixture) {
	f.seed(t)
	tests := []struct {
		name  string
		where *filter.Node
		want  []string
	}{
		{"reference", f.cmp(t, filter.OpEq, "owner.name", types.KindText, "bob"), []string{"t2"}},
		{"reference then nested", f.cmp(t, filter.OpEq, "owner.home.city", types.KindText, "Paris"), []string{"t1"}},
		{"absent link is unknown", not(f.cmp(t, filter.OpEq, "owner.home.city", types.KindText, "Paris")), []string{}},
		{"exists through link", &filter.Node{Op: filter.OpExists, Field: f.field(t, "owner.name")}, []string{"t1", "t2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.selectIDs(t, f.doc(tt.where)))
		})
	}
}

func testArrays(t *testing.T, f *fixture) {
	f.seed(t)
	tags := func() *filter.Field { return f.field(t, "tags") }
	contains := func(v string) *filter.Node {
		return &filter.Node{Op: filter.OpArrayContains, Field: tags(), Value: &filter.Literal{Kind: types.KindText, Value: v}, Coerce: types.CoerceText}
	}
	count := func(cmp filter.Op, n int64) *filter.Node {
		return &filter.Node{Op: filter.OpArrayCount, Field: tags(), Cmp: cmp, Value: &filter.Literal{Kind: types.KindInteger, Value: n}, Coerce: types.CoerceNumeric}
	}
	atIndex := func(i int, v string) *filter.Node {
		return &filter.Node{Op: filter.OpArrayAt, Field: tags(), Index: i, Cmp: filter.OpEq, Value: &filter.Literal{Kind: types.KindText, Value: v}, Coerce: types.CoerceText}
	}
	tests := []struct {
		name  string
		where *filter.Node
		want  []string
	}{
		{"contains", contains("blue"), []string{"t1", "t4"}},
		{"not contains skips absent array", not(contains("red")), []string{"t2", "t4"}},
		{"count eq zero", count(filter.OpEq, 0), []string{"t2"}},
		{"count gte", count(filter.OpGte, 1), []string{"t1", "t4"}},
		{"at", atIndex(1, "blue"), []string{"t1"}},
		{"at first", atIndex(0, "blue"), []string{"t4"}},
		{"at out of range is unknown", not(atIndex(5, "x")), []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.selectIDs(t, f.doc(tt.where)))
		})
	}
}

func testOrdering(t *testing.T, f *fixture) {
	f.seed(t)
	byField := func(path string, class types.Coercion, desc bool) filter.OrderKey {
		return filter.OrderKey{Expr: filter.Expr{Field: f.field(t, path), Coerce: class}, Desc: desc}
	}
	tests := []struct {
		name  string
		order []filter.OrderKey
		want  []string
	}{
		{"no keys sorts by id", nil, []string{"t1", "t2", "t3", "t4"}},
		{"asc puts absent first", []filter.OrderKey{byField("priority", types.CoerceNumeric, false)}, []string{"t3", "t1", "t4", "t2"}},
		{"desc puts absent last", []filter.OrderKey{byField("priority", types.CoerceNumeric, true)}, []string{"t2", "t4", "t1", "t3"}},
		{"ties break on id", []filter.OrderKey{byField("done", types.CoerceBoolean, true)}, []string{"t1", "t4", "t2", "t3"}},
		{"second key", []filter.OrderKey{
			byField("done", types.CoerceBoolean, false),
			byField("title", types.CoerceText, true),
		}, []string{"t3", "t2", "t1", "t4"}},
		{"conditional", []filter.OrderKey{{Expr: filter.Expr{
			When:   f.cmp(t, filter.OpEq, "title", types.KindText, "gamma"),
			Then:   &filter.Expr{Literal: &filter.Literal{Kind: types.KindInteger, Value: int64(0)}, Coerce: types.CoerceNumeric},
			Else:   &filter.Expr{Literal: &filter.Literal{Kind: types.KindInteger, Value: int64(1)}, Coerce: types.CoerceNumeric},
			Coerce: types.CoerceNumeric,
		}}}, []string{"t3", "t1", "t2", "t4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := f.doc(nil)
			doc.Order = tt.order
			assert.Equal(t, tt.want, f.selectIDs(t, doc))
		})
	}
}

func testPaging(t *testing.T, f *fixture) {
	f.seed(t)
	tests := []struct {
		name   string
		offset int
		limit  *int
		want   []string
	}{
		{"limit", 0, limit(2), []string{"t1", "t2"}},
		{"offset", 1, nil, []string{"t2", "t3", "t4"}},
		{"both", 1, limit(2), []string{"t2", "t3"}},
		{"offset past end", 10, nil, []string{}},
		{"zero limit", 0, limit(0), []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := f.doc(nil)
			doc.Offset, doc.Limit = tt.offset, tt.limit
			assert.Equal(t, tt.want, f.selectIDs(t, doc))
			n, err := f.b.Count(f.ctx, doc)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), n)
		})
	}

	_, err := f.b.Select(f.ctx, &filter.Document{SchemeID: f.task.Scheme.SchemeID, Offset: -1})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func testScope(t *testing.T, f *fixture) {
	f.insert(t, "r", "", task{title: "root"}.record())
	f.insert(t, "a", "r", task{title: "a"}.record())
	f.insert(t, "b", "a", task{title: "b"}.record())
	f.insert(t, "c", "b", task{title: "c", done: true}.record())
	f.insert(t, "x", "", task{title: "other"}.record())
	f.person(t, "p", "ann", "")

	tests := []struct {
		name  string
		scope filter.Scope
		where *filter.Node
		want  []string
	}{
		{"descendants", filter.Scope{Roots: []string{"r"}}, nil, []string{"a", "b", "c"}},
		{"include roots", filter.Scope{Roots: []string{"a"}, IncludeRoots: true}, nil, []string{"a", "b", "c"}},
		{"several roots", filter.Scope{Roots: []string{"b", "x"}}, nil, []string{"c"}},
		{"filtered", filter.Scope{Roots: []string{"r"}}, f.cmp(t, filter.OpEq, "done", types.KindBoolean, true), []string{"c"}},
		{"leaf root", filter.Scope{Roots: []string{"c"}}, nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := f.doc(tt.where)
			scope := tt.scope
			doc.Scope = &scope
			assert.Equal(t, tt.want, f.selectIDs(t, doc))
		})
	}
}

func testNoResultCap(t *testing.T, f *fixture) {
	if testing.Short() {
		t.Skip("inserts more than ten thousand objects")
	}
	const n = 10050
	snaps := make([]*types.Snapshot, n)
	for i := range snaps {
		snaps[i] = f.snapshot(t, fmt.Sprintf("bulk-%05d", i), "", task{title: "bulk", priority: i64(int64(i))}.record())
	}
	require.NoError(t, store.WithTx(f.ctx, f.b, func(tx store.Tx) error {
		for _, snap := range snaps {
			if err := tx.InsertSnapshot(f.ctx, snap); err != nil {
				return err
			}
		}
		return nil
	}))
	ids := f.selectIDs(t, f.doc(nil))
	assert.Len(t, ids, n)
	count, err := f.b.Count(f.ctx, f.doc(nil))
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

func testClosed(t *testing.T, f *fixture) {
	require.NoError(t, f.b.Close())
	_, err := f.b.SchemeByName(f.ctx, "Task")
	assert.ErrorIs(t, err, types.ErrStoreClosed)
	_, err = f.b.Object(f.ctx, "t1")
	assert.ErrorIs(t, err, types.ErrStoreClosed)
}
