package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/attic/internal/memory"
	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/types"
)

func record(id, objectID string, at time.Time) types.ArchiveRecord {
	return types.ArchiveRecord{
		ArchiveID: id,
		Snapshot: types.Snapshot{
			Object: types.Object{ObjectID: objectID, SchemeID: "S", Name: objectID},
			Values: []types.Value{{ValueID: "v-" + objectID, ObjectID: objectID, StructureID: "st", Index: -1, Kind: types.KindText, Scalar: "hello"}},
		},
		DeletedAt: at,
		DeletedBy: "ann",
	}
}

func sinks(t *testing.T) map[string]Sink {
	t.Helper()
	b := memory.New()
	t.Cleanup(func() { _ = b.Close() })
	j, err := NewJSONL(filepath.Join(t.TempDir(), "nested", "archive.jsonl"))
	require.NoError(t, err)
	s, _ := newMockS3(t, "archives/")
	return map[string]Sink{
		types.ArchiveTable: NewTable(b),
		types.ArchiveJSONL: j,
		types.ArchiveS3:    s,
	}
}

func TestSinkContract(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, sink := range sinks(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assert.Equal(t, name, sink.Driver())

			list, err := sink.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, list)

			require.NoError(t, sink.Put(ctx, record("b", "o2", t0)))
			require.NoError(t, sink.Put(ctx, record("a", "o1", t0.Add(time.Hour))))
			require.NoError(t, sink.Put(ctx, record("c", "o3", t0)))

			err = sink.Put(ctx, record("a", "o9", t0))
			assert.ErrorIs(t, err, types.ErrValidation, "archive ids are create-only")

			got, err := sink.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "o1", got.Snapshot.Object.ObjectID)
			assert.True(t, got.DeletedAt.Equal(t0.Add(time.Hour)))
			require.Len(t, got.Snapshot.Values, 1)
			assert.Equal(t, "hello", got.Snapshot.Values[0].Scalar)

			list, err = sink.List(ctx)
			require.NoError(t, err)
			var ids []string
			for _, r := range list {
				ids = append(ids, r.ArchiveID)
			}
			assert.Equal(t, []string{"b", "c", "a"}, ids, "deletion time, then id")

			require.NoError(t, sink.Remove(ctx, "b"))
			_, err = sink.Get(ctx, "b")
			assert.ErrorIs(t, err, types.ErrObjectNotFound)
			assert.ErrorIs(t, sink.Remove(ctx, "b"), types.ErrObjectNotFound)

			list, err = sink.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 2)
		})
	}
}

func TestPutRejectsIncompleteRecords(t *testing.T) {
	for name, sink := range sinks(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assert.ErrorIs(t, sink.Put(ctx, types.ArchiveRecord{}), types.ErrValidation)
			assert.ErrorIs(t, sink.Put(ctx, types.ArchiveRecord{ArchiveID: "x"}), types.ErrValidation)
		})
	}
}

func TestTableWritesInsideTransaction(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	defer b.Close()
	sink := NewTable(b)

	tx, err := b.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, sink.PutTx(ctx, tx, record("a", "o1", time.Now().UTC())))
	require.NoError(t, tx.Rollback())

	_, err = sink.Get(ctx, "a")
	assert.ErrorIs(t, err, types.ErrObjectNotFound, "rolled back with the transaction")

	require.NoError(t, store.WithTx(ctx, b, func(tx store.Tx) error {
		return sink.PutTx(ctx, tx, record("a", "o1", time.Now().UTC()))
	}))
	_, err = sink.Get(ctx, "a")
	assert.NoError(t, err)
}

func TestJSONLSkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewJSONL(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, JSONLFileName), sink.Path())

	require.NoError(t, sink.Put(ctx, record("a", "o1", time.Now().UTC())))
	f, err := os.OpenFile(sink.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n{\"unrelated\":true}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	list, err := sink.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ArchiveID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestS3Keys(t *testing.T) {
	ctx := context.Background()
	s, m := newMockS3(t, "/deleted/")
	require.NoError(t, s.Put(ctx, record("a", "o1", time.Now().UTC())))
	_, ok := m.state["deleted/a.json"]
	assert.True(t, ok)

	// Objects outside the archive layout are ignored by List.
	m.state["deleted/readme.txt"] = []byte("x")
	m.state["deleted/sub/b.json"] = []byte("{}")
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	defer b.Close()
	dir := t.TempDir()

	s, err := Open(ctx, types.ArchiveConfig{}, b, dir)
	require.NoError(t, err)
	assert.Equal(t, types.ArchiveTable, s.Driver())

	s, err = Open(ctx, types.ArchiveConfig{Driver: types.ArchiveJSONL}, b, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, JSONLFileName), s.(*JSONL).Path())

	_, err = Open(ctx, types.ArchiveConfig{Driver: types.ArchiveS3}, b, dir)
	assert.ErrorIs(t, err, types.ErrArchiveBucketEmpty)

	_, err = Open(ctx, types.ArchiveConfig{Driver: "tape"}, b, dir)
	assert.ErrorIs(t, err, types.ErrArchiveDriverUnknown)
}
