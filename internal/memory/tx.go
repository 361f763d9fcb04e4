package memory

import (
	"context"
	"sync"

	"github.com/mesh-intelligence/attic/internal/diff"
	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Tx applies writes directly and keeps an undo log for Rollback.
type Tx struct {
	b    *Backend
	once sync.Once
	undo []func()
	done bool
}

var _ store.Tx = (*Tx)(nil)

// Begin implements store.Backend. It holds the write lock until the
// transaction ends.
func (b *Backend) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, types.ErrStoreClosed
	}
	return &Tx{b: b}, nil
}

// Commit implements store.Tx.
func (t *Tx) Commit() error {
	if t.done {
		return types.Invalid("commit", "transaction already finished")
	}
	t.finish()
	return nil
}

// Rollback implements store.Tx. Rolling back a finished transaction is a
// no-op.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.finish()
	return nil
}

func (t *Tx) finish() {
	t.once.Do(func() {
		t.done = true
		t.undo = nil
		t.b.mu.Unlock()
	})
}

func (t *Tx) check(ctx context.Context) error {
	if t.done {
		return types.Invalid("tx", "transaction already finished")
	}
	return ctx.Err()
}

// logged mutators record their inverse.

func (t *Tx) setObject(o types.Object) {
	old, existed := t.b.objects[o.ObjectID]
	t.b.putObject(o)
	t.undo = append(t.undo, func() {
		if existed {
			t.b.putObject(old)
		} else {
			t.b.dropObject(o.ObjectID)
		}
	})
}

func (t *Tx) removeObject(id string) {
	old, existed := t.b.objects[id]
	if !existed {
		return
	}
	t.b.dropObject(id)
	t.undo = append(t.undo, func() { t.b.putObject(old) })
}

func (t *Tx) setValue(v types.Value) {
	old, existed := t.b.values[v.ObjectID][v.ValueID]
	t.b.putValue(v)
	t.undo = append(t.undo, func() {
		if existed {
			t.b.putValue(old)
		} else {
			t.b.dropValue(v.ObjectID, v.ValueID)
		}
	})
}

func (t *Tx) removeValue(objectID, valueID string) {
	old, existed := t.b.values[objectID][valueID]
	if !existed {
		return
	}
	t.b.dropValue(objectID, valueID)
	t.undo = append(t.undo, func() { t.b.putValue(old) })
}

func (t *Tx) removeRows(objectID string) {
	for id := range t.b.values[objectID] {
		t.removeValue(objectID, id)
	}
}

func (t *Tx) removeNested(rootID string) {
	for nid := range t.b.embedded[rootID] {
		t.removeRows(nid)
		t.removeObject(nid)
	}
}

func (t *Tx) writeRows(er types.EmbeddedRows) {
	t.setObject(er.Object)
	for _, v := range er.Values {
		t.setValue(v)
	}
}

// Object implements store.Tx.
func (t *Tx) Object(ctx context.Context, id string) (types.Object, error) {
	if err := t.check(ctx); err != nil {
		return types.Object{}, err
	}
	return t.b.object(id)
}

// InsertScheme implements store.Tx.
func (t *Tx) InsertScheme(ctx context.Context, s types.Scheme) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	for _, existing := range t.b.schemes {
		if existing.Name == s.Name || existing.SchemeID == s.SchemeID {
			return store.ErrDuplicate
		}
	}
	t.b.schemes[s.SchemeID] = s
	t.undo = append(t.undo, func() { delete(t.b.schemes, s.SchemeID) })
	return nil
}

// UpdateScheme implements store.Tx.
func (t *Tx) UpdateScheme(ctx context.Context, s types.Scheme) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	old, ok := t.b.schemes[s.SchemeID]
	if !ok {
		return types.E(types.KindSchemeNotFound, "update scheme", "").WithScheme(s.SchemeID)
	}
	t.b.schemes[s.SchemeID] = s
	t.undo = append(t.undo, func() { t.b.schemes[s.SchemeID] = old })
	return nil
}

// InsertStructure implements store.Tx.
func (t *Tx) InsertStructure(ctx context.Context, s types.Structure) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	for _, existing := range t.b.structures {
		if existing.StructureID == s.StructureID || (existing.SchemeID == s.SchemeID && existing.Name == s.Name) {
			return store.ErrDuplicate
		}
	}
	t.b.structures[s.StructureID] = s
	t.undo = append(t.undo, func() { delete(t.b.structures, s.StructureID) })
	return nil
}

// UpdateStructure implements store.Tx.
func (t *Tx) UpdateStructure(ctx context.Context, s types.Structure) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	old, ok := t.b.structures[s.StructureID]
	if !ok {
		return types.Invalid("update structure", "no structure %s", s.StructureID)
	}
	t.b.structures[s.StructureID] = s
	t.undo = append(t.undo, func() { t.b.structures[s.StructureID] = old })
	return nil
}

// DeleteStructure implements store.Tx.
func (t *Tx) DeleteStructure(ctx context.Context, id string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	old, ok := t.b.structures[id]
	if !ok {
		return types.Invalid("delete structure", "no structure %s", id)
	}
	for objectID, m := range t.b.values {
		for vid, v := range m {
			if v.StructureID == id {
				t.removeValue(objectID, vid)
			}
		}
	}
	delete(t.b.structures, id)
	t.undo = append(t.undo, func() { t.b.structures[id] = old })
	return nil
}

// InsertSnapshot implements store.Tx.
func (t *Tx) InsertSnapshot(ctx context.Context, snap *types.Snapshot) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if _, exists := t.b.objects[snap.Object.ObjectID]; exists {
		return store.ErrDuplicate
	}
	if p := snap.Object.ParentID; p != "" {
		if _, err := t.b.object(p); err != nil {
			return err
		}
	}
	t.writeRows(types.EmbeddedRows{Object: snap.Object, Values: snap.Values})
	for _, n := range snap.Nested {
		t.writeRows(n)
	}
	return nil
}

// casHeader checks the stored hash and rewrites the mutable header fields.
func (t *Tx) casHeader(header types.Object, expectHash string) error {
	cur, err := t.b.object(header.ObjectID)
	if err != nil {
		return err
	}
	if expectHash != "" && cur.Hash != expectHash {
		return types.E(types.KindConcurrencyConflict, "save", "stored hash changed").WithObject(header.ObjectID)
	}
	cur.Name = header.Name
	cur.Note = header.Note
	cur.ModifierID = header.ModifierID
	cur.UpdatedAt = header.UpdatedAt
	cur.Hash = header.Hash
	t.setObject(cur)
	return nil
}

// ApplyMutations implements store.Tx.
func (t *Tx) ApplyMutations(ctx context.Context, header types.Object, expectHash string, ms *diff.MutationSet) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if err := t.casHeader(header, expectHash); err != nil {
		return err
	}
	for _, id := range ms.NestedRemoved {
		t.removeRows(id)
		t.removeObject(id)
	}
	for _, n := range ms.NestedAdded {
		t.writeRows(n)
	}
	for _, m := range ms.Mutations {
		if m.New == nil {
			t.removeValue(m.Old.ObjectID, m.Old.ValueID)
			continue
		}
		t.setValue(*m.New)
	}
	return nil
}

// ReplaceSnapshot implements store.Tx.
func (t *Tx) ReplaceSnapshot(ctx context.Context, snap *types.Snapshot, expectHash string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if err := t.casHeader(snap.Object, expectHash); err != nil {
		return err
	}
	t.removeNested(snap.Object.ObjectID)
	t.removeRows(snap.Object.ObjectID)
	for _, v := range snap.Values {
		t.setValue(v)
	}
	for _, n := range snap.Nested {
		t.writeRows(n)
	}
	return nil
}

// DeleteObject implements store.Tx.
func (t *Tx) DeleteObject(ctx context.Context, id string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if _, err := t.b.object(id); err != nil {
		return err
	}
	t.removeNested(id)
	t.removeRows(id)
	t.removeObject(id)
	return nil
}

// SetParent implements store.Tx.
func (t *Tx) SetParent(ctx context.Context, id, parentID string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	o, err := t.b.object(id)
	if err != nil {
		return err
	}
	if parentID != "" {
		if _, err := t.b.object(parentID); err != nil {
			return err
		}
	}
	o.ParentID = parentID
	t.setObject(o)
	return nil
}

// PutGrant implements store.Tx.
func (t *Tx) PutGrant(ctx context.Context, g types.Grant) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	old, existed := t.b.grants[g.GrantID]
	t.b.grants[g.GrantID] = g
	t.undo = append(t.undo, func() {
		if existed {
			t.b.grants[g.GrantID] = old
		} else {
			delete(t.b.grants, g.GrantID)
		}
	})
	return nil
}

// DeleteGrant implements store.Tx.
func (t *Tx) DeleteGrant(ctx context.Context, id string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	old, ok := t.b.grants[id]
	if !ok {
		return types.NotFound("delete grant", id)
	}
	delete(t.b.grants, id)
	t.undo = append(t.undo, func() { t.b.grants[id] = old })
	return nil
}

// PutArchive implements store.Tx.
func (t *Tx) PutArchive(ctx context.Context, rec types.ArchiveRecord) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if _, exists := t.b.archives[rec.ArchiveID]; exists {
		return store.ErrDuplicate
	}
	t.b.archives[rec.ArchiveID] = rec
	t.undo = append(t.undo, func() { delete(t.b.archives, rec.ArchiveID) })
	return nil
}

// DeleteArchive implements store.Tx.
func (t *Tx) DeleteArchive(ctx context.Context, id string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	old, ok := t.b.archives[id]
	if !ok {
		return types.NotFound("delete archive", id)
	}
	delete(t.b.archives, id)
	t.undo = append(t.undo, func() { t.b.archives[id] = old })
	return nil
}
