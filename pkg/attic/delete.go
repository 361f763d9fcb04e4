package attic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mesh-intelligence/attic/internal/archive"
	"github.com/mesh-intelligence/attic/internal/codec"
	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// DeleteOptions controls Delete.
type DeleteOptions struct {
	// Cascade deletes the whole subtree, deepest objects first. Without it
	// deleting an object that has children fails.
	Cascade bool
}

// Delete archives and removes id, and with Cascade its descendants. Every
// removed object is written to the archive sink before it is removed; the
// table sink commits in the same transaction as the removal. The returned
// records are in removal order.
func (se *Session) Delete(ctx context.Context, id string, opts DeleteOptions) (recs []types.ArchiveRecord, err error) {
	defer se.s.observe(ctx, "delete", time.Now(), &err)
	if _, err := se.s.backend.Object(ctx, id); err != nil {
		return nil, err
	}
	order := []string{id}
	if opts.Cascade {
		if order, err = se.s.tree.DeleteOrder(ctx, id); err != nil {
			return nil, err
		}
	} else {
		has, err := se.s.tree.HasChildren(ctx, id)
		if err != nil {
			return nil, err
		}
		if has {
			return nil, types.Invalid("delete", "%w; delete with cascade", types.ErrHasChildren).WithObject(id)
		}
	}
	for _, oid := range order {
		if err := se.s.perms.Require(ctx, se.subject, oid, types.ActionDelete); err != nil {
			return nil, err
		}
	}

	now := se.s.now()
	recs = make([]types.ArchiveRecord, 0, len(order))
	for _, oid := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, err := se.s.backend.Snapshot(ctx, oid)
		if err != nil {
			return nil, err
		}
		recs = append(recs, types.ArchiveRecord{
			ArchiveID: codec.NewObjectID(),
			Snapshot:  *snap,
			DeletedAt: now,
			DeletedBy: se.subject.UserID,
		})
	}

	if ts, ok := se.s.sink.(archive.TxSink); ok {
		err = store.WithTx(ctx, se.s.backend, func(tx store.Tx) error {
			for _, rec := range recs {
				if err := ts.PutTx(ctx, tx, rec); err != nil {
					return err
				}
				if err := tx.DeleteObject(ctx, rec.Snapshot.Object.ObjectID); err != nil {
					return err
				}
			}
			return nil
		})
	} else {
		err = se.archiveThenRemove(ctx, recs)
	}
	if err != nil {
		return nil, err
	}
	for _, oid := range order {
		se.s.forget(oid)
		se.s.perms.InvalidateObject(oid)
	}
	se.s.log.Info().Str("object", id).Int("removed", len(order)).Str("by", se.subject.UserID).Msg("deleted")
	return recs, nil
}

// archiveThenRemove writes every record to an external sink, then removes
// the objects in one transaction. Records of a failed removal are taken
// back out of the sink.
func (se *Session) archiveThenRemove(ctx context.Context, recs []types.ArchiveRecord) error {
	var written []string
	undo := func() {
		for _, aid := range written {
			if err := se.s.sink.Remove(context.WithoutCancel(ctx), aid); err != nil {
				se.s.log.Warn().Err(err).Str("archive", aid).Msg("archive left behind by failed delete")
			}
		}
	}
	for _, rec := range recs {
		if err := se.s.sink.Put(ctx, rec); err != nil {
			undo()
			return fmt.Errorf("archiving %s: %w", rec.Snapshot.Object.ObjectID, err)
		}
		written = append(written, rec.ArchiveID)
	}
	err := store.WithTx(ctx, se.s.backend, func(tx store.Tx) error {
		for _, rec := range recs {
			if err := tx.DeleteObject(ctx, rec.Snapshot.Object.ObjectID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		undo()
	}
	return err
}

// Archives lists the archive records. Only the system subject may list.
func (se *Session) Archives(ctx context.Context) ([]types.ArchiveRecord, error) {
	if !se.subject.IsSystem() {
		return nil, types.E(types.KindPermissionDenied, "archives", "listing archives needs the system subject")
	}
	return se.s.sink.List(ctx)
}

// Restore reinserts the object held in the archive record archiveID and
// removes the record. A parent that no longer exists leaves the restored
// object at the root. Value rows of structures removed since the delete
// are dropped.
func (se *Session) Restore(ctx context.Context, archiveID string) (ent *types.Entity, err error) {
	defer se.s.observe(ctx, "restore", time.Now(), &err)
	rec, err := se.s.sink.Get(ctx, archiveID)
	if err != nil {
		return nil, err
	}
	snap := rec.Snapshot
	id := snap.Object.ObjectID
	if _, err := se.s.backend.Object(ctx, id); err == nil {
		return nil, types.Invalid("restore", "object already exists").WithObject(id)
	} else if !errors.Is(err, types.ErrObjectNotFound) {
		return nil, err
	}
	if snap.Object.ParentID != "" {
		if _, err := se.s.backend.Object(ctx, snap.Object.ParentID); errors.Is(err, types.ErrObjectNotFound) {
			se.s.log.Warn().Str("object", id).Str("parent", snap.Object.ParentID).Msg("parent gone, restoring at root")
			snap.Object.ParentID = ""
		} else if err != nil {
			return nil, err
		}
	}
	if err := se.s.perms.RequireAt(ctx, se.subject, snap.Object.SchemeID, snap.Object.ParentID, types.ActionInsert); err != nil {
		return nil, err
	}
	if err := se.prune(ctx, &snap); err != nil {
		return nil, err
	}

	if ts, ok := se.s.sink.(archive.TxSink); ok {
		err = store.WithTx(ctx, se.s.backend, func(tx store.Tx) error {
			if err := tx.InsertSnapshot(ctx, &snap); err != nil {
				return err
			}
			return ts.RemoveTx(ctx, tx, archiveID)
		})
	} else {
		err = store.WithTx(ctx, se.s.backend, func(tx store.Tx) error { return tx.InsertSnapshot(ctx, &snap) })
		if err == nil {
			if rerr := se.s.sink.Remove(ctx, archiveID); rerr != nil {
				se.s.log.Warn().Err(rerr).Str("archive", archiveID).Msg("restored object still archived")
			}
		}
	}
	if err != nil {
		return nil, err
	}
	se.s.perms.InvalidateObject(id)
	se.s.remember(&snap)
	return se.s.codec.Deserialize(ctx, &snap, 0, nil)
}

// prune drops value rows whose structure no longer exists.
func (se *Session) prune(ctx context.Context, snap *types.Snapshot) error {
	keep := func(schemeID string, vals []types.Value) ([]types.Value, error) {
		info, err := se.s.registry.ByID(ctx, schemeID)
		if err != nil {
			return nil, err
		}
		out := vals[:0]
		for _, v := range vals {
			if _, ok := info.StructureByID(v.StructureID); ok {
				out = append(out, v)
			}
		}
		return out, nil
	}
	var err error
	if snap.Values, err = keep(snap.Object.SchemeID, snap.Values); err != nil {
		return err
	}
	for i := range snap.Nested {
		n := &snap.Nested[i]
		if n.Values, err = keep(n.Object.SchemeID, n.Values); err != nil {
			return err
		}
	}
	return nil
}
