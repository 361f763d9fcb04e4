package attic

import (
	"context"
	"errors"
	"time"

	"github.com/mesh-intelligence/attic/internal/codec"
	"github.com/mesh-intelligence/attic/internal/diff"
	"github.com/mesh-intelligence/attic/internal/hierarchy"
	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Session performs operations on behalf of one subject.
type Session struct {
	s       *Store
	subject types.Subject
}

// Subject returns the acting subject.
func (se *Session) Subject() types.Subject { return se.subject }

// Store returns the store the session belongs to.
func (se *Session) Store() *Store { return se.s }

// Register makes sure desc and every type it links to have schemes. It is
// idempotent and never removes structures.
func (se *Session) Register(ctx context.Context, desc types.TypeDescriptor) (info *types.SchemeInfo, err error) {
	defer se.s.observe(ctx, "register", time.Now(), &err)
	return se.s.registry.EnsureScheme(ctx, desc)
}

// Sync is Register with control over stored structures desc no longer
// declares: strict removes them with their values and needs the system
// subject, otherwise they are kept as optional.
func (se *Session) Sync(ctx context.Context, desc types.TypeDescriptor, strict bool) (info *types.SchemeInfo, err error) {
	defer se.s.observe(ctx, "sync", time.Now(), &err)
	if strict && !se.subject.IsSystem() {
		return nil, types.E(types.KindPermissionDenied, "sync", "removing structures needs the system subject")
	}
	if _, err := se.s.registry.EnsureScheme(ctx, desc); err != nil {
		return nil, err
	}
	if !strict {
		return se.s.registry.Lookup(ctx, desc.TypeName())
	}
	return se.s.registry.SyncStructures(ctx, desc, true)
}

// Scheme returns the scheme named name.
func (se *Session) Scheme(ctx context.Context, name string) (*types.SchemeInfo, error) {
	return se.s.registry.Lookup(ctx, name)
}

// SchemeByID returns the scheme with the given id.
func (se *Session) SchemeByID(ctx context.Context, id string) (*types.SchemeInfo, error) {
	return se.s.registry.ByID(ctx, id)
}

// Schemes returns every registered scheme.
func (se *Session) Schemes(ctx context.Context) ([]types.SchemeInfo, error) {
	return se.s.registry.List(ctx)
}

// Save inserts ent when it has no id or its id is unknown, and updates the
// stored object otherwise. On return ent.Object holds the stored header.
//
// Updates write only the changed value rows unless the store runs the
// full save strategy. With optimistic concurrency on, an update whose
// ent.Object.Hash no longer matches the stored hash fails with
// ConcurrencyConflict. A changed ParentID moves the object in the same
// transaction.
//
// An update whose ent.Object carries no Hash was not read from the store:
// its empty ParentID, Name and Note keep the stored values. Use Move to
// send such an object to the root.
func (se *Session) Save(ctx context.Context, ent *types.Entity) (err error) {
	defer se.s.observe(ctx, "save", time.Now(), &err)
	if ent == nil || ent.Record == nil {
		return types.Invalid("save", "nil entity")
	}
	info, err := se.s.registry.Lookup(ctx, ent.Record.Type)
	if err != nil {
		return err
	}
	if ent.Object.SchemeID != "" && ent.Object.SchemeID != info.Scheme.SchemeID {
		return types.Invalid("save", "entity of scheme %s carries a %s record", ent.Object.SchemeID, ent.Record.Type).
			WithObject(ent.Object.ObjectID)
	}
	if ent.Object.ObjectID == "" {
		return se.insert(ctx, info, ent)
	}
	cur, err := se.s.backend.Object(ctx, ent.Object.ObjectID)
	if errors.Is(err, types.ErrObjectNotFound) {
		return se.insert(ctx, info, ent)
	}
	if err != nil {
		return err
	}
	return se.update(ctx, info, cur, ent)
}

func (se *Session) insert(ctx context.Context, info *types.SchemeInfo, ent *types.Entity) error {
	schemeID := info.Scheme.SchemeID
	if err := se.s.perms.RequireAt(ctx, se.subject, schemeID, ent.Object.ParentID, types.ActionInsert); err != nil {
		return err
	}
	now := se.s.now()
	header := ent.Object
	if header.ObjectID == "" {
		header.ObjectID = codec.NewObjectID()
	}
	header.SchemeID = schemeID
	header.OwnerID = se.subject.UserID
	header.ModifierID = se.subject.UserID
	header.CreatedAt = now
	header.UpdatedAt = now

	snap, err := se.s.codec.Serialize(ctx, &types.Entity{Object: header, Record: ent.Record})
	if err != nil {
		return err
	}
	if err := store.WithTx(ctx, se.s.backend, func(tx store.Tx) error {
		return tx.InsertSnapshot(ctx, snap)
	}); err != nil {
		return err
	}
	se.s.remember(snap)
	ent.Object = snap.Object
	se.s.metrics.ObserveMutations(mustDiff(nil, snap))
	se.s.log.Debug().Str("object", header.ObjectID).Str("scheme", info.Scheme.Name).Msg("inserted")
	return nil
}

func (se *Session) update(ctx context.Context, info *types.SchemeInfo, cur types.Object, ent *types.Entity) error {
	id := cur.ObjectID
	if cur.SchemeID != info.Scheme.SchemeID {
		return types.Invalid("save", "object is of another scheme").WithObject(id).WithScheme(cur.SchemeID)
	}
	if err := se.s.perms.Require(ctx, se.subject, id, types.ActionUpdate); err != nil {
		return err
	}
	if ent.Object.Hash == "" {
		keepHeader(&ent.Object, cur)
	}
	occ := se.s.cfg.OptimisticConcurrency
	if occ && ent.Object.Hash != "" && ent.Object.Hash != cur.Hash {
		return types.E(types.KindConcurrencyConflict, "save", "object changed since it was read").WithObject(id)
	}
	moving := ent.Object.ParentID != cur.ParentID
	if moving && ent.Object.ParentID != "" {
		if err := se.s.perms.RequireAt(ctx, se.subject, info.Scheme.SchemeID, ent.Object.ParentID, types.ActionInsert); err != nil {
			return err
		}
	}

	header := cur
	header.Name = ent.Object.Name
	header.Note = ent.Object.Note
	header.ModifierID = se.subject.UserID
	header.UpdatedAt = se.s.now()
	snap, err := se.s.codec.Serialize(ctx, &types.Entity{Object: header, Record: ent.Record})
	if err != nil {
		return err
	}
	expect := ""
	if occ {
		expect = cur.Hash
	}

	var ms *diff.MutationSet
	if se.s.cfg.SaveStrategy == types.SaveFull {
		err = store.WithTx(ctx, se.s.backend, func(tx store.Tx) error {
			if err := tx.ReplaceSnapshot(ctx, snap, expect); err != nil {
				return err
			}
			return se.moveTx(ctx, tx, id, ent.Object.ParentID, moving)
		})
	} else {
		prev, perr := se.s.previous(ctx, cur)
		if perr != nil {
			return perr
		}
		if ms, err = diff.Diff(prev, snap); err != nil {
			return err
		}
		if ms.Empty() && !moving && cur.Name == header.Name && cur.Note == header.Note {
			ent.Object = cur
			return nil
		}
		err = store.WithTx(ctx, se.s.backend, func(tx store.Tx) error {
			if err := tx.ApplyMutations(ctx, snap.Object, expect, ms); err != nil {
				return err
			}
			return se.moveTx(ctx, tx, id, ent.Object.ParentID, moving)
		})
	}
	if err != nil {
		se.s.forget(id)
		return err
	}
	if moving {
		snap.Object.ParentID = ent.Object.ParentID
		se.s.perms.InvalidateObject(id)
	}
	se.s.remember(snap)
	ent.Object = snap.Object
	se.s.metrics.ObserveMutations(ms)
	se.s.log.Debug().Str("object", id).Int("mutations", mutationCount(ms)).Msg("updated")
	return nil
}

// keepHeader fills the unset header fields of o from the stored cur.
func keepHeader(o *types.Object, cur types.Object) {
	if o.ParentID == "" {
		o.ParentID = cur.ParentID
	}
	if o.Name == "" {
		o.Name = cur.Name
	}
	if o.Note == "" {
		o.Note = cur.Note
	}
}

func (se *Session) moveTx(ctx context.Context, tx store.Tx, id, parent string, moving bool) error {
	if !moving {
		return nil
	}
	return hierarchy.MoveTx(ctx, tx, id, parent, se.s.log)
}

func mustDiff(prev, cur *types.Snapshot) *diff.MutationSet {
	ms, err := diff.Diff(prev, cur)
	if err != nil {
		return nil
	}
	return ms
}

func mutationCount(ms *diff.MutationSet) int {
	if ms == nil {
		return 0
	}
	return len(ms.Mutations)
}

// Load returns the object id with references followed up to the
// configured depth.
func (se *Session) Load(ctx context.Context, id string) (*types.Entity, error) {
	return se.LoadDepth(ctx, id, se.s.cfg.MaxDepth)
}

// LoadDepth returns the object id with references followed depth hops.
// Referenced objects the subject may not read stay id-only.
func (se *Session) LoadDepth(ctx context.Context, id string, depth int) (ent *types.Entity, err error) {
	defer se.s.observe(ctx, "load", time.Now(), &err)
	if err := se.s.perms.Require(ctx, se.subject, id, types.ActionRead); err != nil {
		return nil, err
	}
	snap, err := se.s.backend.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	se.s.remember(snap)
	return se.s.codec.Deserialize(ctx, snap, depth, se.loader())
}

// loader follows references only into objects the subject may read.
func (se *Session) loader() codec.Loader {
	return func(ctx context.Context, id string) (*types.Snapshot, error) {
		if err := se.s.perms.Require(ctx, se.subject, id, types.ActionRead); err != nil {
			return nil, err
		}
		return se.s.backend.Snapshot(ctx, id)
	}
}

// Effective returns the actions the session subject may take on id.
func (se *Session) Effective(ctx context.Context, id string) (types.Actions, error) {
	return se.s.perms.Effective(ctx, se.subject, id)
}

// EffectiveForScheme returns the scheme-level actions of the session
// subject on the scheme named name.
func (se *Session) EffectiveForScheme(ctx context.Context, name string) (types.Actions, error) {
	info, err := se.s.registry.Lookup(ctx, name)
	if err != nil {
		return types.ActionNone, err
	}
	return se.s.perms.EffectiveForScheme(ctx, se.subject, info.Scheme.SchemeID)
}
