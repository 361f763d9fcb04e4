package attic

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/attic/internal/codec"
	"github.com/mesh-intelligence/attic/internal/describe"
	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// BulkInsert inserts ents, all records of desc's type, in one
// transaction. desc's scheme must already be registered and match desc; no
// scheme is synced during the batch. Entities without an id get one. It
// returns the ids in input order.
func (se *Session) BulkInsert(ctx context.Context, desc types.TypeDescriptor, ents []*types.Entity) (ids []string, err error) {
	defer se.s.observe(ctx, "bulk_insert", time.Now(), &err)
	info, err := se.s.registry.Check(ctx, desc)
	if err != nil {
		return nil, err
	}
	schemeID := info.Scheme.SchemeID

	parents := map[string]bool{}
	for i, ent := range ents {
		if ent == nil || ent.Record == nil {
			return nil, types.Invalid("bulk insert", "entity %d is nil", i)
		}
		if ent.Record.Type != desc.TypeName() {
			return nil, types.Invalid("bulk insert", "entity %d is a %s, batch is %s", i, ent.Record.Type, desc.TypeName()).
				WithScheme(schemeID)
		}
		parents[ent.Object.ParentID] = true
	}
	for parent := range parents {
		if err := se.s.perms.RequireAt(ctx, se.subject, schemeID, parent, types.ActionInsert); err != nil {
			return nil, err
		}
	}

	now := se.s.now()
	snaps := make([]*types.Snapshot, len(ents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, ent := range ents {
		g.Go(func() error {
			header := ent.Object
			if header.ObjectID == "" {
				header.ObjectID = codec.NewObjectID()
			}
			header.SchemeID = schemeID
			header.OwnerID = se.subject.UserID
			header.ModifierID = se.subject.UserID
			header.CreatedAt = now
			header.UpdatedAt = now
			snap, err := se.s.codec.Serialize(gctx, &types.Entity{Object: header, Record: ent.Record})
			if err != nil {
				return fmt.Errorf("entity %d: %w", i, err)
			}
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	err = store.WithTx(ctx, se.s.backend, func(tx store.Tx) error {
		for _, snap := range snaps {
			if err := tx.InsertSnapshot(ctx, snap); err != nil {
				return fmt.Errorf("inserting %s: %w", snap.Object.ObjectID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ids = make([]string, len(snaps))
	for i, snap := range snaps {
		ids[i] = snap.Object.ObjectID
		ents[i].Object = snap.Object
	}
	se.s.log.Debug().Int("count", len(ids)).Str("scheme", info.Scheme.Name).Msg("bulk inserted")
	return ids, nil
}

// Item is one value of a mixed-type batch: Tag names a kind bound with
// Bind and Value is a pointer to a value of that kind.
type Item struct {
	Tag   string
	Value any
}

// kind is one row of the dispatch table used by SaveAll and DeleteAll.
type kind struct {
	desc types.TypeDescriptor
	save func(ctx context.Context, se *Session, v any) error
	id   func(v any) (string, error)
}

// Bind registers T's scheme and adds T to the store's dispatch table
// under its type name, which it returns.
func Bind[T any](ctx context.Context, s *Store) (string, error) {
	d, err := describe.Of[T]()
	if err != nil {
		return "", err
	}
	if _, err := s.registry.EnsureScheme(ctx, d); err != nil {
		return "", err
	}
	cast := func(v any) (*T, error) {
		p, ok := v.(*T)
		if !ok || p == nil {
			return nil, types.Invalid("dispatch", "%s item holds %T", d.TypeName(), v)
		}
		return p, nil
	}
	s.kindsMu.Lock()
	defer s.kindsMu.Unlock()
	s.kinds[d.TypeName()] = kind{
		desc: d,
		save: func(ctx context.Context, se *Session, v any) error {
			p, err := cast(v)
			if err != nil {
				return err
			}
			return SaveValue(ctx, se, p)
		},
		id: func(v any) (string, error) {
			p, err := cast(v)
			if err != nil {
				return "", err
			}
			ent, _, err := describe.ToEntity(p)
			if err != nil {
				return "", err
			}
			return ent.Object.ObjectID, nil
		},
	}
	return d.TypeName(), nil
}

// ItemOf wraps v in an Item tagged with T's type name.
func ItemOf[T any](v *T) Item {
	d, err := describe.Of[T]()
	if err != nil {
		return Item{Value: v}
	}
	return Item{Tag: d.TypeName(), Value: v}
}

func (s *Store) kindOf(tag string) (kind, error) {
	s.kindsMu.RLock()
	defer s.kindsMu.RUnlock()
	k, ok := s.kinds[tag]
	if !ok {
		return kind{}, types.Invalid("dispatch", "no kind bound for tag %q", tag)
	}
	return k, nil
}

// SaveAll saves items in order, each in its own transaction, dispatching
// on the item tag. It stops at the first failure and reports its index.
func (se *Session) SaveAll(ctx context.Context, items ...Item) error {
	for i, it := range items {
		k, err := se.s.kindOf(it.Tag)
		if err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		if err := k.save(ctx, se, it.Value); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

// DeleteAll deletes the objects held by items in order, dispatching on the
// item tag to find each id.
func (se *Session) DeleteAll(ctx context.Context, opts DeleteOptions, items ...Item) ([]types.ArchiveRecord, error) {
	var out []types.ArchiveRecord
	for i, it := range items {
		k, err := se.s.kindOf(it.Tag)
		if err != nil {
			return out, fmt.Errorf("item %d: %w", i, err)
		}
		id, err := k.id(it.Value)
		if err != nil {
			return out, fmt.Errorf("item %d: %w", i, err)
		}
		recs, err := se.Delete(ctx, id, opts)
		if err != nil {
			return out, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, recs...)
	}
	return out, nil
}
