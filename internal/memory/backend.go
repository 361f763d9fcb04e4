// Package memory implements an in-process Backend. It evaluates filter
// documents directly and is used by tests and the "memory" backend setting.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/filter"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Backend holds every row in maps guarded by one RWMutex. An open Tx holds
// the write lock until Commit or Rollback, so Backend reads block while a
// transaction is open; use Tx.Object inside a transaction.
type Backend struct {
	mu     sync.RWMutex
	closed bool

	schemes    map[string]types.Scheme
	structures map[string]types.Structure
	objects    map[string]types.Object
	values     map[string]map[string]types.Value // object id -> value id -> row
	children   map[string]map[string]bool        // parent id -> child ids
	embedded   map[string]map[string]bool        // root id -> nested row ids
	grants     map[string]types.Grant
	archives   map[string]types.ArchiveRecord
}

var _ store.Backend = (*Backend)(nil)

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{
		schemes:    make(map[string]types.Scheme),
		structures: make(map[string]types.Structure),
		objects:    make(map[string]types.Object),
		values:     make(map[string]map[string]types.Value),
		children:   make(map[string]map[string]bool),
		embedded:   make(map[string]map[string]bool),
		grants:     make(map[string]types.Grant),
		archives:   make(map[string]types.ArchiveRecord),
	}
}

// Close marks the backend closed. Further calls fail with ErrStoreClosed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Backend) rlock() (func(), error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, types.ErrStoreClosed
	}
	return b.mu.RUnlock, nil
}

// SchemeByName implements store.Reader.
func (b *Backend) SchemeByName(_ context.Context, name string) (*types.SchemeInfo, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	for _, s := range b.schemes {
		if s.Name == name {
			return b.info(s), nil
		}
	}
	return nil, types.E(types.KindSchemeNotFound, "scheme by name", "no scheme named %s", name)
}

// SchemeByID implements store.Reader.
func (b *Backend) SchemeByID(_ context.Context, id string) (*types.SchemeInfo, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	s, ok := b.schemes[id]
	if !ok {
		return nil, types.E(types.KindSchemeNotFound, "scheme by id", "").WithScheme(id)
	}
	return b.info(s), nil
}

// Schemes implements store.Reader.
func (b *Backend) Schemes(_ context.Context) ([]types.SchemeInfo, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]types.SchemeInfo, 0, len(b.schemes))
	for _, s := range b.schemes {
		out = append(out, *b.info(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scheme.Name < out[j].Scheme.Name })
	return out, nil
}

func (b *Backend) info(s types.Scheme) *types.SchemeInfo {
	info := &types.SchemeInfo{Scheme: s}
	for _, st := range b.structures {
		if st.SchemeID == s.SchemeID {
			info.Structures = append(info.Structures, st)
		}
	}
	sort.Slice(info.Structures, func(i, j int) bool {
		return info.Structures[i].Ordinal < info.Structures[j].Ordinal
	})
	return info
}

// Object implements store.Reader.
func (b *Backend) Object(_ context.Context, id string) (types.Object, error) {
	unlock, err := b.rlock()
	if err != nil {
		return types.Object{}, err
	}
	defer unlock()
	return b.object(id)
}

func (b *Backend) object(id string) (types.Object, error) {
	o, ok := b.objects[id]
	if !ok || o.EmbeddedIn != "" {
		return types.Object{}, types.NotFound("object", id)
	}
	return o, nil
}

// Snapshot implements store.Reader.
func (b *Backend) Snapshot(_ context.Context, id string) (*types.Snapshot, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return b.snapshot(id)
}

func (b *Backend) snapshot(id string) (*types.Snapshot, error) {
	o, err := b.object(id)
	if err != nil {
		return nil, err
	}
	snap := &types.Snapshot{Object: o, Values: b.rows(id)}
	for nid := range b.embedded[id] {
		snap.Nested = append(snap.Nested, types.EmbeddedRows{Object: b.objects[nid], Values: b.rows(nid)})
	}
	snap.Sort()
	return snap, nil
}

func (b *Backend) rows(objectID string) []types.Value {
	m := b.values[objectID]
	out := make([]types.Value, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// Children implements store.Reader.
func (b *Backend) Children(_ context.Context, parentID string) ([]types.Object, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]types.Object, 0, len(b.children[parentID]))
	for id := range b.children[parentID] {
		out = append(out, b.objects[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out, nil
}

// Grants implements store.Reader.
func (b *Backend) Grants(_ context.Context, target types.TargetKind, targetID string) ([]types.Grant, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []types.Grant
	for _, g := range b.grants {
		if g.TargetKind != target {
			continue
		}
		if target != types.TargetGlobal && g.TargetID != targetID {
			continue
		}
		out = append(out, g)
	}
	sortGrants(out)
	return out, nil
}

// AllGrants implements store.Reader.
func (b *Backend) AllGrants(_ context.Context) ([]types.Grant, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]types.Grant, 0, len(b.grants))
	for _, g := range b.grants {
		out = append(out, g)
	}
	sortGrants(out)
	return out, nil
}

func sortGrants(gs []types.Grant) {
	sort.Slice(gs, func(i, j int) bool { return gs[i].GrantID < gs[j].GrantID })
}

// Archive implements store.Reader.
func (b *Backend) Archive(_ context.Context, id string) (*types.ArchiveRecord, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	rec, ok := b.archives[id]
	if !ok {
		return nil, types.NotFound("archive", id)
	}
	return &rec, nil
}

// Archives implements store.Reader.
func (b *Backend) Archives(_ context.Context) ([]types.ArchiveRecord, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]types.ArchiveRecord, 0, len(b.archives))
	for _, r := range b.archives {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeletedAt.Equal(out[j].DeletedAt) {
			return out[i].DeletedAt.Before(out[j].DeletedAt)
		}
		return out[i].ArchiveID < out[j].ArchiveID
	})
	return out, nil
}

// Select implements store.Backend.
func (b *Backend) Select(ctx context.Context, doc *filter.Document) ([]string, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return b.evaluate(ctx, doc)
}

// Count implements store.Backend.
func (b *Backend) Count(ctx context.Context, doc *filter.Document) (int, error) {
	ids, err := b.Select(ctx, doc)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// raw mutators maintain the secondary indexes. Callers hold the write lock.

func (b *Backend) putObject(o types.Object) {
	if old, ok := b.objects[o.ObjectID]; ok {
		b.unindex(old)
	}
	b.objects[o.ObjectID] = o
	if o.ParentID != "" {
		if b.children[o.ParentID] == nil {
			b.children[o.ParentID] = make(map[string]bool)
		}
		b.children[o.ParentID][o.ObjectID] = true
	}
	if o.EmbeddedIn != "" {
		if b.embedded[o.EmbeddedIn] == nil {
			b.embedded[o.EmbeddedIn] = make(map[string]bool)
		}
		b.embedded[o.EmbeddedIn][o.ObjectID] = true
	}
}

func (b *Backend) dropObject(id string) {
	if old, ok := b.objects[id]; ok {
		b.unindex(old)
		delete(b.objects, id)
	}
}

func (b *Backend) unindex(o types.Object) {
	if o.ParentID != "" {
		delete(b.children[o.ParentID], o.ObjectID)
		if len(b.children[o.ParentID]) == 0 {
			delete(b.children, o.ParentID)
		}
	}
	if o.EmbeddedIn != "" {
		delete(b.embedded[o.EmbeddedIn], o.ObjectID)
		if len(b.embedded[o.EmbeddedIn]) == 0 {
			delete(b.embedded, o.EmbeddedIn)
		}
	}
}

func (b *Backend) putValue(v types.Value) {
	m := b.values[v.ObjectID]
	if m == nil {
		m = make(map[string]types.Value)
		b.values[v.ObjectID] = m
	}
	m[v.ValueID] = v
}

func (b *Backend) dropValue(objectID, valueID string) {
	m := b.values[objectID]
	delete(m, valueID)
	if len(m) == 0 {
		delete(b.values, objectID)
	}
}
