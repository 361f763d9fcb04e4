// Package schema implements the schema registry: it derives Schemes and
// Structures from TypeDescriptors and keeps them synchronized with the
// backend.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Registry resolves and synchronizes scheme metadata. Synchronization of a
// scheme is serialized per name; reads are served from a cache refreshed
// on every sync.
type Registry struct {
	backend store.Backend
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	byName map[string]*types.SchemeInfo
	byID   map[string]*types.SchemeInfo

	locks sync.Map // scheme name -> *sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns a Registry over b.
func New(b store.Backend, opts ...Option) *Registry {
	r := &Registry{
		backend: b,
		log:     zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
		byName:  make(map[string]*types.SchemeInfo),
		byID:    make(map[string]*types.SchemeInfo),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup returns the scheme named name.
func (r *Registry) Lookup(ctx context.Context, name string) (*types.SchemeInfo, error) {
	r.mu.RLock()
	info, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		return info, nil
	}
	info, err := r.backend.SchemeByName(ctx, name)
	if err != nil {
		return nil, err
	}
	r.remember(info)
	return info, nil
}

// ByID returns the scheme with the given id.
func (r *Registry) ByID(ctx context.Context, id string) (*types.SchemeInfo, error) {
	r.mu.RLock()
	info, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return info, nil
	}
	info, err := r.backend.SchemeByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.remember(info)
	return info, nil
}

// List returns every persisted scheme.
func (r *Registry) List(ctx context.Context) ([]types.SchemeInfo, error) {
	return r.backend.Schemes(ctx)
}

// Check returns the scheme for d without creating or changing anything.
// It fails with SchemeNotFound when the scheme was never synced and with
// SchemaConflict when the stored fingerprint differs from d's.
func (r *Registry) Check(ctx context.Context, d types.TypeDescriptor) (*types.SchemeInfo, error) {
	info, err := r.Lookup(ctx, d.TypeName())
	if err != nil {
		return nil, err
	}
	if info.Scheme.Fingerprint != Fingerprint(d) {
		return nil, types.E(types.KindSchemaConflict, "check", "type %s changed since last sync", d.TypeName()).
			WithScheme(info.Scheme.SchemeID)
	}
	return info, nil
}

func (r *Registry) remember(info *types.SchemeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byName[info.Scheme.Name]; ok && old.Scheme.SchemeID != info.Scheme.SchemeID {
		delete(r.byID, old.Scheme.SchemeID)
	}
	r.byName[info.Scheme.Name] = info
	r.byID[info.Scheme.SchemeID] = info
}

func (r *Registry) lock(name string) func() {
	m, _ := r.locks.LoadOrStore(name, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// EnsureScheme makes sure d and every type reachable from it through
// nested and reference fields have a Scheme with synchronized Structures.
// Phase one creates the missing scheme rows, phase two syncs structures
// with link targets resolved to scheme ids. It returns the info for d.
func (r *Registry) EnsureScheme(ctx context.Context, d types.TypeDescriptor) (*types.SchemeInfo, error) {
	descs, err := collect(d)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]string, len(descs))
	for _, td := range descs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := r.ensureRow(ctx, td)
		if err != nil {
			return nil, err
		}
		ids[td.TypeName()] = info.Scheme.SchemeID
	}

	var root *types.SchemeInfo
	for _, td := range descs {
		info, err := r.sync(ctx, td, ids, false)
		if err != nil {
			return nil, err
		}
		if td.TypeName() == d.TypeName() {
			root = info
		}
	}
	return root, nil
}

// SyncStructures brings the structures of the scheme named by d in line
// with d. Link targets must already have schemes. Extra stored structures
// are removed only when strictRemoveExtra is set; otherwise they are kept
// and made optional.
func (r *Registry) SyncStructures(ctx context.Context, d types.TypeDescriptor, strictRemoveExtra bool) (*types.SchemeInfo, error) {
	return r.sync(ctx, d, nil, strictRemoveExtra)
}

// collect walks the type graph breadth first with a visited set. Two
// different shapes under one name are a conflict.
func collect(root types.TypeDescriptor) ([]types.TypeDescriptor, error) {
	var out []types.TypeDescriptor
	seen := map[string]string{}
	work := []types.TypeDescriptor{root}
	for len(work) > 0 {
		d := work[0]
		work = work[1:]
		name := d.TypeName()
		if name == "" {
			return nil, types.Invalid("ensure scheme", "type without name")
		}
		fp := Fingerprint(d)
		if prev, ok := seen[name]; ok {
			if prev != fp {
				return nil, types.E(types.KindSchemaConflict, "ensure scheme", "two shapes named %s", name)
			}
			continue
		}
		seen[name] = fp
		out = append(out, d)
		for _, f := range types.PersistedFields(d) {
			if f.Kind.Linked() && f.Target != nil {
				work = append(work, f.Target)
			}
		}
	}
	return out, nil
}

func (r *Registry) ensureRow(ctx context.Context, d types.TypeDescriptor) (*types.SchemeInfo, error) {
	name := d.TypeName()
	unlock := r.lock(name)
	defer unlock()

	info, err := r.backend.SchemeByName(ctx, name)
	if err == nil {
		r.remember(info)
		return info, nil
	}
	if !errors.Is(err, types.ErrSchemeNotFound) {
		return nil, fmt.Errorf("looking up scheme %s: %w", name, err)
	}

	now := r.now()
	s := types.Scheme{
		SchemeID:  uuid.Must(uuid.NewV7()).String(),
		Name:      name,
		Alias:     d.Alias(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = store.WithTx(ctx, r.backend, func(tx store.Tx) error {
		return tx.InsertScheme(ctx, s)
	})
	if errors.Is(err, store.ErrDuplicate) {
		// Another process created it first.
		info, err = r.backend.SchemeByName(ctx, name)
		if err != nil {
			return nil, err
		}
		r.remember(info)
		return info, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating scheme %s: %w", name, err)
	}
	r.log.Info().Str("scheme", name).Str("scheme_id", s.SchemeID).Msg("scheme created")
	info = &types.SchemeInfo{Scheme: s}
	r.remember(info)
	return info, nil
}

// syncAttempts bounds retries when another writer adds the same
// structures between our read and our write.
const syncAttempts = 3

func (r *Registry) sync(ctx context.Context, d types.TypeDescriptor, ids map[string]string, strict bool) (*types.SchemeInfo, error) {
	unlock := r.lock(d.TypeName())
	defer unlock()

	var err error
	for attempt := 0; attempt < syncAttempts; attempt++ {
		var info *types.SchemeInfo
		info, err = r.syncOnce(ctx, d, ids, strict)
		if !errors.Is(err, store.ErrDuplicate) {
			return info, err
		}
		r.log.Debug().Str("scheme", d.TypeName()).Int("attempt", attempt+1).Msg("concurrent sync, retrying")
	}
	return nil, err
}

func (r *Registry) syncOnce(ctx context.Context, d types.TypeDescriptor, ids map[string]string, strict bool) (*types.SchemeInfo, error) {
	name := d.TypeName()
	info, err := r.backend.SchemeByName(ctx, name)
	if err != nil {
		return nil, err
	}
	schemeID := info.Scheme.SchemeID
	conflict := func(field, detail string, args ...any) error {
		return types.E(types.KindSchemaConflict, "sync", detail, args...).WithScheme(schemeID).WithField(field)
	}

	existing := make(map[string]types.Structure, len(info.Structures))
	next := 0
	for _, s := range info.Structures {
		existing[s.Name] = s
		if s.Ordinal >= next {
			next = s.Ordinal + 1
		}
	}

	var adds, updates []types.Structure
	var removes []string
	for _, f := range types.PersistedFields(d) {
		if !f.Kind.Valid() {
			return nil, types.Invalid("sync", "unknown kind %q", f.Kind).WithScheme(schemeID).WithField(f.Name)
		}
		target := ""
		if f.Kind.Linked() {
			if f.Target == nil {
				return nil, types.Invalid("sync", "%s field without target type", f.Kind).WithScheme(schemeID).WithField(f.Name)
			}
			target, err = r.resolve(ctx, f.TargetName(), ids)
			if err != nil {
				return nil, err
			}
		}

		s, ok := existing[f.Name]
		if !ok {
			adds = append(adds, types.Structure{
				StructureID:    uuid.Must(uuid.NewV7()).String(),
				SchemeID:       schemeID,
				Name:           f.Name,
				Kind:           f.Kind,
				Array:          f.Array,
				TargetSchemeID: target,
				Optional:       f.Optional,
				Ordinal:        next,
			})
			next++
			continue
		}
		delete(existing, f.Name)

		changed := false
		if s.Array != f.Array {
			return nil, conflict(f.Name, "array flag changed from %t to %t", s.Array, f.Array)
		}
		if s.Kind != f.Kind {
			if !f.Kind.Widens(s.Kind) {
				return nil, conflict(f.Name, "kind %s cannot become %s", s.Kind, f.Kind)
			}
			s.Kind = f.Kind
			changed = true
		}
		if s.Kind.Linked() && s.TargetSchemeID != target {
			return nil, conflict(f.Name, "target changed from %s to %s", s.TargetSchemeID, target)
		}
		if s.Optional != f.Optional {
			s.Optional = f.Optional
			changed = true
		}
		if changed {
			updates = append(updates, s)
		}
	}
	for _, s := range existing {
		switch {
		case strict:
			removes = append(removes, s.StructureID)
		case !s.Optional:
			s.Optional = true
			updates = append(updates, s)
		}
	}

	fp := Fingerprint(d)
	if len(adds) == 0 && len(updates) == 0 && len(removes) == 0 &&
		info.Scheme.Fingerprint == fp && info.Scheme.Alias == d.Alias() {
		r.remember(info)
		return info, nil
	}

	scheme := info.Scheme
	scheme.Fingerprint = fp
	scheme.Alias = d.Alias()
	scheme.UpdatedAt = r.now()
	err = store.WithTx(ctx, r.backend, func(tx store.Tx) error {
		for _, s := range adds {
			if err := tx.InsertStructure(ctx, s); err != nil {
				return fmt.Errorf("adding structure %s: %w", s.Name, err)
			}
		}
		for _, s := range updates {
			if err := tx.UpdateStructure(ctx, s); err != nil {
				return fmt.Errorf("updating structure %s: %w", s.Name, err)
			}
		}
		for _, id := range removes {
			if err := tx.DeleteStructure(ctx, id); err != nil {
				return fmt.Errorf("removing structure %s: %w", id, err)
			}
		}
		return tx.UpdateScheme(ctx, scheme)
	})
	if err != nil {
		return nil, err
	}

	info, err = r.backend.SchemeByName(ctx, name)
	if err != nil {
		return nil, err
	}
	r.remember(info)
	r.log.Info().
		Str("scheme", name).
		Int("added", len(adds)).
		Int("updated", len(updates)).
		Int("removed", len(removes)).
		Msg("structures synced")
	return info, nil
}

func (r *Registry) resolve(ctx context.Context, name string, ids map[string]string) (string, error) {
	if id, ok := ids[name]; ok {
		return id, nil
	}
	info, err := r.Lookup(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolving target %s: %w", name, err)
	}
	return info.Scheme.SchemeID, nil
}
