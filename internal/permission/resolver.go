// Package permission resolves the actions a subject may take on an object
// or scheme from stored grants.
//
// Resolution walks four levels and the first level with an applicable
// grant decides: the object or its nearest ancestor carrying a grant, the
// scheme, the global level, and finally an implicit deny. Within a level
// a user grant beats role grants, role grants are unioned, and a grant for
// everyone applies only when neither exists. A grant with no actions is an
// explicit deny.
package permission

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/mesh-intelligence/attic/pkg/types"
)

// GrantSource returns the raw grants on one target.
type GrantSource interface {
	Grants(ctx context.Context, target types.TargetKind, targetID string) ([]types.Grant, error)
}

// AncestorSource returns object headers and their parent chains, nearest
// ancestor first.
type AncestorSource interface {
	Object(ctx context.Context, id string) (types.Object, error)
	Ancestors(ctx context.Context, id string) ([]types.Object, error)
}

// Outcome labels a cache lookup for WithObserver.
type Outcome string

// Cache outcomes.
const (
	CacheHit   Outcome = "hit"
	CacheMiss  Outcome = "miss"
	CacheStale Outcome = "stale"
)

// Resolver computes effective actions with a TTL cache in front.
type Resolver struct {
	grants GrantSource
	tree   AncestorSource
	log    zerolog.Logger

	ttl     time.Duration
	size    int
	observe func(Outcome)

	cache *expirable.LRU[string, entry]
	gens  generations
	group singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTTL sets how long a resolved entry may be served.
func WithTTL(d time.Duration) Option {
	return func(r *Resolver) { r.ttl = d }
}

// WithSize bounds the number of cached entries.
func WithSize(n int) Option {
	return func(r *Resolver) { r.size = n }
}

// WithLogger sets the resolver logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// WithObserver reports every cache lookup outcome to fn.
func WithObserver(fn func(Outcome)) Option {
	return func(r *Resolver) { r.observe = fn }
}

// New returns a Resolver reading grants from grants and parent chains from
// tree.
func New(grants GrantSource, tree AncestorSource, opts ...Option) *Resolver {
	r := &Resolver{
		grants: grants,
		tree:   tree,
		log:    zerolog.Nop(),
		ttl:    types.DefaultPermissionCacheTTL,
		size:   types.DefaultPermissionCacheSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = expirable.NewLRU[string, entry](r.size, nil, r.ttl)
	return r
}

// Effective returns the actions subject may take on the object id.
func (r *Resolver) Effective(ctx context.Context, subject types.Subject, id string) (types.Actions, error) {
	if subject.IsSystem() {
		return types.ActionAll, nil
	}
	return r.cached(ctx, "o|"+subject.Key()+"|"+id, func(ctx context.Context) (types.Actions, []stamp, error) {
		o, err := r.tree.Object(ctx, id)
		if err != nil {
			return 0, nil, err
		}
		chain, err := r.tree.Ancestors(ctx, id)
		if err != nil {
			return 0, nil, err
		}
		return r.resolve(ctx, subject, o.SchemeID, append([]types.Object{o}, chain...))
	})
}

// EffectiveAt returns the actions subject may take on a new object of
// schemeID created under parent. An empty parent skips the object level.
func (r *Resolver) EffectiveAt(ctx context.Context, subject types.Subject, schemeID, parent string) (types.Actions, error) {
	if parent == "" {
		return r.EffectiveForScheme(ctx, subject, schemeID)
	}
	if subject.IsSystem() {
		return types.ActionAll, nil
	}
	return r.cached(ctx, "p|"+subject.Key()+"|"+schemeID+"|"+parent, func(ctx context.Context) (types.Actions, []stamp, error) {
		p, err := r.tree.Object(ctx, parent)
		if err != nil {
			return 0, nil, err
		}
		chain, err := r.tree.Ancestors(ctx, parent)
		if err != nil {
			return 0, nil, err
		}
		return r.resolve(ctx, subject, schemeID, append([]types.Object{p}, chain...))
	})
}

// EffectiveForScheme returns the actions subject may take on the scheme
// as a whole, skipping the object level.
func (r *Resolver) EffectiveForScheme(ctx context.Context, subject types.Subject, schemeID string) (types.Actions, error) {
	if subject.IsSystem() {
		return types.ActionAll, nil
	}
	return r.cached(ctx, "s|"+subject.Key()+"|"+schemeID, func(ctx context.Context) (types.Actions, []stamp, error) {
		return r.resolve(ctx, subject, schemeID, nil)
	})
}

// Require fails with PermissionDenied unless subject holds every action
// in want on the object id.
func (r *Resolver) Require(ctx context.Context, subject types.Subject, id string, want types.Actions) error {
	have, err := r.Effective(ctx, subject, id)
	if err != nil {
		return err
	}
	if !have.Has(want) {
		return types.E(types.KindPermissionDenied, "require", "%s needs %s, has %s", subject.UserID, want, have).WithObject(id)
	}
	return nil
}

// RequireAt is Require for a new object of schemeID under parent.
func (r *Resolver) RequireAt(ctx context.Context, subject types.Subject, schemeID, parent string, want types.Actions) error {
	have, err := r.EffectiveAt(ctx, subject, schemeID, parent)
	if err != nil {
		return err
	}
	if !have.Has(want) {
		e := types.E(types.KindPermissionDenied, "require", "%s needs %s, has %s", subject.UserID, want, have).WithScheme(schemeID)
		if parent != "" {
			e = e.WithObject(parent)
		}
		return e
	}
	return nil
}

// RequireScheme is Require at the scheme level.
func (r *Resolver) RequireScheme(ctx context.Context, subject types.Subject, schemeID string, want types.Actions) error {
	have, err := r.EffectiveForScheme(ctx, subject, schemeID)
	if err != nil {
		return err
	}
	if !have.Has(want) {
		return types.E(types.KindPermissionDenied, "require", "%s needs %s, has %s", subject.UserID, want, have).WithScheme(schemeID)
	}
	return nil
}

// resolve walks chain (the object or parent first, then its ancestors),
// then the scheme, then the global level. The returned stamps record the
// generation of every key the answer depends on.
func (r *Resolver) resolve(ctx context.Context, subject types.Subject, schemeID string, chain []types.Object) (types.Actions, []stamp, error) {
	keys := []string{userKey(subject.UserID), globalKey, schemeKey(schemeID)}
	for _, o := range chain {
		keys = append(keys, objectKey(o.ObjectID))
	}
	// Stamps are taken before reading grants, so a concurrent change marks
	// this answer stale.
	stamps := r.gens.stamp(keys)

	for _, o := range chain {
		gs, err := r.grants.Grants(ctx, types.TargetObject, o.ObjectID)
		if err != nil {
			return 0, nil, err
		}
		if a, ok := level(gs, subject); ok {
			return a, stamps, nil
		}
	}
	for _, target := range []struct {
		kind types.TargetKind
		id   string
	}{{types.TargetScheme, schemeID}, {types.TargetGlobal, ""}} {
		if target.kind == types.TargetScheme && schemeID == "" {
			continue
		}
		gs, err := r.grants.Grants(ctx, target.kind, target.id)
		if err != nil {
			return 0, nil, err
		}
		if a, ok := level(gs, subject); ok {
			return a, stamps, nil
		}
	}
	return types.ActionNone, stamps, nil
}

// level applies one precedence level: user grants win, then role grants,
// then grants for everyone. Grants of one kind are unioned. It reports
// false when no grant applies.
func level(gs []types.Grant, subject types.Subject) (types.Actions, bool) {
	var user, roles, everyone types.Actions
	var haveUser, haveRole, haveEveryone bool
	for _, g := range gs {
		switch g.SubjectKind {
		case types.SubjectUser:
			if g.SubjectID == subject.UserID {
				user |= g.Actions
				haveUser = true
			}
		case types.SubjectRole:
			if subject.HasRole(g.SubjectID) {
				roles |= g.Actions
				haveRole = true
			}
		case types.SubjectEveryone:
			everyone |= g.Actions
			haveEveryone = true
		}
	}
	switch {
	case haveUser:
		return user, true
	case haveRole:
		return roles, true
	case haveEveryone:
		return everyone, true
	}
	return 0, false
}
