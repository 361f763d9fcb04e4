package permission

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mesh-intelligence/attic/pkg/types"
)

const globalKey = "global"

func userKey(id string) string { return "user:" + id }

func schemeKey(id string) string { return "scheme:" + id }

func objectKey(id string) string { return "object:" + id }

func targetKey(g types.Grant) string {
	switch g.TargetKind {
	case types.TargetObject:
		return objectKey(g.TargetID)
	case types.TargetScheme:
		return schemeKey(g.TargetID)
	}
	return globalKey
}

// stamp is the generation of one dependency key when an entry was computed.
type stamp struct {
	key string
	gen uint64
}

type entry struct {
	actions types.Actions
	stamps  []stamp
}

// generations counts changes per dependency key. A cached entry is served
// only while every key it depends on is still at the stamped generation.
type generations struct {
	m sync.Map // string -> *atomic.Uint64
}

func (g *generations) counter(key string) *atomic.Uint64 {
	if v, ok := g.m.Load(key); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := g.m.LoadOrStore(key, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func (g *generations) get(key string) uint64 {
	if v, ok := g.m.Load(key); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

func (g *generations) bump(key string) {
	g.counter(key).Add(1)
}

func (g *generations) stamp(keys []string) []stamp {
	out := make([]stamp, len(keys))
	for i, k := range keys {
		out[i] = stamp{key: k, gen: g.get(k)}
	}
	return out
}

func (g *generations) current(stamps []stamp) bool {
	for _, s := range stamps {
		if g.get(s.key) != s.gen {
			return false
		}
	}
	return true
}

func (r *Resolver) report(o Outcome) {
	if r.observe != nil {
		r.observe(o)
	}
}

// cached serves key from the cache when its stamps are current, otherwise
// computes it once across concurrent callers.
func (r *Resolver) cached(ctx context.Context, key string, compute func(context.Context) (types.Actions, []stamp, error)) (types.Actions, error) {
	if e, ok := r.cache.Get(key); ok {
		if r.gens.current(e.stamps) {
			r.report(CacheHit)
			return e.actions, nil
		}
		r.cache.Remove(key)
		r.report(CacheStale)
	} else {
		r.report(CacheMiss)
	}
	if err := ctx.Err(); err != nil {
		return types.ActionNone, err
	}
	// The shared resolution outlives any one caller's cancellation; each
	// caller still stops waiting on its own context.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		if e, ok := r.cache.Get(key); ok && r.gens.current(e.stamps) {
			return e.actions, nil
		}
		a, stamps, err := compute(shared)
		if err != nil {
			return types.ActionNone, err
		}
		r.cache.Add(key, entry{actions: a, stamps: stamps})
		return a, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return types.ActionNone, res.Err
		}
		return res.Val.(types.Actions), nil
	case <-ctx.Done():
		return types.ActionNone, ctx.Err()
	}
}

// Invalidate retires every cached answer that could depend on g: answers
// for the grant's target and, for a user grant, answers for that user.
func (r *Resolver) Invalidate(g types.Grant) {
	r.gens.bump(targetKey(g))
	if g.SubjectKind == types.SubjectUser {
		r.gens.bump(userKey(g.SubjectID))
	}
	r.log.Debug().Str("grant", g.GrantID).Str("target", targetKey(g)).Msg("permission cache invalidated")
}

// InvalidateObject retires answers that involve id or any of its
// descendants. Call it after id moves or is deleted.
func (r *Resolver) InvalidateObject(id string) { r.gens.bump(objectKey(id)) }

// InvalidateScheme retires answers that involve schemeID.
func (r *Resolver) InvalidateScheme(schemeID string) { r.gens.bump(schemeKey(schemeID)) }

// InvalidateSubject retires answers for the user userID.
func (r *Resolver) InvalidateSubject(userID string) { r.gens.bump(userKey(userID)) }

// Purge drops every cached answer.
func (r *Resolver) Purge() {
	r.gens.bump(globalKey)
	r.cache.Purge()
}

// Len reports the number of cached answers, including stale ones.
func (r *Resolver) Len() int { return r.cache.Len() }
