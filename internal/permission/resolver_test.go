package permission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/attic/pkg/types"
)

type fakeGrants struct {
	mu    sync.Mutex
	rows  []types.Grant
	calls atomic.Int64
	delay time.Duration

	// When release is set, lookups signal entered and wait for release
	// or for their context to end.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeGrants) Grants(ctx context.Context, target types.TargetKind, id string) ([]types.Grant, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.release != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Grant
	for _, g := range f.rows {
		if g.TargetKind == target && (target == types.TargetGlobal || g.TargetID == id) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeGrants) add(g types.Grant) types.Grant {
	f.mu.Lock()
	defer f.mu.Unlock()
	g.GrantID = string(rune('a' + len(f.rows)))
	f.rows = append(f.rows, g)
	return g
}

func (f *fakeGrants) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, g := range f.rows {
		if g.GrantID == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return
		}
	}
}

// fakeTree holds parent links: doc -> folder -> root, all of scheme "S".
type fakeTree map[string]types.Object

func newTree() fakeTree {
	t := fakeTree{}
	for _, o := range []types.Object{
		{ObjectID: "root", SchemeID: "S"},
		{ObjectID: "folder", SchemeID: "S", ParentID: "root"},
		{ObjectID: "doc", SchemeID: "S", ParentID: "folder"},
		{ObjectID: "other", SchemeID: "T"},
	} {
		t[o.ObjectID] = o
	}
	return t
}

func (t fakeTree) Object(_ context.Context, id string) (types.Object, error) {
	o, ok := t[id]
	if !ok {
		return types.Object{}, types.NotFound("object", id)
	}
	return o, nil
}

func (t fakeTree) Ancestors(_ context.Context, id string) ([]types.Object, error) {
	var out []types.Object
	for p := t[id].ParentID; p != ""; p = t[p].ParentID {
		out = append(out, t[p])
	}
	return out, nil
}

func userGrant(user string, target types.TargetKind, id string, a types.Actions) types.Grant {
	return types.Grant{SubjectKind: types.SubjectUser, SubjectID: user, TargetKind: target, TargetID: id, Actions: a}
}

func roleGrant(role string, target types.TargetKind, id string, a types.Actions) types.Grant {
	return types.Grant{SubjectKind: types.SubjectRole, SubjectID: role, TargetKind: target, TargetID: id, Actions: a}
}

func everyoneGrant(target types.TargetKind, id string, a types.Actions) types.Grant {
	return types.Grant{SubjectKind: types.SubjectEveryone, TargetKind: target, TargetID: id, Actions: a}
}

const (
	read  = types.ActionRead
	write = types.ActionUpdate
	rw    = types.ActionRead | types.ActionUpdate
)

func TestEffective(t *testing.T) {
	ann := types.User("ann", "staff", "audit")
	tests := []struct {
		name   string
		grants []types.Grant
		id     string
		want   types.Actions
	}{
		{"nothing granted", nil, "doc", types.ActionNone},
		{"object grant", []types.Grant{userGrant("ann", types.TargetObject, "doc", rw)}, "doc", rw},
		{"nearest ancestor wins", []types.Grant{
			userGrant("ann", types.TargetObject, "root", types.ActionAll),
			userGrant("ann", types.TargetObject, "folder", read),
		}, "doc", read},
		{"user deny beats role allow", []types.Grant{
			roleGrant("staff", types.TargetObject, "doc", types.ActionAll),
			userGrant("ann", types.TargetObject, "doc", types.ActionNone),
		}, "doc", types.ActionNone},
		{"roles are unioned", []types.Grant{
			roleGrant("staff", types.TargetObject, "doc", read),
			roleGrant("audit", types.TargetObject, "doc", write),
			roleGrant("admin", types.TargetObject, "doc", types.ActionDelete),
		}, "doc", rw},
		{"everyone only without user or role", []types.Grant{
			everyoneGrant(types.TargetObject, "doc", types.ActionAll),
			roleGrant("staff", types.TargetObject, "doc", read),
		}, "doc", read},
		{"everyone applies alone", []types.Grant{everyoneGrant(types.TargetObject, "folder", read)}, "doc", read},
		{"scheme level", []types.Grant{userGrant("ann", types.TargetScheme, "S", rw)}, "doc", rw},
		{"object beats scheme", []types.Grant{
			userGrant("ann", types.TargetScheme, "S", types.ActionAll),
			roleGrant("staff", types.TargetObject, "root", read),
		}, "doc", read},
		{"global level", []types.Grant{everyoneGrant(types.TargetGlobal, "", read)}, "doc", read},
		{"scheme beats global", []types.Grant{
			everyoneGrant(types.TargetGlobal, "", types.ActionAll),
			everyoneGrant(types.TargetScheme, "S", types.ActionNone),
		}, "doc", types.ActionNone},
		{"other scheme ignored", []types.Grant{userGrant("ann", types.TargetScheme, "S", rw)}, "other", types.ActionNone},
		{"other user ignored", []types.Grant{userGrant("bob", types.TargetObject, "doc", rw)}, "doc", types.ActionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &fakeGrants{}
			for _, row := range tt.grants {
				g.add(row)
			}
			r := New(g, newTree())
			got, err := r.Effective(context.Background(), ann, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "got %s", got)
		})
	}
}

func TestEffectiveAtAndScheme(t *testing.T) {
	ctx := context.Background()
	g := &fakeGrants{}
	g.add(userGrant("ann", types.TargetObject, "folder", types.ActionInsert))
	g.add(userGrant("ann", types.TargetScheme, "S", read))
	r := New(g, newTree())
	ann := types.User("ann")

	got, err := r.EffectiveAt(ctx, ann, "S", "folder")
	require.NoError(t, err)
	assert.Equal(t, types.ActionInsert, got)

	got, err = r.EffectiveAt(ctx, ann, "S", "")
	require.NoError(t, err)
	assert.Equal(t, read, got)

	got, err = r.EffectiveForScheme(ctx, ann, "S")
	require.NoError(t, err)
	assert.Equal(t, read, got)

	_, err = r.EffectiveAt(ctx, ann, "S", "missing")
	assert.ErrorIs(t, err, types.ErrObjectNotFound)
}

func TestSystemBypasses(t *testing.T) {
	g := &fakeGrants{}
	g.add(everyoneGrant(types.TargetGlobal, "", types.ActionNone))
	r := New(g, newTree())
	got, err := r.Effective(context.Background(), types.System(), "doc")
	require.NoError(t, err)
	assert.Equal(t, types.ActionAll, got)
	assert.Zero(t, g.calls.Load())
}

func TestRequire(t *testing.T) {
	ctx := context.Background()
	g := &fakeGrants{}
	g.add(userGrant("ann", types.TargetObject, "doc", read))
	r := New(g, newTree())
	ann := types.User("ann")

	assert.NoError(t, r.Require(ctx, ann, "doc", read))
	err := r.Require(ctx, ann, "doc", rw)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)
	assert.Equal(t, types.KindPermissionDenied, types.KindOf(err))

	assert.ErrorIs(t, r.RequireScheme(ctx, ann, "S", read), types.ErrPermissionDenied)
	assert.ErrorIs(t, r.RequireAt(ctx, ann, "S", "doc", types.ActionInsert), types.ErrPermissionDenied)
	assert.NoError(t, r.RequireAt(ctx, ann, "S", "doc", read))

	assert.ErrorIs(t, r.Require(ctx, ann, "missing", read), types.ErrObjectNotFound)
}

func TestCacheServesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	g := &fakeGrants{}
	var outcomes []Outcome
	r := New(g, newTree(), WithObserver(func(o Outcome) { outcomes = append(outcomes, o) }))
	ann := types.User("ann")

	got, err := r.Effective(ctx, ann, "doc")
	require.NoError(t, err)
	assert.Equal(t, types.ActionNone, got)
	calls := g.calls.Load()

	_, err = r.Effective(ctx, ann, "doc")
	require.NoError(t, err)
	assert.Equal(t, calls, g.calls.Load(), "second lookup is cached")
	assert.Equal(t, []Outcome{CacheMiss, CacheHit}, outcomes)

	// A grant on an ancestor retires the cached answer for the descendant.
	grant := g.add(userGrant("ann", types.TargetObject, "root", read))
	r.Invalidate(grant)
	got, err = r.Effective(ctx, ann, "doc")
	require.NoError(t, err)
	assert.Equal(t, read, got)
	assert.Equal(t, CacheStale, outcomes[2])

	g.remove(grant.GrantID)
	r.Invalidate(grant)
	got, err = r.Effective(ctx, ann, "doc")
	require.NoError(t, err)
	assert.Equal(t, types.ActionNone, got)
}

func TestInvalidateScopes(t *testing.T) {
	ctx := context.Background()
	g := &fakeGrants{}
	r := New(g, newTree())
	ann := types.User("ann")
	tests := []struct {
		name       string
		invalidate func()
		stale      bool
	}{
		{"object on the chain", func() { r.InvalidateObject("folder") }, true},
		{"unrelated object", func() { r.InvalidateObject("other") }, false},
		{"scheme", func() { r.InvalidateScheme("S") }, true},
		{"other scheme", func() { r.InvalidateScheme("T") }, false},
		{"subject", func() { r.InvalidateSubject("ann") }, true},
		{"other subject", func() { r.InvalidateSubject("bob") }, false},
		{"purge", r.Purge, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Effective(ctx, ann, "doc")
			require.NoError(t, err)
			before := g.calls.Load()
			tt.invalidate()
			_, err = r.Effective(ctx, ann, "doc")
			require.NoError(t, err)
			assert.Equal(t, tt.stale, g.calls.Load() > before)
		})
	}
}

func TestCacheTTL(t *testing.T) {
	ctx := context.Background()
	g := &fakeGrants{}
	r := New(g, newTree(), WithTTL(20*time.Millisecond))
	ann := types.User("ann")

	_, err := r.Effective(ctx, ann, "doc")
	require.NoError(t, err)
	g.add(userGrant("ann", types.TargetObject, "doc", read))

	// Without invalidation the old answer is served until it expires.
	got, err := r.Effective(ctx, ann, "doc")
	require.NoError(t, err)
	assert.Equal(t, types.ActionNone, got)

	assert.Eventually(t, func() bool {
		got, err := r.Effective(ctx, ann, "doc")
		return err == nil && got == read
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentLookupsShareOneResolution(t *testing.T) {
	g := &fakeGrants{delay: 20 * time.Millisecond}
	g.add(userGrant("ann", types.TargetScheme, "S", read))
	r := New(g, newTree())
	ann := types.User("ann")

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.EffectiveForScheme(context.Background(), ann, "S")
			assert.NoError(t, err)
			assert.Equal(t, read, got)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), g.calls.Load())
}

func TestCancelledContext(t *testing.T) {
	r := New(&fakeGrants{}, newTree())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Effective(ctx, types.User("ann"), "doc")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLeaderCancelDoesNotFailWaiters(t *testing.T) {
	g := &fakeGrants{entered: make(chan struct{}, 1), release: make(chan struct{})}
	g.add(userGrant("ann", types.TargetScheme, "S", read))
	r := New(g, newTree())
	ann := types.User("ann")

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := r.EffectiveForScheme(leaderCtx, ann, "S")
		leaderErr <- err
	}()
	<-g.entered

	type result struct {
		actions types.Actions
		err     error
	}
	waiter := make(chan result, 1)
	go func() {
		a, err := r.EffectiveForScheme(context.Background(), ann, "S")
		waiter <- result{a, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled, "the cancelled caller stops waiting")
	close(g.release)

	got := <-waiter
	require.NoError(t, got.err)
	assert.Equal(t, read, got.actions)

	a, err := r.EffectiveForScheme(context.Background(), ann, "S")
	require.NoError(t, err)
	assert.Equal(t, read, a)
}
