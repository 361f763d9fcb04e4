// Package query is the typed query builder. A Query accumulates a filter,
// a tree scope, ordering, paging and a projection; terminals compile it to
// a filter.Document and run it against a backend. Every operator returns a
// new Query, so a partially built query can be shared and extended.
package query

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mesh-intelligence/attic/internal/codec"
	"github.com/mesh-intelligence/attic/internal/describe"
	"github.com/mesh-intelligence/attic/pkg/filter"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Backend is the part of a store the builder reads.
type Backend interface {
	Select(ctx context.Context, doc *filter.Document) ([]string, error)
	Count(ctx context.Context, doc *filter.Document) (int, error)
	Snapshot(ctx context.Context, id string) (*types.Snapshot, error)
}

// State is the position of a query in its life cycle.
type State int

// Query states.
const (
	Unbound State = iota
	Filtered
	Ordered
	Projected
	Paged
	Executed
)

var stateNames = [...]string{"unbound", "filtered", "ordered", "projected", "paged", "executed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Guard authorizes a query against a scheme before it runs.
type Guard func(ctx context.Context, schemeID string) error

// Observer receives the outcome of every terminal.
type Observer func(ctx context.Context, op string, err error, elapsed time.Duration)

// Option configures a query.
type Option func(*options)

type options struct {
	depth    int
	load     codec.Loader
	guard    Guard
	observe  Observer
	parallel int
}

// WithDepth sets how many reference hops List and Project materialize.
func WithDepth(n int) Option {
	return func(o *options) { o.depth = n }
}

// WithLoader replaces the loader used to follow references.
func WithLoader(l codec.Loader) Option {
	return func(o *options) { o.load = l }
}

// WithGuard runs g before each terminal.
func WithGuard(g Guard) Option {
	return func(o *options) { o.guard = g }
}

// WithObserver reports terminal outcomes to fn.
func WithObserver(fn Observer) Option {
	return func(o *options) { o.observe = fn }
}

// WithParallelism bounds concurrent snapshot loads in List and Project.
func WithParallelism(n int) Option {
	return func(o *options) { o.parallel = n }
}

type orderTerm struct {
	expr Expr
	dir  Direction
}

// Query is an immutable query over one scheme whose results decode to T.
type Query[T any] struct {
	desc    types.TypeDescriptor
	schemes codec.Schemes
	backend Backend
	codec   *codec.Codec
	decode  func(*types.Entity) (T, error)
	opts    options

	where  []Pred
	roots  []string
	self   bool
	order  []orderTerm
	offset int
	limit  *int
	fields []string

	state State
	err   error
	done  *atomic.Bool
}

// New returns an unbound query over the scheme of desc yielding entities.
func New(desc types.TypeDescriptor, schemes codec.Schemes, backend Backend, opts ...Option) *Query[*types.Entity] {
	return build(desc, schemes, backend, func(e *types.Entity) (*types.Entity, error) { return e, nil }, opts)
}

// For returns an unbound query over the scheme of T yielding T values.
func For[T any](schemes codec.Schemes, backend Backend, opts ...Option) *Query[T] {
	d, err := describe.Of[T]()
	q := build(types.TypeDescriptor(d), schemes, backend, func(e *types.Entity) (T, error) {
		var v T
		err := describe.FromEntity(e, &v)
		return v, err
	}, opts)
	if err != nil {
		q.err = err
	}
	return q
}

func build[T any](desc types.TypeDescriptor, schemes codec.Schemes, backend Backend, decode func(*types.Entity) (T, error), opts []Option) *Query[T] {
	q := &Query[T]{
		desc:    desc,
		schemes: schemes,
		backend: backend,
		codec:   codec.New(schemes),
		decode:  decode,
		opts:    options{depth: types.DefaultMaxDepth, parallel: 8},
		done:    new(atomic.Bool),
	}
	for _, o := range opts {
		o(&q.opts)
	}
	if q.opts.load == nil {
		q.opts.load = backend.Snapshot
	}
	return q
}

// State returns the position of q in its life cycle.
func (q *Query[T]) State() State {
	if q.done.Load() {
		return Executed
	}
	return q.state
}

// Err returns the first error recorded while building q.
func (q *Query[T]) Err() error { return q.err }

func executed(op string) *types.Error {
	return &types.Error{Kind: types.KindValidation, Op: op, Err: types.ErrQueryExecuted}
}

// next copies q for an operator. The copy has its own execution flag and
// slices.
func (q *Query[T]) next(op string) *Query[T] {
	c := *q
	c.done = new(atomic.Bool)
	c.where = append([]Pred(nil), q.where...)
	c.roots = append([]string(nil), q.roots...)
	c.order = append([]orderTerm(nil), q.order...)
	c.fields = append([]string(nil), q.fields...)
	if q.limit != nil {
		l := *q.limit
		c.limit = &l
	}
	if c.err == nil && q.done.Load() {
		c.err = executed(op)
	}
	return &c
}

func (q *Query[T]) paged() bool { return q.offset > 0 || q.limit != nil }

func (q *Query[T]) advance(s State) {
	if s > q.state {
		q.state = s
	}
}

// Where narrows q by p. Repeated calls are combined with And.
func (q *Query[T]) Where(p Pred) *Query[T] {
	c := q.next("where")
	if c.err != nil {
		return c
	}
	if q.paged() {
		c.err = types.Invalid("where", "filter after skip or take")
		return c
	}
	c.where = append(c.where, p)
	c.advance(Filtered)
	return c
}

// Within restricts q to the descendants of roots.
func (q *Query[T]) Within(roots ...string) *Query[T] {
	c := q.next("within")
	if c.err != nil {
		return c
	}
	if q.paged() {
		c.err = types.Invalid("within", "scope after skip or take")
		return c
	}
	if len(roots) == 0 {
		c.err = types.Invalid("within", "no roots")
		return c
	}
	c.roots = append(c.roots, roots...)
	c.advance(Filtered)
	return c
}

// IncludeRoots makes a Within scope match the roots themselves.
func (q *Query[T]) IncludeRoots() *Query[T] {
	c := q.next("within")
	if c.err != nil {
		return c
	}
	if len(c.roots) == 0 {
		c.err = types.Invalid("within", "include roots without a scope")
		return c
	}
	c.self = true
	return c
}

// OrderBy replaces the ordering with key.
func (q *Query[T]) OrderBy(key Expr, dir Direction) *Query[T] {
	c := q.next("order")
	if c.err != nil {
		return c
	}
	if q.paged() {
		c.err = types.Invalid("order", "ordering after skip or take")
		return c
	}
	c.order = []orderTerm{{expr: key, dir: dir}}
	c.advance(Ordered)
	return c
}

// ThenBy appends a secondary ordering key.
func (q *Query[T]) ThenBy(key Expr, dir Direction) *Query[T] {
	c := q.next("order")
	if c.err != nil {
		return c
	}
	if len(q.order) == 0 {
		c.err = types.Invalid("order", "then by without order by")
		return c
	}
	if q.paged() {
		c.err = types.Invalid("order", "ordering after skip or take")
		return c
	}
	c.order = append(c.order, orderTerm{expr: key, dir: dir})
	return c
}

// Skip drops the first n results of the current window.
func (q *Query[T]) Skip(n int) *Query[T] {
	c := q.next("skip")
	if c.err != nil {
		return c
	}
	if n < 0 {
		c.err = types.Invalid("skip", "negative count %d", n)
		return c
	}
	c.offset += n
	if c.limit != nil {
		rest := max(*c.limit-n, 0)
		c.limit = &rest
	}
	c.advance(Paged)
	return c
}

// Take bounds the current window to n results.
func (q *Query[T]) Take(n int) *Query[T] {
	c := q.next("take")
	if c.err != nil {
		return c
	}
	if n < 0 {
		c.err = types.Invalid("take", "negative count %d", n)
		return c
	}
	if c.limit == nil || n < *c.limit {
		c.limit = &n
	}
	c.advance(Paged)
	return c
}

// Select sets the fields Project returns.
func (q *Query[T]) Select(fields ...string) *Query[T] {
	c := q.next("select")
	if c.err != nil {
		return c
	}
	if len(fields) == 0 {
		c.err = types.Invalid("select", "no fields")
		return c
	}
	c.fields = fields
	c.advance(Projected)
	return c
}

// Document compiles q without running it.
func (q *Query[T]) Document(ctx context.Context) (*filter.Document, error) {
	if q.err != nil {
		return nil, q.err
	}
	doc, _, err := q.compile(ctx)
	return doc, err
}

func (q *Query[T]) compile(ctx context.Context) (*filter.Document, *compiler, error) {
	if q.desc == nil {
		return nil, nil, types.Invalid("query", "no type")
	}
	info, err := q.schemes.Lookup(ctx, q.desc.TypeName())
	if err != nil {
		return nil, nil, err
	}
	c := newCompiler(ctx, q.schemes, info)
	doc := &filter.Document{SchemeID: info.Scheme.SchemeID, Offset: q.offset}
	if q.limit != nil {
		l := *q.limit
		doc.Limit = &l
	}
	if len(q.where) > 0 {
		nodes := make([]*filter.Node, len(q.where))
		for i, p := range q.where {
			if nodes[i], err = c.node(p); err != nil {
				return nil, nil, err
			}
		}
		doc.Where = filter.And(nodes...)
	}
	if len(q.roots) > 0 {
		doc.Scope = &filter.Scope{Roots: append([]string(nil), q.roots...), IncludeRoots: q.self}
	}
	for _, t := range q.order {
		e, err := c.expr(t.expr)
		if err != nil {
			return nil, nil, err
		}
		doc.Order = append(doc.Order, filter.OrderKey{Expr: *e, Desc: bool(t.dir)})
	}
	if err := doc.Validate(); err != nil {
		return nil, nil, err
	}
	return doc, c, nil
}

// run marks q executed, compiles it and applies the guard. finish reports
// the outcome to the observer.
func (q *Query[T]) run(ctx context.Context, op string) (doc *filter.Document, c *compiler, finish func(error), err error) {
	start := time.Now()
	finish = func(err error) {
		if q.opts.observe != nil {
			q.opts.observe(ctx, op, err, time.Since(start))
		}
	}
	defer func() {
		if err != nil {
			finish(err)
		}
	}()
	if q.err != nil {
		return nil, nil, finish, q.err
	}
	if !q.done.CompareAndSwap(false, true) {
		return nil, nil, finish, executed(op)
	}
	doc, c, err = q.compile(ctx)
	if err != nil {
		return nil, nil, finish, err
	}
	if q.opts.guard != nil {
		if err := q.opts.guard(ctx, doc.SchemeID); err != nil {
			return nil, nil, finish, err
		}
	}
	return doc, c, finish, nil
}
