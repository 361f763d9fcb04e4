package query

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/attic/pkg/filter"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Row is one projected result.
type Row struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Count returns the number of results, honoring Skip and Take.
func (q *Query[T]) Count(ctx context.Context) (int, error) {
	doc, _, finish, err := q.run(ctx, "count")
	if err != nil {
		return 0, err
	}
	n, err := q.backend.Count(ctx, doc)
	finish(err)
	return n, err
}

// Any reports whether at least one result exists.
func (q *Query[T]) Any(ctx context.Context) (bool, error) {
	doc, _, finish, err := q.run(ctx, "any")
	if err != nil {
		return false, err
	}
	if doc.Limit == nil || *doc.Limit > 1 {
		one := 1
		doc.Limit = &one
	}
	doc.Order = nil
	ids, err := q.backend.Select(ctx, doc)
	finish(err)
	return len(ids) > 0, err
}

// All reports whether every result also satisfies p. An unknown outcome
// for a result counts as not satisfied. All over no results is true.
func (q *Query[T]) All(ctx context.Context, p Pred) (bool, error) {
	doc, c, finish, err := q.run(ctx, "all")
	if err != nil {
		return false, err
	}
	ok, err := q.all(ctx, doc, c, p)
	finish(err)
	return ok, err
}

func (q *Query[T]) all(ctx context.Context, doc *filter.Document, c *compiler, p Pred) (bool, error) {
	cond, err := c.node(p)
	if err != nil {
		return false, err
	}
	ids, err := q.backend.Select(ctx, doc)
	if err != nil || len(ids) == 0 {
		return err == nil, err
	}
	matched := doc.Clone()
	matched.Where = filter.And(doc.Where, cond)
	matched.Order, matched.Offset, matched.Limit = nil, 0, nil
	if err := matched.Validate(); err != nil {
		return false, err
	}
	hits, err := q.backend.Select(ctx, matched)
	if err != nil {
		return false, err
	}
	set := make(map[string]bool, len(hits))
	for _, id := range hits {
		set[id] = true
	}
	for _, id := range ids {
		if !set[id] {
			return false, nil
		}
	}
	return true, nil
}

// IDs returns the ids of the results in order.
func (q *Query[T]) IDs(ctx context.Context) ([]string, error) {
	doc, _, finish, err := q.run(ctx, "ids")
	if err != nil {
		return nil, err
	}
	ids, err := q.backend.Select(ctx, doc)
	finish(err)
	return ids, err
}

// List loads and decodes the results in order.
func (q *Query[T]) List(ctx context.Context) ([]T, error) {
	doc, _, finish, err := q.run(ctx, "list")
	if err != nil {
		return nil, err
	}
	out, err := q.list(ctx, doc, q.opts.depth)
	finish(err)
	return out, err
}

func (q *Query[T]) list(ctx context.Context, doc *filter.Document, depth int) ([]T, error) {
	ents, err := q.entities(ctx, doc, depth)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(ents))
	for i, e := range ents {
		if out[i], err = q.decode(e); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// entities selects doc and loads every result concurrently, keeping the
// selection order.
func (q *Query[T]) entities(ctx context.Context, doc *filter.Document, depth int) ([]*types.Entity, error) {
	ids, err := q.backend.Select(ctx, doc)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Entity, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	if q.opts.parallel > 0 {
		g.SetLimit(q.opts.parallel)
	}
	for i, id := range ids {
		g.Go(func() error {
			snap, err := q.backend.Snapshot(gctx, id)
			if err != nil {
				return err
			}
			ent, err := q.codec.Deserialize(gctx, snap, depth, q.opts.load)
			if err != nil {
				return err
			}
			out[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Project returns the fields named by Select for every result.
func (q *Query[T]) Project(ctx context.Context) ([]Row, error) {
	doc, c, finish, err := q.run(ctx, "project")
	if err != nil {
		return nil, err
	}
	rows, err := q.project(ctx, doc, c)
	finish(err)
	return rows, err
}

func (q *Query[T]) project(ctx context.Context, doc *filter.Document, c *compiler) ([]Row, error) {
	if len(q.fields) == 0 {
		return nil, types.Invalid("project", "no fields selected")
	}
	depth := q.opts.depth
	for _, name := range q.fields {
		f, err := c.field(name)
		if err != nil {
			return nil, err
		}
		depth = max(depth, referenceHops(f))
	}
	ents, err := q.entities(ctx, doc, depth)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(ents))
	for i, e := range ents {
		row := Row{ID: e.ID(), Fields: make(map[string]any, len(q.fields))}
		for _, name := range q.fields {
			if v, ok := e.Record.Lookup(name); ok {
				row.Fields[name] = v
			}
		}
		rows[i] = row
	}
	return rows, nil
}

// Distinct returns the distinct present values of a scalar field across
// the results, in first-seen order. Skip and Take apply to the results
// before values are collected.
func (q *Query[T]) Distinct(ctx context.Context, path string) ([]any, error) {
	doc, c, finish, err := q.run(ctx, "distinct")
	if err != nil {
		return nil, err
	}
	vals, err := q.distinct(ctx, doc, c, path)
	finish(err)
	return vals, err
}

func (q *Query[T]) distinct(ctx context.Context, doc *filter.Document, c *compiler, path string) ([]any, error) {
	f, err := c.field(path)
	if err != nil {
		return nil, err
	}
	if leaf := f.Leaf(); leaf.Array || !leaf.Kind.Scalar() {
		return nil, types.Invalid("distinct", "%s is not a scalar field", path).WithField(path)
	}
	ents, err := q.entities(ctx, doc, max(q.opts.depth, referenceHops(f)))
	if err != nil {
		return nil, err
	}
	seen := make(map[any]bool)
	var out []any
	for _, e := range ents {
		v, ok := e.Record.Lookup(path)
		if !ok {
			continue
		}
		key := v
		if t, ok := v.(time.Time); ok {
			key = types.FormatTimestamp(t)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out, nil
}
