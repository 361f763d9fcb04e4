// Package hierarchy walks and edits the parent links between objects.
// Read traversals keep a visited set and stop at the first revisit, so a
// corrupted parent chain yields a partial result instead of a loop. Move
// refuses any edit that would create a cycle.
package hierarchy

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/mesh-intelligence/attic/internal/query"
	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Engine performs tree traversals and moves.
type Engine struct {
	backend store.Backend
	log     zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New returns an Engine over b.
func New(b store.Backend, opts ...Option) *Engine {
	e := &Engine{backend: b, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Node is one object of a loaded subtree.
type Node struct {
	Object   types.Object `json:"object"`
	Children []*Node      `json:"children,omitempty"`
}

// Object returns the header of id.
func (e *Engine) Object(ctx context.Context, id string) (types.Object, error) {
	return e.backend.Object(ctx, id)
}

// Children returns the direct children of id ordered by id.
func (e *Engine) Children(ctx context.Context, id string) ([]types.Object, error) {
	if _, err := e.backend.Object(ctx, id); err != nil {
		return nil, err
	}
	return e.backend.Children(ctx, id)
}

// HasChildren reports whether id has at least one child.
func (e *Engine) HasChildren(ctx context.Context, id string) (bool, error) {
	kids, err := e.backend.Children(ctx, id)
	if err != nil {
		return false, err
	}
	return len(kids) > 0, nil
}

// Ancestors returns the parent chain of id, nearest first. A parent that
// no longer exists ends the chain; so does the first revisited id.
func (e *Engine) Ancestors(ctx context.Context, id string) ([]types.Object, error) {
	start, err := e.backend.Object(ctx, id)
	if err != nil {
		return nil, err
	}
	return ancestors(ctx, e.backend.Object, start, e.log)
}

type lookup func(ctx context.Context, id string) (types.Object, error)

func ancestors(ctx context.Context, get lookup, start types.Object, log zerolog.Logger) ([]types.Object, error) {
	var out []types.Object
	seen := map[string]bool{start.ObjectID: true}
	next := start.ParentID
	for next != "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if seen[next] {
			log.Warn().Str("object", start.ObjectID).Str("revisit", next).Msg("parent chain loops")
			break
		}
		seen[next] = true
		o, err := get(ctx, next)
		if errors.Is(err, types.ErrObjectNotFound) {
			log.Debug().Str("object", start.ObjectID).Str("missing", next).Msg("parent chain ends at a missing object")
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, o)
		next = o.ParentID
	}
	return out, nil
}

// Descendants returns every object below id in breadth-first order.
func (e *Engine) Descendants(ctx context.Context, id string) ([]types.Object, error) {
	root, err := e.LoadSubtree(ctx, id, -1)
	if err != nil {
		return nil, err
	}
	var out []types.Object
	level := root.Children
	for len(level) > 0 {
		var next []*Node
		for _, n := range level {
			out = append(out, n.Object)
			next = append(next, n.Children...)
		}
		level = next
	}
	return out, nil
}

// LoadSubtree loads id and its descendants down to maxDepth levels below
// it. A negative maxDepth is unbounded. Objects reached twice are kept
// only where first seen.
func (e *Engine) LoadSubtree(ctx context.Context, id string, maxDepth int) (*Node, error) {
	o, err := e.backend.Object(ctx, id)
	if err != nil {
		return nil, err
	}
	root := &Node{Object: o}
	seen := map[string]bool{id: true}
	level := []*Node{root}
	for depth := 0; len(level) > 0 && (maxDepth < 0 || depth < maxDepth); depth++ {
		var next []*Node
		for _, n := range level {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			kids, err := e.backend.Children(ctx, n.Object.ObjectID)
			if err != nil {
				return nil, err
			}
			for _, k := range kids {
				if seen[k.ObjectID] {
					e.log.Warn().Str("object", k.ObjectID).Str("parent", n.Object.ObjectID).Msg("subtree revisits an object")
					continue
				}
				seen[k.ObjectID] = true
				child := &Node{Object: k}
				n.Children = append(n.Children, child)
				next = append(next, child)
			}
		}
		level = next
	}
	return root, nil
}

// DeleteOrder returns id and its descendants ordered so that every object
// comes after all of its descendants.
func (e *Engine) DeleteOrder(ctx context.Context, id string) ([]string, error) {
	desc, err := e.Descendants(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(desc)+1)
	for i := len(desc) - 1; i >= 0; i-- {
		out = append(out, desc[i].ObjectID)
	}
	return append(out, id), nil
}

// Move reparents id under parent, or makes it a root when parent is
// empty. Moving an object under itself or one of its descendants fails
// with CycleDetected.
func (e *Engine) Move(ctx context.Context, id, parent string) error {
	return store.WithTx(ctx, e.backend, func(tx store.Tx) error {
		return MoveTx(ctx, tx, id, parent, e.log)
	})
}

// MoveTx performs Move inside tx.
func MoveTx(ctx context.Context, tx store.Tx, id, parent string, log zerolog.Logger) error {
	if _, err := tx.Object(ctx, id); err != nil {
		return err
	}
	if parent == id {
		return types.E(types.KindCycleDetected, "move", "object cannot be its own parent").WithObject(id)
	}
	if parent != "" {
		p, err := tx.Object(ctx, parent)
		if err != nil {
			return err
		}
		chain, err := ancestors(ctx, tx.Object, p, log)
		if err != nil {
			return err
		}
		for _, a := range chain {
			if a.ObjectID == id {
				return types.E(types.KindCycleDetected, "move", "%s is a descendant", parent).WithObject(id)
			}
		}
	}
	if err := tx.SetParent(ctx, id, parent); err != nil {
		return err
	}
	log.Debug().Str("object", id).Str("parent", parent).Msg("moved")
	return nil
}

// Within restricts q to the subtrees under roots.
func Within[T any](q *query.Query[T], roots ...string) *query.Query[T] {
	return q.Within(roots...)
}
