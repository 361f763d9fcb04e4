package attic

import (
	"context"
	"time"

	"github.com/mesh-intelligence/attic/internal/hierarchy"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Node is one object of a loaded subtree.
type Node = hierarchy.Node

// Children returns the direct children of id the subject may read.
func (se *Session) Children(ctx context.Context, id string) ([]types.Object, error) {
	if err := se.s.perms.Require(ctx, se.subject, id, types.ActionRead); err != nil {
		return nil, err
	}
	kids, err := se.s.tree.Children(ctx, id)
	if err != nil {
		return nil, err
	}
	return se.readable(ctx, kids)
}

// Ancestors returns the parent chain of id, nearest first. The chain is
// cut at the first ancestor the subject may not read.
func (se *Session) Ancestors(ctx context.Context, id string) ([]types.Object, error) {
	if err := se.s.perms.Require(ctx, se.subject, id, types.ActionRead); err != nil {
		return nil, err
	}
	chain, err := se.s.tree.Ancestors(ctx, id)
	if err != nil {
		return nil, err
	}
	for i, o := range chain {
		ok, err := se.can(ctx, o.ObjectID, types.ActionRead)
		if err != nil {
			return nil, err
		}
		if !ok {
			return chain[:i], nil
		}
	}
	return chain, nil
}

// Descendants returns the objects below id the subject may read, breadth
// first.
func (se *Session) Descendants(ctx context.Context, id string) ([]types.Object, error) {
	if err := se.s.perms.Require(ctx, se.subject, id, types.ActionRead); err != nil {
		return nil, err
	}
	all, err := se.s.tree.Descendants(ctx, id)
	if err != nil {
		return nil, err
	}
	return se.readable(ctx, all)
}

// Subtree loads id and its descendants down to maxDepth levels; negative
// is unbounded. Branches the subject may not read are pruned.
func (se *Session) Subtree(ctx context.Context, id string, maxDepth int) (root *Node, err error) {
	defer se.s.observe(ctx, "subtree", time.Now(), &err)
	if err := se.s.perms.Require(ctx, se.subject, id, types.ActionRead); err != nil {
		return nil, err
	}
	root, err = se.s.tree.LoadSubtree(ctx, id, maxDepth)
	if err != nil {
		return nil, err
	}
	return root, se.pruneTree(ctx, root)
}

func (se *Session) pruneTree(ctx context.Context, n *Node) error {
	kept := n.Children[:0]
	for _, k := range n.Children {
		ok, err := se.can(ctx, k.Object.ObjectID, types.ActionRead)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := se.pruneTree(ctx, k); err != nil {
			return err
		}
		kept = append(kept, k)
	}
	n.Children = kept
	return nil
}

// Move reparents id under parent, or to the root when parent is empty. It
// needs update on id and insert under the new parent.
func (se *Session) Move(ctx context.Context, id, parent string) (err error) {
	defer se.s.observe(ctx, "move", time.Now(), &err)
	o, err := se.s.backend.Object(ctx, id)
	if err != nil {
		return err
	}
	if err := se.s.perms.Require(ctx, se.subject, id, types.ActionUpdate); err != nil {
		return err
	}
	if err := se.s.perms.RequireAt(ctx, se.subject, o.SchemeID, parent, types.ActionInsert); err != nil {
		return err
	}
	if err := se.s.tree.Move(ctx, id, parent); err != nil {
		return err
	}
	se.s.forget(id)
	se.s.perms.InvalidateObject(id)
	return nil
}

func (se *Session) can(ctx context.Context, id string, want types.Actions) (bool, error) {
	have, err := se.s.perms.Effective(ctx, se.subject, id)
	if err != nil {
		return false, err
	}
	return have.Has(want), nil
}

func (se *Session) readable(ctx context.Context, objs []types.Object) ([]types.Object, error) {
	out := objs[:0]
	for _, o := range objs {
		ok, err := se.can(ctx, o.ObjectID, types.ActionRead)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, o)
		}
	}
	return out, nil
}
