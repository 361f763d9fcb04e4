package attic

import (
	"context"
	"time"

	"github.com/mesh-intelligence/attic/internal/describe"
	"github.com/mesh-intelligence/attic/internal/query"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// SaveValue saves the struct v, registering its type first. v's embedded
// types.Object, when it has one, receives the stored header.
func SaveValue[T any](ctx context.Context, se *Session, v *T) error {
	d, err := describe.Of[T]()
	if err != nil {
		return err
	}
	if _, err := se.s.registry.EnsureScheme(ctx, d); err != nil {
		return err
	}
	ent, _, err := describe.ToEntity(v)
	if err != nil {
		return err
	}
	if err := se.Save(ctx, ent); err != nil {
		return err
	}
	return describe.FromEntity(ent, v)
}

// LoadValue loads the object id into a T.
func LoadValue[T any](ctx context.Context, se *Session, id string) (*T, error) {
	ent, err := se.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	var v T
	if err := describe.FromEntity(ent, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Query returns a query over the scheme of desc yielding entities.
func (se *Session) Query(desc types.TypeDescriptor) *query.Query[*types.Entity] {
	return query.New(desc, se.s.registry, se.s.backend, se.queryOptions()...)
}

// QueryOf returns a query over the scheme of T yielding T values.
func QueryOf[T any](se *Session) *query.Query[T] {
	return query.For[T](se.s.registry, se.s.backend, se.queryOptions()...)
}

// queryOptions authorizes terminals with scheme-level read and follows
// references only into readable objects.
func (se *Session) queryOptions() []query.Option {
	return []query.Option{
		query.WithDepth(se.s.cfg.MaxDepth),
		query.WithLoader(se.loader()),
		query.WithGuard(func(ctx context.Context, schemeID string) error {
			return se.s.perms.RequireScheme(ctx, se.subject, schemeID, types.ActionRead)
		}),
		query.WithObserver(func(ctx context.Context, op string, err error, elapsed time.Duration) {
			se.s.metrics.ObserveError(ctx, "query_"+op, err, elapsed)
		}),
	}
}
