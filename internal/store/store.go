// Package store defines the backend contract shared by the schema
// registry, the query translator, the hierarchy engine, the permission
// resolver and the facade. Backends live in internal/sqlstore and
// internal/memory.
package store

import (
	"context"
	"errors"

	"github.com/mesh-intelligence/attic/internal/diff"
	"github.com/mesh-intelligence/attic/pkg/filter"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// ErrDuplicate is returned when an insert violates a uniqueness
// constraint, such as a second scheme with the same name.
var ErrDuplicate = errors.New("duplicate row")

// Reader is the read side of a backend. Missing schemes return
// SchemeNotFound; missing objects, archives and grants return
// ObjectNotFound.
type Reader interface {
	SchemeByName(ctx context.Context, name string) (*types.SchemeInfo, error)
	SchemeByID(ctx context.Context, id string) (*types.SchemeInfo, error)
	Schemes(ctx context.Context) ([]types.SchemeInfo, error)

	// Object returns the header row of a top-level object.
	Object(ctx context.Context, id string) (types.Object, error)
	// Snapshot returns the full row set of a top-level object.
	Snapshot(ctx context.Context, id string) (*types.Snapshot, error)
	// Children returns the direct children of parentID ordered by id.
	Children(ctx context.Context, parentID string) ([]types.Object, error)

	// Grants returns the grants on one target. targetID is ignored for
	// TargetGlobal.
	Grants(ctx context.Context, target types.TargetKind, targetID string) ([]types.Grant, error)
	AllGrants(ctx context.Context) ([]types.Grant, error)

	Archive(ctx context.Context, id string) (*types.ArchiveRecord, error)
	Archives(ctx context.Context) ([]types.ArchiveRecord, error)
}

// Backend is a complete storage backend.
type Backend interface {
	Reader

	// Select evaluates a filter document and returns matching top-level
	// object ids in document order.
	Select(ctx context.Context, doc *filter.Document) ([]string, error)
	// Count returns the number of ids Select would return.
	Count(ctx context.Context, doc *filter.Document) (int, error)

	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is one write transaction. Every write of a save, delete, move or
// bulk batch goes through one Tx.
type Tx interface {
	// Object reads a header inside the transaction.
	Object(ctx context.Context, id string) (types.Object, error)

	InsertScheme(ctx context.Context, s types.Scheme) error
	UpdateScheme(ctx context.Context, s types.Scheme) error
	InsertStructure(ctx context.Context, s types.Structure) error
	UpdateStructure(ctx context.Context, s types.Structure) error
	// DeleteStructure removes a structure and every value row under it.
	DeleteStructure(ctx context.Context, id string) error

	// InsertSnapshot writes a new object with its values and nested rows.
	InsertSnapshot(ctx context.Context, snap *types.Snapshot) error
	// ApplyMutations rewrites header and applies ms. When expectHash is not
	// empty the header update is a compare-and-swap on the stored hash and
	// a mismatch fails with ConcurrencyConflict.
	ApplyMutations(ctx context.Context, header types.Object, expectHash string, ms *diff.MutationSet) error
	// ReplaceSnapshot drops every value and nested row of the object and
	// writes snap in their place, with the same compare-and-swap rule.
	ReplaceSnapshot(ctx context.Context, snap *types.Snapshot, expectHash string) error
	// DeleteObject removes an object with its values and nested rows.
	DeleteObject(ctx context.Context, id string) error
	SetParent(ctx context.Context, id, parentID string) error

	PutGrant(ctx context.Context, g types.Grant) error
	DeleteGrant(ctx context.Context, id string) error

	PutArchive(ctx context.Context, rec types.ArchiveRecord) error
	DeleteArchive(ctx context.Context, id string) error

	Commit() error
	Rollback() error
}

// WithTx runs fn in a transaction, committing on success and rolling back
// on error.
func WithTx(ctx context.Context, b Backend, fn func(Tx) error) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
